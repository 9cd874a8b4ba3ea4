package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type priceOutput struct {
	Token string `json:"token"`
	At    string `json:"at"`
	USD   string `json:"usd"`
}

func runPrice(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tokenArg, _ := cmd.Flags().GetString("token")
	if !common.IsHexAddress(strings.TrimSpace(tokenArg)) {
		return fmt.Errorf("invalid token address: %q", tokenArg)
	}
	token := common.HexToAddress(strings.TrimSpace(tokenArg))

	atArg, _ := cmd.Flags().GetString("at")
	at, err := parseTimestamp(atArg, time.Now())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := newServices(cfg, logger)
	defer svc.Close()
	if err := svc.connectChain(ctx); err != nil {
		return err
	}
	if err := svc.openPrices(ctx); err != nil {
		return err
	}

	usd, err := svc.prices.Resolve(ctx, token, at)
	if err != nil {
		return fmt.Errorf("resolve %s at %s: %w", token.Hex(), at.UTC().Format(time.RFC3339), err)
	}
	logger.Debug("price resolved", zap.String("token", token.Hex()), zap.String("usd", usd.String()))

	out, err := sonic.Marshal(priceOutput{
		Token: token.Hex(),
		At:    at.UTC().Format(time.RFC3339),
		USD:   usd.String(),
	})
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// parseTimestamp accepts unix seconds or RFC3339; empty input yields now.
func parseTimestamp(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return now, nil
	}
	if secs, err := strconv.ParseInt(input, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, input)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: use unix seconds or RFC3339", input)
	}
	return ts, nil
}
