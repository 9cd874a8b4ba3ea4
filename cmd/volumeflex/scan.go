package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"volumeflex/internal/indexer"
	"volumeflex/internal/pipeline"
	"volumeflex/internal/storage"
)

// summaryTimeout bounds the closing summary query, which still runs after an
// interrupt.
const summaryTimeout = 10 * time.Second

type scanOutput struct {
	Reports []pipeline.Report `json:"reports"`
	Summary storage.Summary   `json:"summary"`
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	wallets, err := indexer.ParseAddresses(cfg.Wallets)
	if err != nil {
		return err
	}
	if len(wallets) == 0 {
		return fmt.Errorf("at least one wallet is required")
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
	if err := svc.openStorage(ctx); err != nil {
		return err
	}

	logger.Info("scan start",
		zap.Int("wallets", len(wallets)),
		zap.Uint64("from", cfg.FromBlock),
		zap.Uint64("to", cfg.ToBlock),
		zap.Uint64("lookback", cfg.Lookback),
		zap.Uint64("chunk_size", cfg.ChunkSize),
		zap.Bool("broad_scan", cfg.BroadScan),
		zap.Int("concurrency", cfg.Concurrency),
	)

	reports, ingestErr := svc.pipeline().IngestAll(ctx, wallets, cfg.Concurrency)
	if errors.Is(ingestErr, context.Canceled) {
		logger.Warn("scan interrupted")
	}

	summary, err := finalSummary(ctx, svc.summaries)
	if err != nil {
		logger.Warn("volume summary failed", zap.Error(err))
	}

	out, err := sonic.ConfigDefault.MarshalIndent(scanOutput{Reports: reports, Summary: summary}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	logger.Info("scan complete",
		zap.Float64("total_volume", summary.TotalVolume),
		zap.Int64("total_trades", summary.TotalTrades),
		zap.Int64("negative_notional", summary.NegativeNotional),
	)
	return ingestErr
}

func finalSummary(parent context.Context, reader storage.SummaryReader) (storage.Summary, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), summaryTimeout)
	defer cancel()
	return reader.Summary(ctx, "")
}
