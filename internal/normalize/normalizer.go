package normalize

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"volumeflex/internal/dex"
	"volumeflex/internal/metrics"
	"volumeflex/internal/model"
	"volumeflex/internal/retry"
)

// Skip reasons. Every skipped log wraps exactly one of these.
var (
	ErrSkipDecode      = errors.New("swap payload not decodable")
	ErrSkipMetadata    = errors.New("pool or token metadata unavailable")
	ErrSkipAttribution = errors.New("swap not attributable to wallet")
	ErrSkipTimestamp   = errors.New("block timestamp unavailable")
	ErrSkipPrice       = errors.New("no usd price for either leg")
	ErrSkipNotional    = errors.New("notional not positive")
)

// ErrTransient marks a skip caused by a lookup that failed after its retries
// rather than by the log itself. A later run may emit the same log.
var ErrTransient = errors.New("lookup failed after retries")

// MetadataSource resolves pool tokens and token details.
type MetadataSource interface {
	TokensOf(ctx context.Context, pool common.Address) (model.PoolMeta, error)
	DecimalsOf(ctx context.Context, token common.Address) (uint8, error)
	SymbolOf(ctx context.Context, token common.Address) string
}

// PriceSource resolves a historical USD price.
type PriceSource interface {
	Resolve(ctx context.Context, token common.Address, at time.Time) (decimal.Decimal, error)
}

// ChainSource provides block times and transaction senders.
type ChainSource interface {
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
	TransactionSender(ctx context.Context, txHash common.Hash) (common.Address, error)
}

// Config holds normalizer settings.
type Config struct {
	// RequireSender applies the tx.from check to address-filtered logs as well.
	RequireSender bool
	// BroadScan is set when the scanner also ran the unfiltered query. Which
	// query found a log is then arbitrary, so every log needs tx.from == wallet.
	BroadScan bool
	Retry         retry.Policy
}

// Normalizer turns raw swap logs into USD trades for one wallet.
type Normalizer struct {
	cfg     Config
	meta    MetadataSource
	prices  PriceSource
	chain   ChainSource
	senders *senderCache
	logger  *zap.Logger

	mu     sync.RWMutex
	blocks map[uint64]uint64
}

func NewNormalizer(cfg Config, meta MetadataSource, prices PriceSource, chain ChainSource, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		cfg:     cfg,
		meta:    meta,
		prices:  prices,
		chain:   chain,
		senders: newSenderCache(),
		logger:  logger,
		blocks:  make(map[uint64]uint64),
	}
}

type leg struct {
	token common.Address
	units decimal.Decimal
	price decimal.Decimal
	usd   decimal.Decimal
	ok    bool
}

// Normalize converts one log. A skipped log returns an error wrapping one of
// the ErrSkip sentinels; a context error is returned as is.
func (n *Normalizer) Normalize(ctx context.Context, log model.RawLog, wallet common.Address) (model.Trade, error) {
	trade, err := n.normalize(ctx, log, wallet)
	if ctx.Err() != nil {
		return model.Trade{}, ctx.Err()
	}
	metrics.TradesNormalized.WithLabelValues(Outcome(err)).Inc()
	return trade, err
}

func (n *Normalizer) normalize(ctx context.Context, log model.RawLog, wallet common.Address) (model.Trade, error) {
	amounts, err := dex.DecodeSwap(log)
	if err != nil {
		return model.Trade{}, fmt.Errorf("%w: %v", ErrSkipDecode, err)
	}

	pool, err := n.meta.TokensOf(ctx, log.Pool)
	if err != nil {
		return model.Trade{}, metadataSkip(err)
	}
	decimals0, err := n.meta.DecimalsOf(ctx, pool.Token0)
	if err != nil {
		return model.Trade{}, metadataSkip(err)
	}
	decimals1, err := n.meta.DecimalsOf(ctx, pool.Token1)
	if err != nil {
		return model.Trade{}, metadataSkip(err)
	}

	ok, err := n.attributable(ctx, log, wallet)
	if err != nil {
		return model.Trade{}, fmt.Errorf("%w: %w: sender lookup: %v", ErrSkipAttribution, ErrTransient, err)
	}
	if !ok {
		return model.Trade{}, ErrSkipAttribution
	}

	ts, err := n.blockTime(ctx, log.BlockNumber)
	if err != nil {
		return model.Trade{}, fmt.Errorf("%w: %w: block %d: %v", ErrSkipTimestamp, ErrTransient, log.BlockNumber, err)
	}
	at := time.Unix(int64(ts), 0).UTC()

	legs := [2]leg{
		{token: pool.Token0, units: TokenUnits(amounts.Amount0, decimals0)},
		{token: pool.Token1, units: TokenUnits(amounts.Amount1, decimals1)},
	}
	for i := range legs {
		price, err := n.prices.Resolve(ctx, legs[i].token, at)
		if err != nil {
			n.logger.Debug("leg price unavailable",
				zap.String("token", legs[i].token.Hex()),
				zap.Time("at", at),
				zap.Error(err),
			)
			continue
		}
		legs[i].price = price
		legs[i].usd = legs[i].units.Mul(price)
		legs[i].ok = true
	}

	dominant, ok := dominantLeg(legs)
	if !ok {
		return model.Trade{}, ErrSkipPrice
	}
	if !dominant.usd.IsPositive() {
		return model.Trade{}, ErrSkipNotional
	}

	market := n.meta.SymbolOf(ctx, pool.Token0) + "-" + n.meta.SymbolOf(ctx, pool.Token1)
	return model.Trade{
		Exchange:      model.ExchangeUniswapV3,
		WalletAddress: strings.ToLower(wallet.Hex()),
		Market:        market,
		Side:          model.SideSwap,
		Price:         dominant.price.InexactFloat64(),
		Size:          dominant.units.InexactFloat64(),
		NotionalValue: dominant.usd.InexactFloat64(),
		Timestamp:     int64(ts),
		TradeID:       log.Key().TradeID(),
	}, nil
}

// metadataSkip marks failed contract calls as transient; a contract that
// answered without usable metadata is a permanent skip.
func metadataSkip(err error) error {
	if errors.Is(err, dex.ErrCallFailed) {
		return fmt.Errorf("%w: %w: %v", ErrSkipMetadata, ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrSkipMetadata, err)
}

// Transient reports whether a skip may succeed on a later run.
func Transient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// dominantLeg picks the priced leg with the larger USD value; equal values
// keep leg 0.
func dominantLeg(legs [2]leg) (leg, bool) {
	switch {
	case legs[0].ok && legs[1].ok:
		if legs[1].usd.GreaterThan(legs[0].usd) {
			return legs[1], true
		}
		return legs[0], true
	case legs[0].ok:
		return legs[0], true
	case legs[1].ok:
		return legs[1], true
	}
	return leg{}, false
}

// TokenUnits converts a signed raw amount to its absolute value in token units.
func TokenUnits(amount *big.Int, decimals uint8) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(new(big.Int).Abs(amount), -int32(decimals))
}

func (n *Normalizer) blockTime(ctx context.Context, number uint64) (uint64, error) {
	n.mu.RLock()
	ts, ok := n.blocks[number]
	n.mu.RUnlock()
	if ok {
		return ts, nil
	}

	err := retry.Do(ctx, n.cfg.Retry, func(ctx context.Context) error {
		var err error
		ts, err = n.chain.BlockTimestamp(ctx, number)
		return err
	})
	if err != nil {
		return 0, err
	}

	n.mu.Lock()
	n.blocks[number] = ts
	n.mu.Unlock()
	return ts, nil
}

// Outcome maps a Normalize result to a short label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "emitted"
	case errors.Is(err, ErrSkipDecode):
		return "decode"
	case errors.Is(err, ErrSkipMetadata):
		return "metadata"
	case errors.Is(err, ErrSkipAttribution):
		return "attribution"
	case errors.Is(err, ErrSkipTimestamp):
		return "timestamp"
	case errors.Is(err, ErrSkipPrice):
		return "price"
	case errors.Is(err, ErrSkipNotional):
		return "notional"
	default:
		return "error"
	}
}
