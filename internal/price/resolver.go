package price

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"volumeflex/internal/metrics"
)

// ErrUnavailable is returned when neither the feed nor the history service has a price.
var ErrUnavailable = errors.New("price unavailable")

// FeedSource reads an aggregator feed at a point in time.
type FeedSource interface {
	PriceAt(ctx context.Context, feed common.Address, at time.Time) (decimal.Decimal, bool, error)
}

// HistorySource reads a daily price from a remote service.
type HistorySource interface {
	PriceOn(ctx context.Context, assetID string, day time.Time) (decimal.Decimal, bool, error)
}

// Resolver resolves historical USD prices with day granularity: cache, then
// feed, then history service.
type Resolver struct {
	registry *Registry
	feeds    FeedSource
	history  HistorySource
	cache    Cache
	logger   *zap.Logger
}

// NewResolver wires the tiers. A nil cache uses a process-local one; a nil
// feeds or history source disables that tier.
func NewResolver(registry *Registry, feeds FeedSource, history HistorySource, cache Cache, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	if cache == nil {
		cache = NewMemoryCache(DefaultCacheTTL)
	}
	return &Resolver{
		registry: registry,
		feeds:    feeds,
		history:  history,
		cache:    cache,
		logger:   logger,
	}
}

// Resolve returns the USD price of token at the given time. The result is
// always positive; ErrUnavailable is returned instead of a zero price.
func (r *Resolver) Resolve(ctx context.Context, token common.Address, at time.Time) (decimal.Decimal, error) {
	at = at.UTC()
	key := CacheKey(token, at)

	if cached, ok := r.cache.Get(ctx, key); ok && cached.IsPositive() {
		metrics.PriceLookups.WithLabelValues("cache").Inc()
		return cached, nil
	}

	if value, ok := r.fromFeed(ctx, token, at); ok {
		metrics.PriceLookups.WithLabelValues("feed").Inc()
		r.cache.Set(ctx, key, value)
		return value, nil
	}
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	if value, ok := r.fromHistory(ctx, token, at); ok {
		metrics.PriceLookups.WithLabelValues("history").Inc()
		r.cache.Set(ctx, key, value)
		return value, nil
	}
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	metrics.PriceLookups.WithLabelValues("unavailable").Inc()
	return decimal.Zero, fmt.Errorf("%w: token %s at %s", ErrUnavailable, token.Hex(), at.Format("2006-01-02"))
}

func (r *Resolver) fromFeed(ctx context.Context, token common.Address, at time.Time) (decimal.Decimal, bool) {
	if r.feeds == nil {
		return decimal.Zero, false
	}
	feed, ok := r.registry.FeedFor(token)
	if !ok {
		return decimal.Zero, false
	}

	value, found, err := r.feeds.PriceAt(ctx, feed, at)
	if err != nil {
		r.logger.Warn("feed lookup failed, falling back",
			zap.String("token", token.Hex()),
			zap.String("feed", feed.Hex()),
			zap.Error(err),
		)
		return decimal.Zero, false
	}
	if !found || !value.IsPositive() {
		return decimal.Zero, false
	}
	return value, true
}

func (r *Resolver) fromHistory(ctx context.Context, token common.Address, at time.Time) (decimal.Decimal, bool) {
	if r.history == nil {
		return decimal.Zero, false
	}
	assetID, ok := r.registry.AssetIDFor(token)
	if !ok {
		return decimal.Zero, false
	}

	day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	value, found, err := r.history.PriceOn(ctx, assetID, day)
	if err != nil {
		r.logger.Warn("history lookup failed",
			zap.String("token", token.Hex()),
			zap.String("asset", assetID),
			zap.Error(err),
		)
		return decimal.Zero, false
	}
	if !found || !value.IsPositive() {
		return decimal.Zero, false
	}
	return value, true
}
