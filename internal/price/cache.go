package price

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultCacheTTL is how long a resolved daily price is kept.
const DefaultCacheTTL = 7 * 24 * time.Hour

// Cache stores resolved daily prices. Implementations are advisory: a failing
// backend behaves as a miss and never fails resolution.
type Cache interface {
	Get(ctx context.Context, key string) (decimal.Decimal, bool)
	Set(ctx context.Context, key string, value decimal.Decimal)
}

// CacheKey returns price:<lower token>:<YYYY-MM-DD> for the UTC day of at.
func CacheKey(token common.Address, at time.Time) string {
	return fmt.Sprintf("price:%s:%s", strings.ToLower(token.Hex()), at.UTC().Format("2006-01-02"))
}

// RedisCache is a Cache shared across processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (decimal.Decimal, bool) {
	raw, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("price cache get failed", zap.String("key", key), zap.Error(err))
		}
		return decimal.Zero, false
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		c.logger.Warn("price cache value malformed", zap.String("key", key), zap.String("value", raw))
		return decimal.Zero, false
	}
	return value, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value decimal.Decimal) {
	if err := c.client.SetEx(ctx, key, value.String(), c.ttl).Err(); err != nil {
		c.logger.Warn("price cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	local *gocache.Cache
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{local: gocache.New(ttl, time.Hour)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (decimal.Decimal, bool) {
	v, ok := c.local.Get(key)
	if !ok {
		return decimal.Zero, false
	}
	value, ok := v.(decimal.Decimal)
	return value, ok
}

func (c *MemoryCache) Set(_ context.Context, key string, value decimal.Decimal) {
	c.local.SetDefault(key, value)
}
