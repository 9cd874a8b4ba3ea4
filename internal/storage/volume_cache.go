package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultVolumeTTL is how long a wallet's ingest result is served from cache.
const DefaultVolumeTTL = 5 * time.Minute

// ExchangeVolume is one exchange's share of a wallet ingest.
type ExchangeVolume struct {
	Volume   float64 `json:"volume"`
	Inserted int     `json:"inserted"`
	Fetched  int     `json:"fetched"`
}

// CachedVolume is the stored result of a recent wallet ingest.
type CachedVolume struct {
	TotalVolume float64                   `json:"total_volume"`
	Breakdown   map[string]ExchangeVolume `json:"breakdown"`
	Timestamp   int64                     `json:"timestamp"`
}

// VolumeCache keeps recent per-wallet ingest results. Like the price cache it
// is advisory: backend failures read as misses.
type VolumeCache interface {
	GetVolume(ctx context.Context, wallet string) (CachedVolume, bool)
	SetVolume(ctx context.Context, wallet string, volume CachedVolume)
}

// VolumeKey returns volume:<lower wallet>.
func VolumeKey(wallet string) string {
	return "volume:" + strings.ToLower(wallet)
}

// RedisVolumeCache stores results as JSON with SETEX.
type RedisVolumeCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisVolumeCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisVolumeCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultVolumeTTL
	}
	return &RedisVolumeCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisVolumeCache) GetVolume(ctx context.Context, wallet string) (CachedVolume, bool) {
	key := VolumeKey(wallet)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("volume cache get failed", zap.String("key", key), zap.Error(err))
		}
		return CachedVolume{}, false
	}
	var volume CachedVolume
	if err := sonic.Unmarshal(raw, &volume); err != nil {
		c.logger.Warn("volume cache value malformed", zap.String("key", key), zap.Error(err))
		return CachedVolume{}, false
	}
	return volume, true
}

func (c *RedisVolumeCache) SetVolume(ctx context.Context, wallet string, volume CachedVolume) {
	key := VolumeKey(wallet)
	payload, err := sonic.Marshal(volume)
	if err != nil {
		c.logger.Warn("volume cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.SetEx(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("volume cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// MemoryVolumeCache is a process-local VolumeCache.
type MemoryVolumeCache struct {
	local *gocache.Cache
}

func NewMemoryVolumeCache(ttl time.Duration) *MemoryVolumeCache {
	if ttl <= 0 {
		ttl = DefaultVolumeTTL
	}
	return &MemoryVolumeCache{local: gocache.New(ttl, time.Minute)}
}

func (c *MemoryVolumeCache) GetVolume(_ context.Context, wallet string) (CachedVolume, bool) {
	v, ok := c.local.Get(VolumeKey(wallet))
	if !ok {
		return CachedVolume{}, false
	}
	volume, ok := v.(CachedVolume)
	return volume, ok
}

func (c *MemoryVolumeCache) SetVolume(_ context.Context, wallet string, volume CachedVolume) {
	c.local.SetDefault(VolumeKey(wallet), volume)
}
