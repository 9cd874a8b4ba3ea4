package price

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKeyUsesUTCDay(t *testing.T) {
	token := common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	at := time.Date(2024, 3, 14, 23, 30, 0, 0, time.FixedZone("UTC-5", -5*3600))

	got := CacheKey(token, at)
	if got != "price:0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2:2024-03-15" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	cache := NewMemoryCache(time.Minute)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "price:x:2024-01-01")
	assert.False(t, ok)

	cache.Set(ctx, "price:x:2024-01-01", decimal.RequireFromString("2301.5"))
	got, ok := cache.Get(ctx, "price:x:2024-01-01")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("2301.5").Equal(got))
}

func TestRedisCacheUnreachableIsMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewRedisCache(client, time.Hour, nil)
	ctx := context.Background()

	cache.Set(ctx, "price:x:2024-01-01", decimal.NewFromInt(1))
	_, ok := cache.Get(ctx, "price:x:2024-01-01")
	assert.False(t, ok)
}
