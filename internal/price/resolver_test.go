package price

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	usdc = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	odd  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

type stubFeeds struct {
	value decimal.Decimal
	found bool
	err   error
	calls int
}

func (s *stubFeeds) PriceAt(context.Context, common.Address, time.Time) (decimal.Decimal, bool, error) {
	s.calls++
	return s.value, s.found, s.err
}

type stubHistory struct {
	value decimal.Decimal
	found bool
	err   error
	calls int
	days  []time.Time
}

func (s *stubHistory) PriceOn(_ context.Context, _ string, day time.Time) (decimal.Decimal, bool, error) {
	s.calls++
	s.days = append(s.days, day)
	return s.value, s.found, s.err
}

func TestResolveUsesFeedAndCachesPerDay(t *testing.T) {
	feeds := &stubFeeds{value: decimal.NewFromInt(4000), found: true}
	history := &stubHistory{}
	resolver := NewResolver(DefaultRegistry(), feeds, history, nil, nil)

	morning := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	evening := time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC)

	for _, at := range []time.Time{morning, evening, morning} {
		got, err := resolver.Resolve(context.Background(), weth, at)
		require.NoError(t, err)
		assert.True(t, decimal.NewFromInt(4000).Equal(got))
	}
	assert.Equal(t, 1, feeds.calls)
	assert.Equal(t, 0, history.calls)

	_, err := resolver.Resolve(context.Background(), weth, morning.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, feeds.calls)
}

func TestResolveFallsBackWhenFeedExhausted(t *testing.T) {
	feeds := &stubFeeds{found: false}
	history := &stubHistory{value: decimal.RequireFromString("1.001"), found: true}
	resolver := NewResolver(DefaultRegistry(), feeds, history, nil, nil)

	at := time.Date(2024, 5, 1, 13, 45, 0, 0, time.UTC)
	got, err := resolver.Resolve(context.Background(), usdc, at)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.001").Equal(got))
	require.Len(t, history.days, 1)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), history.days[0])
}

func TestResolveFallsBackOnFeedErrorAndNonPositive(t *testing.T) {
	for name, feeds := range map[string]*stubFeeds{
		"error":    {err: errors.New("rpc down")},
		"zero":     {value: decimal.Zero, found: true},
		"negative": {value: decimal.NewFromInt(-3), found: true},
	} {
		t.Run(name, func(t *testing.T) {
			history := &stubHistory{value: decimal.NewFromInt(3900), found: true}
			resolver := NewResolver(DefaultRegistry(), feeds, history, nil, nil)

			got, err := resolver.Resolve(context.Background(), weth, time.Unix(1_700_000_000, 0))
			require.NoError(t, err)
			assert.True(t, decimal.NewFromInt(3900).Equal(got))
			assert.Equal(t, 1, history.calls)
		})
	}
}

func TestResolveUnavailable(t *testing.T) {
	feeds := &stubFeeds{}
	history := &stubHistory{err: errors.New("503")}
	resolver := NewResolver(DefaultRegistry(), feeds, history, nil, nil)

	_, err := resolver.Resolve(context.Background(), weth, time.Unix(1_700_000_000, 0))
	assert.ErrorIs(t, err, ErrUnavailable)

	// token with no feed and no asset id never reaches either tier
	_, err = resolver.Resolve(context.Background(), odd, time.Unix(1_700_000_000, 0))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, feeds.calls)
	assert.Equal(t, 1, history.calls)
}

func TestResolveUnavailableIsNotCached(t *testing.T) {
	history := &stubHistory{}
	resolver := NewResolver(DefaultRegistry(), nil, history, nil, nil)
	at := time.Unix(1_700_000_000, 0)

	_, err := resolver.Resolve(context.Background(), usdc, at)
	require.ErrorIs(t, err, ErrUnavailable)

	history.value, history.found = decimal.NewFromInt(1), true
	got, err := resolver.Resolve(context.Background(), usdc, at)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(got))
}

func TestResolveReadsSharedCache(t *testing.T) {
	cache := NewMemoryCache(time.Hour)
	at := time.Unix(1_700_000_000, 0)
	cache.Set(context.Background(), CacheKey(weth, at), decimal.NewFromInt(2000))

	feeds := &stubFeeds{value: decimal.NewFromInt(4000), found: true}
	resolver := NewResolver(DefaultRegistry(), feeds, nil, cache, nil)

	got, err := resolver.Resolve(context.Background(), weth, at)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(2000).Equal(got))
	assert.Equal(t, 0, feeds.calls)
}

func TestNewRegistryOverrides(t *testing.T) {
	registry, err := NewRegistry(
		map[string]string{odd.Hex(): "0x00000000000000000000000000000000000000bb"},
		map[string]string{odd.Hex(): "odd-token"},
	)
	require.NoError(t, err)

	feed, ok := registry.FeedFor(odd)
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0xbb"), feed)
	id, ok := registry.AssetIDFor(odd)
	require.True(t, ok)
	assert.Equal(t, "odd-token", id)

	_, ok = registry.FeedFor(weth)
	assert.True(t, ok)

	_, err = NewRegistry(map[string]string{"nope": "0x1"}, nil)
	assert.Error(t, err)
}
