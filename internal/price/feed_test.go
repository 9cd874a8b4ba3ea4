package price

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volumeflex/internal/retry"
)

var testFeed = common.HexToAddress("0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419")

// fakeAggregator answers rounds from updatedAt(id); a zero time means the round reverts.
type fakeAggregator struct {
	mu            sync.Mutex
	decimals      uint8
	latest        int64
	updatedAt     func(id int64) int64
	answer        func(id int64) int64
	decimalsCalls int
	roundCalls    int
}

func (f *fakeAggregator) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	parsed, err := AggregatorABI()
	if err != nil {
		return nil, err
	}
	method, err := parsed.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "decimals":
		f.decimalsCalls++
		return method.Outputs.Pack(f.decimals)
	case "latestRoundData":
		return f.packRound(method.Outputs.Pack, f.latest)
	case "getRoundData":
		f.roundCalls++
		args, err := method.Inputs.Unpack(msg.Data[4:])
		if err != nil {
			return nil, err
		}
		id := args[0].(*big.Int).Int64()
		if f.updatedAt(id) == 0 {
			return nil, errors.New("execution reverted")
		}
		return f.packRound(method.Outputs.Pack, id)
	}
	return nil, errors.New("unexpected method")
}

func (f *fakeAggregator) packRound(pack func(...interface{}) ([]byte, error), id int64) ([]byte, error) {
	answer := int64(0)
	if f.answer != nil {
		answer = f.answer(id)
	}
	return pack(
		big.NewInt(id),
		big.NewInt(answer),
		big.NewInt(f.updatedAt(id)),
		big.NewInt(f.updatedAt(id)),
		big.NewInt(id),
	)
}

func noRetry() retry.Policy {
	return retry.Policy{Attempts: 1, BaseDelay: time.Millisecond}
}

func TestFeedPriceAtFindsFirstRoundBeforeTarget(t *testing.T) {
	base := int64(1_600_000_000)
	agg := &fakeAggregator{
		decimals:  8,
		latest:    10_000,
		updatedAt: func(id int64) int64 { return base + id*3600 },
		answer:    func(id int64) int64 { return 4000_00000000 + id },
	}
	reader := NewFeedReader(agg, noRetry(), nil)

	target := time.Unix(base+5_000*3600+100, 0)
	got, found, err := reader.PriceAt(context.Background(), testFeed, target)
	require.NoError(t, err)
	require.True(t, found)

	// 10000, 9000, ..., 5000
	assert.Equal(t, 6, agg.roundCalls)
	assert.True(t, decimal.RequireFromString("4000.00005").Equal(got), "got %s", got)
}

func TestFeedPriceAtHalvesStepNearTarget(t *testing.T) {
	base := int64(1_600_000_000)
	agg := &fakeAggregator{
		decimals:  8,
		latest:    2_000,
		updatedAt: func(id int64) int64 { return base + id*60 },
		answer:    func(id int64) int64 { return 100_000_000 },
	}
	reader := NewFeedReader(agg, noRetry(), nil)

	// round 2000 is 1000 minutes ahead (< 1 day): step drops to 500, then 250
	target := time.Unix(base+1_000*60-1, 0)
	got, found, err := reader.PriceAt(context.Background(), testFeed, target)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, decimal.NewFromInt(1).Equal(got))
	// 2000, 1000 (still after target), 500
	assert.Equal(t, 3, agg.roundCalls)
}

func TestFeedPriceAtStopsAfterLookupCap(t *testing.T) {
	agg := &fakeAggregator{
		decimals:  8,
		latest:    100_000,
		updatedAt: func(id int64) int64 { return 2_000_000_000 },
	}
	reader := NewFeedReader(agg, noRetry(), nil)

	_, found, err := reader.PriceAt(context.Background(), testFeed, time.Unix(1_000, 0))
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, MaxRoundLookups, agg.roundCalls)
}

func TestFeedPriceAtSkipsFailedRounds(t *testing.T) {
	base := int64(1_600_000_000)
	agg := &fakeAggregator{
		decimals: 8,
		latest:   3_000,
		updatedAt: func(id int64) int64 {
			if id == 2_000 {
				return 0
			}
			return base + id*3600
		},
		answer: func(id int64) int64 { return id * 100_000_000 },
	}
	reader := NewFeedReader(agg, noRetry(), nil)

	got, found, err := reader.PriceAt(context.Background(), testFeed, time.Unix(base+1_500*3600, 0))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, decimal.NewFromInt(1_000).Equal(got))
	assert.Equal(t, 3, agg.roundCalls)
}

func TestFeedDecimalsReadOnce(t *testing.T) {
	base := int64(1_600_000_000)
	agg := &fakeAggregator{
		decimals:  8,
		latest:    10,
		updatedAt: func(id int64) int64 { return base + id },
		answer:    func(id int64) int64 { return 100_000_000 },
	}
	reader := NewFeedReader(agg, noRetry(), nil)

	for i := 0; i < 3; i++ {
		_, found, err := reader.PriceAt(context.Background(), testFeed, time.Unix(base+100, 0))
		require.NoError(t, err)
		require.True(t, found)
	}
	assert.Equal(t, 1, agg.decimalsCalls)
}

type failingCaller struct{}

func (failingCaller) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("rpc down")
}

func TestFeedPriceAtUnreadableFeed(t *testing.T) {
	reader := NewFeedReader(failingCaller{}, noRetry(), nil)
	_, found, err := reader.PriceAt(context.Background(), testFeed, time.Now())
	assert.Error(t, err)
	assert.False(t, found)
}

func TestStepBackFloorsAtZero(t *testing.T) {
	got := stepBack(big.NewInt(300), big.NewInt(1000))
	if got.Sign() != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
	if got := stepBack(big.NewInt(1500), big.NewInt(1000)); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected 500, got %s", got)
	}
}
