package price

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"volumeflex/internal/metrics"
	"volumeflex/internal/retry"
)

const (
	// InitialRoundStep is the first backward stride through round ids.
	InitialRoundStep = 1000
	// MaxRoundLookups caps getRoundData calls per walk.
	MaxRoundLookups = 50

	stepShrinkWindow = 24 * time.Hour
)

// ContractCaller is the eth_call surface the feed reader needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type roundData struct {
	RoundID   *big.Int
	Answer    *big.Int
	UpdatedAt time.Time
}

// FeedReader reads historical answers from AggregatorV3 feeds.
type FeedReader struct {
	caller ContractCaller
	retry  retry.Policy
	logger *zap.Logger

	mu       sync.RWMutex
	decimals map[common.Address]uint8
}

func NewFeedReader(caller ContractCaller, policy retry.Policy, logger *zap.Logger) *FeedReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedReader{
		caller:   caller,
		retry:    policy,
		logger:   logger,
		decimals: make(map[common.Address]uint8),
	}
}

// PriceAt walks back from the latest round to the first round updated at or
// before the target time. found is false when the lookup cap is reached first.
// An error means the feed itself could not be read.
func (f *FeedReader) PriceAt(ctx context.Context, feed common.Address, target time.Time) (decimal.Decimal, bool, error) {
	parsed, err := AggregatorABI()
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parse aggregator abi: %w", err)
	}

	decimals, err := f.feedDecimals(ctx, parsed, feed)
	if err != nil {
		return decimal.Zero, false, err
	}

	var latest roundData
	err = retry.Do(ctx, f.retry, func(ctx context.Context) error {
		var err error
		latest, err = f.round(ctx, parsed, feed, "latestRoundData")
		return err
	})
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("feed %s latestRoundData: %w", feed.Hex(), err)
	}

	id := new(big.Int).Set(latest.RoundID)
	step := big.NewInt(InitialRoundStep)
	lookups := 0
	for lookups < MaxRoundLookups {
		lookups++
		round, err := f.round(ctx, parsed, feed, "getRoundData", id)
		if err != nil {
			if ctx.Err() != nil {
				return decimal.Zero, false, ctx.Err()
			}
			f.logger.Debug("round lookup failed", zap.String("feed", feed.Hex()), zap.String("round", id.String()), zap.Error(err))
			id = stepBack(id, step)
			continue
		}

		if !round.UpdatedAt.After(target) {
			metrics.FeedRoundLookups.Observe(float64(lookups))
			return decimal.NewFromBigInt(round.Answer, -int32(decimals)), true, nil
		}

		id = stepBack(id, step)
		if round.UpdatedAt.Sub(target) < stepShrinkWindow && step.Cmp(big.NewInt(1)) > 0 {
			step.Rsh(step, 1)
		}
	}

	metrics.FeedRoundLookups.Observe(float64(lookups))
	f.logger.Debug("round lookup cap reached", zap.String("feed", feed.Hex()), zap.Time("target", target))
	return decimal.Zero, false, nil
}

func (f *FeedReader) feedDecimals(ctx context.Context, parsed abi.ABI, feed common.Address) (uint8, error) {
	f.mu.RLock()
	decimals, ok := f.decimals[feed]
	f.mu.RUnlock()
	if ok {
		return decimals, nil
	}

	err := retry.Do(ctx, f.retry, func(ctx context.Context) error {
		resp, err := f.call(ctx, parsed, feed, "decimals")
		if err != nil {
			return err
		}
		values, err := parsed.Unpack("decimals", resp)
		if err != nil {
			return fmt.Errorf("unpack decimals: %w", err)
		}
		if len(values) != 1 {
			return fmt.Errorf("decimals return size %d", len(values))
		}
		v, ok := values[0].(uint8)
		if !ok {
			return fmt.Errorf("unsupported uint8 type %T", values[0])
		}
		decimals = v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("feed %s decimals: %w", feed.Hex(), err)
	}

	f.mu.Lock()
	f.decimals[feed] = decimals
	f.mu.Unlock()
	return decimals, nil
}

// round treats a zero updatedAt as an invalid round.
func (f *FeedReader) round(ctx context.Context, parsed abi.ABI, feed common.Address, method string, args ...interface{}) (roundData, error) {
	resp, err := f.call(ctx, parsed, feed, method, args...)
	if err != nil {
		return roundData{}, err
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return roundData{}, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 5 {
		return roundData{}, fmt.Errorf("%s return size %d", method, len(values))
	}

	roundID, ok := values[0].(*big.Int)
	if !ok {
		return roundData{}, fmt.Errorf("unsupported roundId type %T", values[0])
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return roundData{}, fmt.Errorf("unsupported answer type %T", values[1])
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok {
		return roundData{}, fmt.Errorf("unsupported updatedAt type %T", values[3])
	}
	if updatedAt.Sign() == 0 || !updatedAt.IsInt64() {
		return roundData{}, fmt.Errorf("round %s has no update time", roundID.String())
	}

	return roundData{
		RoundID:   roundID,
		Answer:    answer,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

func (f *FeedReader) call(ctx context.Context, parsed abi.ABI, feed common.Address, method string, args ...interface{}) ([]byte, error) {
	if f.caller == nil {
		return nil, fmt.Errorf("contract caller is nil")
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	resp, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("call %s: empty response", method)
	}
	return resp, nil
}

func stepBack(id, step *big.Int) *big.Int {
	next := new(big.Int).Sub(id, step)
	if next.Sign() < 0 {
		next.SetInt64(0)
	}
	return next
}
