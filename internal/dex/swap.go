package dex

import (
	"fmt"
	"math/big"

	"volumeflex/internal/model"
)

// DecodeSwap extracts amount0 and amount1 from a V3 Swap log payload.
func DecodeSwap(log model.RawLog) (model.SwapAmounts, error) {
	if len(log.Topics) == 0 {
		return model.SwapAmounts{}, fmt.Errorf("missing topics")
	}
	if log.Topics[0] != SwapTopic0 {
		return model.SwapAmounts{}, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}

	poolABI, err := V3PoolABI()
	if err != nil {
		return model.SwapAmounts{}, fmt.Errorf("parse pool abi: %w", err)
	}
	event := poolABI.Events["Swap"]
	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return model.SwapAmounts{}, fmt.Errorf("unpack swap: %w", err)
	}
	if len(values) != 5 {
		return model.SwapAmounts{}, fmt.Errorf("unexpected swap values: %d", len(values))
	}

	amount0, err := asBigInt(values[0])
	if err != nil {
		return model.SwapAmounts{}, fmt.Errorf("amount0: %w", err)
	}
	amount1, err := asBigInt(values[1])
	if err != nil {
		return model.SwapAmounts{}, fmt.Errorf("amount1: %w", err)
	}

	return model.SwapAmounts{Amount0: amount0, Amount1: amount1}, nil
}

func asBigInt(value interface{}) (*big.Int, error) {
	switch v := value.(type) {
	case *big.Int:
		return new(big.Int).Set(v), nil
	case big.Int:
		return new(big.Int).Set(&v), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(v)), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case int64:
		return big.NewInt(v), nil
	default:
		return nil, fmt.Errorf("unsupported int type %T", value)
	}
}
