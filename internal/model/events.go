package model

import "math/big"

// SwapAmounts is the consumed part of a decoded Swap payload. Amounts are signed
// pool deltas: positive flows into the pool, negative flows out.
type SwapAmounts struct {
	Amount0 *big.Int
	Amount1 *big.Int
}
