package model

import "github.com/ethereum/go-ethereum/common"

// PoolMeta holds the immutable token pair of a pool.
type PoolMeta struct {
	Pool   common.Address `json:"pool"`
	Token0 common.Address `json:"token0"`
	Token1 common.Address `json:"token1"`
}
