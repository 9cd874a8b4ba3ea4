package dex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"volumeflex/internal/model"
	"volumeflex/internal/retry"
)

// DefaultDecimals is used only when a decimals() response is present but malformed.
const DefaultDecimals uint8 = 18

// ErrMetadataUnavailable marks a pool or token whose metadata call failed.
var ErrMetadataUnavailable = errors.New("metadata unavailable")

// ErrCallFailed marks an eth_call that got no answer from the node after its
// retries. A node error response such as a revert is not a failed call.
var ErrCallFailed = errors.New("contract call failed")

// ContractCaller is the eth_call surface the resolver needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PoolMetaCache caches pool metadata by address.
type PoolMetaCache struct {
	mu   sync.RWMutex
	data map[common.Address]model.PoolMeta
}

func NewPoolMetaCache() *PoolMetaCache {
	return &PoolMetaCache{data: make(map[common.Address]model.PoolMeta)}
}

func (c *PoolMetaCache) Get(address common.Address) (model.PoolMeta, bool) {
	c.mu.RLock()
	meta, ok := c.data[address]
	c.mu.RUnlock()
	return meta, ok
}

func (c *PoolMetaCache) Set(address common.Address, meta model.PoolMeta) {
	c.mu.Lock()
	c.data[address] = meta
	c.mu.Unlock()
}

// TokenMetaCache caches token metadata by address.
type TokenMetaCache struct {
	mu   sync.RWMutex
	data map[common.Address]model.TokenMeta
}

func NewTokenMetaCache() *TokenMetaCache {
	return &TokenMetaCache{data: make(map[common.Address]model.TokenMeta)}
}

func (c *TokenMetaCache) Get(address common.Address) (model.TokenMeta, bool) {
	c.mu.RLock()
	meta, ok := c.data[address]
	c.mu.RUnlock()
	return meta, ok
}

func (c *TokenMetaCache) Set(address common.Address, meta model.TokenMeta) {
	c.mu.Lock()
	c.data[address] = meta
	c.mu.Unlock()
}

// Resolver is a cached read-through over pool and ERC20 contract calls.
// Failed lookups are not cached so a later swap may retry them.
type Resolver struct {
	caller ContractCaller
	pools  *PoolMetaCache
	tokens *TokenMetaCache
	retry  retry.Policy
	logger *zap.Logger
}

func NewResolver(caller ContractCaller, policy retry.Policy, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		caller: caller,
		pools:  NewPoolMetaCache(),
		tokens: NewTokenMetaCache(),
		retry:  policy,
		logger: logger,
	}
}

// TokensOf returns the token pair of a pool.
func (r *Resolver) TokensOf(ctx context.Context, pool common.Address) (model.PoolMeta, error) {
	if meta, ok := r.pools.Get(pool); ok {
		return meta, nil
	}

	poolABI, err := V3PoolABI()
	if err != nil {
		return model.PoolMeta{}, fmt.Errorf("parse pool abi: %w", err)
	}

	token0, err := r.callAddress(ctx, pool, poolABI, "token0")
	if err != nil {
		r.logger.Warn("pool token0 lookup failed", zap.String("pool", pool.Hex()), zap.Error(err))
		return model.PoolMeta{}, fmt.Errorf("%w: pool %s token0: %w", ErrMetadataUnavailable, pool.Hex(), err)
	}
	token1, err := r.callAddress(ctx, pool, poolABI, "token1")
	if err != nil {
		r.logger.Warn("pool token1 lookup failed", zap.String("pool", pool.Hex()), zap.Error(err))
		return model.PoolMeta{}, fmt.Errorf("%w: pool %s token1: %w", ErrMetadataUnavailable, pool.Hex(), err)
	}

	meta := model.PoolMeta{Pool: pool, Token0: token0, Token1: token1}
	r.pools.Set(pool, meta)
	return meta, nil
}

// DecimalsOf returns the decimal precision of a token.
func (r *Resolver) DecimalsOf(ctx context.Context, token common.Address) (uint8, error) {
	meta, err := r.tokenMeta(ctx, token)
	if err != nil {
		return 0, err
	}
	return meta.Decimals, nil
}

// SymbolOf returns the token symbol, or a shortened address when the token has none.
func (r *Resolver) SymbolOf(ctx context.Context, token common.Address) string {
	meta, err := r.tokenMeta(ctx, token)
	if err != nil || meta.Symbol == "" {
		return shortAddress(token)
	}
	return meta.Symbol
}

func (r *Resolver) tokenMeta(ctx context.Context, token common.Address) (model.TokenMeta, error) {
	if meta, ok := r.tokens.Get(token); ok {
		return meta, nil
	}

	stringABI, err := erc20ABIStringInstance()
	if err != nil {
		return model.TokenMeta{}, fmt.Errorf("parse erc20 string abi: %w", err)
	}

	resp, err := r.call(ctx, token, stringABI, "decimals")
	if err != nil {
		r.logger.Warn("token decimals lookup failed", zap.String("token", token.Hex()), zap.Error(err))
		return model.TokenMeta{}, fmt.Errorf("%w: token %s decimals: %w", ErrMetadataUnavailable, token.Hex(), err)
	}

	meta := model.TokenMeta{Address: token, Decimals: DefaultDecimals}
	if decimals, err := unpackDecimals(stringABI, resp); err == nil {
		meta.Decimals = decimals
	} else {
		r.logger.Warn("malformed decimals response, using default",
			zap.String("token", token.Hex()),
			zap.Uint8("decimals", DefaultDecimals),
			zap.Error(err),
		)
	}
	meta.Symbol = r.fetchSymbol(ctx, token, stringABI)

	r.tokens.Set(token, meta)
	return meta, nil
}

func (r *Resolver) fetchSymbol(ctx context.Context, token common.Address, stringABI abi.ABI) string {
	if resp, err := r.call(ctx, token, stringABI, "symbol"); err == nil {
		if values, err := stringABI.Unpack("symbol", resp); err == nil && len(values) == 1 {
			if symbol, ok := values[0].(string); ok {
				return symbol
			}
		}
		bytes32ABI, err := erc20ABIBytes32Instance()
		if err != nil {
			return ""
		}
		if values, err := bytes32ABI.Unpack("symbol", resp); err == nil && len(values) == 1 {
			if symbol, ok := bytes32ToString(values[0]); ok {
				return symbol
			}
		}
	} else {
		r.logger.Debug("symbol call failed", zap.String("token", token.Hex()), zap.Error(err))
	}
	return ""
}

func (r *Resolver) callAddress(ctx context.Context, contract common.Address, parsed abi.ABI, method string) (common.Address, error) {
	resp, err := r.call(ctx, contract, parsed, method)
	if err != nil {
		return common.Address{}, err
	}
	values, err := parsed.Unpack(method, resp)
	if err != nil {
		return common.Address{}, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("%s return size %d", method, len(values))
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unsupported address type %T", values[0])
	}
	return addr, nil
}

// call returns an error for transport failures and for empty responses,
// which is what a non-contract or missing method yields.
func (r *Resolver) call(ctx context.Context, contract common.Address, parsed abi.ABI, method string) ([]byte, error) {
	if r.caller == nil {
		return nil, fmt.Errorf("contract caller is nil")
	}
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	var resp []byte
	err = retry.Do(ctx, r.retry, func(ctx context.Context) error {
		var err error
		resp, err = r.caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		return err
	})
	if err != nil {
		var nodeErr rpc.Error
		if errors.As(err, &nodeErr) {
			return nil, fmt.Errorf("call %s: %w", method, err)
		}
		return nil, fmt.Errorf("call %s: %w: %v", method, ErrCallFailed, err)
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("call %s: empty response", method)
	}
	return resp, nil
}

func unpackDecimals(parsed abi.ABI, resp []byte) (uint8, error) {
	values, err := parsed.Unpack("decimals", resp)
	if err != nil {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("decimals return size %d", len(values))
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unsupported uint8 type %T", values[0])
	}
	return decimals, nil
}

func bytes32ToString(value interface{}) (string, bool) {
	switch v := value.(type) {
	case [32]byte:
		s := string(bytes.TrimRight(v[:], "\x00"))
		return s, s != ""
	case []byte:
		s := string(bytes.TrimRight(v, "\x00"))
		return s, s != ""
	default:
		return "", false
	}
}

func shortAddress(addr common.Address) string {
	return strings.ToLower(addr.Hex()[:6])
}
