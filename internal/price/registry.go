package price

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Ethereum mainnet tokens with a known USD aggregator feed and history id.
var (
	defaultFeeds = map[string]string{
		"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2": "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419", // WETH, ETH/USD
		"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "0x8fFfFfd4AfB6115b954Bd326cbe7B4BA576818f6", // USDC
		"0xdac17f958d2ee523a2206206994597c13d831ec7": "0x3E7d1eAB13ad0104d2750B8863b489D65364e32D", // USDT
		"0x6b175474e89094c44da98b954eedeac495271d0f": "0xAed0c38402a5d19df6E4c03F4E2DceD6e29c1ee9", // DAI
		"0x2260fac5e5542a773aa44fbcfedf7c193bc2c599": "0xF4030086522a5bEEa4988F8cA5B36dbC97BeE88c", // WBTC, BTC/USD
		"0x1f9840a85d5af5bf1d1762f925bdaddc4201f984": "0x553303d460EE0afB37EdFf9bE42922D8FF63220e", // UNI
		"0x514910771af9ca656af840dff83e8264ecf986ca": "0x2c1d072e956AFFC0D435Cb7AC38EF18d24d9127c", // LINK
	}
	defaultAssetIDs = map[string]string{
		"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2": "ethereum",
		"0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48": "usd-coin",
		"0xdac17f958d2ee523a2206206994597c13d831ec7": "tether",
		"0x6b175474e89094c44da98b954eedeac495271d0f": "dai",
		"0x2260fac5e5542a773aa44fbcfedf7c193bc2c599": "wrapped-bitcoin",
		"0x1f9840a85d5af5bf1d1762f925bdaddc4201f984": "uniswap",
		"0x514910771af9ca656af840dff83e8264ecf986ca": "chainlink",
	}
)

// Registry maps token addresses to their aggregator feed and history asset id.
// It is read-only after construction.
type Registry struct {
	feeds  map[common.Address]common.Address
	assets map[common.Address]string
}

// NewRegistry builds the mainnet registry with the given overrides applied.
// Override keys are token addresses; feed values must be addresses too.
func NewRegistry(feedOverrides, assetOverrides map[string]string) (*Registry, error) {
	r := &Registry{
		feeds:  make(map[common.Address]common.Address),
		assets: make(map[common.Address]string),
	}
	for token, feed := range defaultFeeds {
		r.feeds[common.HexToAddress(token)] = common.HexToAddress(feed)
	}
	for token, id := range defaultAssetIDs {
		r.assets[common.HexToAddress(token)] = id
	}

	for token, feed := range feedOverrides {
		if !common.IsHexAddress(token) {
			return nil, fmt.Errorf("invalid feed token address: %s", token)
		}
		if !common.IsHexAddress(feed) {
			return nil, fmt.Errorf("invalid feed address for %s: %s", token, feed)
		}
		r.feeds[common.HexToAddress(token)] = common.HexToAddress(feed)
	}
	for token, id := range assetOverrides {
		if !common.IsHexAddress(token) {
			return nil, fmt.Errorf("invalid asset token address: %s", token)
		}
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("empty asset id for %s", token)
		}
		r.assets[common.HexToAddress(token)] = id
	}
	return r, nil
}

// DefaultRegistry returns the built-in mainnet registry.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(nil, nil)
	return r
}

// FeedFor returns the aggregator feed configured for a token.
func (r *Registry) FeedFor(token common.Address) (common.Address, bool) {
	feed, ok := r.feeds[token]
	return feed, ok
}

// AssetIDFor returns the historical price service id configured for a token.
func (r *Registry) AssetIDFor(token common.Address) (string, bool) {
	id, ok := r.assets[token]
	return id, ok
}
