package model

// Exchange and side tags for on-chain swaps.
const (
	ExchangeUniswapV3 = "Uniswap_V3"
	SideSwap          = "swap"
)

// Trade is a USD-denominated trade record ready for storage.
type Trade struct {
	Exchange      string  `json:"exchange"`
	WalletAddress string  `json:"wallet_address"`
	Market        string  `json:"market"`
	Side          string  `json:"side"`
	Price         float64 `json:"price"`
	Size          float64 `json:"size"`
	NotionalValue float64 `json:"notional_value"`
	Timestamp     int64   `json:"timestamp"`
	TradeID       string  `json:"trade_id"`
}
