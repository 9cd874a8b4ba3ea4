package storage

import (
	"context"
	"sort"

	"volumeflex/internal/model"
)

// Sink persists trades idempotently by trade id.
type Sink interface {
	// InsertTrades returns the trades that were not stored before.
	InsertTrades(ctx context.Context, trades []model.Trade) ([]model.Trade, error)
}

// Publisher receives trades after a sink reported them as new.
type Publisher interface {
	PublishTrades(ctx context.Context, trades []model.Trade) error
}

// Breakdown is the trade count and volume of one group.
type Breakdown struct {
	Key    string  `json:"key"`
	Trades int64   `json:"trades"`
	Volume float64 `json:"total_volume"`
}

// Summary aggregates stored trades.
type Summary struct {
	TotalVolume      float64     `json:"total_volume"`
	TotalTrades      int64       `json:"total_trades"`
	ByExchange       []Breakdown `json:"by_exchange"`
	ByWallet         []Breakdown `json:"by_wallet"`
	NegativeNotional int64       `json:"negative_notional"`
}

// SummaryReader reports volume over all trades, or a single wallet when wallet is set.
type SummaryReader interface {
	Summary(ctx context.Context, wallet string) (Summary, error)
}

// Summarize builds a Summary from trades held in memory. Groups are ordered
// by volume, largest first.
func Summarize(trades []model.Trade) Summary {
	var summary Summary
	exchanges := make(map[string]*Breakdown)
	wallets := make(map[string]*Breakdown)

	for _, trade := range trades {
		summary.TotalTrades++
		summary.TotalVolume += trade.NotionalValue
		if trade.NotionalValue < 0 {
			summary.NegativeNotional++
		}
		addTo(exchanges, trade.Exchange, trade.NotionalValue)
		addTo(wallets, trade.WalletAddress, trade.NotionalValue)
	}

	summary.ByExchange = sortedBreakdowns(exchanges)
	summary.ByWallet = sortedBreakdowns(wallets)
	return summary
}

func addTo(groups map[string]*Breakdown, key string, volume float64) {
	b, ok := groups[key]
	if !ok {
		b = &Breakdown{Key: key}
		groups[key] = b
	}
	b.Trades++
	b.Volume += volume
}

func sortedBreakdowns(groups map[string]*Breakdown) []Breakdown {
	out := make([]Breakdown, 0, len(groups))
	for _, b := range groups {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Volume != out[j].Volume {
			return out[i].Volume > out[j].Volume
		}
		return out[i].Key < out[j].Key
	})
	return out
}
