package storage

import (
	"context"
	"sync"

	"volumeflex/internal/model"
)

// MemoryStore keeps trades in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	ids    map[string]struct{}
	trades []model.Trade
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]struct{})}
}

func (s *MemoryStore) InsertTrades(_ context.Context, trades []model.Trade) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var inserted []model.Trade
	for _, trade := range trades {
		if _, ok := s.ids[trade.TradeID]; ok {
			continue
		}
		s.ids[trade.TradeID] = struct{}{}
		s.trades = append(s.trades, trade)
		inserted = append(inserted, trade)
	}
	return inserted, nil
}

func (s *MemoryStore) Summary(_ context.Context, wallet string) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if wallet == "" {
		return Summarize(s.trades), nil
	}
	var selected []model.Trade
	for _, trade := range s.trades {
		if trade.WalletAddress == wallet {
			selected = append(selected, trade)
		}
	}
	return Summarize(selected), nil
}

// Trades returns a copy of everything stored so far.
func (s *MemoryStore) Trades() []model.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}
