package storage

import (
	"context"

	"go.uber.org/zap"

	"volumeflex/internal/metrics"
	"volumeflex/internal/model"
)

// PublishingSink stores trades and forwards the newly inserted ones to
// publishers. A publisher failure is logged and does not fail the insert.
type PublishingSink struct {
	sink       Sink
	publishers []Publisher
	logger     *zap.Logger
}

func NewPublishingSink(sink Sink, logger *zap.Logger, publishers ...Publisher) *PublishingSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishingSink{sink: sink, publishers: publishers, logger: logger}
}

func (s *PublishingSink) InsertTrades(ctx context.Context, trades []model.Trade) ([]model.Trade, error) {
	inserted, err := s.sink.InsertTrades(ctx, trades)
	if err != nil {
		return nil, err
	}
	metrics.TradesInserted.Add(float64(len(inserted)))
	if len(inserted) == 0 {
		return inserted, nil
	}

	for _, pub := range s.publishers {
		if err := pub.PublishTrades(ctx, inserted); err != nil {
			s.logger.Warn("publish trades failed", zap.Int("trades", len(inserted)), zap.Error(err))
		}
	}
	return inserted, nil
}
