package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"

	"volumeflex/internal/model"
)

// KafkaConfig holds trade publisher settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes trades to a topic keyed by wallet address.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer}, nil
}

func (p *KafkaPublisher) PublishTrades(ctx context.Context, trades []model.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	msgs, err := tradeMessages(trades, time.Now())
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msgs...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func tradeMessages(trades []model.Trade, now time.Time) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, len(trades))
	for i, trade := range trades {
		data, err := sonic.Marshal(trade)
		if err != nil {
			return nil, fmt.Errorf("marshal trade %s: %w", trade.TradeID, err)
		}
		msgs[i] = kafka.Message{
			Key:   []byte(trade.WalletAddress),
			Value: data,
			Time:  now,
		}
	}
	return msgs, nil
}
