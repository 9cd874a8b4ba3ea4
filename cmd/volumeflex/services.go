package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"volumeflex/internal/chain"
	"volumeflex/internal/config"
	"volumeflex/internal/dex"
	"volumeflex/internal/indexer"
	"volumeflex/internal/normalize"
	"volumeflex/internal/pipeline"
	"volumeflex/internal/price"
	"volumeflex/internal/storage"
	"volumeflex/internal/storage/postgres"
)

// services owns the long-lived clients of one command.
type services struct {
	cfg    config.Config
	logger *zap.Logger

	chain  *chain.Client
	prices *price.Resolver
	redis  *redis.Client

	sink        storage.Sink
	summaries   storage.SummaryReader
	checkpoints pipeline.CheckpointStore
	wallets     pipeline.WalletRegistry

	closers []func()
}

func newServices(cfg config.Config, logger *zap.Logger) *services {
	return &services{cfg: cfg, logger: logger}
}

func (s *services) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

// Close releases clients in reverse order of creation.
func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// connectChain dials the RPC endpoint. An unusable endpoint is fatal.
func (s *services) connectChain(ctx context.Context) error {
	if s.cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	client, err := chain.NewClient(ctx, s.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	s.onClose(client.Close)
	s.chain = client

	chainID, err := client.GetChainID(ctx)
	if err != nil {
		return fmt.Errorf("chain id: %w", err)
	}
	s.logger.Info("rpc connected", zap.String("chain_id", chainID.String()))
	return nil
}

// openPrices builds the tiered price resolver over the connected chain.
func (s *services) openPrices(ctx context.Context) error {
	if s.chain == nil {
		return fmt.Errorf("price resolver needs an rpc connection")
	}
	registry, err := price.NewRegistry(s.cfg.FeedOverrides, s.cfg.AssetOverrides)
	if err != nil {
		return err
	}

	var cache price.Cache
	if s.cfg.RedisURL != "" {
		client, err := s.redisClient(ctx)
		if err != nil {
			return err
		}
		cache = price.NewRedisCache(client, s.cfg.PriceTTL, s.logger)
	} else {
		cache = price.NewMemoryCache(s.cfg.PriceTTL)
	}

	policy := s.cfg.RetryPolicy()
	history := price.NewCoinGeckoClient(price.CoinGeckoConfig{
		BaseURL:       s.cfg.CoinGeckoURL,
		APIKey:        s.cfg.CoinGeckoAPIKey,
		RatePerMinute: s.cfg.CoinGeckoRate,
		Timeout:       s.cfg.RequestTimeout,
		Retry:         policy,
	}, s.logger)
	s.onClose(func() {
		if err := history.Close(); err != nil {
			s.logger.Warn("close price api client", zap.Error(err))
		}
	})

	feeds := price.NewFeedReader(s.chain, policy, s.logger)
	s.prices = price.NewResolver(registry, feeds, history, cache, s.logger)
	return nil
}

// redisClient dials Redis once per command. An unreachable server is logged;
// cache lookups then miss.
func (s *services) redisClient(ctx context.Context) (*redis.Client, error) {
	if s.redis != nil {
		return s.redis, nil
	}
	opts, err := redis.ParseURL(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	s.onClose(func() {
		if err := client.Close(); err != nil {
			s.logger.Warn("close redis", zap.Error(err))
		}
	})
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn("redis unreachable, cache lookups will miss", zap.Error(err))
	}
	s.redis = client
	return client, nil
}

// volumeCache keeps recent on-demand ingest results, in Redis when configured.
func (s *services) volumeCache(ctx context.Context) (storage.VolumeCache, error) {
	if s.cfg.RedisURL == "" {
		return storage.NewMemoryVolumeCache(storage.DefaultVolumeTTL), nil
	}
	client, err := s.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return storage.NewRedisVolumeCache(client, storage.DefaultVolumeTTL, s.logger), nil
}

// openStorage selects the primary trade store and attaches publishers.
// Postgres also provides wallet registration and checkpoints; a checkpoint
// file, when configured, takes precedence over the wallets table.
func (s *services) openStorage(ctx context.Context) error {
	var primary storage.Sink
	if s.cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, s.cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		s.onClose(store.Close)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		primary = store
		s.summaries = store
		s.wallets = store
		s.checkpoints = store
	} else {
		memory := storage.NewMemoryStore()
		primary = memory
		s.summaries = memory
	}

	if s.cfg.Checkpoint != "" {
		s.checkpoints = indexer.NewCheckpointStore(s.cfg.Checkpoint, true)
	}

	var publishers []storage.Publisher
	if s.cfg.Out != "" {
		publishers = append(publishers, storage.NewJsonlStorage(s.cfg.Out))
	}
	if len(s.cfg.KafkaBrokers) > 0 {
		publisher, err := storage.NewKafkaPublisher(storage.KafkaConfig{
			Brokers: s.cfg.KafkaBrokers,
			Topic:   s.cfg.KafkaTopic,
		})
		if err != nil {
			return err
		}
		s.onClose(func() {
			if err := publisher.Close(); err != nil {
				s.logger.Warn("close kafka publisher", zap.Error(err))
			}
		})
		publishers = append(publishers, publisher)
	}

	s.sink = storage.NewPublishingSink(primary, s.logger, publishers...)
	s.logger.Info("storage ready",
		zap.Bool("postgres", s.cfg.PGDSN != ""),
		zap.String("out", s.cfg.Out),
		zap.Int("kafka_brokers", len(s.cfg.KafkaBrokers)),
		zap.String("checkpoint", s.cfg.Checkpoint),
	)
	return nil
}

// pipeline assembles scanner, normalizer and sink. connectChain, openPrices
// and openStorage must have succeeded.
func (s *services) pipeline() *pipeline.Pipeline {
	policy := s.cfg.RetryPolicy()
	scanner := indexer.NewScanner(indexer.ScanConfig{
		ChunkSize: s.cfg.ChunkSize,
		BroadScan: s.cfg.BroadScan,
		Retry:     policy,
	}, s.chain, s.logger)
	metadata := dex.NewResolver(s.chain, policy, s.logger)
	normalizer := normalize.NewNormalizer(normalize.Config{
		RequireSender: s.cfg.RequireSender,
		BroadScan:     s.cfg.BroadScan,
		Retry:         policy,
	}, metadata, s.prices, s.chain, s.logger)

	return pipeline.New(pipeline.Config{
		From:     s.cfg.FromBlock,
		To:       s.cfg.ToBlock,
		Lookback: s.cfg.Lookback,
		Chain:    s.cfg.Chain,
	}, pipeline.Deps{
		Head:        s.chain,
		Scanner:     scanner,
		Normalizer:  normalizer,
		Sink:        s.sink,
		Checkpoints: s.checkpoints,
		Wallets:     s.wallets,
	}, s.logger)
}
