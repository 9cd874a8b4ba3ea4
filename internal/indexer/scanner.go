package indexer

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"volumeflex/internal/dex"
	"volumeflex/internal/metrics"
	"volumeflex/internal/model"
	"volumeflex/internal/retry"
)

// LogFilterer is the log retrieval surface the scanner needs.
type LogFilterer interface {
	FilterLogs(ctx context.Context, fromBlock, toBlock uint64, topics [][]common.Hash) ([]types.Log, error)
}

// ScanConfig holds scanner settings.
type ScanConfig struct {
	ChunkSize uint64
	BroadScan bool
	Retry     retry.Policy
}

// ScanResult is the deduplicated output of one scan.
type ScanResult struct {
	Logs          []model.RawLog
	Queries       int
	FailedQueries int
}

// Complete reports whether every query succeeded.
func (r ScanResult) Complete() bool {
	return r.FailedQueries == 0
}

// Scanner walks a block range in chunks and collects swap logs touching a wallet.
type Scanner struct {
	cfg    ScanConfig
	chain  LogFilterer
	logger *zap.Logger
}

// NewScanner builds a Scanner with its dependencies.
func NewScanner(cfg ScanConfig, chain LogFilterer, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Scanner{cfg: cfg, chain: chain, logger: logger}
}

type logQuery struct {
	match  model.MatchKind
	topics [][]common.Hash
}

// Scan returns swap logs in [fromBlock, toBlock] where the wallet is the sender or
// recipient topic, plus every swap log when broad scan is enabled. A query that
// still fails after its retries contributes nothing; the scan continues.
func (s *Scanner) Scan(ctx context.Context, wallet common.Address, fromBlock, toBlock uint64) (ScanResult, error) {
	if s.chain == nil {
		return ScanResult{}, fmt.Errorf("chain client is nil")
	}

	ranges, err := Chunks(fromBlock, toBlock, s.cfg.ChunkSize)
	if err != nil {
		return ScanResult{}, err
	}

	walletTopic := dex.AddressTopic(wallet)
	queries := []logQuery{
		{match: model.MatchSender, topics: [][]common.Hash{{dex.SwapTopic0}, {walletTopic}}},
		{match: model.MatchRecipient, topics: [][]common.Hash{{dex.SwapTopic0}, nil, {walletTopic}}},
	}
	if s.cfg.BroadScan {
		queries = append(queries, logQuery{match: model.MatchBroad, topics: [][]common.Hash{{dex.SwapTopic0}}})
	}

	var result ScanResult
	seen := make(map[model.LogKey]struct{})
	for _, blockRange := range ranges {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		s.logger.Debug("fetch logs", zap.Uint64("from", blockRange.From), zap.Uint64("to", blockRange.To))

		found := 0
		for _, q := range queries {
			result.Queries++
			logs, err := s.filterLogsWithRetry(ctx, blockRange, q)
			if err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				result.FailedQueries++
				metrics.LogQueries.WithLabelValues(string(q.match), "failed").Inc()
				s.logger.Warn("log query exhausted retries, skipping",
					zap.String("filter", string(q.match)),
					zap.Uint64("from", blockRange.From),
					zap.Uint64("to", blockRange.To),
					zap.Error(err),
				)
				continue
			}
			metrics.LogQueries.WithLabelValues(string(q.match), "ok").Inc()

			for _, log := range logs {
				if log.Removed {
					continue
				}
				raw := buildRawLog(log, q.match)
				if _, ok := seen[raw.Key()]; ok {
					continue
				}
				seen[raw.Key()] = struct{}{}
				result.Logs = append(result.Logs, raw)
				found++
			}
		}

		s.logger.Info("chunk complete",
			zap.String("wallet", wallet.Hex()),
			zap.Uint64("from", blockRange.From),
			zap.Uint64("to", blockRange.To),
			zap.Int("logs", found),
		)
	}

	sort.SliceStable(result.Logs, func(i, j int) bool {
		a, b := result.Logs[i], result.Logs[j]
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
	metrics.LogsScanned.Add(float64(len(result.Logs)))
	return result, nil
}

func (s *Scanner) filterLogsWithRetry(ctx context.Context, blockRange Chunk, q logQuery) ([]types.Log, error) {
	var logs []types.Log
	err := retry.Do(ctx, s.cfg.Retry, func(ctx context.Context) error {
		var err error
		logs, err = s.chain.FilterLogs(ctx, blockRange.From, blockRange.To, q.topics)
		if err != nil {
			s.logger.Warn("filter logs failed",
				zap.String("filter", string(q.match)),
				zap.Uint64("from", blockRange.From),
				zap.Uint64("to", blockRange.To),
				zap.Error(err),
			)
		}
		return err
	})
	return logs, err
}
