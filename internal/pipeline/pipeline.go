package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"volumeflex/internal/indexer"
	"volumeflex/internal/model"
	"volumeflex/internal/normalize"
	"volumeflex/internal/storage"
)

// DefaultLookback is the block window scanned when no start block is known.
const DefaultLookback uint64 = 100_000

// LogScanner finds swap logs touching a wallet.
type LogScanner interface {
	Scan(ctx context.Context, wallet common.Address, fromBlock, toBlock uint64) (indexer.ScanResult, error)
}

// TradeNormalizer converts one raw log into a trade.
type TradeNormalizer interface {
	Normalize(ctx context.Context, log model.RawLog, wallet common.Address) (model.Trade, error)
}

// HeadSource reports the chain head.
type HeadSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// CheckpointStore remembers the last fully scanned block per wallet.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, wallet common.Address) (uint64, bool, error)
	SaveCheckpoint(ctx context.Context, wallet common.Address, block uint64) error
}

// WalletRegistry records ingested wallets.
type WalletRegistry interface {
	UpsertWallet(ctx context.Context, wallet common.Address, chain string) error
}

// Config holds range and batching settings. Zero From and To mean
// "resume or look back" and "chain head".
type Config struct {
	From      uint64
	To        uint64
	Lookback  uint64
	Chain     string
	BatchSize int
}

// Deps are the collaborators of a Pipeline. Checkpoints and Wallets are optional.
type Deps struct {
	Head        HeadSource
	Scanner     LogScanner
	Normalizer  TradeNormalizer
	Sink        storage.Sink
	Checkpoints CheckpointStore
	Wallets     WalletRegistry
}

// Report describes one wallet run. TransientSkips counts skipped logs whose
// lookups failed after retries.
type Report struct {
	Wallet         string                            `json:"wallet"`
	From           uint64                            `json:"from_block"`
	To             uint64                            `json:"to_block"`
	Logs           int                               `json:"logs"`
	Emitted        int                               `json:"emitted"`
	Inserted       int                               `json:"inserted"`
	Volume         float64                           `json:"inserted_volume"`
	EmittedVolume  float64                           `json:"emitted_volume"`
	Skipped        map[string]int                    `json:"skipped"`
	TransientSkips int                               `json:"transient_skips"`
	FailedQueries  int                               `json:"failed_queries"`
	Checkpointed   bool                              `json:"checkpointed"`
	Exchanges      map[string]storage.ExchangeVolume `json:"exchanges"`
}

// Complete reports whether every query and lookup of the run succeeded, so
// the range never needs to be scanned again.
func (r Report) Complete() bool {
	return r.FailedQueries == 0 && r.TransientSkips == 0
}

func newReport(wallet common.Address, from, to uint64) Report {
	return Report{
		Wallet:    walletKey(wallet),
		From:      from,
		To:        to,
		Skipped:   map[string]int{},
		Exchanges: map[string]storage.ExchangeVolume{},
	}
}

// Pipeline runs Scanner -> Normalizer -> Sink for wallets.
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

func New(cfg Config, deps Deps, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Lookback == 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Chain == "" {
		cfg.Chain = "ethereum"
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger}
}

// Ingest resolves the block range of a wallet, runs it and advances the
// checkpoint when every log query and lookup succeeded.
func (p *Pipeline) Ingest(ctx context.Context, wallet common.Address) (Report, error) {
	from, to, err := p.resolveRange(ctx, wallet)
	if err != nil {
		return Report{Wallet: walletKey(wallet)}, err
	}
	if from > to {
		p.logger.Info("wallet up to date", zap.String("wallet", wallet.Hex()), zap.Uint64("to", to))
		return newReport(wallet, from, to), nil
	}

	if p.deps.Wallets != nil {
		if err := p.deps.Wallets.UpsertWallet(ctx, wallet, p.cfg.Chain); err != nil {
			return Report{Wallet: walletKey(wallet)}, fmt.Errorf("register wallet: %w", err)
		}
	}

	report, err := p.Run(ctx, wallet, from, to)
	if err != nil {
		return report, err
	}

	if !report.Complete() {
		p.logger.Warn("checkpoint not advanced, some lookups failed",
			zap.String("wallet", wallet.Hex()),
			zap.Int("failed_queries", report.FailedQueries),
			zap.Int("transient_skips", report.TransientSkips),
		)
		return report, nil
	}
	if p.deps.Checkpoints != nil {
		if err := p.deps.Checkpoints.SaveCheckpoint(ctx, wallet, to); err != nil {
			return report, fmt.Errorf("save checkpoint: %w", err)
		}
		report.Checkpointed = true
	}
	return report, nil
}

// Run scans [from, to] for a wallet and stores the resulting trades. Skipped
// logs are counted by reason; only storage and context errors abort the run.
func (p *Pipeline) Run(ctx context.Context, wallet common.Address, from, to uint64) (Report, error) {
	report := newReport(wallet, from, to)
	if p.deps.Scanner == nil || p.deps.Normalizer == nil || p.deps.Sink == nil {
		return report, fmt.Errorf("pipeline dependencies missing")
	}

	p.logger.Info("ingest start",
		zap.String("wallet", wallet.Hex()),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
	)

	scan, err := p.deps.Scanner.Scan(ctx, wallet, from, to)
	if err != nil {
		return report, fmt.Errorf("scan: %w", err)
	}
	report.Logs = len(scan.Logs)
	report.FailedQueries = scan.FailedQueries

	batch := make([]model.Trade, 0, p.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, err := p.deps.Sink.InsertTrades(ctx, batch)
		if err != nil {
			return fmt.Errorf("insert trades: %w", err)
		}
		report.Inserted += len(inserted)
		for _, t := range inserted {
			report.Volume += t.NotionalValue
		}
		batch = batch[:0]
		return nil
	}

	for _, log := range scan.Logs {
		trade, err := p.deps.Normalizer.Normalize(ctx, log, wallet)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			reason := normalize.Outcome(err)
			report.Skipped[reason]++
			if normalize.Transient(err) {
				report.TransientSkips++
			}
			p.logger.Debug("swap skipped",
				zap.String("tx", log.TxHash.Hex()),
				zap.Uint("log_index", log.LogIndex),
				zap.String("reason", reason),
				zap.Error(err),
			)
			continue
		}
		report.Emitted++
		report.EmittedVolume += trade.NotionalValue
		batch = append(batch, trade)
		if len(batch) >= p.cfg.BatchSize {
			if err := flush(); err != nil {
				return report, err
			}
		}
	}
	if err := flush(); err != nil {
		return report, err
	}
	report.Exchanges[model.ExchangeUniswapV3] = storage.ExchangeVolume{
		Volume:   report.EmittedVolume,
		Inserted: report.Inserted,
		Fetched:  report.Logs,
	}

	p.logger.Info("ingest done",
		zap.String("wallet", wallet.Hex()),
		zap.Int("logs", report.Logs),
		zap.Int("emitted", report.Emitted),
		zap.Int("inserted", report.Inserted),
		zap.Float64("inserted_volume", report.Volume),
		zap.Int("transient_skips", report.TransientSkips),
		zap.Int("failed_queries", report.FailedQueries),
	)
	return report, nil
}

// IngestAll runs wallets as independent ingestions, at most concurrency at a
// time. Reports keep the input order; failed wallets are joined into the error.
func (p *Pipeline) IngestAll(ctx context.Context, wallets []common.Address, concurrency int) ([]Report, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	reports := make([]Report, len(wallets))
	errs := make([]error, len(wallets))

	workers := pool.New().WithMaxGoroutines(concurrency)
	for i, wallet := range wallets {
		workers.Go(func() {
			report, err := p.Ingest(ctx, wallet)
			reports[i] = report
			if err != nil {
				errs[i] = fmt.Errorf("wallet %s: %w", wallet.Hex(), err)
				p.logger.Error("wallet ingest failed", zap.String("wallet", wallet.Hex()), zap.Error(err))
			}
		})
	}
	workers.Wait()

	return reports, errors.Join(errs...)
}

func (p *Pipeline) resolveRange(ctx context.Context, wallet common.Address) (uint64, uint64, error) {
	from, to := p.cfg.From, p.cfg.To
	if to == 0 || from == 0 {
		if p.deps.Head == nil {
			return 0, 0, fmt.Errorf("chain head source missing")
		}
		latest, err := p.deps.Head.LatestBlockNumber(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("latest block: %w", err)
		}
		if to == 0 {
			to = latest
		}
		if from == 0 {
			if to > p.cfg.Lookback {
				from = to - p.cfg.Lookback
			}
			if p.deps.Checkpoints != nil {
				last, ok, err := p.deps.Checkpoints.LoadCheckpoint(ctx, wallet)
				if err != nil {
					return 0, 0, fmt.Errorf("load checkpoint: %w", err)
				}
				if ok {
					from = last + 1
				}
			}
		}
	}
	return from, to, nil
}

func walletKey(wallet common.Address) string {
	return strings.ToLower(wallet.Hex())
}
