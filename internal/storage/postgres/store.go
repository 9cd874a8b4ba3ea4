package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"volumeflex/internal/model"
	"volumeflex/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// Store provides Postgres persistence for trades and wallets.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ storage.Sink          = (*Store)(nil)
	_ storage.SummaryReader = (*Store)(nil)
)

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the trades and wallets tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InsertTrades inserts trades in one batch; rows whose trade_id already exists
// are dropped and left out of the result.
func (s *Store) InsertTrades(ctx context.Context, trades []model.Trade) ([]model.Trade, error) {
	if len(trades) == 0 {
		return nil, nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(`
			INSERT INTO trades (
				wallet_address, exchange, market, side, price, size, notional_value, "timestamp", trade_id
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (trade_id) DO NOTHING
			RETURNING trade_id
		`,
			t.WalletAddress,
			t.Exchange,
			t.Market,
			t.Side,
			t.Price,
			t.Size,
			t.NotionalValue,
			t.Timestamp,
			t.TradeID,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := make([]model.Trade, 0, len(trades))
	for _, t := range trades {
		var id string
		if err := br.QueryRow().Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("insert trade %s: %w", t.TradeID, err)
		}
		inserted = append(inserted, t)
	}
	return inserted, nil
}

// UpsertWallet records a wallet address for a chain.
func (s *Store) UpsertWallet(ctx context.Context, wallet common.Address, chain string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wallets (address, chain, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (address) DO UPDATE
		SET chain = EXCLUDED.chain, updated_at = now()
	`, walletKey(wallet), chain)
	return err
}

// LoadCheckpoint returns the last fully scanned block recorded for a wallet.
func (s *Store) LoadCheckpoint(ctx context.Context, wallet common.Address) (uint64, bool, error) {
	var block *int64
	row := s.pool.QueryRow(ctx, `SELECT last_block FROM wallets WHERE address=$1`, walletKey(wallet))
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if block == nil || *block < 0 {
		return 0, false, nil
	}
	return uint64(*block), true, nil
}

// SaveCheckpoint upserts the last fully scanned block of a wallet.
func (s *Store) SaveCheckpoint(ctx context.Context, wallet common.Address, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO wallets (address, chain, last_block, created_at, updated_at)
		VALUES ($1, '', $2, now(), now())
		ON CONFLICT (address) DO UPDATE
		SET last_block = EXCLUDED.last_block, updated_at = now()
	`, walletKey(wallet), int64(block))
	return err
}

// Summary aggregates stored trades, optionally for one wallet.
func (s *Store) Summary(ctx context.Context, wallet string) (storage.Summary, error) {
	wallet = strings.ToLower(wallet)
	var summary storage.Summary

	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(notional_value), 0), COUNT(*),
		       COUNT(*) FILTER (WHERE notional_value < 0)
		FROM trades
		WHERE ($1 = '' OR wallet_address = $1)
	`, wallet)
	if err := row.Scan(&summary.TotalVolume, &summary.TotalTrades, &summary.NegativeNotional); err != nil {
		return storage.Summary{}, fmt.Errorf("query totals: %w", err)
	}

	var err error
	summary.ByExchange, err = s.breakdown(ctx, "exchange", wallet)
	if err != nil {
		return storage.Summary{}, err
	}
	summary.ByWallet, err = s.breakdown(ctx, "wallet_address", wallet)
	if err != nil {
		return storage.Summary{}, err
	}
	return summary, nil
}

// breakdown groups by a fixed column name; column never comes from input.
func (s *Store) breakdown(ctx context.Context, column, wallet string) ([]storage.Breakdown, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*), COALESCE(SUM(notional_value), 0) AS total_volume
		FROM trades
		WHERE ($1 = '' OR wallet_address = $1)
		GROUP BY %s
		ORDER BY total_volume DESC, %s
	`, column, column, column), wallet)
	if err != nil {
		return nil, fmt.Errorf("query breakdown by %s: %w", column, err)
	}
	defer rows.Close()

	out := make([]storage.Breakdown, 0)
	for rows.Next() {
		var b storage.Breakdown
		if err := rows.Scan(&b.Key, &b.Trades, &b.Volume); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func walletKey(wallet common.Address) string {
	return strings.ToLower(wallet.Hex())
}
