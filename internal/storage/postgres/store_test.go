package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"volumeflex/internal/model"
)

// setupStore starts a Postgres container and returns a migrated Store.
func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("volumeflex"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	// second run must be a no-op
	require.NoError(t, store.Migrate(ctx))
	return store
}

func sampleTrade(id, wallet string, notional float64) model.Trade {
	return model.Trade{
		Exchange:      model.ExchangeUniswapV3,
		WalletAddress: wallet,
		Market:        "USDC-WETH",
		Side:          model.SideSwap,
		Price:         1,
		Size:          notional,
		NotionalValue: notional,
		Timestamp:     1_700_000_000,
		TradeID:       id,
	}
}

func TestStoreInsertTradesIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	batch := []model.Trade{
		sampleTrade("uni_0xaa_1", "0xa", 100),
		sampleTrade("uni_0xaa_2", "0xa", 50),
	}
	inserted, err := store.InsertTrades(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, inserted, 2)

	inserted, err = store.InsertTrades(ctx, append(batch, sampleTrade("uni_0xbb_0", "0xb", 25)))
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "uni_0xbb_0", inserted[0].TradeID)

	summary, err := store.Summary(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalTrades)
	assert.InDelta(t, 175.0, summary.TotalVolume, 1e-9)
	assert.Zero(t, summary.NegativeNotional)
	require.Len(t, summary.ByWallet, 2)
	assert.Equal(t, "0xa", summary.ByWallet[0].Key)
	assert.Equal(t, int64(2), summary.ByWallet[0].Trades)
	require.Len(t, summary.ByExchange, 1)
	assert.Equal(t, model.ExchangeUniswapV3, summary.ByExchange[0].Key)

	walletSummary, err := store.Summary(ctx, "0xB")
	require.NoError(t, err)
	assert.Equal(t, int64(1), walletSummary.TotalTrades)
}

func TestStoreRejectsNegativeNotional(t *testing.T) {
	store := setupStore(t)
	_, err := store.InsertTrades(context.Background(), []model.Trade{sampleTrade("neg", "0xa", -1)})
	assert.Error(t, err)
}

func TestStoreWalletCheckpoint(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	wallet := common.HexToAddress("0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B")

	require.NoError(t, store.UpsertWallet(ctx, wallet, "ethereum"))
	_, ok, err := store.LoadCheckpoint(ctx, wallet)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SaveCheckpoint(ctx, wallet, 19_500_000))
	block, ok, err := store.LoadCheckpoint(ctx, wallet)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(19_500_000), block)

	require.NoError(t, store.UpsertWallet(ctx, wallet, "ethereum"))
	block, _, err = store.LoadCheckpoint(ctx, wallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(19_500_000), block)
}
