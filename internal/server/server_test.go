package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volumeflex/internal/model"
	"volumeflex/internal/pipeline"
	"volumeflex/internal/storage"
)

type stubIngester struct {
	wallets []common.Address
	calls   int
	failed  int
	err     error
}

func (s *stubIngester) IngestAll(_ context.Context, wallets []common.Address, _ int) ([]pipeline.Report, error) {
	s.calls++
	s.wallets = wallets
	if s.err != nil {
		return nil, s.err
	}
	reports := make([]pipeline.Report, len(wallets))
	for i, w := range wallets {
		reports[i] = pipeline.Report{
			Wallet:        strings.ToLower(w.Hex()),
			Inserted:      2,
			Volume:        50,
			FailedQueries: s.failed,
			Exchanges: map[string]storage.ExchangeVolume{
				model.ExchangeUniswapV3: {Volume: 50, Inserted: 2, Fetched: 3},
			},
		}
	}
	return reports, nil
}

func newTestServer(t *testing.T, ingester Ingester) (*Server, *storage.MemoryStore) {
	t.Helper()
	return newCachedTestServer(t, ingester, nil)
}

func newCachedTestServer(t *testing.T, ingester Ingester, volumes storage.VolumeCache) (*Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	_, err := store.InsertTrades(context.Background(), []model.Trade{
		{Exchange: model.ExchangeUniswapV3, WalletAddress: "0x00000000000000000000000000000000000000aa", NotionalValue: 100, TradeID: "1"},
		{Exchange: model.ExchangeUniswapV3, WalletAddress: "0x00000000000000000000000000000000000000bb", NotionalValue: 40, TradeID: "2"},
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "volumeflex_test_total", Help: "test"}))
	return New(Config{Addr: ":0"}, store, ingester, volumes, reg, nil), store
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &resp))
	if data != nil && len(resp.Data) > 0 {
		require.NoError(t, sonic.Unmarshal(resp.Data, data))
	}
	return envelope{Success: resp.Success, Error: resp.Error}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var data map[string]string
	env := decode(t, rec, &data)
	assert.True(t, env.Success)
	assert.Equal(t, "ok", data["status"])
}

func TestVolumeAllAndByWallet(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/volume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var all storage.Summary
	decode(t, rec, &all)
	assert.Equal(t, int64(2), all.TotalTrades)
	assert.InDelta(t, 140.0, all.TotalVolume, 1e-9)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/volume?wallet=0x00000000000000000000000000000000000000AA", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var one storage.Summary
	decode(t, rec, &one)
	assert.Equal(t, int64(1), one.TotalTrades)
	assert.InDelta(t, 100.0, one.TotalVolume, 1e-9)
}

func TestVolumeRejectsBadWallet(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/volume?wallet=nope", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec, nil)
	assert.False(t, env.Success)
}

func TestIngestEndpoint(t *testing.T) {
	ingester := &stubIngester{}
	srv, _ := newTestServer(t, ingester)

	body := `{"wallets":[{"address":"0x00000000000000000000000000000000000000aa","chain":"evm"}]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/volume", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var data ingestResponse
	env := decode(t, rec, &data)
	assert.True(t, env.Success)
	assert.Equal(t, 2, data.TotalTrades)
	assert.InDelta(t, 50.0, data.TotalVolume, 1e-9)
	require.Len(t, ingester.wallets, 1)

	breakdown := data.BreakdownByExchange[model.ExchangeUniswapV3]
	assert.Equal(t, 3, breakdown.Fetched)
	assert.Equal(t, 2, breakdown.Inserted)
	require.Len(t, data.Wallets, 1)
	assert.Equal(t, "EVM", data.Wallets[0].Chain)
	assert.False(t, data.Wallets[0].Cached)
	assert.NotNil(t, data.Wallets[0].Report)
}

func postWallets(t *testing.T, srv *Server, body string) ingestResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/volume", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	var data ingestResponse
	decode(t, rec, &data)
	return data
}

func TestIngestEndpointServesRepeatFromCache(t *testing.T) {
	ingester := &stubIngester{}
	srv, _ := newCachedTestServer(t, ingester, storage.NewMemoryVolumeCache(time.Minute))
	body := `{"wallets":[{"address":"0x00000000000000000000000000000000000000AA","chain":"EVM"}]}`

	first := postWallets(t, srv, body)
	require.Len(t, first.Wallets, 1)
	assert.False(t, first.Wallets[0].Cached)

	second := postWallets(t, srv, body)
	assert.Equal(t, 1, ingester.calls)
	require.Len(t, second.Wallets, 1)
	assert.True(t, second.Wallets[0].Cached)
	assert.Positive(t, second.Wallets[0].CachedTimestamp)
	assert.Nil(t, second.Wallets[0].Report)
	assert.InDelta(t, 50.0, second.TotalVolume, 1e-9)
	assert.Equal(t, 2, second.TotalTrades)
	assert.Equal(t, 3, second.BreakdownByExchange[model.ExchangeUniswapV3].Fetched)
}

func TestIngestEndpointIngestsOnlyUncachedWallets(t *testing.T) {
	ingester := &stubIngester{}
	volumes := storage.NewMemoryVolumeCache(time.Minute)
	volumes.SetVolume(context.Background(), "0x00000000000000000000000000000000000000aa", storage.CachedVolume{
		TotalVolume: 7,
		Breakdown:   map[string]storage.ExchangeVolume{model.ExchangeUniswapV3: {Volume: 7, Inserted: 1, Fetched: 1}},
		Timestamp:   1_700_000_000,
	})
	srv, _ := newCachedTestServer(t, ingester, volumes)

	data := postWallets(t, srv, `{"wallets":[
		{"address":"0x00000000000000000000000000000000000000aa","chain":"EVM"},
		{"address":"0x00000000000000000000000000000000000000bb","chain":"EVM"}]}`)

	require.Len(t, ingester.wallets, 1)
	assert.Equal(t, common.HexToAddress("0xbb"), ingester.wallets[0])
	require.Len(t, data.Wallets, 2)
	assert.True(t, data.Wallets[0].Cached)
	assert.Equal(t, int64(1_700_000_000), data.Wallets[0].CachedTimestamp)
	assert.False(t, data.Wallets[1].Cached)
	assert.InDelta(t, 57.0, data.TotalVolume, 1e-9)
	assert.Equal(t, 3, data.TotalTrades)
}

func TestIngestEndpointDoesNotCacheIncompleteRun(t *testing.T) {
	ingester := &stubIngester{failed: 1}
	srv, _ := newCachedTestServer(t, ingester, storage.NewMemoryVolumeCache(time.Minute))
	body := `{"wallets":[{"address":"0x00000000000000000000000000000000000000aa","chain":"EVM"}]}`

	postWallets(t, srv, body)
	second := postWallets(t, srv, body)
	assert.Equal(t, 2, ingester.calls)
	assert.False(t, second.Wallets[0].Cached)
}

func TestIngestEndpointValidation(t *testing.T) {
	cases := map[string]string{
		"empty":     `{"wallets":[]}`,
		"chain":     `{"wallets":[{"address":"0x00000000000000000000000000000000000000aa","chain":"solana"}]}`,
		"address":   `{"wallets":[{"address":"0x12","chain":"EVM"}]}`,
		"malformed": `{"wallets":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubIngester{})
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/volume", strings.NewReader(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestIngestEndpointFailureAndDisabled(t *testing.T) {
	srv, _ := newTestServer(t, &stubIngester{err: errors.New("rpc down")})
	body := `{"wallets":[{"address":"0x00000000000000000000000000000000000000aa","chain":"EVM"}]}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/volume", strings.NewReader(body)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	disabled, _ := newTestServer(t, nil)
	rec = httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/volume", strings.NewReader(body)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "volumeflex_test_total")
}
