package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"volumeflex/internal/pipeline"
	"volumeflex/internal/storage"
)

// maxWalletsPerRequest bounds POST /api/volume.
const maxWalletsPerRequest = 20

// Ingester runs on-demand ingestion for wallets.
type Ingester interface {
	IngestAll(ctx context.Context, wallets []common.Address, concurrency int) ([]pipeline.Report, error)
}

// Config holds server settings.
type Config struct {
	Addr        string
	Concurrency int
}

// Server exposes health, volume summaries and metrics over HTTP.
type Server struct {
	cfg       Config
	summaries storage.SummaryReader
	ingester  Ingester
	volumes   storage.VolumeCache
	logger    *zap.Logger
	mux       *http.ServeMux
	server    *http.Server
}

// New builds the server. ingester may be nil, which disables POST /api/volume.
// volumes may be nil, which ingests every requested wallet.
func New(cfg Config, summaries storage.SummaryReader, ingester Ingester, volumes storage.VolumeCache, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	mux := http.NewServeMux()
	s := &Server{
		cfg:       cfg,
		summaries: summaries,
		ingester:  ingester,
		volumes:   volumes,
		logger:    logger,
		mux:       mux,
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/volume", s.handleVolume)
	mux.HandleFunc("POST /api/volume", s.handleIngest)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "ok"}})
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	if s.summaries == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no trade store configured")
		return
	}

	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet != "" {
		if !common.IsHexAddress(wallet) {
			s.writeError(w, http.StatusBadRequest, "invalid wallet address")
			return
		}
		wallet = strings.ToLower(common.HexToAddress(wallet).Hex())
	}

	summary, err := s.summaries.Summary(r.Context(), wallet)
	if err != nil {
		s.logger.Error("volume summary failed", zap.String("wallet", wallet), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "summary unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: summary})
}

type walletInput struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

type ingestRequest struct {
	Wallets []walletInput `json:"wallets"`
}

type walletSummary struct {
	Address         string                            `json:"address"`
	Chain           string                            `json:"chain"`
	Exchanges       map[string]storage.ExchangeVolume `json:"exchanges"`
	Cached          bool                              `json:"cached"`
	CachedTimestamp int64                             `json:"cached_timestamp,omitempty"`
	Report          *pipeline.Report                  `json:"report,omitempty"`
}

type ingestResponse struct {
	TotalVolume         float64                           `json:"total_volume"`
	TotalTrades         int                               `json:"total_trades"`
	BreakdownByExchange map[string]storage.ExchangeVolume `json:"breakdown_by_exchange"`
	Wallets             []walletSummary                   `json:"wallets"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		s.writeError(w, http.StatusServiceUnavailable, "ingestion disabled")
		return
	}

	var req ingestRequest
	if err := sonic.ConfigDefault.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Wallets) == 0 {
		s.writeError(w, http.StatusBadRequest, "wallets list must not be empty")
		return
	}
	if len(req.Wallets) > maxWalletsPerRequest {
		s.writeError(w, http.StatusBadRequest, "too many wallets")
		return
	}

	wallets := make([]common.Address, 0, len(req.Wallets))
	for _, in := range req.Wallets {
		if chain := strings.ToUpper(strings.TrimSpace(in.Chain)); chain != "EVM" {
			s.writeError(w, http.StatusBadRequest, "unsupported chain: "+in.Chain)
			return
		}
		if !common.IsHexAddress(strings.TrimSpace(in.Address)) {
			s.writeError(w, http.StatusBadRequest, "invalid wallet address: "+in.Address)
			return
		}
		wallets = append(wallets, common.HexToAddress(strings.TrimSpace(in.Address)))
	}

	summaries := make([]walletSummary, len(wallets))
	var (
		pending []common.Address
		slots   []int
	)
	for i, wallet := range wallets {
		address := strings.ToLower(wallet.Hex())
		if s.volumes != nil {
			if cached, ok := s.volumes.GetVolume(r.Context(), address); ok {
				summaries[i] = walletSummary{
					Address:         address,
					Chain:           "EVM",
					Exchanges:       cached.Breakdown,
					Cached:          true,
					CachedTimestamp: cached.Timestamp,
				}
				continue
			}
		}
		pending = append(pending, wallet)
		slots = append(slots, i)
	}

	if len(pending) > 0 {
		reports, err := s.ingester.IngestAll(r.Context(), pending, s.cfg.Concurrency)
		if err != nil {
			s.logger.Error("on-demand ingest failed", zap.Int("wallets", len(pending)), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "ingestion failed")
			return
		}
		for j, report := range reports {
			if j >= len(slots) {
				break
			}
			address := strings.ToLower(pending[j].Hex())
			summaries[slots[j]] = walletSummary{
				Address:   address,
				Chain:     "EVM",
				Exchanges: report.Exchanges,
				Report:    &report,
			}
			if s.volumes != nil && report.Complete() {
				s.volumes.SetVolume(r.Context(), address, storage.CachedVolume{
					TotalVolume: exchangeTotal(report.Exchanges),
					Breakdown:   report.Exchanges,
					Timestamp:   time.Now().Unix(),
				})
			}
		}
	}

	resp := ingestResponse{
		BreakdownByExchange: make(map[string]storage.ExchangeVolume),
		Wallets:             summaries,
	}
	for _, summary := range summaries {
		for exchange, volume := range summary.Exchanges {
			agg := resp.BreakdownByExchange[exchange]
			agg.Volume += volume.Volume
			agg.Inserted += volume.Inserted
			agg.Fetched += volume.Fetched
			resp.BreakdownByExchange[exchange] = agg
			resp.TotalVolume += volume.Volume
			resp.TotalTrades += volume.Inserted
		}
	}
	s.writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

func exchangeTotal(exchanges map[string]storage.ExchangeVolume) float64 {
	var total float64
	for _, volume := range exchanges {
		total += volume.Volume
	}
	return total
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, envelope{Success: false, Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body envelope) {
	data, err := sonic.Marshal(body)
	if err != nil {
		s.logger.Error("encode response failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write response failed", zap.Error(err))
	}
}
