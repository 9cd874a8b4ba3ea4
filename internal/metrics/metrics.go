package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LogQueries counts eth_getLogs queries by filter and outcome.
	LogQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volumeflex_log_queries_total",
			Help: "Total number of log queries issued, by filter and result.",
		},
		[]string{"filter", "result"},
	)
	// LogsScanned counts deduplicated raw logs leaving the scanner.
	LogsScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "volumeflex_logs_scanned_total",
			Help: "Total number of deduplicated swap logs returned by the scanner.",
		},
	)
	// PriceLookups counts price resolutions by source.
	PriceLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volumeflex_price_lookups_total",
			Help: "Historical price resolutions by source (cache, feed, history, unavailable).",
		},
		[]string{"source"},
	)
	// FeedRoundLookups observes getRoundData calls per feed walk.
	FeedRoundLookups = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "volumeflex_feed_round_lookups",
			Help:    "Number of round lookups needed by one feed walk.",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 40, 50},
		},
	)
	// TradesNormalized counts normalizer outcomes.
	TradesNormalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volumeflex_trades_normalized_total",
			Help: "Normalizer outcomes: emitted or the skip reason.",
		},
		[]string{"outcome"},
	)
	// TradesInserted counts rows newly written by the sink.
	TradesInserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "volumeflex_trades_inserted_total",
			Help: "Total number of trades newly inserted into storage.",
		},
	)
)

var registerOnce sync.Once

// Register adds all collectors to reg once per process.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			LogQueries,
			LogsScanned,
			PriceLookups,
			FeedRoundLookups,
			TradesNormalized,
			TradesInserted,
		)
	})
}
