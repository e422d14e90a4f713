package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds the Prometheus metrics for both services. Registering the
// same collector set twice panics, so each process builds exactly one.
type Registry struct {
	// Ingest pipeline
	EventsIngested *prometheus.CounterVec
	IngestDuration prometheus.Histogram

	// Scoring and blending
	ScoreChanges  *prometheus.CounterVec
	BlendPasses   *prometheus.CounterVec
	BlendDuration prometheus.Histogram

	// Matching
	OrdersPlaced   *prometheus.CounterVec
	TradesExecuted *prometheus.CounterVec
	TradeVolume    *prometheus.CounterVec

	// Transport
	HTTPDuration  *prometheus.HistogramVec
	WSSubscribers prometheus.Gauge

	registry *prometheus.Registry
}

// NewRegistry builds and registers every collector on a private registry.
func NewRegistry() *Registry {
	r := &Registry{
		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xmarket_events_ingested_total",
				Help: "Ingest decisions by outcome (created, duplicate, pending_review, rejected)",
			},
			[]string{"outcome"},
		),
		IngestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "xmarket_ingest_duration_seconds",
				Help:    "End-to-end ingest pipeline duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
		),
		ScoreChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xmarket_score_changes_total",
				Help: "Committed reality-score mutations by symbol",
			},
			[]string{"symbol"},
		),
		BlendPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xmarket_blend_passes_total",
				Help: "Blend passes by market availability (market, reality_only)",
			},
			[]string{"mode"},
		),
		BlendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "xmarket_blend_duration_seconds",
				Help:    "Blend pass duration including the market fetch",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0},
			},
		),
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xmarket_orders_placed_total",
				Help: "Accepted orders by side and type",
			},
			[]string{"side", "type"},
		),
		TradesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xmarket_trades_executed_total",
				Help: "Executed trades by symbol",
			},
			[]string{"symbol"},
		),
		TradeVolume: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xmarket_trade_volume_total",
				Help: "Executed quantity by symbol",
			},
			[]string{"symbol"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "xmarket_http_request_duration_seconds",
				Help:    "HTTP request duration by route and status",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"route", "status"},
		),
		WSSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "xmarket_ws_subscribers",
				Help: "Currently attached WebSocket subscribers",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	r.registry.MustRegister(
		r.EventsIngested, r.IngestDuration,
		r.ScoreChanges, r.BlendPasses, r.BlendDuration,
		r.OrdersPlaced, r.TradesExecuted, r.TradeVolume,
		r.HTTPDuration, r.WSSubscribers,
	)
	log.Debug().Msg("metrics registry initialized")
	return r
}

// Handler serves the Prometheus exposition endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
