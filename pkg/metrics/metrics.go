// Package metrics defines the Prometheus metric collectors used by the
// search engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	DocsIndexedTotal    prometheus.Counter
	DocsRemovedTotal    prometheus.Counter
	SearchQueriesTotal  *prometheus.CounterVec
	SearchLatency       prometheus.Histogram
	SearchResultsCount  prometheus.Histogram
	FuzzyFallbacksTotal prometheus.Counter
	RebuildBatchesTotal *prometheus.CounterVec
	RebuildFailuresTotal prometheus.Counter
	CollectionsCleared  prometheus.Counter
	BreakerState        *prometheus.GaugeVec

	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
}

// New creates and registers all engine metrics against reg. Passing a
// dedicated registry keeps tests independent; use prometheus.DefaultRegisterer
// in binaries.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_docs_indexed_total",
				Help: "Total documents indexed.",
			},
		),
		DocsRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_docs_removed_total",
				Help: "Total documents removed from the index.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kestrel_search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kestrel_search_results_count",
				Help:    "Number of results returned per search query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		FuzzyFallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_fuzzy_fallbacks_total",
				Help: "Query terms resolved through fuzzy matching instead of exact postings.",
			},
		),
		RebuildBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_rebuild_batches_total",
				Help: "Rebuild batches processed, by status.",
			},
			[]string{"status"},
		),
		RebuildFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_rebuild_doc_failures_total",
				Help: "Documents that failed to index during a rebuild pass.",
			},
		),
		CollectionsCleared: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kestrel_collections_cleared_total",
				Help: "Collection clear operations completed.",
			},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kestrel_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kestrel_http_requests_total",
				Help: "HTTP requests served, by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kestrel_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kestrel_http_requests_in_flight",
				Help: "HTTP requests currently being served.",
			},
		),
	}
	reg.MustRegister(
		m.DocsIndexedTotal,
		m.DocsRemovedTotal,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.FuzzyFallbacksTotal,
		m.RebuildBatchesTotal,
		m.RebuildFailuresTotal,
		m.CollectionsCleared,
		m.BreakerState,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
	)
	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
