package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the mediator
type Metrics struct {
	// Rewrite metrics
	rewritesTotal   *prometheus.CounterVec
	rewriteDuration prometheus.Histogram

	// Load metrics
	loadsTotal        *prometheus.CounterVec
	loadDuration      *prometheus.HistogramVec
	chunksTotal       *prometheus.CounterVec
	chunkDuration     *prometheus.HistogramVec
	chunkRetriesTotal *prometheus.CounterVec

	// Database metrics
	dbQueriesTotal  *prometheus.CounterVec
	dbQueryDuration prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		rewritesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geomediator_rewrites_total",
				Help: "Total number of rewritten statements by outcome",
			},
			[]string{"outcome"},
		),
		rewriteDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "geomediator_rewrite_duration_seconds",
				Help:    "Statement rewrite latency in seconds",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		loadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geomediator_loads_total",
				Help: "Total number of completed data loads by loader and outcome",
			},
			[]string{"loader", "outcome"},
		),
		loadDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geomediator_load_duration_seconds",
				Help:    "Full materialisation latency in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"loader"},
		),
		chunksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geomediator_chunks_total",
				Help: "Total number of fetched chunks by loader and outcome",
			},
			[]string{"loader", "outcome"},
		),
		chunkDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geomediator_chunk_duration_seconds",
				Help:    "Single chunk fetch-and-append latency in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"loader"},
		),
		chunkRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geomediator_chunk_retries_total",
				Help: "Total number of chunk retry attempts by loader",
			},
			[]string{"loader"},
		),
		dbQueriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "geomediator_db_queries_total",
				Help: "Total number of status database queries by result",
			},
			[]string{"result"},
		),
		dbQueryDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "geomediator_db_query_duration_seconds",
				Help:    "Status database query latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
	}
}

// RecordRewrite records the outcome of one rewrite call
func (m *Metrics) RecordRewrite(outcome string, duration time.Duration) {
	m.rewritesTotal.WithLabelValues(outcome).Inc()
	m.rewriteDuration.Observe(duration.Seconds())
}

// RecordLoad records a finished materialisation
func (m *Metrics) RecordLoad(loader, outcome string, duration time.Duration) {
	m.loadsTotal.WithLabelValues(loader, outcome).Inc()
	m.loadDuration.WithLabelValues(loader).Observe(duration.Seconds())
}

// RecordChunk records one chunk fetch attempt result
func (m *Metrics) RecordChunk(loader, outcome string, duration time.Duration) {
	m.chunksTotal.WithLabelValues(loader, outcome).Inc()
	m.chunkDuration.WithLabelValues(loader).Observe(duration.Seconds())
}

// RecordChunkRetry records a retry of a failed chunk
func (m *Metrics) RecordChunkRetry(loader string) {
	m.chunkRetriesTotal.WithLabelValues(loader).Inc()
}

// RecordDBQuery records database query metrics
func (m *Metrics) RecordDBQuery(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dbQueriesTotal.WithLabelValues(result).Inc()
	m.dbQueryDuration.Observe(duration.Seconds())
}
