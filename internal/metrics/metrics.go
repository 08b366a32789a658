// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the sync engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Sync metrics
	SyncRuns     *prometheus.CounterVec
	SyncRecords  *prometheus.CounterVec
	SyncDuration *prometheus.HistogramVec

	// Upstream metrics
	UpstreamRequests *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	QueueRejected    prometheus.Counter

	// Cache metrics
	CacheErrors *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers every metric on reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the default registry.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "defi_sync"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of sync passes by entity type and final state",
		}, []string{"entity", "status"}),
		SyncRecords: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Records processed by sync passes, by outcome",
		}, []string{"entity", "outcome"}),
		SyncDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Duration of sync passes",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"entity"}),
		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Outbound provider requests by status class",
		}, []string{"provider", "status"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "queue_depth",
			Help:      "Pending calls in the rate-limited request queue",
		}),
		QueueRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "queue_rejected_total",
			Help:      "Calls rejected because the request queue was full",
		}),
		CacheErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Swallowed cache errors by operation",
		}, []string{"op"}),
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m
}

// RecordRun records one finished pass of an entity type
func (m *Metrics) RecordRun(entity, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(entity, status).Inc()
	m.SyncDuration.WithLabelValues(entity).Observe(elapsed.Seconds())
}

// AddRecords adds n records with the given outcome (created, updated, failed...)
func (m *Metrics) AddRecords(entity, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SyncRecords.WithLabelValues(entity, outcome).Add(float64(n))
}

func (m *Metrics) UpstreamRequest(provider, status string) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) QueueFull() {
	if m == nil {
		return
	}
	m.QueueRejected.Inc()
}

func (m *Metrics) CacheError(op string) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(op).Inc()
}

// Handler serves the registry the metrics were created on
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// NewRouter returns a router exposing GET /metrics
func NewRouter(m *Metrics) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	return router
}

// StatusLabel folds an HTTP status code into its class ("2xx", "429", "5xx")
func StatusLabel(code int) string {
	if code == http.StatusTooManyRequests {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
