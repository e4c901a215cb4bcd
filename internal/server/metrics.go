package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the route pattern rather than the raw URL path.
	labelHandler = "handler"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// operationsTotal counts engine operations (upload, process, delete,
	// search, ask), partitioned by outcome: "ok" or the error kind.
	operationsTotal *prometheus.CounterVec

	// operationDurationSeconds records the wall-clock duration of each
	// engine operation.
	operationDurationSeconds *prometheus.HistogramVec

	// chunksCreatedTotal counts chunks written by successful process calls.
	chunksCreatedTotal prometheus.Counter

	// rateLimitedTotal counts requests rejected by the rate limiter, by route class.
	rateLimitedTotal *prometheus.CounterVec

	// httpRequestsTotal counts all HTTP requests handled by the router,
	// partitioned by method, route pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		operationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragpdf",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total number of engine operations completed, partitioned by operation and outcome.",
		}, []string{"operation", "outcome"}),

		operationDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragpdf",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Wall-clock duration of engine operations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"operation", "outcome"}),

		chunksCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragpdf",
			Subsystem: "engine",
			Name:      "chunks_created_total",
			Help:      "Total number of chunks indexed by successful process calls.",
		}),

		rateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragpdf",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the per-client rate limiter.",
		}, []string{"class"}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragpdf",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragpdf",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}
