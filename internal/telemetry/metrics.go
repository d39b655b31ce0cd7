package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matrixsim"

var (
	// ExternalRequestsTotal counts calls to the storage manager and traffic
	// controller by outcome ("ok" or "error").
	ExternalRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "external_requests_total",
		Help:      "Requests issued to external control services.",
	}, []string{"service", "op", "outcome"})

	ExternalRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "external_request_duration_seconds",
		Help:      "Latency of requests to external control services.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "op"})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Finished simulation runs by outcome.",
	}, []string{"outcome"})

	RunActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_active",
		Help:      "1 while a simulation run is executing.",
	})

	BinsCalledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bins_called_total",
		Help:      "Bins dispatched to stations.",
	}, []string{"station_type"})

	BinsStoredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bins_stored_total",
		Help:      "Bins stored back from stations.",
	}, []string{"station_type"})

	AdvanceOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "advance_orders_total",
		Help:      "Advance orders submitted to the storage manager.",
	}, []string{"station_type"})

	LogFlushFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_flush_failures_total",
		Help:      "Run log batches that could not be persisted.",
	})

	// UpstreamUp is 1 when the last health probe of a server's service
	// succeeded.
	UpstreamUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "upstream_up",
		Help:      "Result of the last upstream health probe.",
	}, []string{"server", "service"})

	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "HTTP API requests.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP API latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "api_active_connections",
		Help:      "In-flight HTTP API requests.",
	})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
