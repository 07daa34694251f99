package bridge

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	updateStatusDelivered = "delivered"
	updateStatusDropped   = "dropped"
	updateStatusStale     = "stale"

	chainStatusCompleted = "completed"
	chainStatusFailed    = "failed"
	chainStatusRejected  = "rejected"
)

// Metrics holds all Prometheus metrics for bridges. A nil *Metrics records
// nothing.
type Metrics struct {
	// Bridge lifecycle metrics
	bridgesActive prometheus.Gauge
	bridgesTotal  *prometheus.CounterVec

	// Traffic metrics
	propertyUpdates    *prometheus.CounterVec
	childChains        *prometheus.CounterVec
	childChainDuration *prometheus.HistogramVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance backed by a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		bridgesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "extensions_bridges_active",
				Help: "Number of currently connected bridge pairs",
			},
		),

		bridgesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extensions_bridges_total",
				Help: "Total number of bridge pairs created",
			},
			[]string{"domain_id"},
		),

		propertyUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extensions_bridge_property_updates_total",
				Help: "Shared property updates pushed to bridges by status",
			},
			[]string{"domain_id", "status"},
		),

		childChains: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extensions_bridge_child_chains_total",
				Help: "Actions chains originated by extensions by status",
			},
			[]string{"domain_id", "status"},
		),

		childChainDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extensions_bridge_child_chain_duration_seconds",
				Help:    "Duration of extension-originated actions chains in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"domain_id"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extensions_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extensions_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.bridgesActive,
		m.bridgesTotal,
		m.propertyUpdates,
		m.childChains,
		m.childChainDuration,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordBridgeCreated records a new bridge pair.
func (m *Metrics) RecordBridgeCreated(domainID string) {
	if m == nil {
		return
	}
	m.bridgesTotal.WithLabelValues(domainID).Inc()
	m.bridgesActive.Inc()
}

// RecordBridgeDisposed records a bridge pair teardown.
func (m *Metrics) RecordBridgeDisposed(string) {
	if m == nil {
		return
	}
	m.bridgesActive.Dec()
}

// RecordPropertyUpdate records a property push with its delivery status.
func (m *Metrics) RecordPropertyUpdate(domainID, status string) {
	if m == nil {
		return
	}
	m.propertyUpdates.WithLabelValues(domainID, status).Inc()
}

// RecordChildChain records an extension-originated chain.
func (m *Metrics) RecordChildChain(domainID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.childChains.WithLabelValues(domainID, status).Inc()
	if duration > 0 {
		m.childChainDuration.WithLabelValues(domainID).Observe(duration.Seconds())
	}
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, getEndpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// getEndpointName extracts a normalized endpoint name from the path
func getEndpointName(path string) string {
	switch {
	case path == "/healthz":
		return "healthz"
	case path == "/metrics":
		return "metrics"
	case strings.HasPrefix(path, "/v1/chains"):
		return "chains"
	case strings.HasPrefix(path, "/v1/domains"):
		return "domains"
	case strings.HasPrefix(path, "/v1/extensions"):
		return "extensions"
	default:
		return "unknown"
	}
}
