package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics holds the generic HTTP/storage observability series shared by
// the bus, agent, and fusion observability surfaces — distinct from the
// domain-specific series above (bus_publish_total, fusion_incidents_total,
// ...), which are process-wide singletons.
type HTTPMetrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	StorageOpsTotal    *prometheus.CounterVec
	StorageOpDuration  *prometheus.HistogramVec
	StorageConnsOpen   prometheus.Gauge

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// NewHTTPMetrics creates an HTTPMetrics instance registered against the
// default prometheus registerer.
func NewHTTPMetrics(component string) *HTTPMetrics {
	return NewHTTPMetricsWithRegistry(component, prometheus.DefaultRegisterer)
}

// NewHTTPMetricsWithRegistry creates an HTTPMetrics instance against a
// caller-supplied registerer, used by tests to avoid collisions with the
// default registry.
func NewHTTPMetricsWithRegistry(component string, registerer prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"component", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"component", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed.",
			},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors, by kind.",
			},
			[]string{"component", "kind", "operation"},
		),
		StorageOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_operations_total",
				Help: "Total storage operations (SQLite/Postgres/Redis), by outcome.",
			},
			[]string{"component", "operation", "status"},
		),
		StorageOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"component", "operation"},
		),
		StorageConnsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "storage_connections_open",
				Help: "Current number of open storage connections.",
			},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Component uptime in seconds.",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Component build/version information.",
			},
			[]string{"component", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.StorageOpsTotal,
			m.StorageOpDuration,
			m.StorageConnsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(component, "1.0.0", environment()).Set(1)

	return m
}

// RecordHTTPRequest records one completed HTTP request.
func (m *HTTPMetrics) RecordHTTPRequest(component, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(component, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(component, method, path).Observe(duration.Seconds())
}

// RecordError records one error occurrence.
func (m *HTTPMetrics) RecordError(component, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(component, kind, operation).Inc()
}

// RecordStorageOp records one storage operation.
func (m *HTTPMetrics) RecordStorageOp(component, operation, status string, duration time.Duration) {
	m.StorageOpsTotal.WithLabelValues(component, operation, status).Inc()
	m.StorageOpDuration.WithLabelValues(component, operation).Observe(duration.Seconds())
}

// SetStorageConnections sets the current open storage connection count.
func (m *HTTPMetrics) SetStorageConnections(count int) {
	m.StorageConnsOpen.Set(float64(count))
}

// UpdateUptime refreshes the uptime gauge relative to startTime.
func (m *HTTPMetrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight marks one more request as in-flight.
func (m *HTTPMetrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight marks one fewer request as in-flight.
func (m *HTTPMetrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("AMOSKYS_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled reports whether Prometheus metrics should be exposed. Production
// disables by default unless explicitly enabled; every other environment
// enables by default unless explicitly disabled.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("AMOSKYS_METRICS_ENABLED")))
	if raw == "" {
		return environment() != "production"
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalHTTPMetrics *HTTPMetrics
	globalMu          sync.Mutex
)

// InitHTTPMetrics initializes the process-wide HTTPMetrics instance.
func InitHTTPMetrics(component string) *HTTPMetrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalHTTPMetrics == nil {
		globalHTTPMetrics = NewHTTPMetrics(component)
	}
	return globalHTTPMetrics
}

// GlobalHTTPMetrics returns the process-wide HTTPMetrics instance.
func GlobalHTTPMetrics() *HTTPMetrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalHTTPMetrics == nil {
		globalHTTPMetrics = NewHTTPMetrics("unknown")
	}
	return globalHTTPMetrics
}
