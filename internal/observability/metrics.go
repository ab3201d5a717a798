package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	upstreamHealth  prometheus.Gauge
	supervisorState prometheus.Gauge
	startAttempts   prometheus.Counter
	startFailures   *prometheus.CounterVec
	proxyErrors     *prometheus.CounterVec
	startTime       prometheus.Gauge
	registry        *prometheus.Registry
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "aigate"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of forwarded HTTP requests",
		},
		[]string{"method", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Forwarded HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "status"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight forwarded requests",
		},
	)

	m.upstreamHealth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_health",
			Help:      "AI service health (1=up, 0=down)",
		},
	)

	m.supervisorState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help: "Supervisor state " +
				"(0=idle, 1=starting, 2=running, 3=failed)",
		},
	)

	m.startAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_start_attempts_total",
			Help:      "Total number of AI service start attempts",
		},
	)

	m.startFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_start_failures_total",
			Help:      "Total number of failed start attempts by reason",
		},
		[]string{"reason"},
	)

	m.proxyErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_errors_total",
			Help:      "Total number of classified proxy errors",
		},
		[]string{"code"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the proxy in unix seconds",
		},
	)

	m.registerCollectors()
	m.startTime.SetToCurrentTime()

	return m
}

// registerCollectors registers all metric collectors with the
// Prometheus registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.upstreamHealth,
		m.supervisorState,
		m.startAttempts,
		m.startFailures,
		m.proxyErrors,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// RecordRequest records a completed forwarded request.
func (m *Metrics) RecordRequest(method string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, statusStr).Inc()
	m.requestDuration.WithLabelValues(method, statusStr).Observe(duration.Seconds())
}

// IncrementActiveRequests increments the active requests gauge.
func (m *Metrics) IncrementActiveRequests() {
	m.activeRequests.Inc()
}

// DecrementActiveRequests decrements the active requests gauge.
func (m *Metrics) DecrementActiveRequests() {
	m.activeRequests.Dec()
}

// SetUpstreamHealth sets the AI service health gauge.
func (m *Metrics) SetUpstreamHealth(healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.upstreamHealth.Set(value)
}

// SetSupervisorState sets the supervisor state gauge.
func (m *Metrics) SetSupervisorState(state int) {
	m.supervisorState.Set(float64(state))
}

// RecordStartAttempt records an AI service start attempt.
func (m *Metrics) RecordStartAttempt() {
	m.startAttempts.Inc()
}

// RecordStartFailure records a failed start attempt.
func (m *Metrics) RecordStartFailure(reason string) {
	m.startFailures.WithLabelValues(reason).Inc()
}

// RecordProxyError records a classified proxy error.
func (m *Metrics) RecordProxyError(code string) {
	m.proxyErrors.WithLabelValues(code).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
