package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the relay.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	requestsTotal  prometheus.Counter
	errorsTotal    prometheus.Counter
	activeSessions prometheus.Gauge
	framesTotal    prometheus.Counter
	sessionErrors  *prometheus.CounterVec
	daemonRestarts *prometheus.CounterVec
	daemonRunning  prometheus.Gauge
	probeResults   *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_stream_sessions_active",
		Help: "Number of live stream sessions attached to the capture daemon",
	})
	framesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_received_total",
		Help: "Total number of JPEG frames read from the capture daemon",
	})
	sessionErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_session_errors_total",
		Help: "Stream sessions closed by an error, by error kind",
	}, []string{"kind"})
	daemonRestarts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_daemon_restarts_total",
		Help: "Capture daemon restarts requested, by reason",
	}, []string{"reason"})
	daemonRunning := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_daemon_running",
		Help: "1 if the capture daemon is alive, 0 otherwise",
	})
	probeResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_probe_results_total",
		Help: "Discovery probe outcomes, by protocol and outcome",
	}, []string{"protocol", "outcome"})
	requestSeconds := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_request_duration_seconds",
		Help:    "Latency of non-streaming HTTP requests, by route pattern and method",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		activeSessions,
		framesTotal,
		sessionErrors,
		daemonRestarts,
		daemonRunning,
		probeResults,
		requestSeconds,
	)

	return &Metrics{
		registry:       registry,
		requestsTotal:  requestsTotal,
		errorsTotal:    errorsTotal,
		activeSessions: activeSessions,
		framesTotal:    framesTotal,
		sessionErrors:  sessionErrors,
		daemonRestarts: daemonRestarts,
		daemonRunning:  daemonRunning,
		probeResults:   probeResults,
		requestSeconds: requestSeconds,
	}
}

// ObserveRequest records the latency of a request served by route.
func (m *Metrics) ObserveRequest(route, method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestSeconds.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// IncFrames increments the frames received counter.
func (m *Metrics) IncFrames() {
	if m == nil {
		return
	}
	m.framesTotal.Inc()
}

// IncSessionErrors counts a session closed by an error of the given kind.
func (m *Metrics) IncSessionErrors(kind string) {
	if m == nil {
		return
	}
	m.sessionErrors.WithLabelValues(kind).Inc()
}

// IncDaemonRestarts counts a daemon restart request.
func (m *Metrics) IncDaemonRestarts(reason string) {
	if m == nil {
		return
	}
	m.daemonRestarts.WithLabelValues(reason).Inc()
}

// SetDaemonRunning sets the daemon liveness gauge.
func (m *Metrics) SetDaemonRunning(running bool) {
	if m == nil {
		return
	}
	v := 0.0
	if running {
		v = 1
	}
	m.daemonRunning.Set(v)
}

// IncProbeResults counts one discovery probe outcome.
func (m *Metrics) IncProbeResults(protocol, outcome string) {
	if m == nil {
		return
	}
	m.probeResults.WithLabelValues(protocol, outcome).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
