package apiclient

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallMetrics is the record emitted once per dispatched call, whatever the
// outcome: success, exhausted retries, or a circuit-open rejection.
type CallMetrics struct {
	// Endpoint is the logical path the caller requested.
	Endpoint string

	// Method is the HTTP method.
	Method string

	// StatusCode is the final HTTP status, or 0 when none was received.
	StatusCode int

	// Latency is the total wall time of the call, retries included.
	Latency time.Duration

	// Success is true when the call returned a response to the caller.
	Success bool

	// RetryAttempts is the number of retries spent (0 for a first-try success).
	RetryAttempts int

	// RequestID is the id propagated to the backend as X-Request-ID.
	RequestID string
}

// Recorder consumes per-call metrics. Implementations are a pure side
// channel: they must never block the request path or affect its outcome.
type Recorder interface {
	RecordAPICall(m CallMetrics)
}

// NoopRecorder discards all metrics.
type NoopRecorder struct{}

// RecordAPICall implements Recorder.
func (NoopRecorder) RecordAPICall(CallMetrics) {}

// LogRecorder emits each call record as a structured log line.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a LogRecorder. A nil logger uses slog.Default().
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

// RecordAPICall implements Recorder.
func (r *LogRecorder) RecordAPICall(m CallMetrics) {
	r.logger.Info("api call completed",
		"endpoint", m.Endpoint,
		"method", m.Method,
		"status", m.StatusCode,
		"latency_ms", m.Latency.Milliseconds(),
		"success", m.Success,
		"retry_attempts", m.RetryAttempts,
		"request_id", m.RequestID)
}

// PrometheusRecorder exports call metrics as Prometheus vectors.
type PrometheusRecorder struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	retries  *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder registered against reg.
//
// Example:
//
//	recorder := apiclient.NewPrometheusRecorder(prometheus.DefaultRegisterer)
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_client_requests_total",
			Help: "API calls by endpoint, method, and final status code.",
		}, []string{"endpoint", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_client_request_duration_seconds",
			Help:    "Total call latency including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint", "method"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_client_retries_total",
			Help: "Retry attempts spent, by endpoint and method.",
		}, []string{"endpoint", "method"}),
	}
	reg.MustRegister(r.requests, r.duration, r.retries)
	return r
}

// RecordAPICall implements Recorder.
func (r *PrometheusRecorder) RecordAPICall(m CallMetrics) {
	status := strconv.Itoa(m.StatusCode)
	r.requests.WithLabelValues(m.Endpoint, m.Method, status).Inc()
	r.duration.WithLabelValues(m.Endpoint, m.Method).Observe(m.Latency.Seconds())
	if m.RetryAttempts > 0 {
		r.retries.WithLabelValues(m.Endpoint, m.Method).Add(float64(m.RetryAttempts))
	}
}

var (
	_ Recorder = NoopRecorder{}
	_ Recorder = (*LogRecorder)(nil)
	_ Recorder = (*PrometheusRecorder)(nil)
)
