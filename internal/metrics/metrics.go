package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmux_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SessionsByStatus tracks sessions currently held in memory
	SessionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentmux_sessions",
			Help: "Number of in-memory sessions by status",
		},
		[]string{"status"},
	)

	// SessionDuration tracks how long runs take from acquire to terminal
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmux_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// EventsPushed counts events appended to session buffers
	EventsPushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_events_pushed_total",
			Help: "Total number of events pushed to session buffers",
		},
		[]string{"type"},
	)

	// EventsEvicted counts events dropped by buffer caps
	EventsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmux_events_evicted_total",
			Help: "Total number of events evicted from session buffers",
		},
	)

	// PermissionDecisions counts resolved permission requests
	PermissionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_permission_decisions_total",
			Help: "Total number of resolved permission requests",
		},
		[]string{"behavior", "source"},
	)

	// QueryRetries counts transient-error retries of agent streams
	QueryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentmux_query_retries_total",
			Help: "Total number of agent stream retries after transient errors",
		},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	// SessionsSwept counts sessions expired or errored by the sweeper
	SessionsSwept = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmux_sessions_swept_total",
			Help: "Total number of sessions acted on by the background sweeper",
		},
		[]string{"reason"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics":
		return path
	default:
		if len(path) > 5 && path[:5] == "/mcp/" {
			return "/mcp"
		}
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEventPush records an event append
func RecordEventPush(eventType string) {
	EventsPushed.WithLabelValues(eventType).Inc()
}

// RecordEviction records buffer evictions
func RecordEviction(n int) {
	EventsEvicted.Add(float64(n))
}

// RecordPermissionDecision records a resolved permission request
func RecordPermissionDecision(behavior, source string) {
	PermissionDecisions.WithLabelValues(behavior, source).Inc()
}

// RecordRetry records an agent stream retry
func RecordRetry() {
	QueryRetries.Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordSweep records a sweeper action
func RecordSweep(reason string) {
	SessionsSwept.WithLabelValues(reason).Inc()
}

// SetSessionCount sets the session gauge for a status
func SetSessionCount(status string, n int) {
	SessionsByStatus.WithLabelValues(status).Set(float64(n))
}

// RecordRunDuration records the duration of a completed run
func RecordRunDuration(status string, seconds float64) {
	SessionDuration.WithLabelValues(status).Observe(seconds)
}
