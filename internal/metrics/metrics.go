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
			Name: "testbridge_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "testbridge_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks currently connected test processes
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "testbridge_active_connections",
			Help: "Number of connected test processes",
		},
	)

	// ConnectionDuration tracks how long a session stayed connected
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "testbridge_connection_duration_seconds",
			Help:    "Connection lifetime in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// ExecutesTotal counts remote code-execution requests by outcome
	ExecutesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testbridge_executes_total",
			Help: "Total number of execute requests",
		},
		[]string{"status"},
	)

	// ExecuteDuration tracks execute round-trip latency
	ExecuteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "testbridge_execute_duration_seconds",
			Help:    "Execute request round-trip in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WaitersPending tracks waiters with no matching connection yet
	WaitersPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "testbridge_waiters_pending",
			Help: "Number of pending readiness waiters",
		},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testbridge_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	// FileEdits counts source editor mutations by operation
	FileEdits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "testbridge_file_edits_total",
			Help: "Total number of source file mutations",
		},
		[]string{"op"},
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

// Flush implements http.Flusher for SSE support
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

// RecordConnect increments the active connection gauge
func RecordConnect() {
	ActiveConnections.Inc()
}

// RecordDisconnect decrements the gauge and records the session lifetime
func RecordDisconnect(durationSeconds float64) {
	ActiveConnections.Dec()
	ConnectionDuration.Observe(durationSeconds)
}

// RecordExecute records an execute request outcome
func RecordExecute(status string, durationSeconds float64) {
	ExecutesTotal.WithLabelValues(status).Inc()
	ExecuteDuration.Observe(durationSeconds)
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordFileEdit records a source editor mutation
func RecordFileEdit(op string) {
	FileEdits.WithLabelValues(op).Inc()
}
