// Package mcp exposes the broker's tools over a streamable HTTP MCP
// endpoint.
package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/probelab/testbridge/internal/editor"
	"github.com/probelab/testbridge/internal/history"
	"github.com/probelab/testbridge/internal/logger"
	"github.com/probelab/testbridge/internal/metrics"
	"github.com/probelab/testbridge/internal/registry"
)

// generateRequestID creates a short random ID for request tracking
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Server wires the registry, editor, and history store to MCP tools.
type Server struct {
	reg       *registry.Registry
	editor    *editor.Editor
	history   *history.Store
	mcpServer *mcp.Server

	executeTimeout time.Duration
	waitTimeout    time.Duration

	httpServer *http.Server
}

// Options carries the default deadlines for suspending tools.
type Options struct {
	ExecuteTimeout time.Duration
	WaitTimeout    time.Duration
}

// NewServer creates the MCP facade. history may be nil when persistence
// is disabled; the test_history tool then reports an error per call.
func NewServer(reg *registry.Registry, ed *editor.Editor, hist *history.Store, opts Options) *Server {
	s := &Server{
		reg:            reg,
		editor:         ed,
		history:        hist,
		executeTimeout: opts.ExecuteTimeout,
		waitTimeout:    opts.WaitTimeout,
	}
	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    "testbridge",
		Version: "0.1.0",
	}, nil)
	s.registerTools()
	return s
}

// Serve runs the HTTP endpoint until the listener fails or Close is
// called.
func (s *Server) Serve(addr string) error {
	// Streamable transport with an event store so clients can resume SSE
	// streams after a drop.
	mcpHandler := mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	// Wrap with request ID and logging middleware
	loggingHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		w.Header().Set("X-Request-ID", requestID)

		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		mcpHandler.ServeHTTP(w, r)
	})

	rateLimiter := DefaultRateLimiter() // 10 req/s, burst 20
	rateLimitedHandler := RateLimitMiddleware(rateLimiter)(loggingHandler)

	mainMux := http.NewServeMux()

	// Health endpoints - no rate limiting
	mainMux.HandleFunc("/health", s.handleHealthCheck)
	mainMux.HandleFunc("/ready", s.handleReadinessCheck)

	// Metrics endpoint for Prometheus scraping
	mainMux.Handle("/metrics", metrics.Handler())

	// MCP endpoints - rate limited, wrapped with metrics middleware
	mainMux.Handle("/mcp", metrics.Middleware(rateLimitedHandler))
	mainMux.Handle("/mcp/", metrics.Middleware(rateLimitedHandler))

	s.httpServer = &http.Server{Addr: addr, Handler: mainMux}

	logger.Info("🚀 Testbridge MCP server listening on %s", addr)
	logger.Info("💚 Health check: http://localhost%s/health", addr)
	logger.Info("📊 Metrics: http://localhost%s/metrics", addr)
	return s.httpServer.ListenAndServe()
}

// Close shuts the HTTP listener down gracefully.
func (s *Server) Close(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadinessCheck verifies the broker can serve requests
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.history != nil {
		if err := s.history.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready","reason":"history store unavailable"}`))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
