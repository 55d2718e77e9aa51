package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/stackmill/agentmux/internal/logger"
	"github.com/stackmill/agentmux/internal/metrics"
	"github.com/stackmill/agentmux/internal/orchestrator"
	"github.com/stackmill/agentmux/internal/session"
)

const serverName = "agentmux"
const serverVersion = "0.1.0"

// generateRequestID creates a unique request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Server wraps the MCP server around the orchestrator.
type Server struct {
	orch      *orchestrator.Orchestrator
	mgr       *session.Manager
	registry  *Registry
	mcpServer *mcp_sdk.Server
}

// NewServer creates a new MCP server instance
func NewServer(orch *orchestrator.Orchestrator, mgr *session.Manager) *Server {
	s := &Server{
		orch:     orch,
		mgr:      mgr,
		registry: NewRegistry(),
	}
	s.registerAllTools(s.registry)

	s.mcpServer = mcp_sdk.NewServer(&mcp_sdk.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)
	s.registry.RegisterWithMCPServer(s.mcpServer)
	return s
}

// Registry exposes the tool registry (for tests and introspection).
func (s *Server) Registry() *Registry {
	return s.registry
}

// Close shuts down the server and cleans up resources
func (s *Server) Close() {
	s.mgr.Stop()
}

// ServeStdio runs the MCP server over stdin/stdout until the client
// disconnects or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	logger.Info("agentmux MCP server running on stdio")
	return s.mcpServer.Run(ctx, &mcp_sdk.StdioTransport{})
}

// Serve starts the MCP HTTP server
func (s *Server) Serve(addr string) error {
	// Create HTTP handler with streamable transport
	// Enable EventStore for SSE stream resumption support
	mcpHandler := mcp_sdk.NewStreamableHTTPHandler(func(req *http.Request) *mcp_sdk.Server {
		return s.mcpServer
	}, &mcp_sdk.StreamableHTTPOptions{
		EventStore: mcp_sdk.NewMemoryEventStore(nil),
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

	mainMux := http.NewServeMux()

	// Health endpoints - no authentication required
	mainMux.HandleFunc("/health", s.handleHealthCheck)
	mainMux.HandleFunc("/ready", s.handleReadinessCheck)

	// Metrics endpoint (Prometheus scraping)
	mainMux.Handle("/metrics", metrics.Handler())

	// MCP endpoints wrapped with metrics middleware
	mainMux.Handle("/mcp", metrics.Middleware(loggingHandler))
	mainMux.Handle("/mcp/", metrics.Middleware(loggingHandler))

	logger.Info("agentmux MCP server listening on %s", addr)
	logger.Info("Health check: http://localhost%s/health", addr)
	logger.Info("Metrics: http://localhost%s/metrics", addr)
	return http.ListenAndServe(addr, mainMux)
}

// handleHealthCheck is a basic liveness check
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReadinessCheck reports readiness; the server is ready as soon as the
// tool registry is built.
func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
