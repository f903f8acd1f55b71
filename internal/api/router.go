// Package api provides the HTTP surface: MCP-over-HTTP, health, and
// metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fredcamaral/gomcp-sdk/protocol"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"mcp-agent-memory/internal/logging"
	"mcp-agent-memory/internal/mcp"
)

// Router serves /mcp (JSON-RPC), /health, and /metrics.
type Router struct {
	server *mcp.MemoryServer
	mux    *chi.Mux
	logger logging.Logger
}

// NewRouter builds the HTTP router around a memory server.
func NewRouter(server *mcp.MemoryServer) *Router {
	r := &Router{
		server: server,
		mux:    chi.NewRouter(),
		logger: logging.WithComponent("api"),
	}
	r.mux.Use(chimiddleware.Recoverer)
	r.mux.Use(chimiddleware.RequestID)
	r.mux.Use(chimiddleware.Timeout(60 * time.Second))

	r.mux.Post("/mcp", r.handleMCP)
	r.mux.Get("/health", r.handleHealth)
	r.mux.Get("/metrics", r.handleMetrics)
	return r
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.mux
}

func (r *Router) handleMCP(w http.ResponseWriter, req *http.Request) {
	var rpcReq protocol.JSONRPCRequest
	if err := json.NewDecoder(req.Body).Decode(&rpcReq); err != nil {
		http.Error(w, "invalid JSON-RPC request", http.StatusBadRequest)
		return
	}

	resp := r.server.GetMCPServer().HandleRequest(req.Context(), &rpcReq)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.logger.Warn("failed to encode JSON-RPC response", "error", err.Error())
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.server.Backend().Health(req.Context())); err != nil {
		r.logger.Warn("failed to encode health response", "error", err.Error())
	}
}

func (r *Router) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if _, err := w.Write([]byte(r.server.Backend().Metrics().PrometheusText())); err != nil {
		r.logger.Warn("failed to write metrics response", "error", err.Error())
	}
}
