// Package server is the thin HTTP surface over the prospecting engine:
// the run trigger with its SSE progress stream, read-only prospect
// queries, and health/debug endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"prospector/internal/config"
	"prospector/internal/logging"
	"prospector/internal/pipeline"
	"prospector/internal/types"
)

// RunStream is the live side of one accepted run.
type RunStream interface {
	ID() string
	Events() <-chan pipeline.Event
}

// RunStarter launches prospecting runs.
type RunStarter interface {
	StartRun(ctx context.Context, req *types.RunRequest) (RunStream, error)
}

// RunStarterFunc adapts a function (typically a closure over the
// pipeline orchestrator) to RunStarter.
type RunStarterFunc func(ctx context.Context, req *types.RunRequest) (RunStream, error)

func (f RunStarterFunc) StartRun(ctx context.Context, req *types.RunRequest) (RunStream, error) {
	return f(ctx, req)
}

// ProspectReader is the read-only repository slice the HTTP surface
// needs.
type ProspectReader interface {
	FindProspectByID(id string) (*types.Prospect, error)
	ListProspects(f types.ProspectFilters) ([]*types.Prospect, int, error)
	Stats() (*types.ProspectStats, error)
}

// Server owns the HTTP listener.
type Server struct {
	cfg  *config.Config
	runs RunStarter
	repo ProspectReader

	httpServer *http.Server
}

// New wires the routes. Start must be called to listen.
func New(cfg *config.Config, runs RunStarter, repo ProspectReader) *Server {
	s := &Server{cfg: cfg, runs: runs, repo: repo}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/prospecting/run", s.handleRun)
	mux.HandleFunc("GET /api/prospects", s.handleListProspects)
	mux.HandleFunc("GET /api/prospects/stats", s.handleStats)
	mux.HandleFunc("GET /api/prospects/{id}", s.handleGetProspect)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if cfg.Debug.AuditCalls {
		mux.HandleFunc("GET /debug/audit", s.handleAudit)
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     mux,
		ReadTimeout: cfg.ServerReadTimeout(),
		// No WriteTimeout: the run stream stays open for minutes.
	}
	return s
}

// Handler exposes the routed mux, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until Shutdown or a listener error.
func (s *Server) Start() error {
	logging.Server("http server listening on %s", s.cfg.Server.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured budget.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Server("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"version":   s.cfg.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleAudit serves the recent provider-call audit ring. Registered
// only under debug.audit_calls.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": logging.RecentAuditEvents(200),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.ServerDebug("response encode failed: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{"code": code, "message": message},
	})
}
