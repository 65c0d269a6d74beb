// Package api provides the REST and streaming surface for the
// co-authoring engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danwashusen/ctrl-freaq-sub006/pkg/orchestrator"
	"github.com/danwashusen/ctrl-freaq-sub006/pkg/stream"
)

// Server exposes the proposal engine over HTTP.
type Server struct {
	orch              *orchestrator.Orchestrator
	registry          *stream.Registry
	httpServer        *http.Server
	heartbeatInterval time.Duration
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: :8080)
	Address string

	// Orchestrator drives the proposal lifecycle.
	Orchestrator *orchestrator.Orchestrator

	// Registry serves the per-session event streams.
	Registry *stream.Registry

	// HeartbeatInterval keeps idle stream connections alive.
	HeartbeatInterval time.Duration
}

// NewServer creates the API server and its routes.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	s := &Server{
		orch:              cfg.Orchestrator,
		registry:          cfg.Registry,
		heartbeatInterval: cfg.HeartbeatInterval,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/analysis", s.handleStartAnalysis)
		r.Post("/proposals", s.handleStartProposal)
		r.Post("/proposals/approve", s.handleApprove)
		r.Post("/proposals/reject", s.handleReject)

		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/events", s.handleSessionEvents)
			r.Get("/ws", s.handleSessionWebSocket)
			r.Post("/cancel", s.handleCancel)
			r.Post("/retry", s.handleRetry)
			r.Delete("/", s.handleTeardown)
		})
	})

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // Long for streaming
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the API server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeOrchestratorError maps engine errors onto status codes. Hash
// mismatches surface their safe-to-log details as a 409.
func writeOrchestratorError(w http.ResponseWriter, err error) {
	var mismatch *orchestrator.DiffHashMismatchError
	if errors.As(err, &mismatch) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":            "diff hash mismatch",
			"expectedDiffHash": mismatch.ExpectedDiffHash,
			"receivedDiffHash": mismatch.ReceivedDiffHash,
			"proposalId":       mismatch.ProposalID,
			"sessionId":        mismatch.SessionID,
		})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
