// Package server exposes the orchestration platform over REST: run
// lifecycle with SSE streaming, session replay, registry CRUD, HITL
// checkpoints, long-term memory, versioned artifacts and context
// lineage queries.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/maestroproj/maestro/pkg/artifacts"
	"github.com/maestroproj/maestro/pkg/checkpoint"
	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/executor"
	"github.com/maestroproj/maestro/pkg/memory"
	"github.com/maestroproj/maestro/pkg/progress"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/sse"
	"github.com/maestroproj/maestro/pkg/storage"
)

const apiVersion = "1.0.0"

// Services bundles everything the REST layer serves. Registry, Config,
// Recorder and Executor are required; the rest disable their routes'
// functionality when nil.
type Services struct {
	Registry    *registry.Manager
	Config      *config.Config
	Recorder    *storage.Recorder
	Executor    *executor.Executor
	Progress    *progress.Store
	Broadcaster *sse.Broadcaster
	Artifacts   *artifacts.Store
	Checkpoints *checkpoint.Manager
	Memory      *memory.Store
}

// Server is the REST front of the platform.
type Server struct {
	svc     Services
	metrics *httpMetrics
	router  chi.Router
	http    *http.Server
}

func New(svc Services) *Server {
	s := &Server{svc: svc, metrics: newHTTPMetrics()}
	s.router = s.buildRouter()
	return s
}

// Handler returns the root handler, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves HTTP on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open indefinitely
	}
	slog.Info("http server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.middleware)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Handle("/metrics", s.metrics.handler())

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleCreateRun)
		r.Get("/{sessionID}/status", s.handleRunStatus)
		r.Post("/{sessionID}/cancel", s.handleCancelRun)
		r.Get("/{sessionID}/stream", s.handleRunStream)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Get("/{sessionID}", s.handleGetSession)
		r.Delete("/{sessionID}", s.handleDeleteSession)
		r.Get("/{sessionID}/evidence", s.handleGetEvidence)
		r.Get("/{sessionID}/events/{eventType}", s.handleEventsByType)
		r.Post("/{sessionID}/trigger-compaction", s.handleTriggerCompaction)
		r.Get("/{sessionID}/context-lineage", s.handleContextLineage)
		r.Get("/{sessionID}/context-lineage/{compilationID}", s.handleCompilationDetails)
		r.Get("/{sessionID}/context-stats", s.handleContextStats)
		r.Get("/{sessionID}/token-budget-timeline", s.handleTokenBudgetTimeline)
	})

	r.Route("/registries", s.mountRegistries)
	r.Route("/checkpoints", s.mountCheckpoints)
	r.Route("/memory", s.mountMemory)
	r.Route("/artifacts", s.mountArtifacts)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"service": "maestro-orchestrator",
		"version": apiVersion,
		"docs":    "/health, /stats, /metrics, /runs, /sessions, /registries, /checkpoints, /memory, /artifacts",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"timestamp":         storage.Now(),
		"version":           apiVersion,
		"registries_loaded": s.svc.Registry.Stats().LoadCount > 0,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"registries": s.svc.Registry.Stats(),
		"executor":   s.svc.Executor.Stats(),
		"timestamp":  storage.Now(),
	})
}

// respond writes v as a JSON response body.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}

// respondError writes a {"detail": ...} error body.
func respondError(w http.ResponseWriter, status int, format string, args ...any) {
	respond(w, status, map[string]any{"detail": fmt.Sprintf(format, args...)})
}

// decode reads the request body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
