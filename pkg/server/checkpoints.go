package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maestroproj/maestro/pkg/checkpoint"
	"github.com/maestroproj/maestro/pkg/governance"
	"github.com/maestroproj/maestro/pkg/storage"
)

func (s *Server) mountCheckpoints(r chi.Router) {
	r.Get("/pending", s.handlePendingCheckpoints)
	r.Get("/session/{sessionID}", s.handleSessionCheckpoints)
	r.Get("/{instanceID}", s.handleGetCheckpoint)
	r.Post("/{instanceID}/resolve", s.handleResolveCheckpoint)
	r.Post("/{instanceID}/cancel", s.handleCancelCheckpoint)
}

func (s *Server) handlePendingCheckpoints(w http.ResponseWriter, r *http.Request) {
	userRole := r.URL.Query().Get("user_role")
	if userRole == "" {
		userRole = "admin"
	}
	pending := s.svc.Checkpoints.Pending(userRole, r.URL.Query().Get("workflow_id"))
	respond(w, http.StatusOK, map[string]any{
		"checkpoints": pending,
		"count":       len(pending),
		"timestamp":   storage.Now(),
	})
}

func (s *Server) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	cp := s.svc.Checkpoints.Get(id)
	if cp == nil {
		respondError(w, http.StatusNotFound, "Checkpoint '%s' not found", id)
		return
	}
	respond(w, http.StatusOK, cp)
}

type resolveCheckpointRequest struct {
	Action      string         `json:"action"`
	UserID      string         `json:"user_id"`
	UserRole    string         `json:"user_role"`
	Comments    string         `json:"comments,omitempty"`
	DataUpdates map[string]any `json:"data_updates,omitempty"`
}

func (s *Server) handleResolveCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")

	var req resolveCheckpointRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if req.Action == "" {
		respondError(w, http.StatusBadRequest, "action is required")
		return
	}

	cp := s.svc.Checkpoints.Get(id)
	if cp == nil {
		respondError(w, http.StatusNotFound, "Checkpoint '%s' not found", id)
		return
	}

	enforcer := governance.NewEnforcer(cp.SessionID, s.svc.Registry, s.svc.Config)
	if !enforcer.CheckHITLAccess(req.UserRole, cp.RequiredRole) {
		respondError(w, http.StatusForbidden,
			"Role '%s' may not resolve a checkpoint requiring '%s'",
			req.UserRole, cp.RequiredRole)
		return
	}

	ok := s.svc.Checkpoints.Resolve(id, checkpoint.Resolution{
		Action:    req.Action,
		UserID:    req.UserID,
		UserRole:  req.UserRole,
		Comments:  req.Comments,
		InputData: req.DataUpdates,
	})
	if !ok {
		respondError(w, http.StatusBadRequest,
			"Checkpoint '%s' is not pending (status: %s)", id, cp.Status)
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"checkpoint_instance_id": id,
		"status":                 checkpoint.StatusResolved,
		"action":                 req.Action,
		"resolved_by":            req.UserID,
		"timestamp":              storage.Now(),
	})
}

func (s *Server) handleCancelCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")

	if r.URL.Query().Get("user_role") != "admin" {
		respondError(w, http.StatusForbidden, "Only admin may cancel checkpoints")
		return
	}
	cp := s.svc.Checkpoints.Get(id)
	if cp == nil {
		respondError(w, http.StatusNotFound, "Checkpoint '%s' not found", id)
		return
	}
	if !s.svc.Checkpoints.Cancel(id) {
		respondError(w, http.StatusBadRequest,
			"Checkpoint '%s' is not pending (status: %s)", id, cp.Status)
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"checkpoint_instance_id": id,
		"status":                 checkpoint.StatusCancelled,
		"timestamp":              storage.Now(),
	})
}

func (s *Server) handleSessionCheckpoints(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	cps := s.svc.Checkpoints.SessionCheckpoints(sessionID)
	respond(w, http.StatusOK, map[string]any{
		"checkpoints": cps,
		"count":       len(cps),
		"session_id":  sessionID,
		"timestamp":   storage.Now(),
	})
}
