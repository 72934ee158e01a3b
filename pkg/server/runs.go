package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/maestroproj/maestro/pkg/storage"
)

type createRunRequest struct {
	WorkflowID string         `json:"workflow_id"`
	InputData  map[string]any `json:"input_data"`
	SessionID  string         `json:"session_id,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "%s", err)
		return
	}
	if _, ok := s.svc.Registry.GetWorkflow(req.WorkflowID); !ok {
		respondError(w, http.StatusNotFound, "Workflow '%s' not found", req.WorkflowID)
		return
	}

	sessionID, err := s.svc.Executor.Execute(req.WorkflowID, req.InputData, req.SessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to start workflow: %s", err)
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"session_id":  sessionID,
		"workflow_id": req.WorkflowID,
		"status":      "running",
		"created_at":  storage.Now(),
		"stream_url":  fmt.Sprintf("/runs/%s/stream", sessionID),
		"session_url": fmt.Sprintf("/sessions/%s", sessionID),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]any{
		"running_sessions": s.svc.Executor.RunningSessions(),
		"executor_stats":   s.svc.Executor.Stats(),
		"timestamp":        storage.Now(),
	})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	status := "not_found"
	switch {
	case s.svc.Executor.IsRunning(sessionID):
		status = "running"
	case s.svc.Recorder.Log().SessionExists(sessionID):
		status = "completed"
	}

	respond(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"status":     status,
		"timestamp":  storage.Now(),
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !s.svc.Executor.Cancel(sessionID) {
		respondError(w, http.StatusNotFound, "Session '%s' not found or not running", sessionID)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"status":     "cancelled",
		"timestamp":  storage.Now(),
	})
}

// handleRunStream serves the session's event stream as SSE. Buffered
// events past Last-Event-ID replay first, then live events until the
// broadcaster completes the session, which also produces a terminal
// workflow_{status} frame for polling clients.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames, cancel := s.svc.Broadcaster.Subscribe(sessionID, lastEventID)
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, open := <-frames:
			if !open {
				s.writeTerminalFrame(w, sessionID)
				flusher.Flush()
				return
			}
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}
}

func (s *Server) writeTerminalFrame(w http.ResponseWriter, sessionID string) {
	status := "completed"
	if s.svc.Progress != nil {
		if sp, ok := s.svc.Progress.Get(sessionID); ok && sp.Status != "running" {
			status = sp.Status
		}
	}
	fmt.Fprintf(w, "event: workflow_%s\ndata: {\"event_type\": \"workflow_%s\", \"status\": %q, \"timestamp\": %q}\n\n",
		status, status, status, storage.Now())
}
