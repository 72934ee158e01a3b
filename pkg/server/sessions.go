package server

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maestroproj/maestro/pkg/artifacts"
	"github.com/maestroproj/maestro/pkg/compiler"
	"github.com/maestroproj/maestro/pkg/storage"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 20, 1, 100)
	offset := intQuery(r, "offset", 0, 0, 1<<30)

	ids, err := s.svc.Recorder.Log().ListSessions()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list sessions: %s", err)
		return
	}
	// Session ids embed their creation time, so reverse lexicographic
	// order is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	if offset > len(ids) {
		offset = len(ids)
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}

	summaries := []map[string]any{}
	for _, id := range ids {
		events, err := s.svc.Recorder.Log().Read(id)
		if err != nil || len(events) == 0 {
			continue
		}
		summaries = append(summaries, sessionSummary(id, events))
	}
	respond(w, http.StatusOK, summaries)
}

func sessionSummary(sessionID string, events []storage.Event) map[string]any {
	first, last := events[0], events[len(events)-1]
	return map[string]any{
		"session_id":       sessionID,
		"workflow_id":      workflowIDOf(events),
		"status":           last.Type(),
		"created_at":       first.Timestamp(),
		"completed_at":     last.Timestamp(),
		"duration_seconds": durationSeconds(first, last),
		"event_count":      len(events),
		"agents_executed":  agentsExecuted(events),
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	eventType := r.URL.Query().Get("event_type")

	allEvents, err := s.svc.Recorder.Log().Read(sessionID)
	if err != nil || len(allEvents) == 0 {
		respondError(w, http.StatusNotFound, "Session '%s' not found", sessionID)
		return
	}

	events := allEvents
	if eventType != "" {
		events = filterEvents(allEvents, eventType)
	}

	var inputData map[string]any
	var outputData map[string]any
	var warnings, errors []string
	iterations := 0
	for _, ev := range allEvents {
		t := ev.Type()
		switch t {
		case "orchestrator_started":
			if in, ok := ev["input_data"].(map[string]any); ok {
				inputData = in
			}
		case "workflow_completed":
			outputData = map[string]any(ev)
		}
		if strings.Contains(t, "iteration") {
			iterations++
		}
		if strings.Contains(t, "warning") {
			warnings = append(warnings, stringField(ev, "message"))
		} else if strings.Contains(t, "error") {
			errors = append(errors, stringField(ev, "error"))
		}
	}
	if iterations == 0 {
		iterations = 1
	}

	first, last := allEvents[0], allEvents[len(allEvents)-1]
	agents := agentsExecuted(allEvents)
	respond(w, http.StatusOK, map[string]any{
		"session_id":              sessionID,
		"workflow_id":             workflowIDOf(allEvents),
		"status":                  last.Type(),
		"created_at":              first.Timestamp(),
		"completed_at":            last.Timestamp(),
		"duration_seconds":        durationSeconds(first, last),
		"input_data":              inputData,
		"output_data":             outputData,
		"agents_executed":         agents,
		"total_iterations":        iterations,
		"total_agent_invocations": len(agents),
		"events":                  events,
		"warnings":                warnings,
		"errors":                  errors,
	})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	artifactID := sessionID + "_evidence_map"

	versions, err := s.svc.Artifacts.ListVersions(artifactID)
	if err != nil || len(versions) == 0 {
		respondError(w, http.StatusNotFound, "Evidence map not found for session '%s'", sessionID)
		return
	}
	latest := versions[len(versions)-1]
	artifact, err := s.svc.Artifacts.GetVersion(artifactID, latest.Version)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read evidence map: %s", err)
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"evidence_map": artifact.Content,
		"generated_at": artifact.CreatedAt,
	})
}

func (s *Server) handleEventsByType(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	eventType := chi.URLParam(r, "eventType")

	events, err := s.svc.Recorder.Log().Read(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Session '%s' not found", sessionID)
		return
	}
	filtered := filterEvents(events, eventType)
	respond(w, http.StatusOK, map[string]any{
		"session_id":  sessionID,
		"event_type":  eventType,
		"event_count": len(filtered),
		"events":      filtered,
	})
}

// handleDeleteSession removes the session log, its lineage file, the
// evidence map artifact and any compaction archives.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := s.svc.Recorder.Log().DeleteSession(sessionID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete session: %s", err)
		return
	}

	if s.svc.Artifacts != nil {
		artifactID := sessionID + "_evidence_map"
		if versions, err := s.svc.Artifacts.ListVersions(artifactID); err == nil {
			for i := len(versions) - 1; i >= 0; i-- {
				s.svc.Artifacts.DeleteVersion(artifactID, versions[i].Version)
			}
		}
	}

	archives, _ := filepath.Glob(filepath.Join(
		s.compactionArchiveDir(), sessionID+"_compaction_*.json"))
	for _, path := range archives {
		os.Remove(path)
	}

	respond(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"status":     "deleted",
		"timestamp":  storage.Now(),
	})
}

func (s *Server) handleTriggerCompaction(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	method := r.URL.Query().Get("method")

	events, err := s.svc.Recorder.Log().Read(sessionID)
	if err != nil || len(events) == 0 {
		respondError(w, http.StatusNotFound, "Session '%s' not found", sessionID)
		return
	}

	compactor := artifacts.NewCompactor(sessionID, s.svc.Registry, s.svc.Recorder,
		s.compactionArchiveDir())
	result := compactor.Compact(events, method)
	if err := compactor.RecordCompaction(result); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to record compaction: %s", err)
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"compaction_id":     result.CompactionID,
		"session_id":        result.SessionID,
		"method":            result.Method,
		"events_before":     result.EventsBeforeCount,
		"events_after":      result.EventsAfterCount,
		"tokens_before":     result.TokensBefore,
		"tokens_after":      result.TokensAfter,
		"compression_ratio": result.CompressionRatio,
		"summary":           result.SummaryText,
		"timestamp":         storage.Now(),
	})
}

func (s *Server) handleContextLineage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	agentID := r.URL.Query().Get("agent_id")
	limit := intQuery(r, "limit", 100, 1, 500)
	offset := intQuery(r, "offset", 0, 0, 1<<30)

	tracker := s.lineageTracker(sessionID)
	compilations, err := tracker.ListCompilations(agentID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get context lineage: %s", err)
		return
	}

	respond(w, http.StatusOK, map[string]any{
		"session_id":   sessionID,
		"compilations": compilations,
		"total_count":  len(compilations),
		"timestamp":    storage.Now(),
	})
}

func (s *Server) handleCompilationDetails(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	compilationID := chi.URLParam(r, "compilationID")

	compilation, err := s.lineageTracker(sessionID).GetCompilation(compilationID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get compilation: %s", err)
		return
	}
	if compilation == nil {
		respondError(w, http.StatusNotFound, "Compilation '%s' not found", compilationID)
		return
	}
	respond(w, http.StatusOK, compilation)
}

func (s *Server) handleContextStats(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	stats, err := s.lineageTracker(sessionID).Stats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get context stats: %s", err)
		return
	}
	stats["session_id"] = sessionID
	stats["timestamp"] = storage.Now()
	respond(w, http.StatusOK, stats)
}

func (s *Server) handleTokenBudgetTimeline(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	timeline, err := s.lineageTracker(sessionID).TokenBudgetTimeline()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get token budget timeline: %s", err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"timeline":   timeline,
		"timestamp":  storage.Now(),
	})
}

func (s *Server) lineageTracker(sessionID string) *compiler.LineageTracker {
	return compiler.NewLineageTracker(sessionID, s.svc.Recorder.Log())
}

func (s *Server) compactionArchiveDir() string {
	return filepath.Join(s.svc.Config.StoragePath, "compaction_archives")
}

func filterEvents(events []storage.Event, eventType string) []storage.Event {
	out := []storage.Event{}
	for _, ev := range events {
		if ev.Type() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func workflowIDOf(events []storage.Event) string {
	for _, ev := range events {
		if id, ok := ev["workflow_id"].(string); ok && id != "" {
			return id
		}
	}
	return "unknown"
}

func agentsExecuted(events []storage.Event) []string {
	var out []string
	seen := map[string]bool{}
	for _, ev := range events {
		if ev.Type() != "agent_invocation_completed" {
			continue
		}
		id, _ := ev["agent_id"].(string)
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func durationSeconds(first, last storage.Event) any {
	start, err1 := time.Parse(storage.TimestampFormat, first.Timestamp())
	end, err2 := time.Parse(storage.TimestampFormat, last.Timestamp())
	if err1 != nil || err2 != nil {
		return nil
	}
	return end.Sub(start).Seconds()
}

func stringField(ev storage.Event, key string) string {
	if v, ok := ev[key].(string); ok && v != "" {
		return v
	}
	return ev.Type()
}

func intQuery(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
