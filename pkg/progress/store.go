// Package progress keeps a best-effort in-memory tail of each live
// session for polling streamers. The event log remains durable truth.
package progress

import (
	"sync"
	"time"

	"github.com/maestroproj/maestro/pkg/storage"
)

// DefaultMaxEvents is the per-session ring size.
const DefaultMaxEvents = 200

// SessionProgress is the in-memory view of one session.
type SessionProgress struct {
	SessionID    string          `json:"session_id"`
	WorkflowID   string          `json:"workflow_id"`
	Status       string          `json:"status"` // running, completed, error, cancelled
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	CurrentAgent string          `json:"current_agent,omitempty"`
	Events       []storage.Event `json:"events"`
}

// Store is a mutex-guarded map of session progress entries.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*SessionProgress
	maxEvents int
}

// NewStore returns a store with the given ring size (0 means default).
func NewStore(maxEvents int) *Store {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Store{
		sessions:  map[string]*SessionProgress{},
		maxEvents: maxEvents,
	}
}

// CreateSession registers a new running session.
func (s *Store) CreateSession(sessionID, workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.sessions[sessionID] = &SessionProgress{
		SessionID:  sessionID,
		WorkflowID: workflowID,
		Status:     "running",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AddEvent appends to the session ring, dropping the oldest entry when
// full. Unknown sessions are ignored; the progress store only tracks
// sessions created through it.
func (s *Store) AddEvent(sessionID string, ev storage.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	sp.Events = append(sp.Events, ev)
	if len(sp.Events) > s.maxEvents {
		sp.Events = sp.Events[len(sp.Events)-s.maxEvents:]
	}
	sp.UpdatedAt = time.Now().UTC()
	switch ev.Type() {
	case "agent_started":
		if id, ok := ev["agent_id"].(string); ok {
			sp.CurrentAgent = id
		}
	case "agent_completed", "agent_incomplete":
		sp.CurrentAgent = ""
	}
}

// SetStatus transitions the session status.
func (s *Store) SetStatus(sessionID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sp, ok := s.sessions[sessionID]; ok {
		sp.Status = status
		sp.UpdatedAt = time.Now().UTC()
	}
}

// Get returns a copy of the session progress.
func (s *Store) Get(sessionID string) (SessionProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sessions[sessionID]
	if !ok {
		return SessionProgress{}, false
	}
	cp := *sp
	cp.Events = append([]storage.Event(nil), sp.Events...)
	return cp, true
}

// EventsSince returns events with index >= fromIndex, plus the next index
// to poll from. Used by the delta-streaming reader.
func (s *Store) EventsSince(sessionID string, fromIndex int) ([]storage.Event, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.sessions[sessionID]
	if !ok {
		return nil, fromIndex, false
	}
	if fromIndex >= len(sp.Events) {
		return nil, fromIndex, true
	}
	delta := append([]storage.Event(nil), sp.Events[fromIndex:]...)
	return delta, len(sp.Events), true
}

// Remove drops the session entry.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// RemoveAfter schedules removal, leaving a window for late SSE
// reconnects.
func (s *Store) RemoveAfter(sessionID string, delay time.Duration) {
	time.AfterFunc(delay, func() { s.Remove(sessionID) })
}

// RunningSessions returns ids of sessions still marked running.
func (s *Store) RunningSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, sp := range s.sessions {
		if sp.Status == "running" {
			ids = append(ids, id)
		}
	}
	return ids
}
