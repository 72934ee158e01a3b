// Package storage implements the append-only per-session event log. The
// event stream is the source of truth for everything observable; derived
// views (session detail, progress, SSE) are built from it.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// TimestampFormat is the event timestamp layout: UTC, microseconds,
// Z-suffixed.
const TimestampFormat = "2006-01-02T15:04:05.000000Z"

// Event is one event log record. Required keys: event_type, session_id,
// timestamp; the rest is event-specific payload.
type Event map[string]any

// NewEvent builds an event with the required keys stamped in.
func NewEvent(eventType, sessionID string, payload map[string]any) Event {
	ev := Event{}
	for k, v := range payload {
		ev[k] = v
	}
	ev["event_type"] = eventType
	ev["session_id"] = sessionID
	ev["timestamp"] = Now()
	return ev
}

// Now returns the current time in the event timestamp format.
func Now() string {
	return time.Now().UTC().Format(TimestampFormat)
}

// Type returns the event_type, or "".
func (e Event) Type() string {
	s, _ := e["event_type"].(string)
	return s
}

// Timestamp returns the timestamp string, or "".
func (e Event) Timestamp() string {
	s, _ := e["timestamp"].(string)
	return s
}

// EventLog appends session events to sessions/{id}.jsonl. Appends take a
// per-session mutex plus an OS exclusive lock on the file, and are
// fsynced before returning.
type EventLog struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEventLog returns an event log rooted at basePath. The sessions
// directory is created on first append.
func NewEventLog(basePath string) *EventLog {
	return &EventLog{
		basePath: basePath,
		locks:    map[string]*sync.Mutex{},
	}
}

func (l *EventLog) sessionLock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[sessionID] = lock
	}
	return lock
}

// SessionPath returns the event file for a session.
func (l *EventLog) SessionPath(sessionID string) string {
	return filepath.Join(l.basePath, "sessions", sessionID+".jsonl")
}

// LineagePath returns the context lineage file for a session.
func (l *EventLog) LineagePath(sessionID string) string {
	return filepath.Join(l.basePath, "sessions", sessionID+"_context_lineage.jsonl")
}

// Append serializes the event and appends it durably.
func (l *EventLog) Append(sessionID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	lock := l.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := l.SessionPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock session file: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync session file: %w", err)
	}
	return nil
}

// Read returns all events for a session in append order. Malformed lines
// are skipped; a missing session yields an empty slice.
func (l *EventLog) Read(sessionID string) ([]Event, error) {
	f, err := os.Open(l.SessionPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			slog.Warn("skipping malformed event line", "session_id", sessionID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session file: %w", err)
	}
	return events, nil
}

// SessionExists reports whether the session has an event file.
func (l *EventLog) SessionExists(sessionID string) bool {
	_, err := os.Stat(l.SessionPath(sessionID))
	return err == nil
}

// ListSessions returns session ids present on disk, lineage files
// excluded.
func (l *EventLog) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.basePath, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".jsonl") || strings.HasSuffix(name, "_context_lineage.jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	return ids, nil
}

// DeleteSession removes the session's event and lineage files.
func (l *EventLog) DeleteSession(sessionID string) error {
	lock := l.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(l.SessionPath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	if err := os.Remove(l.LineagePath(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lineage file: %w", err)
	}
	l.mu.Lock()
	delete(l.locks, sessionID)
	l.mu.Unlock()
	return nil
}

// BasePath returns the storage root.
func (l *EventLog) BasePath() string {
	return l.basePath
}
