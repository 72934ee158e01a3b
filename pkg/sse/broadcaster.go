// Package sse fans out session events to subscribed clients with replay
// on reconnect.
//
// Event ids are "YYYYMMDDHHMMSS_{rand8}" so a plain lexicographic compare
// orders them; Last-Event-ID replay gating relies on that.
package sse

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRingSize is the per-session replay buffer size.
const DefaultRingSize = 100

// BufferedEvent is one broadcast event held for replay.
type BufferedEvent struct {
	ID   string
	Type string
	Data map[string]any
}

// Frame renders the event in SSE wire format.
func (e BufferedEvent) Frame() string {
	data, err := json.Marshal(e.Data)
	if err != nil {
		data = []byte("{}")
	}
	return fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data)
}

// NewEventID generates a lexicographically ordered event id.
func NewEventID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return time.Now().UTC().Format("20060102150405") + "_" + suffix
}

type sessionState struct {
	buffer      []BufferedEvent
	subscribers map[chan string]struct{}
	completed   bool
}

// Broadcaster keeps per-session replay buffers and live subscriber
// channels behind a single mutex.
type Broadcaster struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	ringSize int
}

// NewBroadcaster returns a broadcaster with the given replay ring size
// (0 means default).
func NewBroadcaster(ringSize int) *Broadcaster {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Broadcaster{
		sessions: map[string]*sessionState{},
		ringSize: ringSize,
	}
}

func (b *Broadcaster) state(sessionID string) *sessionState {
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &sessionState{subscribers: map[chan string]struct{}{}}
		b.sessions[sessionID] = st
	}
	return st
}

// Broadcast appends the event to the session ring and delivers its frame
// to every subscriber. A slow subscriber that has filled its queue loses
// the frame; it can recover it via Last-Event-ID replay. Returns the
// event id.
func (b *Broadcaster) Broadcast(sessionID, eventType string, data map[string]any, id string) string {
	if id == "" {
		id = NewEventID()
	}
	ev := BufferedEvent{ID: id, Type: eventType, Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(sessionID)
	st.buffer = append(st.buffer, ev)
	if len(st.buffer) > b.ringSize {
		st.buffer = st.buffer[len(st.buffer)-b.ringSize:]
	}
	frame := ev.Frame()
	for ch := range st.subscribers {
		select {
		case ch <- frame:
		default:
		}
	}
	return id
}

// Subscribe returns a stream of SSE frames: first buffered events whose
// id strictly follows lastEventID, then live events until the session
// completes, at which point the channel is closed. cancel unregisters
// the subscriber; it is safe to call more than once.
func (b *Broadcaster) Subscribe(sessionID, lastEventID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(sessionID)

	var replay []string
	for _, ev := range st.buffer {
		if lastEventID == "" || ev.ID > lastEventID {
			replay = append(replay, ev.Frame())
		}
	}

	ch := make(chan string, len(replay)+64)
	for _, frame := range replay {
		ch <- frame
	}
	if st.completed {
		close(ch)
		return ch, func() {}
	}

	st.subscribers[ch] = struct{}{}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := st.subscribers[ch]; ok {
				delete(st.subscribers, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Complete marks the session finished and closes every subscriber
// stream. Late subscribers still get buffered replay.
func (b *Broadcaster) Complete(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state(sessionID)
	if st.completed {
		return
	}
	st.completed = true
	for ch := range st.subscribers {
		delete(st.subscribers, ch)
		close(ch)
	}
}

// Completed reports whether the session has been completed.
func (b *Broadcaster) Completed(sessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	return ok && st.completed
}

// Drop discards all state for a session.
func (b *Broadcaster) Drop(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	for ch := range st.subscribers {
		close(ch)
	}
	delete(b.sessions, sessionID)
}
