package storage

import "log/slog"

// Sink receives every recorded event after the durable append. The
// progress store and SSE broadcaster register here at startup.
type Sink func(sessionID string, ev Event)

// Recorder is the dual-write path: append to the event log first, then
// fan out to best-effort sinks.
type Recorder struct {
	log   *EventLog
	sinks []Sink
}

// NewRecorder returns a recorder over the event log.
func NewRecorder(log *EventLog, sinks ...Sink) *Recorder {
	return &Recorder{log: log, sinks: sinks}
}

// AddSink registers an additional sink. Not safe to call once recording
// has started.
func (r *Recorder) AddSink(sink Sink) {
	r.sinks = append(r.sinks, sink)
}

// Record builds, persists and fans out an event. A failed append is
// logged and the event is still fanned out so live observers see it.
func (r *Recorder) Record(sessionID, eventType string, payload map[string]any) Event {
	ev := NewEvent(eventType, sessionID, payload)
	if err := r.log.Append(sessionID, ev); err != nil {
		slog.Error("event append failed",
			"session_id", sessionID, "event_type", eventType, "error", err)
	}
	for _, sink := range r.sinks {
		sink(sessionID, ev)
	}
	return ev
}

// Log exposes the underlying event log for readers.
func (r *Recorder) Log() *EventLog {
	return r.log
}
