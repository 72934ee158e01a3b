package sse

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(ch <-chan string, timeout time.Duration) []string {
	var frames []string
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return frames
			}
			frames = append(frames, frame)
		case <-time.After(timeout):
			return frames
		}
	}
}

func TestEventIDOrdering(t *testing.T) {
	a := NewEventID()
	time.Sleep(1100 * time.Millisecond)
	b := NewEventID()
	assert.True(t, a < b, "ids must order lexicographically: %s vs %s", a, b)
	assert.Regexp(t, `^\d{14}_[0-9a-f]{8}$`, a)
}

func TestFrameFormat(t *testing.T) {
	ev := BufferedEvent{ID: "20260101000000_abcd1234", Type: "agent_started", Data: map[string]any{"agent_id": "intake_agent"}}
	frame := ev.Frame()
	assert.True(t, strings.HasPrefix(frame, "id: 20260101000000_abcd1234\nevent: agent_started\ndata: "))
	assert.True(t, strings.HasSuffix(frame, "\n\n"))
	assert.Contains(t, frame, `"agent_id":"intake_agent"`)
}

func TestLiveDeliveryAndCompletion(t *testing.T) {
	b := NewBroadcaster(0)
	ch, cancel := b.Subscribe("sess_1", "")
	defer cancel()

	b.Broadcast("sess_1", "workflow_started", map[string]any{"workflow_id": "wf"}, "")
	b.Broadcast("sess_1", "agent_started", map[string]any{"agent_id": "intake_agent"}, "")
	b.Complete("sess_1")

	frames := collect(ch, time.Second)
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], "event: workflow_started")
	assert.Contains(t, frames[1], "event: agent_started")
	assert.True(t, b.Completed("sess_1"))
}

func TestReplayAfterLastEventID(t *testing.T) {
	b := NewBroadcaster(0)
	id1 := b.Broadcast("sess_1", "e1", map[string]any{"n": 1}, "20260101000000_00000001")
	b.Broadcast("sess_1", "e2", map[string]any{"n": 2}, "20260101000001_00000002")
	b.Broadcast("sess_1", "e3", map[string]any{"n": 3}, "20260101000002_00000003")
	b.Complete("sess_1")

	ch, cancel := b.Subscribe("sess_1", id1)
	defer cancel()
	frames := collect(ch, time.Second)
	require.Len(t, frames, 2)
	assert.Contains(t, frames[0], "event: e2")
	assert.Contains(t, frames[1], "event: e3")
}

func TestSubscribeAfterCompleteReplaysAndCloses(t *testing.T) {
	b := NewBroadcaster(0)
	b.Broadcast("sess_1", "workflow_completed", map[string]any{"status": "completed"}, "")
	b.Complete("sess_1")

	ch, cancel := b.Subscribe("sess_1", "")
	defer cancel()
	frames := collect(ch, time.Second)
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0], "workflow_completed")
}

func TestRingEviction(t *testing.T) {
	b := NewBroadcaster(3)
	for i := 0; i < 5; i++ {
		b.Broadcast("sess_1", "e", map[string]any{"n": i}, "")
	}
	b.Complete("sess_1")

	ch, cancel := b.Subscribe("sess_1", "")
	defer cancel()
	frames := collect(ch, time.Second)
	assert.Len(t, frames, 3)
	assert.Contains(t, frames[0], `"n":2`)
}

func TestCancelUnregistersSubscriber(t *testing.T) {
	b := NewBroadcaster(0)
	ch, cancel := b.Subscribe("sess_1", "")
	cancel()
	cancel() // idempotent

	// Closed channel drains immediately.
	_, ok := <-ch
	assert.False(t, ok)

	// Broadcasting after cancel must not panic.
	b.Broadcast("sess_1", "e", nil, "")
}
