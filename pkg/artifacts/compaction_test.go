package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
)

func strategiesRegistry(t *testing.T, compaction map[string]any) *registry.Manager {
	t.Helper()
	dir := t.TempDir()
	data, err := json.Marshal(map[string]any{"compaction": compaction})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "context_strategies.json"), data, 0o644))
	return registry.NewManager(dir)
}

func makeEvents(n int, eventType string) []storage.Event {
	events := make([]storage.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, storage.NewEvent(eventType, "sess_1", map[string]any{"seq": i}))
	}
	return events
}

func TestNeedsCompactionTriggers(t *testing.T) {
	reg := strategiesRegistry(t, map[string]any{
		"enabled":               true,
		"trigger_strategy":      "both",
		"token_threshold":       100,
		"event_count_threshold": 10,
	})
	c := NewCompactor("sess_1", reg, nil, t.TempDir())

	assert.True(t, c.NeedsCompaction(makeEvents(5, "x"), 101))
	assert.True(t, c.NeedsCompaction(makeEvents(11, "x"), 0))
	assert.False(t, c.NeedsCompaction(makeEvents(5, "x"), 50))

	disabled := NewCompactor("sess_1", strategiesRegistry(t, map[string]any{"enabled": false}), nil, t.TempDir())
	assert.False(t, disabled.NeedsCompaction(makeEvents(500, "x"), 1_000_000))
}

func TestRuleBasedCompaction(t *testing.T) {
	reg := strategiesRegistry(t, map[string]any{
		"enabled":           true,
		"compaction_method": "rule_based",
		"retention_policy": map[string]any{
			"keep_recent_events":        5,
			"keep_critical_event_types": []string{"workflow_completed"},
		},
	})
	c := NewCompactor("sess_1", reg, nil, t.TempDir())

	events := makeEvents(20, "llm_call")
	events[2] = storage.NewEvent("workflow_completed", "sess_1", nil)

	result := c.Compact(events, "")
	assert.Equal(t, "rule_based", result.Method)
	assert.Equal(t, 20, result.EventsBeforeCount)
	// 5 recent + 1 critical from the older tail.
	assert.Equal(t, 6, result.EventsAfterCount)
	assert.Less(t, result.CompressionRatio, 1.0)
	assert.Contains(t, result.CompactionID, "compact_")
}

func TestLLMBasedCompactionEmitsSummaryEvent(t *testing.T) {
	reg := strategiesRegistry(t, map[string]any{
		"enabled":           true,
		"compaction_method": "llm_based",
		"retention_policy": map[string]any{
			"keep_critical_event_types": []string{"workflow_completed"},
		},
		"llm_summarization": map[string]any{"preserve_critical_events": true},
	})
	c := NewCompactor("sess_1", reg, nil, t.TempDir())

	events := makeEvents(10, "tool_call")
	events[9] = storage.NewEvent("workflow_completed", "sess_1", nil)

	result := c.Compact(events, "")
	require.Equal(t, 2, result.EventsAfterCount)
	last := result.CompactedEvents[len(result.CompactedEvents)-1]
	assert.Equal(t, "compaction_summary", last.Type())
	assert.Equal(t, 9, last["events_summarized"])
	assert.Contains(t, result.SummaryText, "tool_call: 9")
}

func TestUnknownMethodFallsBack(t *testing.T) {
	reg := strategiesRegistry(t, map[string]any{"enabled": true})
	c := NewCompactor("sess_1", reg, nil, t.TempDir())

	result := c.Compact(makeEvents(3, "x"), "quantum")
	assert.Equal(t, "rule_based", result.Method)
}

func TestRecordCompactionWritesEventsAndArchive(t *testing.T) {
	reg := strategiesRegistry(t, map[string]any{
		"enabled":           true,
		"compaction_method": "rule_based",
		"retention_policy":  map[string]any{"keep_recent_events": 2},
	})
	log := storage.NewEventLog(t.TempDir())
	archiveDir := t.TempDir()
	c := NewCompactor("sess_1", reg, storage.NewRecorder(log), archiveDir)

	result := c.Compact(makeEvents(10, "llm_call"), "")
	require.NoError(t, c.RecordCompaction(result))

	events, err := log.Read("sess_1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "compaction_triggered", events[0].Type())
	assert.Equal(t, "compaction_completed", events[1].Type())

	archive := filepath.Join(archiveDir,
		fmt.Sprintf("sess_1_compaction_%s.json", result.CompactionID))
	raw, err := os.ReadFile(archive)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, float64(8), doc["events_compacted_count"])
}
