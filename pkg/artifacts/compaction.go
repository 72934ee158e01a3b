package artifacts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
	"github.com/maestroproj/maestro/pkg/utils"
)

// CompactionConfig is the "compaction" strategy from the context
// strategies registry document.
type CompactionConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	TriggerStrategy     string `mapstructure:"trigger_strategy"`
	TokenThreshold      int    `mapstructure:"token_threshold"`
	EventCountThreshold int    `mapstructure:"event_count_threshold"`
	CompactionMethod    string `mapstructure:"compaction_method"`
	RetentionPolicy     struct {
		KeepRecentEvents       int      `mapstructure:"keep_recent_events"`
		KeepCriticalEventTypes []string `mapstructure:"keep_critical_event_types"`
	} `mapstructure:"retention_policy"`
	LLMSummarization struct {
		PreserveCriticalEvents bool `mapstructure:"preserve_critical_events"`
	} `mapstructure:"llm_summarization"`
}

func defaultCompactionConfig() CompactionConfig {
	cfg := CompactionConfig{
		TriggerStrategy:     "token_threshold",
		TokenThreshold:      8000,
		EventCountThreshold: 100,
		CompactionMethod:    "rule_based",
	}
	cfg.RetentionPolicy.KeepRecentEvents = 20
	cfg.LLMSummarization.PreserveCriticalEvents = true
	return cfg
}

// CompactionResult describes one compaction run.
type CompactionResult struct {
	CompactionID      string          `json:"compaction_id"`
	SessionID         string          `json:"session_id"`
	Method            string          `json:"method"`
	EventsBeforeCount int             `json:"events_before_count"`
	EventsAfterCount  int             `json:"events_after_count"`
	TokensBefore      int             `json:"tokens_before"`
	TokensAfter       int             `json:"tokens_after"`
	CompressionRatio  float64         `json:"compression_ratio"`
	SummaryText       string          `json:"summary_text"`
	CompactedEvents   []storage.Event `json:"compacted_events"`
}

// Compactor shrinks session event histories, either by retention rules
// or by replacing summarizable runs with a synthetic summary event.
// Originals are archived under compactions/ for auditability.
type Compactor struct {
	sessionID string
	recorder  *storage.Recorder
	config    CompactionConfig
	archive   string
}

// NewCompactor builds a compactor for a session, reading its strategy
// from the registry. archiveDir receives compaction archives.
func NewCompactor(sessionID string, reg *registry.Manager, recorder *storage.Recorder, archiveDir string) *Compactor {
	cfg := defaultCompactionConfig()
	strategies, err := reg.ContextStrategies()
	if err != nil {
		slog.Error("loading compaction strategy failed, compaction disabled", "error", err)
	} else if raw, ok := strategies["compaction"]; ok {
		if err := mapstructure.Decode(raw, &cfg); err != nil {
			slog.Warn("malformed compaction strategy, using defaults", "error", err)
			cfg = defaultCompactionConfig()
		}
	}
	return &Compactor{
		sessionID: sessionID,
		recorder:  recorder,
		config:    cfg,
		archive:   archiveDir,
	}
}

// NeedsCompaction reports whether the configured trigger fires.
func (c *Compactor) NeedsCompaction(events []storage.Event, estimatedTokens int) bool {
	if !c.config.Enabled {
		return false
	}
	switch c.config.TriggerStrategy {
	case "token_threshold":
		return estimatedTokens > c.config.TokenThreshold
	case "event_count":
		return len(events) > c.config.EventCountThreshold
	case "both":
		return estimatedTokens > c.config.TokenThreshold ||
			len(events) > c.config.EventCountThreshold
	}
	return false
}

// Compact reduces the event list. method overrides the configured
// compaction_method when non-empty; unknown methods fall back to
// rule_based.
func (c *Compactor) Compact(events []storage.Event, method string) CompactionResult {
	if method == "" {
		method = c.config.CompactionMethod
	}
	slog.Info("starting compaction",
		"session_id", c.sessionID, "method", method, "events", len(events))

	tokensBefore := utils.EstimateTokensJSON(events)

	var compacted []storage.Event
	var summary string
	switch method {
	case "llm_based":
		compacted, summary = c.summarize(events)
	case "rule_based":
		compacted, summary = c.ruleBased(events)
	default:
		slog.Warn("unknown compaction method, using rule_based", "method", method)
		method = "rule_based"
		compacted, summary = c.ruleBased(events)
	}

	tokensAfter := utils.EstimateTokensJSON(compacted)
	ratio := 0.0
	if tokensBefore > 0 {
		ratio = float64(tokensAfter) / float64(tokensBefore)
	}

	result := CompactionResult{
		CompactionID:      "compact_" + time.Now().UTC().Format("20060102_150405"),
		SessionID:         c.sessionID,
		Method:            method,
		EventsBeforeCount: len(events),
		EventsAfterCount:  len(compacted),
		TokensBefore:      tokensBefore,
		TokensAfter:       tokensAfter,
		CompressionRatio:  ratio,
		SummaryText:       summary,
		CompactedEvents:   compacted,
	}
	slog.Info("compaction completed",
		"session_id", c.sessionID,
		"events_before", len(events), "events_after", len(compacted),
		"tokens_before", tokensBefore, "tokens_after", tokensAfter)
	return result
}

// ruleBased keeps the most recent events plus critical event types from
// the older tail.
func (c *Compactor) ruleBased(events []storage.Event) ([]storage.Event, string) {
	keepRecent := c.config.RetentionPolicy.KeepRecentEvents
	critical := map[string]bool{}
	for _, t := range c.config.RetentionPolicy.KeepCriticalEventTypes {
		critical[t] = true
	}

	recent := events
	var older []storage.Event
	if len(events) > keepRecent {
		recent = events[len(events)-keepRecent:]
		older = events[:len(events)-keepRecent]
	}

	var compacted []storage.Event
	removed := 0
	for _, ev := range older {
		if critical[ev.Type()] {
			compacted = append(compacted, ev)
		} else {
			removed++
		}
	}
	keptCritical := len(compacted)
	compacted = append(compacted, recent...)

	summary := fmt.Sprintf(
		"Compacted %d events using rule-based filtering. Retained %d events (%d recent + %d critical), removed %d non-critical events.",
		len(events), len(compacted), len(recent), keptCritical, removed)
	return compacted, summary
}

// summarize keeps critical events and folds the rest into one synthetic
// compaction_summary event.
func (c *Compactor) summarize(events []storage.Event) ([]storage.Event, string) {
	critical := map[string]bool{}
	for _, t := range c.config.RetentionPolicy.KeepCriticalEventTypes {
		critical[t] = true
	}

	var keep, other []storage.Event
	for _, ev := range events {
		if c.config.LLMSummarization.PreserveCriticalEvents && critical[ev.Type()] {
			keep = append(keep, ev)
		} else {
			other = append(other, ev)
		}
	}

	summary := summaryText(events, keep, other)
	summaryEvent := storage.Event{
		"event_type":        "compaction_summary",
		"session_id":        c.sessionID,
		"timestamp":         time.Now().UTC().Format(storage.TimestampFormat),
		"summary":           summary,
		"events_summarized": len(other),
		"method":            "llm_based",
	}
	return append(keep, summaryEvent), summary
}

func summaryText(all, critical, other []storage.Event) string {
	counts := map[string]int{}
	for _, ev := range other {
		t := ev.Type()
		if t == "" {
			t = "unknown"
		}
		counts[t]++
	}

	parts := []string{
		fmt.Sprintf("Session processed %d events.", len(all)),
		fmt.Sprintf("Preserved %d critical events.", len(critical)),
	}
	if len(counts) > 0 {
		parts = append(parts, "Event summary:")
		type tc struct {
			t string
			n int
		}
		ordered := make([]tc, 0, len(counts))
		for t, n := range counts {
			ordered = append(ordered, tc{t, n})
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].n > ordered[j].n })
		for _, e := range ordered {
			parts = append(parts, fmt.Sprintf("  - %s: %d", e.t, e.n))
		}
	}
	return strings.Join(parts, " ")
}

// RecordCompaction appends compaction_triggered and compaction_completed
// events to the session log and writes the audit archive.
func (c *Compactor) RecordCompaction(result CompactionResult) error {
	c.recorder.Record(c.sessionID, "compaction_triggered", map[string]any{
		"compaction_id":       result.CompactionID,
		"trigger_reason":      "threshold_exceeded",
		"events_before_count": result.EventsBeforeCount,
		"events_after_count":  result.EventsAfterCount,
		"tokens_before":       result.TokensBefore,
		"tokens_after":        result.TokensAfter,
		"compaction_method":   result.Method,
		"compression_ratio":   result.CompressionRatio,
	})
	c.recorder.Record(c.sessionID, "compaction_completed", map[string]any{
		"compaction_id":     result.CompactionID,
		"method":            result.Method,
		"events_compacted":  result.EventsBeforeCount - result.EventsAfterCount,
		"summary_text":      result.SummaryText,
		"compression_ratio": result.CompressionRatio,
	})
	return c.writeArchive(result)
}

func (c *Compactor) writeArchive(result CompactionResult) error {
	if err := os.MkdirAll(c.archive, 0o755); err != nil {
		return fmt.Errorf("create compactions dir: %w", err)
	}
	archive := map[string]any{
		"compaction_id":          result.CompactionID,
		"session_id":             result.SessionID,
		"created_at":             time.Now().UTC().Format(storage.TimestampFormat),
		"method":                 result.Method,
		"events_compacted_count": result.EventsBeforeCount - result.EventsAfterCount,
		"events_retained_count":  result.EventsAfterCount,
		"compression_ratio":      result.CompressionRatio,
		"summary": map[string]any{
			"summary_text":  result.SummaryText,
			"tokens_before": result.TokensBefore,
			"tokens_after":  result.TokensAfter,
		},
		"original_events": result.CompactedEvents,
	}
	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_compaction_%s.json", result.SessionID, result.CompactionID)
	path := filepath.Join(c.archive, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write compaction archive: %w", err)
	}
	slog.Info("compaction archive written", "path", path)
	return nil
}
