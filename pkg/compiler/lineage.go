package compiler

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

	"github.com/google/uuid"

	"github.com/maestroproj/maestro/pkg/storage"
)

// ProcessorExecution is one pipeline step inside a compilation record.
type ProcessorExecution struct {
	ProcessorID       string         `json:"processor_id"`
	ExecutionTimeMs   float64        `json:"execution_time_ms"`
	Success           bool           `json:"success"`
	ModificationsMade map[string]any `json:"modifications_made"`
	Error             string         `json:"error,omitempty"`
}

// Compilation is the complete lineage record of one context build.
type Compilation struct {
	CompilationID string `json:"compilation_id"`
	SessionID     string `json:"session_id"`
	AgentID       string `json:"agent_id"`
	Timestamp     string `json:"timestamp"`

	TokensBefore     int            `json:"tokens_before"`
	ComponentsBefore map[string]int `json:"components_before"`

	ProcessorsExecuted   []ProcessorExecution `json:"processors_executed"`
	TotalExecutionTimeMs float64              `json:"total_execution_time_ms"`

	TokensAfter     int            `json:"tokens_after"`
	ComponentsAfter map[string]int `json:"components_after"`

	TruncationApplied bool           `json:"truncation_applied"`
	TruncationDetails map[string]any `json:"truncation_details,omitempty"`
	CompactionApplied bool           `json:"compaction_applied"`
	CompactionDetails map[string]any `json:"compaction_details,omitempty"`
	MemoriesRetrieved int            `json:"memories_retrieved"`
	MemoryIDs         []string       `json:"memory_ids"`
	ArtifactsResolved int            `json:"artifacts_resolved"`
	ArtifactHandles   []string       `json:"artifact_handles"`

	BudgetAllocation         map[string]int `json:"budget_allocation"`
	MaxTokens                int            `json:"max_tokens"`
	BudgetExceeded           bool           `json:"budget_exceeded"`
	BudgetUtilizationPercent float64        `json:"budget_utilization_percent"`
}

// LineageTracker appends compilation records to the per-session lineage
// file, one JSON document per line.
type LineageTracker struct {
	sessionID string
	path      string
	mu        sync.Mutex
}

func NewLineageTracker(sessionID string, log *storage.EventLog) *LineageTracker {
	return &LineageTracker{
		sessionID: sessionID,
		path:      log.LineagePath(sessionID),
	}
}

// RecordCompilation finalizes the record (id, timestamp, budget
// analysis) and appends it. Returns the generated compilation id.
func (t *LineageTracker) RecordCompilation(rec Compilation) (string, error) {
	rec.CompilationID = fmt.Sprintf("ctx_compile_%s_%s",
		time.Now().UTC().Format("20060102_150405"),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	rec.SessionID = t.sessionID
	rec.Timestamp = time.Now().UTC().Format(storage.TimestampFormat)

	rec.TotalExecutionTimeMs = 0
	for _, p := range rec.ProcessorsExecuted {
		rec.TotalExecutionTimeMs += p.ExecutionTimeMs
	}
	rec.BudgetExceeded = rec.MaxTokens > 0 && rec.TokensAfter > rec.MaxTokens
	if rec.MaxTokens > 0 {
		rec.BudgetUtilizationPercent = float64(rec.TokensAfter) / float64(rec.MaxTokens) * 100
	}
	if rec.MemoryIDs == nil {
		rec.MemoryIDs = []string{}
	}
	if rec.ArtifactHandles == nil {
		rec.ArtifactHandles = []string{}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal compilation: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return "", fmt.Errorf("create sessions dir: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open lineage file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("append compilation: %w", err)
	}

	slog.Info("context compilation recorded",
		"compilation_id", rec.CompilationID, "agent_id", rec.AgentID,
		"tokens_before", rec.TokensBefore, "tokens_after", rec.TokensAfter,
		"processors", len(rec.ProcessorsExecuted))
	return rec.CompilationID, nil
}

// GetCompilation returns a compilation by id, or nil when unknown.
func (t *LineageTracker) GetCompilation(compilationID string) (*Compilation, error) {
	all, err := t.ListCompilations("", 0, 0)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].CompilationID == compilationID {
			return &all[i], nil
		}
	}
	return nil, nil
}

// ListCompilations returns the session's compilations in write order,
// optionally filtered by agent. limit 0 means unbounded.
func (t *LineageTracker) ListCompilations(agentID string, limit, offset int) ([]Compilation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open lineage file: %w", err)
	}
	defer f.Close()

	var out []Compilation
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Compilation
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			slog.Warn("skipping malformed lineage record", "session_id", t.sessionID, "error", err)
			continue
		}
		if agentID != "" && rec.AgentID != agentID {
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read lineage file: %w", err)
	}

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats aggregates the session's compilation history.
func (t *LineageTracker) Stats() (map[string]any, error) {
	compilations, err := t.ListCompilations("", 0, 0)
	if err != nil {
		return nil, err
	}

	stats := map[string]any{
		"total_compilations":        len(compilations),
		"agents":                    []string{},
		"total_processors_executed": 0,
		"total_execution_time_ms":   0.0,
		"avg_tokens_before":         0.0,
		"avg_tokens_after":          0.0,
		"truncations":               0,
		"compactions":               0,
		"memories_retrieved":        0,
		"artifacts_resolved":        0,
	}
	if len(compilations) == 0 {
		return stats, nil
	}

	agents := map[string]bool{}
	var processors, truncations, compactions, memories, artifactCount int
	var totalTime, tokensBefore, tokensAfter float64
	for _, c := range compilations {
		agents[c.AgentID] = true
		processors += len(c.ProcessorsExecuted)
		totalTime += c.TotalExecutionTimeMs
		tokensBefore += float64(c.TokensBefore)
		tokensAfter += float64(c.TokensAfter)
		if c.TruncationApplied {
			truncations++
		}
		if c.CompactionApplied {
			compactions++
		}
		memories += c.MemoriesRetrieved
		artifactCount += c.ArtifactsResolved
	}

	agentIDs := make([]string, 0, len(agents))
	for id := range agents {
		agentIDs = append(agentIDs, id)
	}

	stats["agents"] = agentIDs
	stats["total_processors_executed"] = processors
	stats["total_execution_time_ms"] = totalTime
	stats["avg_tokens_before"] = tokensBefore / float64(len(compilations))
	stats["avg_tokens_after"] = tokensAfter / float64(len(compilations))
	stats["truncations"] = truncations
	stats["compactions"] = compactions
	stats["memories_retrieved"] = memories
	stats["artifacts_resolved"] = artifactCount
	return stats, nil
}

// TokenBudgetTimeline projects the compilation history into points for
// budget visualization.
func (t *LineageTracker) TokenBudgetTimeline() ([]map[string]any, error) {
	compilations, err := t.ListCompilations("", 0, 0)
	if err != nil {
		return nil, err
	}
	timeline := make([]map[string]any, 0, len(compilations))
	for _, c := range compilations {
		timeline = append(timeline, map[string]any{
			"compilation_id":     c.CompilationID,
			"agent_id":           c.AgentID,
			"timestamp":          c.Timestamp,
			"tokens_before":      c.TokensBefore,
			"tokens_after":       c.TokensAfter,
			"max_tokens":         c.MaxTokens,
			"budget_exceeded":    c.BudgetExceeded,
			"truncation_applied": c.TruncationApplied,
			"compaction_applied": c.CompactionApplied,
		})
	}
	return timeline, nil
}
