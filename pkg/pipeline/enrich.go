package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maestroproj/maestro/pkg/artifacts"
	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/memory"
	"github.com/maestroproj/maestro/pkg/storage"
)

// compactionChecker triggers event compaction when the session history
// crosses its configured thresholds.
type compactionChecker struct {
	checkThreshold bool
	compactor      *artifacts.Compactor
}

func newCompactionChecker(cfg map[string]any, sessionID string, deps Deps) *compactionChecker {
	return &compactionChecker{
		checkThreshold: configBool(cfg, "check_threshold", true),
		compactor: artifacts.NewCompactor(sessionID, deps.Registry, deps.Recorder,
			deps.CompactionArchiveDir),
	}
}

func (c *compactionChecker) ID() string { return "compaction_checker" }

func (c *compactionChecker) Process(ctx Context, agentID, sessionID string) (Context, map[string]any, error) {
	if !c.checkThreshold {
		return ctx, map[string]any{"status": "threshold_check_disabled"}, nil
	}

	observations, _ := observationsOf(ctx)
	events := make([]storage.Event, len(observations))
	for i, obs := range observations {
		events[i] = storage.Event(obs)
	}
	estimatedTokens := configInt(metadataOf(ctx), "estimated_tokens", 0)

	if !c.compactor.NeedsCompaction(events, estimatedTokens) {
		return ctx, map[string]any{
			"compaction_triggered": false,
			"reason":               "threshold_not_exceeded",
		}, nil
	}

	slog.Info("compaction threshold exceeded", "session_id", sessionID)
	result := c.compactor.Compact(events, "")
	if err := c.compactor.RecordCompaction(result); err != nil {
		return ctx, nil, fmt.Errorf("record compaction: %w", err)
	}

	out := cloneContext(ctx)
	compacted := make([]map[string]any, len(result.CompactedEvents))
	for i, ev := range result.CompactedEvents {
		compacted[i] = map[string]any(ev)
	}
	out["observations"] = compacted

	return out, map[string]any{
		"compaction_triggered": true,
		"compaction_id":        result.CompactionID,
		"events_before":        result.EventsBeforeCount,
		"events_after":         result.EventsAfterCount,
		"compression_ratio":    result.CompressionRatio,
	}, nil
}

// memoryRetriever attaches long-term memories: reactively when the
// agent asked a memory query, proactively via similarity search against
// the original input.
type memoryRetriever struct {
	mode     string // reactive or proactive
	deps     Deps
	settings config.MemorySettings
}

func newMemoryRetriever(cfg map[string]any, deps Deps) *memoryRetriever {
	return &memoryRetriever{
		mode:     configString(cfg, "retrieval_mode", "reactive"),
		deps:     deps,
		settings: deps.Config.Memory,
	}
}

func (m *memoryRetriever) ID() string { return "memory_retriever" }

func (m *memoryRetriever) Process(ctx Context, agentID, sessionID string) (Context, map[string]any, error) {
	if !m.settings.Enabled || m.deps.Memory == nil {
		return ctx, map[string]any{"status": "memory_layer_disabled"}, nil
	}

	out := cloneContext(ctx)
	var retrieved []map[string]any
	mods := map[string]any{"retrieval_mode": m.mode}

	switch m.mode {
	case "reactive":
		query, ok := out["memory_query"].(map[string]any)
		if !ok {
			mods["memories_retrieved"] = 0
			mods["reason"] = "no_query_provided"
			return out, mods, nil
		}
		queryText, _ := query["query"].(string)
		memories, err := m.deps.Memory.Retrieve(memory.RetrieveOptions{
			Query:      queryText,
			MemoryType: configString(query, "type", ""),
			Tags:       configStrings(query, "tags"),
			Limit:      configInt(query, "limit", 5),
			Mode:       "reactive",
		})
		if err != nil {
			return ctx, nil, fmt.Errorf("reactive memory retrieval: %w", err)
		}
		for _, mem := range memories {
			retrieved = append(retrieved, memoryForContext(mem, -1))
		}
		mods["query"] = queryText

	case "proactive":
		queryText := buildQueryText(out["original_input"])
		if queryText == "" {
			mods["memories_retrieved"] = 0
			mods["reason"] = "no_query_text"
			return out, mods, nil
		}
		var embedder memory.Embedder
		if m.settings.UseEmbeddings {
			embedder = m.deps.Embedder
		}
		scored, err := m.deps.Memory.RetrieveBySimilarity(context.Background(),
			queryText, m.settings.MaxMemoriesToPreload, m.settings.SimilarityThreshold, embedder)
		if err != nil {
			return ctx, nil, fmt.Errorf("proactive memory retrieval: %w", err)
		}

		limit := m.deps.Config.Governance.MaxMemoryRetrievalsPerInvocation
		if len(scored) > limit {
			slog.Warn("memory retrieval limit exceeded, truncating",
				"retrieved", len(scored), "limit", limit)
			m.deps.Auditor.LogGovernanceLimitExceeded(agentID,
				"max_memory_retrievals_per_invocation", limit, len(scored))
			scored = scored[:limit]
		}
		var totalScore float64
		for _, sm := range scored {
			retrieved = append(retrieved, memoryForContext(sm.Memory, sm.Score))
			totalScore += sm.Score
		}
		mods["query"] = queryText
		mods["similarity_threshold"] = m.settings.SimilarityThreshold
		if m.settings.UseEmbeddings {
			mods["similarity_method"] = "embeddings"
		} else {
			mods["similarity_method"] = "keyword"
		}
		if len(retrieved) > 0 {
			mods["avg_similarity_score"] = totalScore / float64(len(retrieved))
		}
	}

	mods["memories_retrieved"] = len(retrieved)
	if len(retrieved) == 0 {
		return out, mods, nil
	}

	out["memories"] = append(contextList(out, "memories"), retrieved...)
	m.deps.Auditor.LogMemoryRetrieval(agentID, len(retrieved), m.mode)
	if m.deps.Recorder != nil {
		ids := make([]string, len(retrieved))
		for i, mem := range retrieved {
			ids[i], _ = mem["memory_id"].(string)
		}
		m.deps.Recorder.Record(sessionID, "memory_retrieved", map[string]any{
			"agent_id":       agentID,
			"retrieval_mode": m.mode,
			"query":          mods["query"],
			"memories_found": len(retrieved),
			"memory_ids":     ids,
		})
	}
	return out, mods, nil
}

func memoryForContext(m memory.Memory, score float64) map[string]any {
	out := map[string]any{
		"memory_id":   m.MemoryID,
		"memory_type": m.MemoryType,
		"content":     m.Content,
		"created_at":  m.CreatedAt,
		"tags":        m.Tags,
	}
	if score >= 0 {
		out["similarity_score"] = score
	}
	return out
}

// buildQueryText extracts query text from the original input, favoring
// descriptive fields, capped at 500 characters.
func buildQueryText(input any) string {
	var parts []string
	switch v := input.(type) {
	case string:
		parts = append(parts, v)
	case map[string]any:
		priority := []string{"description", "summary", "text", "content", "query", "question"}
		seen := map[string]bool{}
		for _, key := range priority {
			if s, ok := v[key].(string); ok {
				parts = append(parts, s)
				seen[key] = true
			}
		}
		for key, value := range v {
			if s, ok := value.(string); ok && !seen[key] {
				parts = append(parts, s)
			}
		}
	}
	text := strings.TrimSpace(strings.Join(parts, " "))
	if len(text) > 500 {
		text = text[:500]
	}
	return text
}

// artifactResolver loads artifact content referenced by handle, either
// only when requested (on_demand) or by scanning the context (preload).
type artifactResolver struct {
	deps Deps
}

func newArtifactResolver(_ map[string]any, deps Deps) *artifactResolver {
	return &artifactResolver{deps: deps}
}

func (a *artifactResolver) ID() string { return "artifact_resolver" }

func (a *artifactResolver) Process(ctx Context, agentID, sessionID string) (Context, map[string]any, error) {
	if a.deps.Artifacts == nil {
		return ctx, map[string]any{"status": "artifact_versioning_disabled"}, nil
	}

	mode := a.accessMode(agentID)
	out := cloneContext(ctx)
	var resolved []map[string]any
	mods := map[string]any{"access_mode": mode}

	switch mode {
	case "preload":
		handles := discoverHandles(out)
		limit := a.deps.Config.Governance.MaxArtifactLoadsPerInvocation
		if len(handles) > limit {
			slog.Warn("artifact preload limit exceeded, truncating",
				"discovered", len(handles), "limit", limit)
			a.deps.Auditor.LogGovernanceLimitExceeded(agentID,
				"max_artifact_loads_per_invocation", limit, len(handles))
			handles = handles[:limit]
		}
		resolved = a.resolveAll(handles)
		mods["discovered_handles"] = len(handles)

	default: // on_demand
		requests, _ := listField(out, "artifact_requests")
		if len(requests) == 0 {
			mods["artifacts_resolved"] = 0
			mods["reason"] = "no_requests_provided"
			return out, mods, nil
		}
		var handles []string
		for _, req := range requests {
			if h, ok := req["handle"].(string); ok && h != "" {
				handles = append(handles, h)
			}
		}
		resolved = a.resolveAll(handles)
		mods["requested"] = len(requests)
	}

	mods["artifacts_resolved"] = len(resolved)
	if len(resolved) == 0 {
		return out, mods, nil
	}

	out["artifacts"] = append(contextList(out, "artifacts"), resolved...)

	handles := make([]string, len(resolved))
	for i, art := range resolved {
		handles[i], _ = art["handle"].(string)
	}
	a.deps.Auditor.LogArtifactAccess(agentID, handles, mode)
	if a.deps.Recorder != nil {
		a.deps.Recorder.Record(sessionID, "artifact_resolved", map[string]any{
			"agent_id":           agentID,
			"access_mode":        mode,
			"artifacts_resolved": len(resolved),
			"artifact_handles":   handles,
		})
	}
	return out, mods, nil
}

func (a *artifactResolver) accessMode(agentID string) string {
	if agent, ok := a.deps.Registry.GetAgent(agentID); ok {
		if agent.ContextRequirements.ArtifactAccess != "" {
			return agent.ContextRequirements.ArtifactAccess
		}
	}
	return "on_demand"
}

func (a *artifactResolver) resolveAll(handles []string) []map[string]any {
	var out []map[string]any
	for _, handle := range handles {
		art, err := a.deps.Artifacts.Resolve(handle)
		if err != nil || art == nil {
			slog.Warn("artifact handle unresolved", "handle", handle, "error", err)
			continue
		}
		out = append(out, map[string]any{
			"artifact_id": art.ArtifactID,
			"version":     art.Version,
			"handle":      art.Handle,
			"content":     art.Content,
			"metadata":    art.Metadata,
			"tags":        art.Tags,
		})
	}
	return out
}

// discoverHandles scans prior_outputs, observations and original_input
// for artifact handles.
func discoverHandles(ctx Context) []string {
	seen := map[string]bool{}
	var handles []string
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, h := range artifacts.FindHandles(t) {
				if !seen[h] {
					seen[h] = true
					handles = append(handles, h)
				}
			}
		case map[string]any:
			for _, item := range t {
				walk(item)
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		case []map[string]any:
			for _, item := range t {
				walk(map[string]any(item))
			}
		}
	}
	for _, field := range []string{"prior_outputs", "observations", "original_input"} {
		if v, ok := ctx[field]; ok {
			walk(v)
		}
	}
	return handles
}

func contextList(ctx Context, field string) []map[string]any {
	list, _ := listField(ctx, field)
	return list
}
