// Package pipeline assembles agent context through an ordered chain of
// processors declared in the context_processor_pipeline registry
// document. Every processor is inspectable: its modifications land in
// the context metadata so compilation decisions can be audited.
package pipeline

import (
	"log/slog"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/maestroproj/maestro/pkg/artifacts"
	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/governance"
	"github.com/maestroproj/maestro/pkg/memory"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
)

// Context is the mutable compilation state flowing between processors.
type Context = map[string]any

// Processor transforms context for one concern. Implementations return
// the (possibly replaced) context plus a description of what changed.
// A processor error never aborts compilation; the pipeline continues
// with the prior context.
type Processor interface {
	ID() string
	Process(ctx Context, agentID, sessionID string) (Context, map[string]any, error)
}

// Deps carries the shared services processors draw on.
type Deps struct {
	Registry  *registry.Manager
	Config    *config.Config
	Recorder  *storage.Recorder
	Memory    *memory.Store
	Artifacts *artifacts.Store
	Auditor   *governance.Auditor
	Embedder  memory.Embedder

	// CompactionArchiveDir receives compaction audit archives.
	CompactionArchiveDir string
}

type processorSpec struct {
	ProcessorID string         `mapstructure:"processor_id"`
	Name        string         `mapstructure:"name"`
	Enabled     *bool          `mapstructure:"enabled"`
	Order       int            `mapstructure:"order"`
	Config      map[string]any `mapstructure:"config"`
}

// Pipeline executes the configured processors in order for one session.
type Pipeline struct {
	sessionID  string
	processors []Processor
}

// New loads the pipeline configuration and instantiates the enabled
// processors. A missing or malformed configuration yields a passthrough
// pipeline.
func New(sessionID string, deps Deps) *Pipeline {
	p := &Pipeline{sessionID: sessionID}

	doc, err := deps.Registry.ProcessorPipelineConfig()
	if err != nil {
		slog.Error("loading processor pipeline failed, running passthrough", "error", err)
		return p
	}
	var specs []processorSpec
	if raw, ok := doc["processors"]; ok {
		if err := mapstructure.Decode(raw, &specs); err != nil {
			slog.Error("malformed processor pipeline, running passthrough", "error", err)
			return p
		}
	}
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Order < specs[j].Order })

	for _, spec := range specs {
		if spec.Enabled != nil && !*spec.Enabled {
			slog.Info("processor disabled, skipping", "processor_id", spec.ProcessorID)
			continue
		}
		proc := build(spec, sessionID, deps)
		if proc == nil {
			slog.Warn("unknown processor", "processor_id", spec.ProcessorID)
			continue
		}
		p.processors = append(p.processors, proc)
	}
	slog.Info("processor pipeline loaded",
		"session_id", sessionID, "processors", len(p.processors))
	return p
}

func build(spec processorSpec, sessionID string, deps Deps) Processor {
	cfg := spec.Config
	switch spec.ProcessorID {
	case "content_selector":
		return newContentSelector(cfg)
	case "content_filter":
		return newContentFilter(cfg, deps.Registry, deps.Recorder, deps.Auditor)
	case "compaction_checker":
		return newCompactionChecker(cfg, sessionID, deps)
	case "memory_retriever":
		return newMemoryRetriever(cfg, deps)
	case "artifact_resolver":
		return newArtifactResolver(cfg, deps)
	case "transformer":
		return newTransformer(cfg)
	case "token_budget_enforcer":
		return newTokenBudgetEnforcer(cfg, deps.Auditor)
	case "injector":
		return newInjector(cfg, deps.Config)
	}
	return nil
}

// Execute runs the chain over rawContext and returns the compiled
// context with a per-processor execution log in its metadata.
func (p *Pipeline) Execute(rawContext Context, agentID string) Context {
	ctx := cloneContext(rawContext)
	var executionLog []map[string]any
	succeeded := 0

	slog.Info("starting context compilation",
		"agent_id", agentID, "session_id", p.sessionID, "processors", len(p.processors))

	for _, proc := range p.processors {
		start := time.Now()
		next, mods, err := proc.Process(ctx, agentID, p.sessionID)
		elapsed := float64(time.Since(start).Microseconds()) / 1000.0

		entry := map[string]any{
			"processor_id":      proc.ID(),
			"success":           err == nil,
			"execution_time_ms": elapsed,
		}
		if err != nil {
			slog.Error("processor failed, keeping prior context",
				"processor_id", proc.ID(), "agent_id", agentID, "error", err)
			entry["error"] = err.Error()
			executionLog = append(executionLog, entry)
			continue
		}
		if len(mods) > 0 {
			entry["modifications_made"] = mods
		}
		executionLog = append(executionLog, entry)
		ctx = next
		succeeded++
	}

	meta := metadataOf(ctx)
	meta["processor_execution_log"] = executionLog
	meta["total_processors"] = len(p.processors)
	meta["successful_processors"] = succeeded

	slog.Info("context compilation completed",
		"agent_id", agentID, "succeeded", succeeded, "total", len(p.processors))
	return ctx
}

// ProcessorIDs returns the configured processor ids in execution order.
func (p *Pipeline) ProcessorIDs() []string {
	ids := make([]string, len(p.processors))
	for i, proc := range p.processors {
		ids[i] = proc.ID()
	}
	return ids
}

// metadataOf returns the context metadata map, creating it on demand.
func metadataOf(ctx Context) map[string]any {
	if meta, ok := ctx["metadata"].(map[string]any); ok {
		return meta
	}
	meta := map[string]any{}
	ctx["metadata"] = meta
	return meta
}

func cloneContext(ctx Context) Context {
	out := make(Context, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

// observationsOf normalizes the observations field to a map slice. JSON
// round trips produce []any; in-process callers pass []map[string]any.
func observationsOf(ctx Context) ([]map[string]any, bool) {
	switch v := ctx["observations"].(type) {
	case []map[string]any:
		return v, true
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, true
	}
	return nil, false
}

// countItems reports the element count of a slice or map value.
func countItems(v any) int {
	switch t := v.(type) {
	case []any:
		return len(t)
	case []map[string]any:
		return len(t)
	case map[string]any:
		return len(t)
	}
	return 0
}

func configBool(cfg map[string]any, key string, fallback bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return fallback
}

func configString(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func configStrings(cfg map[string]any, key string) []string {
	var out []string
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func configInt(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}
