package reasoning

import (
	"context"

	"github.com/maestroproj/maestro/pkg/checkpoint"
	"github.com/maestroproj/maestro/pkg/compiler"
	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/governance"
	"github.com/maestroproj/maestro/pkg/llms"
	"github.com/maestroproj/maestro/pkg/pipeline"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
)

// ToolInvoker executes a single tool request. The gateway client
// implements it; tests substitute fakes.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolID string, parameters map[string]any) (map[string]any, error)
}

// LLMFactory builds a model client for an agent's profile. A nil factory
// puts the loops in dry-run mode: workers return stub outputs and the
// orchestrator follows the workflow's suggested sequence.
type LLMFactory func(profile registry.ModelProfile, sessionID string) (llms.Client, error)

// Deps carries the shared services the reasoning loops draw on. Registry,
// Config and Recorder are required; the rest degrade gracefully when nil.
type Deps struct {
	Registry    *registry.Manager
	Config      *config.Config
	Recorder    *storage.Recorder
	Enforcer    *governance.Enforcer
	Compiler    *compiler.Compiler
	Scoper      *compiler.Scoper
	Lineage     *compiler.LineageTracker
	Pipeline    *pipeline.Pipeline
	Checkpoints *checkpoint.Manager
	Validator   *OutputValidator
	LLMFactory  LLMFactory
	Tools       ToolInvoker
}

func (d Deps) record(sessionID, eventType string, payload map[string]any) {
	if d.Recorder == nil {
		return
	}
	d.Recorder.Record(sessionID, eventType, payload)
}
