// Package executor runs workflows as background tasks: one goroutine per
// session, events streamed through the recorder's sinks, evidence maps
// persisted as artifacts, progress entries cleaned up after a grace
// window.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestroproj/maestro/pkg/artifacts"
	"github.com/maestroproj/maestro/pkg/checkpoint"
	"github.com/maestroproj/maestro/pkg/compiler"
	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/governance"
	"github.com/maestroproj/maestro/pkg/memory"
	"github.com/maestroproj/maestro/pkg/pipeline"
	"github.com/maestroproj/maestro/pkg/progress"
	"github.com/maestroproj/maestro/pkg/reasoning"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/sse"
	"github.com/maestroproj/maestro/pkg/storage"
	"github.com/maestroproj/maestro/pkg/tools"
)

// cleanupDelay is how long a finished session's progress entry lingers
// for late reconnects.
const cleanupDelay = 5 * time.Minute

// Services bundles the shared components the executor wires into each
// run. Registry, Config and Recorder are required.
type Services struct {
	Registry    *registry.Manager
	Config      *config.Config
	Recorder    *storage.Recorder
	Progress    *progress.Store
	Broadcaster *sse.Broadcaster
	Artifacts   *artifacts.Store
	Checkpoints *checkpoint.Manager
	Memory      *memory.Store
	Embedder    memory.Embedder
	LLMFactory  reasoning.LLMFactory

	// ToolInvoker overrides the default tools gateway client, for tests.
	ToolInvoker func(sessionID string) reasoning.ToolInvoker
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Executor owns the set of running workflow sessions.
type Executor struct {
	svc Services

	mu      sync.Mutex
	running map[string]*run
}

func New(svc Services) *Executor {
	return &Executor{svc: svc, running: map[string]*run{}}
}

// NewSessionID generates a session identifier.
func NewSessionID() string {
	return fmt.Sprintf("session_%s_%s",
		time.Now().UTC().Format("20060102_150405"),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Execute starts a workflow in the background and returns its session
// id immediately. An empty sessionID generates one.
func (e *Executor) Execute(workflowID string, input map[string]any, sessionID string) (string, error) {
	if _, ok := e.svc.Registry.GetWorkflow(workflowID); !ok {
		return "", fmt.Errorf("unknown workflow %q", workflowID)
	}
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	if e.svc.Progress != nil {
		e.svc.Progress.CreateSession(sessionID, workflowID)
	}
	e.svc.Recorder.Record(sessionID, "workflow_started", map[string]any{
		"workflow_id": workflowID,
		"started_at":  storage.Now(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.running[sessionID] = r
	e.mu.Unlock()

	go e.runWorkflow(ctx, r, sessionID, workflowID, input)
	return sessionID, nil
}

func (e *Executor) runWorkflow(ctx context.Context, r *run,
	sessionID, workflowID string, input map[string]any) {

	defer func() {
		e.mu.Lock()
		delete(e.running, sessionID)
		e.mu.Unlock()
		close(r.done)
	}()

	orch, err := reasoning.NewOrchestrator(sessionID, workflowID, e.sessionDeps(sessionID))
	if err != nil {
		e.finishWithError(sessionID, err)
		return
	}

	result := orch.Execute(ctx, input)

	if ctx.Err() != nil {
		// Cancel() emits the terminal events for this path.
		if e.svc.Progress != nil {
			e.svc.Progress.SetStatus(sessionID, "cancelled")
		}
		return
	}

	e.svc.Recorder.Record(sessionID, "workflow_completed", map[string]any{
		"workflow_id":             workflowID,
		"status":                  result.Status,
		"completion_reason":       result.CompletionReason,
		"agents_executed":         result.AgentsExecuted,
		"total_iterations":        result.TotalIterations,
		"total_agent_invocations": result.TotalAgentInvocations,
		"completed_at":            storage.Now(),
	})

	if len(result.EvidenceMap) > 0 && e.svc.Artifacts != nil {
		artifactID := sessionID + "_evidence_map"
		if _, err := e.svc.Artifacts.SaveVersion(artifactID, result.EvidenceMap, nil,
			map[string]any{"workflow_id": workflowID, "source": "workflow_executor"},
			[]string{"evidence_map"}); err != nil {
			slog.Error("persisting evidence map failed",
				"session_id", sessionID, "error", err)
		}
	}

	e.finish(sessionID, result.Status)
	slog.Info("workflow finished",
		"session_id", sessionID, "workflow_id", workflowID, "status", result.Status)
}

// sessionDeps assembles the per-session dependency set for the
// reasoning loops.
func (e *Executor) sessionDeps(sessionID string) reasoning.Deps {
	cfg := e.svc.Config
	auditor := governance.NewAuditor(sessionID, e.svc.Recorder)

	var invoker reasoning.ToolInvoker
	if e.svc.ToolInvoker != nil {
		invoker = e.svc.ToolInvoker(sessionID)
	} else if cfg.ToolsBaseURL != "" {
		invoker = tools.NewGatewayClient(cfg, sessionID, "")
	}

	return reasoning.Deps{
		Registry: e.svc.Registry,
		Config:   cfg,
		Recorder: e.svc.Recorder,
		Enforcer: governance.NewEnforcer(sessionID, e.svc.Registry, cfg),
		Compiler: compiler.NewCompiler(e.svc.Registry),
		Scoper:   compiler.NewScoper(e.svc.Registry, cfg, e.svc.Recorder),
		Lineage:  compiler.NewLineageTracker(sessionID, e.svc.Recorder.Log()),
		Pipeline: pipeline.New(sessionID, pipeline.Deps{
			Registry:             e.svc.Registry,
			Config:               cfg,
			Recorder:             e.svc.Recorder,
			Memory:               e.svc.Memory,
			Artifacts:            e.svc.Artifacts,
			Auditor:              auditor,
			Embedder:             e.svc.Embedder,
			CompactionArchiveDir: filepath.Join(cfg.StoragePath, "compaction_archives"),
		}),
		Checkpoints: e.svc.Checkpoints,
		LLMFactory:  e.svc.LLMFactory,
		Tools:       invoker,
	}
}

func (e *Executor) finish(sessionID, status string) {
	if e.svc.Progress != nil {
		e.svc.Progress.SetStatus(sessionID, status)
		e.svc.Progress.RemoveAfter(sessionID, cleanupDelay)
	}
	if e.svc.Broadcaster != nil {
		e.svc.Broadcaster.Complete(sessionID)
	}
}

func (e *Executor) finishWithError(sessionID string, err error) {
	e.svc.Recorder.Record(sessionID, "workflow_error", map[string]any{
		"error":     err.Error(),
		"failed_at": storage.Now(),
	})
	e.finish(sessionID, "error")
	slog.Error("workflow execution failed", "session_id", sessionID, "error", err)
}

// Cancel stops a running workflow. It returns false when the session is
// not running.
func (e *Executor) Cancel(sessionID string) bool {
	e.mu.Lock()
	r, ok := e.running[sessionID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	r.cancel()
	if e.svc.Checkpoints != nil {
		// Unblocks a run parked on a pending checkpoint.
		e.svc.Checkpoints.CancelSession(sessionID)
	}
	<-r.done

	e.svc.Recorder.Record(sessionID, "workflow_cancelled", map[string]any{
		"cancelled_at": storage.Now(),
	})
	if e.svc.Progress != nil {
		e.svc.Progress.SetStatus(sessionID, "cancelled")
		e.svc.Progress.RemoveAfter(sessionID, cleanupDelay)
	}
	if e.svc.Broadcaster != nil {
		e.svc.Broadcaster.Complete(sessionID)
	}
	slog.Info("workflow cancelled", "session_id", sessionID)
	return true
}

// IsRunning reports whether the session's background task is live.
func (e *Executor) IsRunning(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[sessionID]
	return ok
}

// RunningSessions returns the ids of live background tasks.
func (e *Executor) RunningSessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// Stats summarizes the executor for the observability endpoint.
func (e *Executor) Stats() map[string]any {
	ids := e.RunningSessions()
	return map[string]any{
		"running_workflows":   len(ids),
		"running_session_ids": ids,
	}
}
