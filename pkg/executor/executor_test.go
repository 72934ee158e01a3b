package executor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroproj/maestro/pkg/artifacts"
	"github.com/maestroproj/maestro/pkg/checkpoint"
	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/progress"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/sse"
	"github.com/maestroproj/maestro/pkg/storage"
)

func writeRegistryFile(t *testing.T, dir, name string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func executorRegistry(t *testing.T, checkpoints []any) *registry.Manager {
	t.Helper()
	dir := t.TempDir()
	writeRegistryFile(t, dir, "model_profiles.json", map[string]any{"profiles": []any{
		map[string]any{"profile_id": "p1", "provider": "openai", "model_name": "gpt-4"},
	}})
	writeRegistryFile(t, dir, "agent_registry.json", map[string]any{"agents": []any{
		map[string]any{
			"agent_id": "orchestrator_agent", "name": "Orchestrator",
			"model_profile_id": "p1", "max_iterations": 10,
			"allowed_agents": []any{"intake_agent"},
			"output_schema":  map[string]any{},
		},
		map[string]any{
			"agent_id": "intake_agent", "name": "Intake",
			"model_profile_id": "p1", "max_iterations": 3,
			"output_schema": map[string]any{},
		},
	}})
	wf := map[string]any{
		"workflow_id": "claim_review", "name": "Claim Review",
		"mode": "advisory", "goal": "review the claim",
		"suggested_sequence": []any{"intake_agent"},
	}
	if checkpoints != nil {
		wf["hitl_checkpoints"] = checkpoints
	}
	writeRegistryFile(t, dir, filepath.Join("workflows", "claim_review.json"), wf)
	m := registry.NewManager(dir)
	require.NoError(t, m.LoadAll())
	return m
}

func newTestExecutor(t *testing.T, reg *registry.Manager, cps *checkpoint.Manager) (*Executor, Services) {
	t.Helper()
	cfg := config.Defaults()
	cfg.StoragePath = t.TempDir()
	cfg.ToolsBaseURL = ""

	store, err := artifacts.NewStore(filepath.Join(cfg.StoragePath, "artifacts"))
	require.NoError(t, err)

	svc := Services{
		Registry:    reg,
		Config:      cfg,
		Progress:    progress.NewStore(0),
		Broadcaster: sse.NewBroadcaster(0),
		Artifacts:   store,
		Checkpoints: cps,
	}
	log := storage.NewEventLog(cfg.StoragePath)
	svc.Recorder = storage.NewRecorder(log,
		svc.Progress.AddEvent,
		func(sessionID string, ev storage.Event) {
			svc.Broadcaster.Broadcast(sessionID, ev.Type(), ev, "")
		})
	return New(svc), svc
}

func waitForFinish(t *testing.T, e *Executor, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool { return !e.IsRunning(sessionID) },
		10*time.Second, 10*time.Millisecond)
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	e, _ := newTestExecutor(t, executorRegistry(t, nil), nil)
	_, err := e.Execute("ghost_workflow", map[string]any{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown workflow")
}

func TestExecuteRunsWorkflowToCompletion(t *testing.T) {
	e, svc := newTestExecutor(t, executorRegistry(t, nil), nil)

	sessionID, err := e.Execute("claim_review", map[string]any{"claim_id": "c1"}, "")
	require.NoError(t, err)
	assert.Contains(t, sessionID, "session_")
	waitForFinish(t, e, sessionID)

	sp, ok := svc.Progress.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, "completed", sp.Status)
	assert.Equal(t, "claim_review", sp.WorkflowID)

	events, err := svc.Recorder.Log().Read(sessionID)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type())
	}
	assert.Contains(t, types, "workflow_started")
	assert.Contains(t, types, "orchestrator_completed")
	assert.Contains(t, types, "workflow_completed")

	assert.True(t, svc.Broadcaster.Completed(sessionID))
}

func TestExecutePersistsEvidenceMapArtifact(t *testing.T) {
	e, svc := newTestExecutor(t, executorRegistry(t, nil), nil)

	sessionID, err := e.Execute("claim_review", map[string]any{"claim_id": "c1"}, "session_fixed_1")
	require.NoError(t, err)
	assert.Equal(t, "session_fixed_1", sessionID)
	waitForFinish(t, e, sessionID)

	artifact, err := svc.Artifacts.GetVersion(sessionID+"_evidence_map", 1)
	require.NoError(t, err)
	assert.Contains(t, artifact.Content, "agent_chain")
	assert.Contains(t, artifact.Content, "supporting_evidence")
}

func TestCancelStopsCheckpointedWorkflow(t *testing.T) {
	reg := executorRegistry(t, []any{map[string]any{
		"checkpoint_id":   "cp_gate",
		"checkpoint_type": "approval",
		"trigger_point":   "pre_workflow",
		"checkpoint_name": "Gate",
		"required_role":   "adjuster",
	}})
	cpStore, err := checkpoint.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	cps := checkpoint.NewManager(cpStore)
	t.Cleanup(cps.Stop)

	e, svc := newTestExecutor(t, reg, cps)
	sessionID, err := e.Execute("claim_review", map[string]any{"claim_id": "c1"}, "")
	require.NoError(t, err)

	// Wait for the run to park on the pre-workflow gate.
	require.Eventually(t, func() bool { return len(cps.Pending("admin", "")) == 1 },
		10*time.Second, 10*time.Millisecond)

	require.True(t, e.Cancel(sessionID))
	assert.False(t, e.IsRunning(sessionID))
	assert.False(t, e.Cancel(sessionID))

	sp, ok := svc.Progress.Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, "cancelled", sp.Status)

	events, err := svc.Recorder.Log().Read(sessionID)
	require.NoError(t, err)
	var cancelled bool
	for _, ev := range events {
		if ev.Type() == "workflow_cancelled" {
			cancelled = true
		}
	}
	assert.True(t, cancelled)
}

func TestExecutorStats(t *testing.T) {
	e, _ := newTestExecutor(t, executorRegistry(t, nil), nil)
	stats := e.Stats()
	assert.Equal(t, 0, stats["running_workflows"])
}
