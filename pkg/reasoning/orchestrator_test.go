package reasoning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroproj/maestro/pkg/checkpoint"
	"github.com/maestroproj/maestro/pkg/registry"
)

func orchestratorFixture(maxIterations int) map[string]any {
	return map[string]any{
		"agent_id":         "orchestrator_agent",
		"name":             "Orchestrator",
		"description":      "Coordinates the workflow",
		"model_profile_id": "orch-model",
		"max_iterations":   maxIterations,
		"allowed_agents":   []any{"intake_agent", "fraud_agent", "recommendation_agent"},
	}
}

func workerFixture(agentID string) map[string]any {
	return map[string]any{
		"agent_id":       agentID,
		"name":           agentID,
		"description":    "worker " + agentID,
		"capabilities":   []any{agentID},
		"max_iterations": 3,
	}
}

func claimWorkflowFixture(checkpoints []map[string]any) map[string]any {
	wf := map[string]any{
		"workflow_id":        "claim_review",
		"name":               "Claim Review",
		"mode":               "advisory",
		"goal":               "Review the claim end to end",
		"suggested_sequence": []any{"intake_agent", "fraud_agent"},
	}
	if checkpoints != nil {
		asAny := make([]any, len(checkpoints))
		for i, cp := range checkpoints {
			asAny[i] = cp
		}
		wf["hitl_checkpoints"] = asAny
	}
	return wf
}

// resolveNext waits for the next pending checkpoint and applies action.
func resolveNext(t *testing.T, m *checkpoint.Manager, action string) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			pending := m.Pending("admin", "")
			if len(pending) > 0 {
				m.Resolve(pending[0].CheckpointInstanceID, checkpoint.Resolution{
					Action:   action,
					UserID:   "reviewer_1",
					UserRole: "admin",
				})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
}

func newCheckpointManager(t *testing.T) *checkpoint.Manager {
	t.Helper()
	store, err := checkpoint.NewDiskStore(t.TempDir())
	require.NoError(t, err)
	m := checkpoint.NewManager(store)
	t.Cleanup(m.Stop)
	return m
}

func TestOrchestratorUnknownWorkflow(t *testing.T) {
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{orchestratorFixture(10)},
	})
	deps, _ := testDeps(t, reg, nil, nil)

	_, err := NewOrchestrator("sess_1", "ghost_workflow", deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown workflow")
}

func TestOrchestratorDryRunFollowsSuggestedSequence(t *testing.T) {
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{
			orchestratorFixture(10),
			workerFixture("intake_agent"),
			workerFixture("fraud_agent"),
		},
		workflow: claimWorkflowFixture(nil),
	})
	deps, sink := testDeps(t, reg, nil, nil)

	orch, err := NewOrchestrator("sess_1", "claim_review", deps)
	require.NoError(t, err)

	res := orch.Execute(context.Background(), map[string]any{"claim_id": "c1"})
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "all_objectives_achieved", res.CompletionReason)
	assert.Equal(t, []string{"intake_agent", "fraud_agent"}, res.AgentsExecuted)
	assert.Equal(t, 2, res.TotalAgentInvocations)
	assert.Equal(t, []any{"intake_agent", "fraud_agent"}, res.EvidenceMap["agent_chain"])

	require.Len(t, sink.ofType("orchestrator_started"), 1)
	assert.Len(t, sink.ofType("agent_invocation_completed"), 2)
	completed := sink.ofType("orchestrator_completed")
	require.Len(t, completed, 1)
	assert.Equal(t, "claim_review", completed[0]["workflow_id"])
}

func TestOrchestratorScriptedRunBuildsEvidenceMap(t *testing.T) {
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{
			orchestratorFixture(10),
			workerFixture("recommendation_agent"),
		},
		workflow: claimWorkflowFixture(nil),
	})
	orchClient := &scriptedClient{replies: []string{
		`{"reasoning": "Need a recommendation.", "workflow_state_assessment": "Nothing ran yet.",
		  "action": {"type": "invoke_agents",
		    "agent_requests": [{"agent_id": "recommendation_agent", "reasoning": "Produces the decision"}]}}`,
		`{"reasoning": "Recommendation in hand.", "workflow_state_assessment": "Recommendation produced.",
		  "action": {"type": "workflow_complete", "evidence_map": {}}}`,
	}}
	workerClient := &scriptedClient{replies: []string{
		`{"reasoning": "Approving.", "action": {"type": "final_output",
		  "output": {"outcome": "approve", "confidence": 0.92}}}`,
	}}
	deps, sink := testDeps(t, reg, scriptedFactory(map[string]*scriptedClient{
		"orch-model":   orchClient,
		"worker-model": workerClient,
	}), nil)

	orch, err := NewOrchestrator("sess_1", "claim_review", deps)
	require.NoError(t, err)

	res := orch.Execute(context.Background(), map[string]any{"claim_id": "c1"})
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, []string{"recommendation_agent"}, res.AgentsExecuted)

	// The model returned an empty evidence map; the orchestrator derives
	// one from the recommendation agent's output.
	decision := res.EvidenceMap["decision"].(map[string]any)
	assert.Equal(t, "approve", decision["outcome"])
	assert.Equal(t, 0.92, decision["confidence"])
	evidence := res.EvidenceMap["supporting_evidence"].([]any)
	require.Len(t, evidence, 1)
	entry := evidence[0].(map[string]any)
	assert.Equal(t, "recommendation_agent", entry["source"])
	assert.Equal(t, "agent_output", entry["evidence_type"])

	assert.Len(t, sink.ofType("orchestrator_reasoning"), 2)
}

func TestOrchestratorMaxIterations(t *testing.T) {
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{
			orchestratorFixture(2),
			workerFixture("intake_agent"),
		},
		workflow: claimWorkflowFixture(nil),
	})
	invoke := `{"reasoning": "More intake.", "workflow_state_assessment": "In progress.",
	  "action": {"type": "invoke_agents",
	    "agent_requests": [{"agent_id": "intake_agent", "reasoning": "again"}]}}`
	workerReply := `{"reasoning": "Done.", "action": {"type": "final_output", "output": {"items": 1}}}`
	deps, sink := testDeps(t, reg, scriptedFactory(map[string]*scriptedClient{
		"orch-model":   {replies: []string{invoke, invoke}},
		"worker-model": {replies: []string{workerReply, workerReply}},
	}), nil)

	orch, err := NewOrchestrator("sess_1", "claim_review", deps)
	require.NoError(t, err)

	res := orch.Execute(context.Background(), map[string]any{"claim_id": "c1"})
	assert.Equal(t, "incomplete", res.Status)
	assert.Equal(t, "max_iterations_reached", res.CompletionReason)
	assert.Equal(t, []string{"intake_agent"}, res.AgentsExecuted)
	assert.Equal(t, 2, res.TotalAgentInvocations)
	// The auto-generated evidence map flags itself.
	limitations := res.EvidenceMap["limitations"].([]any)
	assert.Contains(t, limitations[0], "auto-generated")
	assert.Len(t, sink.ofType("orchestrator_incomplete"), 1)
}

func TestOrchestratorPreWorkflowRejection(t *testing.T) {
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{
			orchestratorFixture(10),
			workerFixture("intake_agent"),
			workerFixture("fraud_agent"),
		},
		workflow: claimWorkflowFixture([]map[string]any{{
			"checkpoint_id":   "cp_intake_gate",
			"checkpoint_type": "approval",
			"trigger_point":   "pre_workflow",
			"checkpoint_name": "Intake Gate",
			"required_role":   "adjuster",
		}}),
	})
	deps, sink := testDeps(t, reg, nil, nil)
	deps.Checkpoints = newCheckpointManager(t)
	resolveNext(t, deps.Checkpoints, "reject")

	orch, err := NewOrchestrator("sess_1", "claim_review", deps)
	require.NoError(t, err)

	res := orch.Execute(context.Background(), map[string]any{"claim_id": "c1"})
	assert.Equal(t, "cancelled", res.Status)
	assert.Equal(t, "pre_workflow_rejected", res.CompletionReason)
	assert.Empty(t, res.AgentsExecuted)
	assert.Zero(t, res.TotalAgentInvocations)

	created := sink.ofType("checkpoint_created")
	require.Len(t, created, 1)
	assert.Equal(t, "cp_intake_gate", created[0]["checkpoint_id"])
	resolved := sink.ofType("checkpoint_resolved")
	require.Len(t, resolved, 1)
	assert.Equal(t, "reject", resolved[0]["action"])
}

func TestOrchestratorAfterAgentCheckpointCancels(t *testing.T) {
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{
			orchestratorFixture(10),
			workerFixture("intake_agent"),
			workerFixture("fraud_agent"),
		},
		workflow: claimWorkflowFixture([]map[string]any{{
			"checkpoint_id":   "cp_after_intake",
			"checkpoint_type": "decision",
			"trigger_point":   "after_agent",
			"agent_id":        "intake_agent",
			"checkpoint_name": "Intake Review",
			"required_role":   "adjuster",
		}}),
	})
	deps, sink := testDeps(t, reg, nil, nil)
	deps.Checkpoints = newCheckpointManager(t)
	resolveNext(t, deps.Checkpoints, "cancel_workflow")

	orch, err := NewOrchestrator("sess_1", "claim_review", deps)
	require.NoError(t, err)

	res := orch.Execute(context.Background(), map[string]any{"claim_id": "c1"})
	assert.Equal(t, "cancelled", res.Status)
	assert.Equal(t, "hitl_cancelled_after_agent", res.CompletionReason)
	assert.Equal(t, []string{"intake_agent"}, res.AgentsExecuted)

	created := sink.ofType("checkpoint_created")
	require.Len(t, created, 1)
	assert.Equal(t, "intake_agent", created[0]["agent_id"])
}

func TestOrchestratorAfterAgentDecisionContinues(t *testing.T) {
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{
			orchestratorFixture(10),
			workerFixture("intake_agent"),
			workerFixture("fraud_agent"),
		},
		workflow: claimWorkflowFixture([]map[string]any{{
			"checkpoint_id":   "cp_after_intake",
			"checkpoint_type": "decision",
			"trigger_point":   "after_agent",
			"agent_id":        "intake_agent",
			"checkpoint_name": "Intake Review",
			"required_role":   "adjuster",
		}}),
	})
	deps, sink := testDeps(t, reg, nil, nil)
	deps.Checkpoints = newCheckpointManager(t)

	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			pending := deps.Checkpoints.Pending("admin", "")
			if len(pending) > 0 {
				deps.Checkpoints.Resolve(pending[0].CheckpointInstanceID, checkpoint.Resolution{
					Action:    "confirm_fraud",
					UserID:    "reviewer_1",
					UserRole:  "admin",
					InputData: map[string]any{"reviewer_note": "verified"},
				})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	orch, err := NewOrchestrator("sess_1", "claim_review", deps)
	require.NoError(t, err)

	res := orch.Execute(context.Background(), map[string]any{"claim_id": "c1"})
	// A decision choice is not a cancellation: the workflow continues
	// past the checkpoint and the remaining agents still run.
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, []string{"intake_agent", "fraud_agent"}, res.AgentsExecuted)

	resolved := sink.ofType("checkpoint_resolved")
	require.Len(t, resolved, 1)
	assert.Equal(t, "confirm_fraud", resolved[0]["action"])

	// The reviewer's data_updates were merged into the intake output.
	evidence := res.EvidenceMap["supporting_evidence"].([]any)
	require.NotEmpty(t, evidence)
	intake := evidence[0].(map[string]any)
	assert.Equal(t, "intake_agent", intake["source"])
	assert.Contains(t, intake["summary"], "reviewer_note")
}

func TestOrchestratorPreWorkflowApprovalMergesInputData(t *testing.T) {
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{
			orchestratorFixture(10),
			workerFixture("intake_agent"),
			workerFixture("fraud_agent"),
		},
		workflow: claimWorkflowFixture([]map[string]any{{
			"checkpoint_id":   "cp_intake_gate",
			"checkpoint_type": "input",
			"trigger_point":   "pre_workflow",
			"checkpoint_name": "Intake Gate",
			"required_role":   "adjuster",
		}}),
	})
	deps, _ := testDeps(t, reg, nil, nil)
	deps.Checkpoints = newCheckpointManager(t)

	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			pending := deps.Checkpoints.Pending("admin", "")
			if len(pending) > 0 {
				deps.Checkpoints.Resolve(pending[0].CheckpointInstanceID, checkpoint.Resolution{
					Action:    "approve",
					UserID:    "reviewer_1",
					UserRole:  "admin",
					InputData: map[string]any{"priority": "high"},
				})
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	orch, err := NewOrchestrator("sess_1", "claim_review", deps)
	require.NoError(t, err)

	input := map[string]any{"claim_id": "c1"}
	res := orch.Execute(context.Background(), input)
	assert.Equal(t, "completed", res.Status)
	// The reviewer's input lands in the workflow's original input.
	assert.Equal(t, "high", input["priority"])
}

func TestOrchestratorRequiresRegisteredMetaAgent(t *testing.T) {
	reg := buildRegistry(t, registryFixture{
		agents:   []map[string]any{workerFixture("intake_agent")},
		workflow: claimWorkflowFixture(nil),
	})
	deps, _ := testDeps(t, reg, nil, nil)

	_, err := NewOrchestrator("sess_1", "claim_review", deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), registry.OrchestratorAgentID)
}
