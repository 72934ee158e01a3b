package compiler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroproj/maestro/pkg/registry"
)

func writeRegistryDoc(t *testing.T, dir, name string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func compilerRegistry(t *testing.T, agents []map[string]any, policies map[string]any) *registry.Manager {
	t.Helper()
	dir := t.TempDir()
	writeRegistryDoc(t, dir, "model_profiles.json", map[string]any{
		"profiles": []any{map[string]any{
			"profile_id": "p1", "provider": "openai", "model_name": "gpt-4",
		}},
	})
	asAny := make([]any, len(agents))
	for i, a := range agents {
		a["model_profile_id"] = "p1"
		if a["output_schema"] == nil {
			a["output_schema"] = map[string]any{}
		}
		asAny[i] = a
	}
	writeRegistryDoc(t, dir, "agent_registry.json", map[string]any{"agents": asAny})
	if policies == nil {
		policies = map[string]any{}
	}
	writeRegistryDoc(t, dir, "governance_policies.json", map[string]any{
		"version": "1.0", "policies": policies,
	})
	m := registry.NewManager(dir)
	require.NoError(t, m.LoadAll())
	return m
}

// estimating compiler: character-based token counts keep the budget
// arithmetic in these tests deterministic.
func newTestCompiler(reg *registry.Manager) *Compiler {
	return &Compiler{registry: reg, counter: nil}
}

func payloadOfTokens(tokens int) map[string]any {
	// {"pad":"..."} serializes to ~4*tokens characters.
	return map[string]any{"pad": strings.Repeat("x", tokens*4-12)}
}

func TestCompileForAgentSelectsRequiredOutputsInOrder(t *testing.T) {
	reg := compilerRegistry(t, []map[string]any{{
		"agent_id": "fraud_agent",
		"context_requirements": map[string]any{
			"max_context_tokens":     1000,
			"requires_prior_outputs": []any{"intake_agent", "policy_agent", "history_agent"},
		},
	}}, nil)
	c := newTestCompiler(reg)

	// Prior output budget is 50% of 1000.
	allOutputs := map[string]any{
		"intake_agent":  payloadOfTokens(100),
		"policy_agent":  payloadOfTokens(600),
		"history_agent": payloadOfTokens(10),
	}
	compiled := c.CompileForAgent("fraud_agent", map[string]any{"claim_id": "c1"}, allOutputs, nil)

	assert.Equal(t, "fraud_agent", compiled.AgentID)
	// intake fits whole; policy overflows but maps pass through
	// untrimmed; selection stops there so history is dropped.
	assert.Contains(t, compiled.PriorOutputs, "intake_agent")
	assert.Contains(t, compiled.PriorOutputs, "policy_agent")
	assert.NotContains(t, compiled.PriorOutputs, "history_agent")

	assert.Equal(t, 1000, compiled.Metadata["max_tokens"])
	assert.Equal(t, false, compiled.Metadata["truncation_applied"])
	assert.Greater(t, compiled.EstimatedTokens, 0)
}

func TestCompileForAgentTrimsListOutputToBudget(t *testing.T) {
	reg := compilerRegistry(t, []map[string]any{{
		"agent_id": "fraud_agent",
		"context_requirements": map[string]any{
			"max_context_tokens":     200,
			"requires_prior_outputs": []any{"history_agent"},
		},
	}}, nil)
	c := newTestCompiler(reg)

	items := make([]any, 20)
	for i := range items {
		items[i] = payloadOfTokens(20)
	}
	compiled := c.CompileForAgent("fraud_agent", nil,
		map[string]any{"history_agent": items}, nil)

	kept, ok := compiled.PriorOutputs["history_agent"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, kept)
	assert.Less(t, len(kept), 20)
}

func TestCompileForAgentKeepsRecentObservations(t *testing.T) {
	reg := compilerRegistry(t, []map[string]any{{
		"agent_id": "fraud_agent",
		"context_requirements": map[string]any{
			"max_context_tokens": 500,
		},
	}}, nil)
	c := newTestCompiler(reg)

	events := make([]map[string]any, 30)
	for i := range events {
		events[i] = map[string]any{"seq": i, "pad": strings.Repeat("y", 80)}
	}
	compiled := c.CompileForAgent("fraud_agent", nil, nil, events)

	require.NotEmpty(t, compiled.Observations)
	assert.Less(t, len(compiled.Observations), 30)
	// Recent events survive in chronological order.
	last := compiled.Observations[len(compiled.Observations)-1]
	assert.Equal(t, 29, last["seq"])
	first := compiled.Observations[0]
	assert.Less(t, first["seq"].(int), 29)
}

func TestCompileForAgentBudgetAllocationOverride(t *testing.T) {
	reg := compilerRegistry(t, []map[string]any{{
		"agent_id": "fraud_agent",
		"context_requirements": map[string]any{
			"max_context_tokens": 1000,
			"budget_allocation": map[string]any{
				"prior_outputs": 70,
			},
		},
	}}, nil)
	c := newTestCompiler(reg)

	compiled := c.CompileForAgent("fraud_agent", nil, nil, nil)
	allocation := compiled.Metadata["budget_allocation"].(map[string]int)
	assert.Equal(t, 70, allocation["prior_outputs"])
	assert.Equal(t, 30, allocation["original_input"])
	assert.Equal(t, 20, allocation["observations"])
}

func TestCompileForUnknownAgentYieldsMinimalContext(t *testing.T) {
	c := newTestCompiler(compilerRegistry(t, nil, nil))

	compiled := c.CompileForAgent("ghost_agent", map[string]any{"claim_id": "c9"}, nil, nil)
	assert.Equal(t, "ghost_agent", compiled.AgentID)
	assert.Empty(t, compiled.PriorOutputs)
	assert.Empty(t, compiled.Observations)
	assert.Greater(t, compiled.EstimatedTokens, 0)
}

func TestCompileForOrchestratorIncludesAllOutputs(t *testing.T) {
	reg := compilerRegistry(t, nil, nil)
	c := newTestCompiler(reg)

	allOutputs := map[string]any{}
	for i := 0; i < 4; i++ {
		allOutputs[fmt.Sprintf("agent_%d", i)] = map[string]any{"result": i}
	}
	compiled := c.CompileForOrchestrator("wf_fraud", map[string]any{"claim_id": "c1"},
		allOutputs, []map[string]any{{"event_type": "agent_completed"}})

	assert.Equal(t, registry.OrchestratorAgentID, compiled.AgentID)
	assert.Len(t, compiled.PriorOutputs, 4)
	assert.Len(t, compiled.Observations, 1)
	assert.Equal(t, "wf_fraud", compiled.Metadata["workflow_id"])
	assert.Equal(t, defaultOrchestratorMaxTokens, compiled.Metadata["max_tokens"])

	allocation := compiled.Metadata["budget_allocation"].(map[string]int)
	assert.Equal(t, 60, allocation["prior_outputs"])
}

func TestCompileForOrchestratorHonorsRegistryBudget(t *testing.T) {
	reg := compilerRegistry(t, []map[string]any{{
		"agent_id": registry.OrchestratorAgentID,
		"context_requirements": map[string]any{
			"max_context_tokens": 4000,
		},
	}}, nil)
	c := newTestCompiler(reg)

	compiled := c.CompileForOrchestrator("wf_fraud", nil, nil, nil)
	assert.Equal(t, 4000, compiled.Metadata["max_tokens"])
}
