package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroproj/maestro/pkg/compiler"
	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/governance"
	"github.com/maestroproj/maestro/pkg/llms"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
)

// registryFixture describes the registry documents one test needs.
type registryFixture struct {
	agents   []map[string]any
	tools    []map[string]any
	workflow map[string]any
	policies map[string]any
}

func buildRegistry(t *testing.T, fx registryFixture) *registry.Manager {
	t.Helper()
	dir := t.TempDir()
	writeJSON := func(name string, v any) {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}

	writeJSON("model_profiles.json", map[string]any{"profiles": []any{
		map[string]any{"profile_id": "worker-model", "provider": "openai", "model_name": "worker-model"},
		map[string]any{"profile_id": "orch-model", "provider": "openai", "model_name": "orch-model"},
	}})
	for _, a := range fx.agents {
		if a["model_profile_id"] == nil {
			a["model_profile_id"] = "worker-model"
		}
		if a["output_schema"] == nil {
			a["output_schema"] = map[string]any{}
		}
	}
	writeJSON("agent_registry.json", map[string]any{"agents": fx.agents})
	writeJSON("tool_registry.json", map[string]any{"tools": fx.tools})
	if fx.workflow != nil {
		writeJSON(filepath.Join("workflows", "test.json"), fx.workflow)
	}
	if fx.policies != nil {
		writeJSON("governance_policies.json", map[string]any{
			"version": "1.0", "policies": fx.policies,
		})
	}

	m := registry.NewManager(dir)
	require.NoError(t, m.LoadAll())
	return m
}

// eventSink captures recorded events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []storage.Event
}

func (s *eventSink) record(_ string, ev storage.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) ofType(eventType string) []storage.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Event
	for _, ev := range s.events {
		if ev.Type() == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// scriptedClient replays canned model replies in order.
type scriptedClient struct {
	replies []string
	calls   int
}

func (c *scriptedClient) Call(_ context.Context, _ []llms.Message) (*llms.Response, error) {
	if c.calls >= len(c.replies) {
		return nil, fmt.Errorf("no scripted reply for call %d", c.calls+1)
	}
	content := c.replies[c.calls]
	c.calls++
	return &llms.Response{Content: content, Provider: "scripted", FinishReason: "stop"}, nil
}

func (c *scriptedClient) Provider() string  { return "scripted" }
func (c *scriptedClient) Stats() llms.Stats { return llms.Stats{} }

// scriptedFactory routes clients by the profile's model name.
func scriptedFactory(byModel map[string]*scriptedClient) LLMFactory {
	return func(profile registry.ModelProfile, _ string) (llms.Client, error) {
		client, ok := byModel[profile.ModelName]
		if !ok {
			return nil, fmt.Errorf("no scripted client for model %q", profile.ModelName)
		}
		return client, nil
	}
}

type fakeTools struct {
	mu      sync.Mutex
	results map[string]map[string]any
	errs    map[string]error
	calls   []string
}

func (f *fakeTools) Invoke(_ context.Context, toolID string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolID)
	f.mu.Unlock()
	if err, ok := f.errs[toolID]; ok {
		return nil, err
	}
	if res, ok := f.results[toolID]; ok {
		return res, nil
	}
	return map[string]any{"ok": true}, nil
}

func testDeps(t *testing.T, reg *registry.Manager, factory LLMFactory, tools ToolInvoker) (Deps, *eventSink) {
	t.Helper()
	sink := &eventSink{}
	recorder := storage.NewRecorder(storage.NewEventLog(t.TempDir()), sink.record)
	return Deps{
		Registry:   reg,
		Config:     config.Defaults(),
		Recorder:   recorder,
		Compiler:   compiler.NewCompiler(reg),
		LLMFactory: factory,
		Tools:      tools,
	}, sink
}

func fraudAgentFixture(outputSchema map[string]any) map[string]any {
	return map[string]any{
		"agent_id":       "fraud_agent",
		"name":           "Fraud Agent",
		"description":    "Scores claims for fraud risk",
		"capabilities":   []any{"fraud_scoring"},
		"allowed_tools":  []any{"fraud_check"},
		"max_iterations": 3,
		"output_schema":  outputSchema,
	}
}

func fraudToolFixture() map[string]any {
	return map[string]any{
		"tool_id": "fraud_check", "name": "Fraud Check",
		"description": "Looks up the fraud score for a claim",
	}
}

func TestWorkerUnknownAgent(t *testing.T) {
	reg := buildRegistry(t, registryFixture{agents: []map[string]any{fraudAgentFixture(nil)}})
	deps, _ := testDeps(t, reg, nil, nil)

	_, err := NewWorkerLoop("sess_1", "ghost_agent", "", deps)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent")
}

func TestWorkerDryRunCompletes(t *testing.T) {
	reg := buildRegistry(t, registryFixture{agents: []map[string]any{fraudAgentFixture(nil)}})
	deps, sink := testDeps(t, reg, nil, nil)

	loop, err := NewWorkerLoop("sess_1", "fraud_agent", "", deps)
	require.NoError(t, err)

	res := loop.Execute(context.Background(), map[string]any{"claim_id": "c1"}, nil)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, true, res.Output["dry_run"])
	assert.Equal(t, 1, res.IterationsUsed)

	require.Len(t, sink.ofType("agent_started"), 1)
	completed := sink.ofType("agent_completed")
	require.Len(t, completed, 1)
	assert.Equal(t, "fraud_agent", completed[0]["agent_id"])
}

func TestWorkerToolLoopThenFinalOutput(t *testing.T) {
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{fraudAgentFixture(nil)},
		tools:  []map[string]any{fraudToolFixture()},
	})
	client := &scriptedClient{replies: []string{
		`{"reasoning": "Check the score.", "action": {"type": "use_tools",
		  "tool_requests": [{"tool_id": "fraud_check", "parameters": {"claim_id": "c1"}}]}}`,
		`{"reasoning": "Score retrieved.", "action": {"type": "final_output",
		  "output": {"score": 0.9}}}`,
	}}
	tools := &fakeTools{results: map[string]map[string]any{
		"fraud_check": {"score": 0.9},
	}}
	deps, sink := testDeps(t, reg, scriptedFactory(map[string]*scriptedClient{"worker-model": client}), tools)

	loop, err := NewWorkerLoop("sess_1", "fraud_agent", "", deps)
	require.NoError(t, err)

	res := loop.Execute(context.Background(), map[string]any{"claim_id": "c1"}, nil)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 2, res.IterationsUsed)
	assert.Equal(t, 1, res.ToolCallsMade)
	assert.Equal(t, 0.9, res.Output["score"])
	assert.Equal(t, []string{"fraud_check"}, tools.calls)

	invocations := sink.ofType("tool_invocation")
	require.Len(t, invocations, 1)
	assert.Equal(t, "fraud_check", invocations[0]["tool_id"])
	assert.Len(t, sink.ofType("agent_reasoning"), 2)
}

func TestWorkerToolDeniedByGovernance(t *testing.T) {
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{fraudAgentFixture(nil)},
		tools:  []map[string]any{fraudToolFixture()},
		// Policy present with no rules: default-deny every tool.
		policies: map[string]any{"agent_tool_access": map[string]any{"rules": []any{}}},
	})
	client := &scriptedClient{replies: []string{
		`{"reasoning": "Check the score.", "action": {"type": "use_tools",
		  "tool_requests": [{"tool_id": "fraud_check", "parameters": {}}]}}`,
		`{"reasoning": "Proceeding without the tool.", "action": {"type": "final_output",
		  "output": {"score": 0.5, "caveat": "tool unavailable"}}}`,
	}}
	deps, sink := testDeps(t, reg, scriptedFactory(map[string]*scriptedClient{"worker-model": client}), &fakeTools{})
	deps.Enforcer = governance.NewEnforcer("sess_1", reg, deps.Config)

	loop, err := NewWorkerLoop("sess_1", "fraud_agent", "", deps)
	require.NoError(t, err)

	res := loop.Execute(context.Background(), map[string]any{"claim_id": "c1"}, nil)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 0, res.ToolCallsMade)

	denied := sink.ofType("tool_denied")
	require.Len(t, denied, 1)
	assert.Equal(t, "fraud_check", denied[0]["tool_id"])
	assert.Empty(t, sink.ofType("tool_invocation"))
}

func TestWorkerValidationRetryThenSuccess(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"score"},
		"properties": map[string]any{
			"score": map[string]any{"type": "number"},
		},
	}
	reg := buildRegistry(t, registryFixture{agents: []map[string]any{fraudAgentFixture(schema)}})
	client := &scriptedClient{replies: []string{
		`{"reasoning": "Done.", "action": {"type": "final_output", "output": {"verdict": "risky"}}}`,
		`{"reasoning": "Adding the score.", "action": {"type": "final_output",
		  "output": {"score": 0.8, "verdict": "risky"}}}`,
	}}
	deps, sink := testDeps(t, reg, scriptedFactory(map[string]*scriptedClient{"worker-model": client}), nil)

	loop, err := NewWorkerLoop("sess_1", "fraud_agent", "", deps)
	require.NoError(t, err)

	res := loop.Execute(context.Background(), map[string]any{"claim_id": "c1"}, nil)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, 0.8, res.Output["score"])

	failed := sink.ofType("output_validation_failed")
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0]["validation_attempt"])
	assert.Equal(t, true, failed[0]["will_retry"])
	assert.Contains(t, failed[0]["output_sample"], "verdict")

	validated := sink.ofType("output_validated")
	require.Len(t, validated, 1)
	assert.Equal(t, 2, validated[0]["validation_attempt"])
}

func TestWorkerValidationFailureLimit(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"score"},
	}
	agent := fraudAgentFixture(schema)
	agent["max_iterations"] = 5
	reg := buildRegistry(t, registryFixture{agents: []map[string]any{agent}})

	bad := `{"reasoning": "Done.", "action": {"type": "final_output", "output": {"verdict": "risky"}}}`
	client := &scriptedClient{replies: []string{bad, bad, bad}}
	deps, sink := testDeps(t, reg, scriptedFactory(map[string]*scriptedClient{"worker-model": client}), nil)

	loop, err := NewWorkerLoop("sess_1", "fraud_agent", "", deps)
	require.NoError(t, err)

	res := loop.Execute(context.Background(), map[string]any{"claim_id": "c1"}, nil)
	// Validation exhaustion is recoverable: the agent ends incomplete
	// with its last attempted output, it does not abort the workflow.
	assert.Equal(t, "incomplete", res.Status)
	assert.Contains(t, res.Error, "validation failed")
	assert.Equal(t, "risky", res.Output["verdict"])
	assert.Len(t, sink.ofType("output_validation_failed"), 3)
	assert.Len(t, sink.ofType("validation_failure_limit_exceeded"), 1)
}

func TestWorkerMalformedReplyFallsBackImmediately(t *testing.T) {
	reg := buildRegistry(t, registryFixture{agents: []map[string]any{fraudAgentFixture(nil)}})
	client := &scriptedClient{replies: []string{"the model wrote prose instead of JSON"}}
	deps, sink := testDeps(t, reg, scriptedFactory(map[string]*scriptedClient{"worker-model": client}), nil)

	loop, err := NewWorkerLoop("sess_1", "fraud_agent", "", deps)
	require.NoError(t, err)

	res := loop.Execute(context.Background(), map[string]any{"claim_id": "c1"}, nil)
	// One unparseable reply is enough: no retries, the fallback output
	// describes the failure.
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, "response_parse_failure", res.Output["error"])
	assert.Equal(t, 1, client.calls)
	assert.Len(t, sink.ofType("llm_response_parse_error"), 1)
}

func TestWorkerLLMCallErrorFallsBack(t *testing.T) {
	reg := buildRegistry(t, registryFixture{agents: []map[string]any{fraudAgentFixture(nil)}})
	// No scripted replies: every call errors.
	client := &scriptedClient{}
	deps, sink := testDeps(t, reg, scriptedFactory(map[string]*scriptedClient{"worker-model": client}), nil)

	loop, err := NewWorkerLoop("sess_1", "fraud_agent", "", deps)
	require.NoError(t, err)

	res := loop.Execute(context.Background(), map[string]any{"claim_id": "c1"}, nil)
	assert.Equal(t, "completed", res.Status)
	assert.Contains(t, res.Output["details"], "LLM call failed")
	assert.Len(t, sink.ofType("llm_call_error"), 1)
	assert.Empty(t, sink.ofType("agent_error"))
}

func TestWorkerMaxIterationsYieldsPartialOutput(t *testing.T) {
	agent := fraudAgentFixture(nil)
	agent["max_iterations"] = 2
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{agent},
		tools:  []map[string]any{fraudToolFixture()},
	})
	client := &scriptedClient{replies: []string{
		`{"reasoning": "r1", "action": {"type": "use_tools",
		  "tool_requests": [{"tool_id": "fraud_check", "parameters": {"page": 1}}]}}`,
		`{"reasoning": "r2", "action": {"type": "use_tools",
		  "tool_requests": [{"tool_id": "fraud_check", "parameters": {"page": 2}}]}}`,
	}}
	deps, sink := testDeps(t, reg, scriptedFactory(map[string]*scriptedClient{"worker-model": client}), &fakeTools{})

	loop, err := NewWorkerLoop("sess_1", "fraud_agent", "", deps)
	require.NoError(t, err)

	res := loop.Execute(context.Background(), map[string]any{"claim_id": "c1"}, nil)
	assert.Equal(t, "incomplete", res.Status)
	assert.Equal(t, true, res.Output["partial"])
	assert.NotNil(t, res.Output["last_observation"])
	assert.Equal(t, 2, res.Output["iterations_completed"])

	incomplete := sink.ofType("agent_incomplete")
	require.Len(t, incomplete, 1)
	assert.Equal(t, "max_iterations_reached", incomplete[0]["reason"])
}

func TestWorkerStopsOnRepeatedIdenticalToolRequests(t *testing.T) {
	agent := fraudAgentFixture(nil)
	agent["max_iterations"] = 5
	reg := buildRegistry(t, registryFixture{
		agents: []map[string]any{agent},
		tools:  []map[string]any{fraudToolFixture()},
	})
	same := `{"reasoning": "again", "action": {"type": "use_tools",
	  "tool_requests": [{"tool_id": "fraud_check", "parameters": {"claim_id": "c1"}}]}}`
	client := &scriptedClient{replies: []string{same, same, same, same, same}}
	deps, sink := testDeps(t, reg, scriptedFactory(map[string]*scriptedClient{"worker-model": client}), &fakeTools{})

	loop, err := NewWorkerLoop("sess_1", "fraud_agent", "", deps)
	require.NoError(t, err)

	res := loop.Execute(context.Background(), map[string]any{"claim_id": "c1"}, nil)
	assert.Equal(t, "incomplete", res.Status)
	assert.Contains(t, res.Warnings, "repeated identical tool requests, stopping")
	// Default no-progress limit is 2: stops on the third identical request.
	assert.Equal(t, 3, client.calls)

	incomplete := sink.ofType("agent_incomplete")
	require.Len(t, incomplete, 1)
	assert.Equal(t, "no_progress", incomplete[0]["reason"])
}
