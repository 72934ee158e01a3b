package reasoning

import (
	"context"
	"fmt"
	"time"

	"github.com/maestroproj/maestro/pkg/checkpoint"
	"github.com/maestroproj/maestro/pkg/llms"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
)

// Orchestrator runs the meta-loop for one workflow session: discover
// agents, invoke them through worker loops, pause at human checkpoints
// and assemble the final evidence map.
type Orchestrator struct {
	sessionID string
	workflow  *registry.Workflow
	agent     *registry.Agent
	deps      Deps
	client    llms.Client
}

// NewOrchestrator prepares a run for one workflow. A nil LLMFactory
// leaves the orchestrator in dry-run mode, where it follows the
// workflow's suggested sequence instead of asking a model.
func NewOrchestrator(sessionID, workflowID string, deps Deps) (*Orchestrator, error) {
	workflow, ok := deps.Registry.GetWorkflow(workflowID)
	if !ok {
		return nil, fmt.Errorf("unknown workflow %q", workflowID)
	}
	agent, ok := deps.Registry.GetAgent(registry.OrchestratorAgentID)
	if !ok {
		return nil, fmt.Errorf("orchestrator agent %q not registered", registry.OrchestratorAgentID)
	}

	var client llms.Client
	if deps.LLMFactory != nil {
		profile, ok := deps.Registry.GetModelProfile(agent.ModelProfileID)
		if !ok {
			return nil, fmt.Errorf("orchestrator references unknown model profile %q", agent.ModelProfileID)
		}
		var err error
		client, err = deps.LLMFactory(*profile, sessionID)
		if err != nil {
			return nil, fmt.Errorf("building orchestrator llm client: %w", err)
		}
	}
	return &Orchestrator{
		sessionID: sessionID,
		workflow:  workflow,
		agent:     agent,
		deps:      deps,
		client:    client,
	}, nil
}

func (o *Orchestrator) maxIterations() int {
	if o.agent.MaxIterations > 0 {
		return o.agent.MaxIterations
	}
	return o.deps.Config.Orchestrator.MaxIterations
}

func (o *Orchestrator) logEvent(eventType string, iteration int, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["workflow_id"] = o.workflow.WorkflowID
	if iteration > 0 {
		payload["orchestrator_iteration"] = iteration
	}
	o.deps.record(o.sessionID, eventType, payload)
}

// runState is the mutable state of one workflow run.
type runState struct {
	originalInput    map[string]any
	priorOutputs     map[string]any
	observations     []map[string]any
	executedOrder    []string
	executed         map[string]bool
	totalInvocations int
	lastAgentID      string
	warnings         []string
}

// Execute runs the workflow to a terminal status.
func (o *Orchestrator) Execute(ctx context.Context, originalInput map[string]any) OrchestratorResult {
	start := time.Now()
	maxIterations := o.maxIterations()

	o.logEvent("orchestrator_started", 0, map[string]any{
		"workflow_mode":  o.workflow.Mode,
		"max_iterations": maxIterations,
		"workflow_goal":  o.workflow.Goal,
	})

	state := &runState{
		originalInput: originalInput,
		priorOutputs:  map[string]any{},
		executed:      map[string]bool{},
	}

	if cancelled := o.runPreWorkflowCheckpoints(ctx, state); cancelled != nil {
		return *cancelled
	}

	result := func(status, reason string, evidenceMap map[string]any, iterations int, errMsg string) OrchestratorResult {
		return OrchestratorResult{
			SessionID:             o.sessionID,
			WorkflowID:            o.workflow.WorkflowID,
			Status:                status,
			CompletionReason:      reason,
			EvidenceMap:           evidenceMap,
			AgentsExecuted:        state.executedOrder,
			TotalIterations:       iterations,
			TotalAgentInvocations: state.totalInvocations,
			Error:                 errMsg,
			Warnings:              state.warnings,
		}
	}

	malformed := 0
	for iteration := 1; iteration <= maxIterations; iteration++ {
		if elapsed := time.Since(start); elapsed > o.deps.Config.WorkflowTimeout() {
			o.logEvent("workflow_limit_exceeded", iteration, map[string]any{
				"limit_type": "max_duration_seconds",
				"elapsed_s":  elapsed.Seconds(),
			})
			return result("incomplete", "max_duration_exceeded",
				o.buildEvidenceMap(state), iteration-1, "")
		}

		reasoning, fatal := o.decideAction(ctx, iteration, state, &malformed)
		if fatal != nil {
			o.logEvent("orchestrator_error", iteration, map[string]any{"error": fatal.Error()})
			return result("error", "", o.buildEvidenceMap(state), iteration, fatal.Error())
		}
		if reasoning == nil {
			continue
		}

		o.logEvent("orchestrator_reasoning", iteration, map[string]any{
			"reasoning":                 reasoning.Reasoning,
			"workflow_state_assessment": reasoning.WorkflowStateAssessment,
			"action_type":               reasoning.Action.Type,
		})

		switch reasoning.Action.Type {
		case ActionInvokeAgents:
			outcome := o.invokeAgents(ctx, iteration, reasoning.Action.AgentRequests, state)
			if outcome != nil {
				outcome.TotalIterations = iteration
				return *outcome
			}

		case ActionWorkflowComplete:
			evidenceMap := reasoning.Action.EvidenceMap
			if len(evidenceMap) == 0 {
				evidenceMap = o.buildEvidenceMap(state)
			}

			proceed, cancelled := o.runCompletionCheckpoints(ctx, iteration, evidenceMap, state)
			if cancelled != nil {
				cancelled.TotalIterations = iteration
				return *cancelled
			}
			if !proceed {
				continue
			}

			if failures := o.validateCompletion(state, evidenceMap); len(failures) > 0 {
				if o.workflow.Mode == "strict" {
					o.logEvent("completion_validation_failed", iteration, map[string]any{
						"failures": failures,
					})
					state.observations = append(state.observations, map[string]any{
						"type":      "completion_validation_failed",
						"failures":  failures,
						"timestamp": time.Now().UTC().Format(storage.TimestampFormat),
					})
					continue
				}
				for _, f := range failures {
					state.warnings = append(state.warnings, "completion criterion unmet: "+f)
				}
			}

			if _, ok := evidenceMap["agent_chain"]; !ok {
				evidenceMap["agent_chain"] = anySlice(state.executedOrder)
			}
			o.logEvent("orchestrator_completed", iteration, map[string]any{
				"completion_reason":       "all_objectives_achieved",
				"agents_executed":         state.executedOrder,
				"total_agent_invocations": state.totalInvocations,
			})
			return result("completed", "all_objectives_achieved", evidenceMap, iteration, "")
		}
	}

	o.logEvent("orchestrator_incomplete", maxIterations, map[string]any{
		"completion_reason": "max_iterations_reached",
		"agents_executed":   state.executedOrder,
	})
	return result("incomplete", "max_iterations_reached",
		o.buildEvidenceMap(state), maxIterations, "")
}

// decideAction obtains the orchestrator's next action from the model,
// or follows the suggested sequence in dry-run mode. A nil reasoning
// with nil error means a malformed reply below the abort threshold.
func (o *Orchestrator) decideAction(ctx context.Context, iteration int,
	state *runState, malformed *int) (*OrchestratorReasoning, error) {

	if o.client == nil {
		for _, agentID := range o.workflow.SuggestedSequence {
			if state.executed[agentID] {
				continue
			}
			return &OrchestratorReasoning{
				Reasoning:               "Dry run: following the workflow's suggested sequence.",
				WorkflowStateAssessment: fmt.Sprintf("%d of %d suggested agents executed", len(state.executedOrder), len(o.workflow.SuggestedSequence)),
				Action: OrchestratorAction{
					Type: ActionInvokeAgents,
					AgentRequests: []AgentInvocationRequest{
						{AgentID: agentID, Reasoning: "Next agent in the suggested sequence"},
					},
				},
			}, nil
		}
		return &OrchestratorReasoning{
			Reasoning:               "Dry run: suggested sequence exhausted, completing workflow.",
			WorkflowStateAssessment: "All suggested agents executed",
			Action: OrchestratorAction{
				Type:        ActionWorkflowComplete,
				EvidenceMap: o.buildEvidenceMap(state),
			},
		}, nil
	}

	if o.deps.Enforcer != nil {
		if check := o.deps.Enforcer.RecordLLMCall(); !check.Allowed {
			return nil, fmt.Errorf("llm call budget exhausted: %s", check.Violation.Reason)
		}
	}

	priorOutputs, observations := o.compiledContext(state)
	workflowState := map[string]any{
		"agents_executed":  state.executedOrder,
		"agents_remaining": o.agentsRemaining(state),
		"iteration":        iteration,
		"max_iterations":   o.maxIterations(),
	}
	messages := BuildOrchestratorPrompt(o.agent, o.workflow.Goal,
		o.availableAgents(), workflowState, priorOutputs, observations)

	callCtx, cancel := context.WithTimeout(ctx,
		time.Duration(o.deps.Config.Orchestrator.IterationTimeoutSeconds)*time.Second)
	defer cancel()

	resp, err := o.client.Call(callCtx, messages)
	if err != nil {
		o.logEvent("llm_call_error", iteration, map[string]any{"error": err.Error()})
		return nil, err
	}

	reasoning, err := ParseOrchestratorResponse(resp.Content)
	if err != nil {
		*malformed++
		o.logEvent("llm_response_parse_error", iteration, map[string]any{
			"error": err.Error(), "consecutive_failures": *malformed,
		})
		if limit := o.deps.Config.Safety.MalformedResponseLimit; limit > 0 && *malformed >= limit {
			return FallbackOrchestratorReasoning(err.Error(), state.executedOrder), nil
		}
		return nil, nil
	}
	*malformed = 0
	return reasoning, nil
}

// invokeAgents runs each requested worker in order. A non-nil result is
// terminal for the whole workflow.
func (o *Orchestrator) invokeAgents(ctx context.Context, iteration int,
	requests []AgentInvocationRequest, state *runState) *OrchestratorResult {

	for _, req := range requests {
		if state.totalInvocations >= o.deps.Config.Workflow.MaxAgentInvocations {
			o.logEvent("workflow_limit_exceeded", iteration, map[string]any{
				"limit_type": "max_agent_invocations",
				"limit":      o.deps.Config.Workflow.MaxAgentInvocations,
			})
			return &OrchestratorResult{
				SessionID:             o.sessionID,
				WorkflowID:            o.workflow.WorkflowID,
				Status:                "incomplete",
				CompletionReason:      "max_agent_invocations_reached",
				EvidenceMap:           o.buildEvidenceMap(state),
				AgentsExecuted:        state.executedOrder,
				TotalAgentInvocations: state.totalInvocations,
				Warnings:              state.warnings,
			}
		}

		if o.deps.Enforcer != nil {
			check := o.deps.Enforcer.CheckAgentInvocation(registry.OrchestratorAgentID, req.AgentID)
			if !check.Allowed {
				o.logEvent("agent_invocation_denied", iteration, map[string]any{
					"agent_id": req.AgentID, "reason": check.Violation.Reason,
				})
				state.observations = append(state.observations, map[string]any{
					"iteration": iteration,
					"agent_id":  req.AgentID,
					"error":     "invocation denied: " + check.Violation.Reason,
					"timestamp": time.Now().UTC().Format(storage.TimestampFormat),
				})
				continue
			}
		}

		worker, err := NewWorkerLoop(o.sessionID, req.AgentID, state.lastAgentID, o.deps)
		if err != nil {
			o.logEvent("agent_invocation_error", iteration, map[string]any{
				"agent_id": req.AgentID, "error": err.Error(),
			})
			state.observations = append(state.observations, map[string]any{
				"iteration": iteration,
				"agent_id":  req.AgentID,
				"error":     err.Error(),
				"timestamp": time.Now().UTC().Format(storage.TimestampFormat),
			})
			continue
		}

		state.totalInvocations++
		res := worker.Execute(ctx, state.originalInput, state.priorOutputs)

		switch res.Status {
		case "completed":
			o.logEvent("agent_invocation_completed", iteration, map[string]any{
				"agent_id":        req.AgentID,
				"iterations_used": res.IterationsUsed,
				"tool_calls_made": res.ToolCallsMade,
			})
		case "incomplete":
			o.logEvent("agent_invocation_incomplete", iteration, map[string]any{
				"agent_id": req.AgentID, "iterations_used": res.IterationsUsed,
			})
		default:
			o.logEvent("agent_invocation_error", iteration, map[string]any{
				"agent_id": req.AgentID, "error": res.Error,
			})
			state.observations = append(state.observations, map[string]any{
				"iteration": iteration,
				"agent_id":  req.AgentID,
				"error":     res.Error,
				"timestamp": time.Now().UTC().Format(storage.TimestampFormat),
			})
			continue
		}

		// Partial output still informs downstream agents.
		if res.Output != nil {
			state.priorOutputs[req.AgentID] = res.Output
		}
		if !state.executed[req.AgentID] {
			state.executed[req.AgentID] = true
			state.executedOrder = append(state.executedOrder, req.AgentID)
		}
		state.lastAgentID = req.AgentID
		state.observations = append(state.observations, map[string]any{
			"iteration":       iteration,
			"agent_id":        req.AgentID,
			"reasoning":       req.Reasoning,
			"result":          res.Status,
			"iterations_used": res.IterationsUsed,
			"tool_calls_made": res.ToolCallsMade,
			"timestamp":       time.Now().UTC().Format(storage.TimestampFormat),
		})

		if cancelled := o.runAfterAgentCheckpoints(ctx, iteration, req.AgentID, state); cancelled != nil {
			return cancelled
		}
	}
	return nil
}

// runPreWorkflowCheckpoints pauses before any agent runs. A non-nil
// result means the workflow was rejected at the gate.
func (o *Orchestrator) runPreWorkflowCheckpoints(ctx context.Context, state *runState) *OrchestratorResult {
	if o.deps.Checkpoints == nil {
		return nil
	}
	for _, cfg := range o.workflow.CheckpointsFor("pre_workflow", "") {
		if !checkpoint.ShouldTrigger(cfg, state.originalInput) {
			continue
		}
		instance, approved := o.pauseAt(ctx, 0, cfg, state.originalInput)
		if instance == nil {
			continue
		}
		if !approved {
			return &OrchestratorResult{
				SessionID:        o.sessionID,
				WorkflowID:       o.workflow.WorkflowID,
				Status:           "cancelled",
				CompletionReason: "pre_workflow_rejected",
				AgentsExecuted:   []string{},
				Warnings:         state.warnings,
			}
		}
		if instance.Resolution != nil {
			for k, v := range instance.Resolution.InputData {
				state.originalInput[k] = v
			}
		}
	}
	return nil
}

// runAfterAgentCheckpoints pauses after one agent's run when its output
// triggers a configured checkpoint. Only a cancel_workflow resolution
// terminates the run; every other action (approve, a decision choice,
// a timeout default) lets the workflow continue with the resolution's
// data_updates merged into the agent's output.
func (o *Orchestrator) runAfterAgentCheckpoints(ctx context.Context, iteration int,
	agentID string, state *runState) *OrchestratorResult {

	if o.deps.Checkpoints == nil {
		return nil
	}
	output, _ := state.priorOutputs[agentID].(map[string]any)
	for _, cfg := range o.workflow.CheckpointsFor("after_agent", agentID) {
		if !checkpoint.ShouldTrigger(cfg, output) {
			continue
		}
		instance, _ := o.pauseAt(ctx, iteration, cfg, output)
		if instance == nil {
			continue
		}
		action := ""
		if instance.Resolution != nil {
			action = instance.Resolution.Action
		}
		if action == "cancel_workflow" {
			return &OrchestratorResult{
				SessionID:             o.sessionID,
				WorkflowID:            o.workflow.WorkflowID,
				Status:                "cancelled",
				CompletionReason:      "hitl_cancelled_after_agent",
				AgentsExecuted:        state.executedOrder,
				TotalAgentInvocations: state.totalInvocations,
				Warnings:              state.warnings,
			}
		}
		if instance.Resolution != nil && len(instance.Resolution.InputData) > 0 && output != nil {
			for k, v := range instance.Resolution.InputData {
				output[k] = v
			}
			state.priorOutputs[agentID] = output
		}
	}
	return nil
}

// runCompletionCheckpoints pauses on the final evidence map. proceed
// reports whether completion may go ahead; a non-nil result cancels the
// run.
func (o *Orchestrator) runCompletionCheckpoints(ctx context.Context, iteration int,
	evidenceMap map[string]any, state *runState) (bool, *OrchestratorResult) {

	if o.deps.Checkpoints == nil {
		return true, nil
	}
	for _, cfg := range o.workflow.CheckpointsFor("before_completion", "") {
		instance, approved := o.pauseAt(ctx, iteration, cfg, evidenceMap)
		if instance == nil {
			continue
		}
		if approved {
			continue
		}
		res := instance.Resolution
		if res != nil && res.Action == "request_revision" {
			state.observations = append(state.observations, map[string]any{
				"type":              "human_feedback",
				"feedback":          res.Comments,
				"requested_changes": res.InputData,
				"timestamp":         time.Now().UTC().Format(storage.TimestampFormat),
			})
			return false, nil
		}
		// A plain rejection sends the orchestrator back to reasoning.
		return false, nil
	}
	return true, nil
}

// pauseAt creates one checkpoint instance and blocks until a human (or
// the timeout sweeper) resolves it. approved is false for reject,
// request_revision, cancel_workflow and auto_reject outcomes.
func (o *Orchestrator) pauseAt(ctx context.Context, iteration int,
	cfg registry.CheckpointConfig, contextData map[string]any) (*checkpoint.Instance, bool) {

	instance, err := o.deps.Checkpoints.Create(o.sessionID, o.workflow.WorkflowID, cfg, contextData)
	if err != nil {
		o.logEvent("checkpoint_error", iteration, map[string]any{
			"checkpoint_id": cfg.CheckpointID, "error": err.Error(),
		})
		return nil, false
	}
	created := map[string]any{
		"checkpoint_id":          cfg.CheckpointID,
		"checkpoint_instance_id": instance.CheckpointInstanceID,
		"checkpoint_name":        cfg.CheckpointName,
		"trigger_point":          cfg.TriggerPoint,
	}
	if cfg.AgentID != "" {
		created["agent_id"] = cfg.AgentID
	}
	o.logEvent("checkpoint_created", iteration, created)

	resolved, err := o.deps.Checkpoints.WaitForResolution(ctx, instance.CheckpointInstanceID)
	if err != nil || resolved == nil {
		o.deps.Checkpoints.Cancel(instance.CheckpointInstanceID)
		return instance, false
	}

	if resolved.Status == checkpoint.StatusTimeout {
		action := ""
		if resolved.Resolution != nil {
			action = resolved.Resolution.Action
		}
		o.logEvent("checkpoint_timeout", iteration, map[string]any{
			"checkpoint_instance_id": resolved.CheckpointInstanceID,
			"timeout_action":         action,
		})
		return resolved, action == "auto_approve"
	}

	action := ""
	if resolved.Resolution != nil {
		action = resolved.Resolution.Action
	}
	o.logEvent("checkpoint_resolved", iteration, map[string]any{
		"checkpoint_instance_id": resolved.CheckpointInstanceID,
		"action":                 action,
	})
	return resolved, action == "approve" || action == "auto_approve"
}

func (o *Orchestrator) compiledContext(state *runState) (map[string]any, []map[string]any) {
	if o.deps.Compiler == nil {
		return state.priorOutputs, state.observations
	}
	c := o.deps.Compiler.CompileForOrchestrator(
		o.workflow.WorkflowID, state.originalInput, state.priorOutputs, state.observations)
	return c.PriorOutputs, c.Observations
}

func (o *Orchestrator) availableAgents() []map[string]any {
	agents := o.deps.Registry.AgentsForOrchestrator()
	catalog := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		catalog = append(catalog, map[string]any{
			"agent_id":               a.AgentID,
			"name":                   a.Name,
			"description":            a.Description,
			"capabilities":           a.Capabilities,
			"required_prior_outputs": a.ContextRequirements.RequiresPriorOutputs,
		})
	}
	return catalog
}

func (o *Orchestrator) agentsRemaining(state *runState) []string {
	var remaining []string
	for _, a := range o.deps.Registry.AgentsForOrchestrator() {
		if !state.executed[a.AgentID] {
			remaining = append(remaining, a.AgentID)
		}
	}
	return remaining
}

// validateCompletion checks the workflow's completion criteria and
// returns the unmet ones.
func (o *Orchestrator) validateCompletion(state *runState, evidenceMap map[string]any) []string {
	var failures []string
	criteria := o.workflow.CompletionCriteria

	if required, ok := criteria["required_agents_executed"].(bool); ok && required {
		for _, agentID := range o.workflow.RequiredAgents {
			if !state.executed[agentID] {
				failures = append(failures, fmt.Sprintf("required agent %s not executed", agentID))
			}
		}
	}
	if min, ok := toInt(criteria["min_agents_executed"]); ok && len(state.executedOrder) < min {
		failures = append(failures,
			fmt.Sprintf("only %d of %d required agent executions", len(state.executedOrder), min))
	}
	if outputs, ok := criteria["required_outputs"].([]any); ok {
		for _, item := range outputs {
			key, _ := item.(string)
			if key == "" {
				continue
			}
			if _, present := evidenceMap[key]; !present {
				failures = append(failures, fmt.Sprintf("evidence map missing %q", key))
			}
		}
	}
	return failures
}

// buildEvidenceMap assembles a best-effort evidence map when the model
// did not produce one: pass the explainability agent's output through
// whole, otherwise derive a summary from every collected output.
func (o *Orchestrator) buildEvidenceMap(state *runState) map[string]any {
	if explain, ok := state.priorOutputs["explainability_agent"].(map[string]any); ok {
		return explain
	}

	decision := map[string]any{}
	if rec, ok := state.priorOutputs["recommendation_agent"].(map[string]any); ok {
		for _, key := range []string{"outcome", "confidence", "recommended_action"} {
			if v, present := rec[key]; present {
				decision[key] = v
			}
		}
	}

	evidence := make([]any, 0, len(state.priorOutputs))
	for _, agentID := range state.executedOrder {
		output, ok := state.priorOutputs[agentID]
		if !ok {
			continue
		}
		evidence = append(evidence, map[string]any{
			"source":        agentID,
			"evidence_type": "agent_output",
			"summary":       truncateString(fmt.Sprintf("%v", output), 200),
		})
	}

	return map[string]any{
		"decision":            decision,
		"supporting_evidence": evidence,
		"assumptions":         []any{},
		"limitations":         []any{"Incomplete workflow - evidence map auto-generated"},
		"agent_chain":         anySlice(state.executedOrder),
	}
}

func anySlice(items []string) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
