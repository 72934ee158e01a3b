package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maestroproj/maestro/pkg/compiler"
	"github.com/maestroproj/maestro/pkg/llms"
	"github.com/maestroproj/maestro/pkg/pipeline"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
	"github.com/maestroproj/maestro/pkg/utils"
)

// maxParallelTools bounds concurrent tool requests per batch.
const maxParallelTools = 4

// WorkerLoop runs one agent through its reason-act iterations: compile
// context, ask the model for an action, execute tools, validate the
// final output.
type WorkerLoop struct {
	sessionID   string
	agent       *registry.Agent
	fromAgentID string
	deps        Deps
	client      llms.Client
	validator   *OutputValidator
}

// NewWorkerLoop prepares a loop for one agent invocation. fromAgentID
// names the previously executed agent, for handoff scoping; empty means
// no handoff. A nil LLMFactory leaves the loop in dry-run mode.
func NewWorkerLoop(sessionID, agentID, fromAgentID string, deps Deps) (*WorkerLoop, error) {
	agent, ok := deps.Registry.GetAgent(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}

	var client llms.Client
	if deps.LLMFactory != nil {
		profile, ok := deps.Registry.GetModelProfile(agent.ModelProfileID)
		if !ok {
			return nil, fmt.Errorf("agent %q references unknown model profile %q",
				agentID, agent.ModelProfileID)
		}
		var err error
		client, err = deps.LLMFactory(*profile, sessionID)
		if err != nil {
			return nil, fmt.Errorf("building llm client for %q: %w", agentID, err)
		}
	}

	validator := deps.Validator
	if validator == nil {
		validator = NewOutputValidator(deps.Config)
	}
	return &WorkerLoop{
		sessionID:   sessionID,
		agent:       agent,
		fromAgentID: fromAgentID,
		deps:        deps,
		client:      client,
		validator:   validator,
	}, nil
}

func (w *WorkerLoop) maxIterations() int {
	if w.agent.MaxIterations > 0 {
		return w.agent.MaxIterations
	}
	return w.deps.Config.Agent.DefaultMaxIterations
}

func (w *WorkerLoop) logEvent(eventType string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["agent_id"] = w.agent.AgentID
	w.deps.record(w.sessionID, eventType, payload)
}

// Execute runs the loop to completion. The returned result always
// carries a status; errors during the run surface there rather than as
// a second return value.
func (w *WorkerLoop) Execute(ctx context.Context, originalInput, priorOutputs map[string]any) AgentResult {
	maxIterations := w.maxIterations()
	w.logEvent("agent_started", map[string]any{"max_iterations": maxIterations})

	if w.fromAgentID != "" && w.deps.Scoper != nil {
		scoped := w.deps.Scoper.ScopeForHandoff(
			w.sessionID, w.fromAgentID, w.agent.AgentID, priorOutputs, nil, originalInput)
		priorOutputs = scoped.PriorOutputs
		originalInput = scoped.OriginalInput
	}

	var (
		observations       []map[string]any
		toolCalls          int
		validationFailures int
		noProgress         int
		lastToolSignature  string
		warnings           []string
	)

	result := func(status string, iterations int, output map[string]any, errMsg string) AgentResult {
		return AgentResult{
			AgentID:        w.agent.AgentID,
			Status:         status,
			Output:         output,
			IterationsUsed: iterations,
			ToolCallsMade:  toolCalls,
			Error:          errMsg,
			Warnings:       warnings,
		}
	}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if w.deps.Enforcer != nil {
			// iteration-1 completed so far; the loop bound is the primary
			// guard, this catches registry edits mid-session.
			if check := w.deps.Enforcer.CheckIterationLimit(w.agent.AgentID, iteration-1); !check.Allowed {
				w.logEvent("iteration_limit_exceeded", map[string]any{
					"iteration": iteration, "reason": check.Violation.Reason,
				})
				return result("incomplete", iteration-1,
					w.partialOutput(observations, iteration-1), check.Violation.Reason)
			}
		}

		workingContext := w.compileContext(originalInput, priorOutputs, observations)

		reasoning, fatal := w.decideAction(ctx, iteration, workingContext, observations)
		if fatal != nil {
			w.logEvent("agent_error", map[string]any{"iteration": iteration, "error": fatal.Error()})
			return result("error", iteration, w.partialOutput(observations, iteration), fatal.Error())
		}

		w.logEvent("agent_reasoning", map[string]any{
			"iteration":   iteration,
			"reasoning":   reasoning.Reasoning,
			"action_type": reasoning.Action.Type,
		})

		switch reasoning.Action.Type {
		case ActionUseTools:
			signature := toolSignature(reasoning.Action.ToolRequests)
			if signature == lastToolSignature {
				noProgress++
			} else {
				noProgress = 0
				lastToolSignature = signature
			}
			if limit := w.deps.Config.Safety.ConsecutiveNoProgressLimit; limit > 0 && noProgress >= limit {
				warnings = append(warnings, "repeated identical tool requests, stopping")
				w.logEvent("agent_incomplete", map[string]any{
					"reason": "no_progress", "iterations_used": iteration,
				})
				return result("incomplete", iteration, w.partialOutput(observations, iteration), "")
			}
			observations = append(observations,
				w.executeTools(ctx, iteration, reasoning.Action.ToolRequests, &toolCalls)...)

		case ActionFinalOutput:
			output := reasoning.Action.Output
			if err := w.validator.Validate(w.agent, output); err != nil {
				validationFailures++
				done, res := w.handleValidationFailure(
					err, output, iteration, validationFailures, &warnings, &observations)
				if done {
					res.ToolCallsMade = toolCalls
					res.Warnings = warnings
					return res
				}
				continue
			}
			w.logEvent("output_validated", map[string]any{
				"schema_version":     output["version"],
				"validation_attempt": validationFailures + 1,
			})
			w.logEvent("agent_completed", map[string]any{
				"iterations_used": iteration,
				"tool_calls_made": toolCalls,
				"output_keys":     mapKeys(output),
			})
			return result("completed", iteration, output, "")
		}
	}

	w.logEvent("agent_incomplete", map[string]any{
		"reason": "max_iterations_reached", "iterations_used": maxIterations,
	})
	return result("incomplete", maxIterations, w.partialOutput(observations, maxIterations), "")
}

// compileContext budgets the raw context, then runs the processor
// pipeline over it when one is wired, recording lineage as it goes.
func (w *WorkerLoop) compileContext(originalInput, priorOutputs map[string]any,
	observations []map[string]any) map[string]any {

	var compiled compiler.Compiled
	if w.deps.Compiler != nil {
		compiled = w.deps.Compiler.CompileForAgent(
			w.agent.AgentID, originalInput, priorOutputs, observations)
	} else {
		compiled = compiler.Compiled{
			AgentID:       w.agent.AgentID,
			OriginalInput: originalInput,
			PriorOutputs:  priorOutputs,
			Observations:  observations,
			Metadata:      map[string]any{},
		}
	}

	raw := map[string]any{
		"agent_id":       w.agent.AgentID,
		"original_input": compiled.OriginalInput,
		"prior_outputs":  compiled.PriorOutputs,
		"observations":   compiled.Observations,
		"metadata":       compiled.Metadata,
	}
	if w.deps.Pipeline == nil {
		delete(raw, "observations")
		return raw
	}

	processed := w.deps.Pipeline.Execute(pipeline.Context(raw), w.agent.AgentID)
	w.recordLineage(compiled, processed)

	working := map[string]any(processed)
	delete(working, "observations")
	return working
}

func (w *WorkerLoop) recordLineage(before compiler.Compiled, after pipeline.Context) {
	if w.deps.Lineage == nil {
		return
	}
	rec := compiler.Compilation{
		AgentID:      w.agent.AgentID,
		TokensBefore: before.EstimatedTokens,
		TokensAfter:  utils.EstimateTokensJSON(map[string]any(after)),
		ComponentsBefore: map[string]int{
			"prior_outputs": len(before.PriorOutputs),
			"observations":  len(before.Observations),
		},
	}
	if meta, ok := before.Metadata["max_tokens"].(int); ok {
		rec.MaxTokens = meta
	}
	if alloc, ok := before.Metadata["budget_allocation"].(map[string]int); ok {
		rec.BudgetAllocation = alloc
	}
	if meta, ok := after["metadata"].(map[string]any); ok {
		if log, ok := meta["processor_execution_log"].([]map[string]any); ok {
			for _, entry := range log {
				exec := compiler.ProcessorExecution{}
				exec.ProcessorID, _ = entry["processor_id"].(string)
				exec.Success, _ = entry["success"].(bool)
				exec.ExecutionTimeMs, _ = entry["execution_time_ms"].(float64)
				exec.ModificationsMade, _ = entry["modifications_made"].(map[string]any)
				exec.Error, _ = entry["error"].(string)
				rec.ProcessorsExecuted = append(rec.ProcessorsExecuted, exec)
			}
		}
	}
	if _, err := w.deps.Lineage.RecordCompilation(rec); err != nil {
		slog.Error("recording compilation lineage failed",
			"agent_id", w.agent.AgentID, "error", err)
	}
}

// decideAction obtains the next action from the model, or a stub in
// dry-run mode. Call and parse failures degrade to a fallback
// final_output describing the failure; only an exhausted LLM call
// budget is fatal.
func (w *WorkerLoop) decideAction(ctx context.Context, iteration int,
	workingContext map[string]any, observations []map[string]any) (*AgentReasoning, error) {

	if w.client == nil {
		return &AgentReasoning{
			Reasoning: "Dry run: no model client configured, returning stub output.",
			Action: AgentAction{
				Type: ActionFinalOutput,
				Output: map[string]any{
					"dry_run": true,
					"summary": fmt.Sprintf("stub output for %s", w.agent.AgentID),
				},
			},
		}, nil
	}

	if w.deps.Enforcer != nil {
		if check := w.deps.Enforcer.RecordLLMCall(); !check.Allowed {
			return nil, fmt.Errorf("llm call budget exhausted: %s", check.Violation.Reason)
		}
	}

	tools := w.deps.Registry.ToolsForAgent(w.agent.AgentID)
	messages := BuildWorkerPrompt(w.agent, tools, workingContext, observations)

	callCtx, cancel := context.WithTimeout(ctx,
		w.deps.Config.IterationTimeout(w.agent.IterationTimeoutSeconds))
	defer cancel()

	resp, err := w.client.Call(callCtx, messages)
	if err != nil {
		w.logEvent("llm_call_error", map[string]any{"iteration": iteration, "error": err.Error()})
		return FallbackWorkerReasoning("LLM call failed: " + err.Error()), nil
	}

	reasoning, err := ParseWorkerResponse(resp.Content)
	if err != nil {
		w.logEvent("llm_response_parse_error", map[string]any{
			"iteration": iteration, "error": err.Error(),
		})
		return FallbackWorkerReasoning(err.Error()), nil
	}
	return reasoning, nil
}

// executeTools fans the batch out concurrently, bounded, and returns
// one observation per request in request order. Denied and failed
// requests yield error observations so the model sees them.
func (w *WorkerLoop) executeTools(ctx context.Context, iteration int,
	requests []ToolRequest, toolCalls *int) []map[string]any {

	observations := make([]map[string]any, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTools)
	for i, req := range requests {
		g.Go(func() error {
			observations[i] = w.runTool(gctx, iteration, req)
			return nil
		})
	}
	g.Wait()

	for _, obs := range observations {
		if _, ok := obs["result"]; ok {
			*toolCalls++
		}
	}
	return observations
}

func (w *WorkerLoop) runTool(ctx context.Context, iteration int, req ToolRequest) map[string]any {
	obs := map[string]any{
		"iteration":  iteration,
		"tool_id":    req.ToolID,
		"parameters": req.Parameters,
		"timestamp":  time.Now().UTC().Format(storage.TimestampFormat),
	}

	if w.deps.Enforcer != nil {
		if check := w.deps.Enforcer.CheckToolAccess(w.agent.AgentID, req.ToolID); !check.Allowed {
			w.logEvent("tool_denied", map[string]any{
				"iteration": iteration, "tool_id": req.ToolID,
				"reason": check.Violation.Reason,
			})
			obs["error"] = "access denied: " + check.Violation.Reason
			return obs
		}
	}
	if w.deps.Tools == nil {
		w.logEvent("tool_error", map[string]any{
			"iteration": iteration, "tool_id": req.ToolID,
			"error": "tool gateway unavailable",
		})
		obs["error"] = "tool gateway unavailable"
		return obs
	}

	callCtx, cancel := context.WithTimeout(ctx,
		w.deps.Config.IterationTimeout(w.agent.IterationTimeoutSeconds))
	defer cancel()
	result, err := w.deps.Tools.Invoke(callCtx, req.ToolID, req.Parameters)
	if err != nil {
		w.logEvent("tool_error", map[string]any{
			"iteration": iteration, "tool_id": req.ToolID, "error": err.Error(),
		})
		obs["error"] = err.Error()
		return obs
	}

	w.logEvent("tool_invocation", map[string]any{
		"iteration": iteration, "tool_id": req.ToolID, "success": true,
	})
	obs["result"] = result
	return obs
}

// handleValidationFailure logs the failure and decides whether the loop
// retries or stops. Returns done=true with the terminal result when the
// failure budget is spent (status incomplete, last attempted output
// kept) or validation is non-strict.
func (w *WorkerLoop) handleValidationFailure(err error, output map[string]any,
	iteration, failures int, warnings *[]string,
	observations *[]map[string]any) (bool, AgentResult) {

	schemaCfg := w.deps.Config.Schema
	willRetry := failures < schemaCfg.ValidationFailureLimit

	payload := map[string]any{
		"validation_attempt": failures,
		"max_attempts":       schemaCfg.ValidationFailureLimit,
		"error_message":      err.Error(),
		"will_retry":         willRetry && schemaCfg.StrictValidation,
	}
	if schemaCfg.LogValidationSample {
		sample, merr := json.Marshal(output)
		if merr == nil {
			payload["output_sample"] = truncateString(string(sample), schemaCfg.MaxValidationSampleChars)
		}
	}
	w.logEvent("output_validation_failed", payload)

	if !schemaCfg.StrictValidation {
		*warnings = append(*warnings, "output failed schema validation: "+err.Error())
		w.logEvent("agent_completed", map[string]any{
			"iterations_used": iteration,
			"output_keys":     mapKeys(output),
		})
		return true, AgentResult{
			AgentID: w.agent.AgentID, Status: "completed",
			Output: output, IterationsUsed: iteration,
		}
	}
	if !willRetry {
		w.logEvent("validation_failure_limit_exceeded", map[string]any{
			"failures": failures, "limit": schemaCfg.ValidationFailureLimit,
		})
		return true, AgentResult{
			AgentID: w.agent.AgentID, Status: "incomplete",
			Output:         output,
			IterationsUsed: iteration,
			Error:          fmt.Sprintf("output validation failed %d times: %s", failures, err.Error()),
		}
	}

	*observations = append(*observations, map[string]any{
		"iteration":        iteration,
		"validation_error": err.Error(),
		"timestamp":        time.Now().UTC().Format(storage.TimestampFormat),
	})
	return false, AgentResult{}
}

// partialOutput preserves whatever the loop learned when it could not
// finish.
func (w *WorkerLoop) partialOutput(observations []map[string]any, iterations int) map[string]any {
	if len(observations) == 0 {
		return map[string]any{"partial": true, "no_output": true}
	}
	return map[string]any{
		"partial":              true,
		"last_observation":     observations[len(observations)-1],
		"iterations_completed": iterations,
	}
}

func toolSignature(requests []ToolRequest) string {
	data, err := json.Marshal(requests)
	if err != nil {
		return ""
	}
	return string(data)
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
