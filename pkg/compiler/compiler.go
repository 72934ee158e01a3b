// Package compiler builds per-agent context snapshots under explicit
// token budgets, scopes context on agent-to-agent handoffs, and records
// compilation lineage for debugging.
package compiler

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/utils"
)

const (
	defaultAgentMaxTokens        = 8000
	defaultOrchestratorMaxTokens = 10000
	tokenizerModel               = "gpt-3.5-turbo"
)

// Compiled is a budget-constrained context snapshot for one invocation.
type Compiled struct {
	AgentID         string           `json:"agent_id"`
	OriginalInput   any              `json:"original_input"`
	PriorOutputs    map[string]any   `json:"prior_outputs"`
	Observations    []map[string]any `json:"observations"`
	Metadata        map[string]any   `json:"metadata"`
	EstimatedTokens int              `json:"estimated_tokens"`
}

// Compiler selects which prior outputs and observations fit an agent's
// declared context budget.
type Compiler struct {
	registry *registry.Manager
	counter  *utils.TokenCounter
}

// NewCompiler builds a compiler backed by the registry. When the
// tokenizer encoding cannot be loaded the compiler falls back to
// character-based estimation.
func NewCompiler(reg *registry.Manager) *Compiler {
	counter, err := utils.NewTokenCounter(tokenizerModel)
	if err != nil {
		slog.Warn("tokenizer unavailable, estimating tokens", "error", err)
		counter = nil
	}
	return &Compiler{registry: reg, counter: counter}
}

// CompileForAgent assembles a worker's context. Budget defaults to an
// original_input 30 / prior_outputs 50 / observations 20 split of the
// agent's max_context_tokens, overridable per agent in the registry.
func (c *Compiler) CompileForAgent(agentID string, originalInput any,
	allOutputs map[string]any, events []map[string]any) Compiled {

	agent, ok := c.registry.GetAgent(agentID)
	if !ok {
		slog.Warn("unknown agent, compiling minimal context", "agent_id", agentID)
		minimal := Compiled{
			AgentID:       agentID,
			OriginalInput: originalInput,
			PriorOutputs:  map[string]any{},
			Metadata:      map[string]any{},
		}
		minimal.EstimatedTokens = c.countTokens(minimal)
		return minimal
	}

	maxTokens := agent.ContextRequirements.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = defaultAgentMaxTokens
	}
	allocation := budgetAllocation(agent.ContextRequirements.BudgetAllocation, 30, 50, 20)

	required := agent.ContextRequirements.RequiresPriorOutputs
	priorBudget := maxTokens * allocation["prior_outputs"] / 100
	obsBudget := maxTokens * allocation["observations"] / 100

	compiled := Compiled{
		AgentID:       agentID,
		OriginalInput: originalInput,
		PriorOutputs:  c.selectPriorOutputs(required, allOutputs, priorBudget),
		Observations:  c.selectObservations(events, obsBudget),
		Metadata: map[string]any{
			"max_tokens":             maxTokens,
			"max_context_tokens":     maxTokens,
			"budget_allocation":      allocation,
			"requires_prior_outputs": required,
			"truncation_applied":     false,
		},
	}
	compiled.EstimatedTokens = c.countTokens(compiled)

	slog.Info("context compiled for agent",
		"agent_id", agentID,
		"prior_outputs", len(compiled.PriorOutputs),
		"observations", len(compiled.Observations),
		"estimated_tokens", compiled.EstimatedTokens)
	return compiled
}

// CompileForOrchestrator assembles the meta-agent's view of the whole
// workflow: every worker output so far plus recent events, on a
// 20/60/20 split of its budget.
func (c *Compiler) CompileForOrchestrator(workflowID string, originalInput any,
	allOutputs map[string]any, events []map[string]any) Compiled {

	maxTokens := defaultOrchestratorMaxTokens
	if agent, ok := c.registry.GetAgent(registry.OrchestratorAgentID); ok &&
		agent.ContextRequirements.MaxContextTokens > 0 {
		maxTokens = agent.ContextRequirements.MaxContextTokens
	}
	allocation := budgetAllocation(nil, 20, 60, 20)

	agentIDs := make([]string, 0, len(allOutputs))
	for id := range allOutputs {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)

	compiled := Compiled{
		AgentID:       registry.OrchestratorAgentID,
		OriginalInput: originalInput,
		PriorOutputs:  c.selectPriorOutputs(agentIDs, allOutputs, maxTokens*allocation["prior_outputs"]/100),
		Observations:  c.selectObservations(events, maxTokens*allocation["observations"]/100),
		Metadata: map[string]any{
			"workflow_id":        workflowID,
			"max_tokens":         maxTokens,
			"max_context_tokens": maxTokens,
			"budget_allocation":  allocation,
		},
	}
	compiled.EstimatedTokens = c.countTokens(compiled)

	slog.Info("context compiled for orchestrator",
		"workflow_id", workflowID,
		"prior_outputs", len(compiled.PriorOutputs),
		"observations", len(compiled.Observations),
		"estimated_tokens", compiled.EstimatedTokens)
	return compiled
}

// selectPriorOutputs walks the required agent ids in order, including
// each output whole while it fits. The first output that overflows is
// trimmed into the remaining budget and selection stops there.
func (c *Compiler) selectPriorOutputs(required []string, all map[string]any, budget int) map[string]any {
	selected := map[string]any{}
	used := 0
	for _, id := range required {
		output, ok := all[id]
		if !ok {
			continue
		}
		tokens := c.countTokens(output)
		if used+tokens <= budget {
			selected[id] = output
			used += tokens
			continue
		}
		if fitted := fitToBudget(output, budget-used); fitted != nil {
			selected[id] = fitted
			slog.Warn("prior output trimmed to budget",
				"agent_id", id, "tokens", tokens, "remaining_budget", budget-used)
		}
		break
	}
	return selected
}

// selectObservations keeps the most recent events that fit the budget,
// preserving chronological order.
func (c *Compiler) selectObservations(events []map[string]any, budget int) []map[string]any {
	var selected []map[string]any
	used := 0
	for i := len(events) - 1; i >= 0; i-- {
		tokens := c.countTokens(events[i])
		if used+tokens > budget {
			break
		}
		selected = append([]map[string]any{events[i]}, selected...)
		used += tokens
	}
	return selected
}

// fitToBudget shrinks a value toward a token budget. Lists lose items
// from the tail; maps and scalars pass through unchanged since cutting
// fields would corrupt their meaning.
func fitToBudget(v any, budget int) any {
	switch list := v.(type) {
	case []any:
		kept := make([]any, 0, len(list))
		used := 0
		for _, item := range list {
			tokens := utils.EstimateTokensJSON(item)
			if used+tokens > budget {
				break
			}
			kept = append(kept, item)
			used += tokens
		}
		return kept
	case []map[string]any:
		kept := make([]map[string]any, 0, len(list))
		used := 0
		for _, item := range list {
			tokens := utils.EstimateTokensJSON(item)
			if used+tokens > budget {
				break
			}
			kept = append(kept, item)
			used += tokens
		}
		return kept
	}
	return v
}

func (c *Compiler) countTokens(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return c.counter.Count(string(data))
}

// budgetAllocation merges an agent's declared split over the defaults.
// Percentages are taken as given; they are advisory weights, not
// required to sum to 100.
func budgetAllocation(declared map[string]int, input, prior, observations int) map[string]int {
	allocation := map[string]int{
		"original_input": input,
		"prior_outputs":  prior,
		"observations":   observations,
	}
	for key, pct := range declared {
		if pct > 0 {
			allocation[key] = pct
		}
	}
	return allocation
}
