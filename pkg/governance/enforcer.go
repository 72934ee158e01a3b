// Package governance makes per-session policy decisions: who may invoke
// whom, who may use which tool, and how much a session may consume.
// Denials are recorded, never raised; the loops continue with degraded
// information.
package governance

import (
	"fmt"
	"sync"
	"time"

	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/registry"
)

// Violation types.
const (
	ViolationAgentInvocationDenied  = "agent_invocation_denied"
	ViolationToolAccessDenied       = "tool_access_denied"
	ViolationIterationLimitExceeded = "iteration_limit_exceeded"
	ViolationTimeoutExceeded        = "timeout_exceeded"
	ViolationTokenBudgetExceeded    = "token_budget_exceeded"
	ViolationMaxInvocationsExceeded = "max_invocations_exceeded"
)

// Violation records one refused action.
type Violation struct {
	ViolationType string `json:"violation_type"`
	AgentID       string `json:"agent_id"`
	Target        string `json:"target"`
	Reason        string `json:"reason"`
	Timestamp     string `json:"timestamp"`
	SessionID     string `json:"session_id,omitempty"`
}

// Result is the outcome of one enforcement check.
type Result struct {
	Allowed   bool
	Violation *Violation
	Warning   string
}

// Stats is the per-session enforcement snapshot.
type Stats struct {
	SessionID             string         `json:"session_id"`
	TotalViolations       int            `json:"total_violations"`
	ViolationsByType      map[string]int `json:"violations_by_type"`
	AgentInvocationCounts map[string]int `json:"agent_invocation_counts"`
	ToolInvocationCount   int            `json:"tool_invocation_count"`
	LLMCallCount          int            `json:"llm_call_count"`
}

// Enforcer holds the per-session counters. One enforcer per run; it is
// never shared across sessions.
type Enforcer struct {
	sessionID string
	registry  *registry.Manager
	limits    *config.Config

	mu                    sync.Mutex
	agentInvocationCounts map[string]int
	toolInvocationCount   int
	llmCallCount          int
	violations            []Violation
}

// NewEnforcer returns an enforcer for a session.
func NewEnforcer(sessionID string, reg *registry.Manager, limits *config.Config) *Enforcer {
	return &Enforcer{
		sessionID:             sessionID,
		registry:              reg,
		limits:                limits,
		agentInvocationCounts: map[string]int{},
	}
}

func (e *Enforcer) deny(violationType, agentID, target, reason string) Result {
	v := Violation{
		ViolationType: violationType,
		AgentID:       agentID,
		Target:        target,
		Reason:        reason,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		SessionID:     e.sessionID,
	}
	e.violations = append(e.violations, v)
	return Result{Allowed: false, Violation: &v}
}

// CheckAgentInvocation allows an invocation iff the registry policy
// permits it and the per-target duplicate count is under the limit. The
// counter increments on allow.
func (e *Enforcer) CheckAgentInvocation(invokerID, targetID string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsAgentInvocationAllowed(invokerID, targetID) {
		return e.deny(ViolationAgentInvocationDenied, invokerID, targetID,
			fmt.Sprintf("agent %q not permitted to invoke %q per governance policy", invokerID, targetID))
	}

	count := e.agentInvocationCounts[targetID]
	maxDup := e.limits.Agent.MaxDuplicateInvocations
	if count >= maxDup {
		return e.deny(ViolationMaxInvocationsExceeded, invokerID, targetID,
			fmt.Sprintf("agent %q already invoked %d times (max: %d)", targetID, count, maxDup))
	}
	e.agentInvocationCounts[targetID] = count + 1

	res := Result{Allowed: true}
	if count+1 == maxDup {
		res.Warning = fmt.Sprintf(
			"agent %q invoked %d times (limit: %d); further invocations will be blocked",
			targetID, count+1, maxDup)
	}
	return res
}

// CheckToolAccess allows a tool call iff the registry policy permits it
// and the session tool budget remains. The counter increments on allow.
func (e *Enforcer) CheckToolAccess(agentID, toolID string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsToolAccessAllowed(agentID, toolID) {
		return e.deny(ViolationToolAccessDenied, agentID, toolID,
			fmt.Sprintf("agent %q not permitted to use tool %q per governance policy", agentID, toolID))
	}

	maxTools := e.limits.Governance.MaxToolInvocationsPerSession
	if e.toolInvocationCount >= maxTools {
		return e.deny(ViolationMaxInvocationsExceeded, agentID, toolID,
			fmt.Sprintf("session tool invocation limit reached (%d)", maxTools))
	}
	e.toolInvocationCount++
	return Result{Allowed: true}
}

// CheckIterationLimit allows iff currentIteration is under the agent's
// max_iterations. Unknown agents pass.
func (e *Enforcer) CheckIterationLimit(agentID string, currentIteration int) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	agent, ok := e.registry.GetAgent(agentID)
	if !ok {
		return Result{Allowed: true}
	}
	maxIter := agent.MaxIterations
	if maxIter <= 0 {
		maxIter = e.limits.Agent.DefaultMaxIterations
	}
	if currentIteration >= maxIter {
		return e.deny(ViolationIterationLimitExceeded, agentID, agentID,
			fmt.Sprintf("agent %q reached max iterations (%d)", agentID, maxIter))
	}
	return Result{Allowed: true}
}

// RecordLLMCall increments the session LLM call counter and checks the
// budget. The call has already happened when this reports a denial; the
// caller should stop issuing further calls.
func (e *Enforcer) RecordLLMCall() Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.llmCallCount++
	maxCalls := e.limits.Governance.MaxLLMCallsPerSession
	if e.llmCallCount > maxCalls {
		return e.deny(ViolationMaxInvocationsExceeded, "system", "llm",
			fmt.Sprintf("session LLM call limit exceeded (%d)", maxCalls))
	}
	return Result{Allowed: true}
}

// CheckHITLAccess reports whether userRole may resolve a checkpoint that
// requires requiredRole. admin is always allowed; the hitl_access_control
// policy's can_act_as lists grant transitively.
func (e *Enforcer) CheckHITLAccess(userRole, requiredRole string) bool {
	if userRole == "admin" || userRole == requiredRole {
		return true
	}
	gp := e.registry.GovernancePoliciesDoc()
	if gp == nil {
		return false
	}
	hitl, ok := gp.Policies["hitl_access_control"].(map[string]any)
	if !ok {
		return false
	}
	roles, ok := hitl["roles"].([]any)
	if !ok {
		return false
	}
	for _, r := range roles {
		role, ok := r.(map[string]any)
		if !ok || role["role_id"] != userRole {
			continue
		}
		canActAs, _ := role["can_act_as"].([]any)
		for _, granted := range canActAs {
			if granted == requiredRole {
				return true
			}
		}
	}
	return false
}

// Violations returns a copy of all recorded violations.
func (e *Enforcer) Violations() []Violation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Violation(nil), e.violations...)
}

// EnforcementStats returns the session counters for observability.
func (e *Enforcer) EnforcementStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	byType := map[string]int{}
	for _, v := range e.violations {
		byType[v.ViolationType]++
	}
	counts := make(map[string]int, len(e.agentInvocationCounts))
	for k, v := range e.agentInvocationCounts {
		counts[k] = v
	}
	return Stats{
		SessionID:             e.sessionID,
		TotalViolations:       len(e.violations),
		ViolationsByType:      byType,
		AgentInvocationCounts: counts,
		ToolInvocationCount:   e.toolInvocationCount,
		LLMCallCount:          e.llmCallCount,
	}
}
