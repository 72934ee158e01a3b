package governance

import (
	"fmt"

	"github.com/maestroproj/maestro/pkg/storage"
)

// Auditor writes governance_audit events describing context-governance
// decisions (budget truncation, memory limiting, artifact access,
// filtering, compaction) so policy effects are reconstructible from the
// event stream.
type Auditor struct {
	sessionID string
	recorder  *storage.Recorder
}

// NewAuditor returns an auditor bound to a session.
func NewAuditor(sessionID string, recorder *storage.Recorder) *Auditor {
	return &Auditor{sessionID: sessionID, recorder: recorder}
}

// LogContextDecision records one governance decision about context
// shaping.
func (a *Auditor) LogContextDecision(decisionType, component, action, rationale string, metadata map[string]any) {
	if a == nil || a.recorder == nil {
		return
	}
	a.recorder.Record(a.sessionID, "governance_audit", map[string]any{
		"decision_type": decisionType,
		"component":     component,
		"action":        action,
		"rationale":     rationale,
		"metadata":      metadata,
	})
}

// LogTokenBudgetDecision records a truncation decision.
func (a *Auditor) LogTokenBudgetDecision(agentID string, tokensBefore, tokensAfter, maxTokens int) {
	a.LogContextDecision("token_budget", "token_budget_enforcer", "truncate",
		fmt.Sprintf("context for %s exceeded budget (%d > %d)", agentID, tokensBefore, maxTokens),
		map[string]any{
			"agent_id":      agentID,
			"tokens_before": tokensBefore,
			"tokens_after":  tokensAfter,
			"max_tokens":    maxTokens,
		})
}

// LogMemoryRetrieval records memories attached to a compilation.
func (a *Auditor) LogMemoryRetrieval(agentID string, retrieved int, mode string) {
	a.LogContextDecision("memory_retrieval", "memory_retriever", "attach",
		fmt.Sprintf("retrieved %d memories for %s (%s)", retrieved, agentID, mode),
		map[string]any{
			"agent_id":  agentID,
			"retrieved": retrieved,
			"mode":      mode,
		})
}

// LogArtifactAccess records artifact handles resolved into context.
func (a *Auditor) LogArtifactAccess(agentID string, handles []string, mode string) {
	a.LogContextDecision("artifact_access", "artifact_resolver", "resolve",
		fmt.Sprintf("resolved %d artifacts for %s (%s)", len(handles), agentID, mode),
		map[string]any{
			"agent_id": agentID,
			"handles":  handles,
			"mode":     mode,
		})
}

// LogFilteringDecision records content dropped or masked by filters.
func (a *Auditor) LogFilteringDecision(agentID, ruleID string, affected int) {
	a.LogContextDecision("filtering", "content_filter", "apply",
		fmt.Sprintf("rule %s affected %d items for %s", ruleID, affected, agentID),
		map[string]any{
			"agent_id": agentID,
			"rule_id":  ruleID,
			"affected": affected,
		})
}

// LogGovernanceLimitExceeded records a context-governance limit hit.
func (a *Auditor) LogGovernanceLimitExceeded(agentID, limitName string, limit, requested int) {
	a.LogContextDecision("limit_exceeded", "governance", "truncate",
		fmt.Sprintf("%s limit %d reached (requested %d) for %s", limitName, limit, requested, agentID),
		map[string]any{
			"agent_id":   agentID,
			"limit_name": limitName,
			"limit":      limit,
			"requested":  requested,
		})
}
