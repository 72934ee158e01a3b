package compiler

import (
	"log/slog"

	"github.com/mitchellh/mapstructure"

	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
	"github.com/maestroproj/maestro/pkg/utils"
)

// Handoff modes.
const (
	HandoffFull    = "full"    // complete context passed
	HandoffScoped  = "scoped"  // prior outputs filtered per governance rule
	HandoffMinimal = "minimal" // essential trigger information only
)

// minimalInputKeys are the only original_input fields that survive a
// minimal handoff.
var minimalInputKeys = []string{"claim_id", "policy_id", "workflow_id", "session_id"}

// HandoffRule is one agent-pair entry of the multi_agent_handoffs policy.
// Agent ids accept "*" as a wildcard.
type HandoffRule struct {
	FromAgentID          string   `mapstructure:"from_agent_id"`
	ToAgentID            string   `mapstructure:"to_agent_id"`
	HandoffMode          string   `mapstructure:"handoff_mode"`
	AllowedContextFields []string `mapstructure:"allowed_context_fields"`
	BlockedContextFields []string `mapstructure:"blocked_context_fields"`
	RuleID               string   `mapstructure:"rule_id"`
	Description          string   `mapstructure:"description"`
}

// Matches reports whether the rule covers the agent pair.
func (r HandoffRule) Matches(fromAgent, toAgent string) bool {
	fromMatch := r.FromAgentID == "*" || r.FromAgentID == fromAgent
	toMatch := r.ToAgentID == "*" || r.ToAgentID == toAgent
	return fromMatch && toMatch
}

// Specificity scores a rule for precedence. Exact agent ids beat
// wildcards on either side.
func (r HandoffRule) Specificity() int {
	score := 0
	if r.FromAgentID != "*" {
		score += 10
	}
	if r.ToAgentID != "*" {
		score += 10
	}
	return score
}

// HandoffPolicy is the multi_agent_handoffs governance policy.
type HandoffPolicy struct {
	DefaultHandoffMode            string        `mapstructure:"default_handoff_mode"`
	EnableConversationTranslation bool          `mapstructure:"enable_conversation_translation"`
	AuditAllHandoffs              bool          `mapstructure:"audit_all_handoffs"`
	AgentHandoffRules             []HandoffRule `mapstructure:"agent_handoff_rules"`
}

// RuleFor returns the most specific rule matching the pair, or nil.
func (p *HandoffPolicy) RuleFor(fromAgent, toAgent string) *HandoffRule {
	var best *HandoffRule
	for i := range p.AgentHandoffRules {
		rule := &p.AgentHandoffRules[i]
		if !rule.Matches(fromAgent, toAgent) {
			continue
		}
		if best == nil || rule.Specificity() > best.Specificity() {
			best = rule
		}
	}
	return best
}

// ScopedContext is a handoff's context after governance filtering.
type ScopedContext struct {
	PriorOutputs       map[string]any   `json:"prior_outputs"`
	Observations       []map[string]any `json:"observations"`
	OriginalInput      map[string]any   `json:"original_input"`
	HandoffMode        string           `json:"handoff_mode"`
	FieldsFiltered     []string         `json:"fields_filtered"`
	TranslationApplied bool             `json:"translation_applied"`
}

// Scoper applies governance handoff rules when context moves between
// agents. Disabled scoping passes context through whole.
type Scoper struct {
	registry *registry.Manager
	cfg      *config.Config
	recorder *storage.Recorder
}

func NewScoper(reg *registry.Manager, cfg *config.Config, recorder *storage.Recorder) *Scoper {
	return &Scoper{registry: reg, cfg: cfg, recorder: recorder}
}

// Policy decodes the multi_agent_handoffs governance policy, falling
// back to scoped-by-default when the document is absent or malformed.
func (s *Scoper) Policy() HandoffPolicy {
	policy := HandoffPolicy{
		DefaultHandoffMode:            HandoffScoped,
		EnableConversationTranslation: true,
		AuditAllHandoffs:              true,
	}
	doc := s.registry.GovernancePoliciesDoc()
	if doc == nil {
		return policy
	}
	raw, ok := doc.Policies["multi_agent_handoffs"]
	if !ok {
		return policy
	}
	if err := mapstructure.Decode(raw, &policy); err != nil {
		slog.Error("malformed handoff policy, using defaults", "error", err)
	}
	if policy.DefaultHandoffMode == "" {
		policy.DefaultHandoffMode = HandoffScoped
	}
	return policy
}

// ScopeForHandoff filters context for a from->to agent handoff. The
// returned context carries which fields were removed; when auditing is
// on a context_handoff event lands in the session log.
func (s *Scoper) ScopeForHandoff(sessionID, fromAgent, toAgent string,
	priorOutputs map[string]any, observations []map[string]any,
	originalInput map[string]any) ScopedContext {

	if !s.cfg.MultiAgentHandoffs.Enabled {
		return ScopedContext{
			PriorOutputs:  priorOutputs,
			Observations:  observations,
			OriginalInput: originalInput,
			HandoffMode:   HandoffFull,
		}
	}

	policy := s.Policy()
	rule := policy.RuleFor(fromAgent, toAgent)
	mode := policy.DefaultHandoffMode
	if rule != nil && rule.HandoffMode != "" {
		mode = rule.HandoffMode
	}

	tokensBefore := utils.EstimateTokensJSON(map[string]any{
		"prior_outputs": priorOutputs, "observations": observations,
		"original_input": originalInput,
	})

	var scoped ScopedContext
	switch mode {
	case HandoffMinimal:
		scoped = scopeMinimal(originalInput)
	case HandoffScoped:
		scoped = scopeFields(priorOutputs, observations, originalInput, rule)
	default:
		scoped = ScopedContext{
			PriorOutputs:  priorOutputs,
			Observations:  observations,
			OriginalInput: originalInput,
			HandoffMode:   HandoffFull,
		}
	}

	tokensAfter := utils.EstimateTokensJSON(map[string]any{
		"prior_outputs": scoped.PriorOutputs, "observations": scoped.Observations,
		"original_input": scoped.OriginalInput,
	})

	slog.Info("context scoped for handoff",
		"from_agent", fromAgent, "to_agent", toAgent, "mode", scoped.HandoffMode,
		"fields_filtered", len(scoped.FieldsFiltered),
		"tokens_before", tokensBefore, "tokens_after", tokensAfter)

	if policy.AuditAllHandoffs && s.recorder != nil {
		savedPct := 0.0
		if tokensBefore > 0 {
			savedPct = float64(tokensBefore-tokensAfter) / float64(tokensBefore) * 100
		}
		payload := map[string]any{
			"from_agent_id":           fromAgent,
			"to_agent_id":             toAgent,
			"handoff_mode":            scoped.HandoffMode,
			"fields_filtered":         scoped.FieldsFiltered,
			"tokens_before":           tokensBefore,
			"tokens_after":            tokensAfter,
			"tokens_saved":            tokensBefore - tokensAfter,
			"tokens_saved_percentage": savedPct,
		}
		if rule != nil && rule.RuleID != "" {
			payload["governance_rule_id"] = rule.RuleID
		}
		s.recorder.Record(sessionID, "context_handoff", payload)
	}
	return scoped
}

// scopeFields keeps only governed fields in each structured prior
// output. Blocked fields win over the allow list; an empty allow list
// passes everything that is not blocked.
func scopeFields(priorOutputs map[string]any, observations []map[string]any,
	originalInput map[string]any, rule *HandoffRule) ScopedContext {

	scoped := ScopedContext{
		PriorOutputs:  map[string]any{},
		Observations:  observations,
		OriginalInput: originalInput,
		HandoffMode:   HandoffScoped,
	}
	if rule == nil || (len(rule.AllowedContextFields) == 0 && len(rule.BlockedContextFields) == 0) {
		slog.Warn("scoped handoff without field rules, passing all fields")
		scoped.PriorOutputs = priorOutputs
		return scoped
	}

	blocked := toSet(rule.BlockedContextFields)
	allowed := toSet(rule.AllowedContextFields)

	for agentID, output := range priorOutputs {
		fields, ok := output.(map[string]any)
		if !ok {
			scoped.PriorOutputs[agentID] = output
			continue
		}
		kept := map[string]any{}
		for key, value := range fields {
			if blocked[key] {
				scoped.FieldsFiltered = append(scoped.FieldsFiltered, key)
				continue
			}
			if len(allowed) > 0 && !allowed[key] {
				scoped.FieldsFiltered = append(scoped.FieldsFiltered, key)
				continue
			}
			kept[key] = value
		}
		scoped.PriorOutputs[agentID] = kept
	}
	return scoped
}

// scopeMinimal strips everything but the identifiers the next agent
// needs to look its own data up.
func scopeMinimal(originalInput map[string]any) ScopedContext {
	scoped := ScopedContext{
		PriorOutputs:  map[string]any{},
		Observations:  []map[string]any{},
		OriginalInput: map[string]any{},
		HandoffMode:   HandoffMinimal,
	}
	essential := toSet(minimalInputKeys)
	for key, value := range originalInput {
		if essential[key] {
			scoped.OriginalInput[key] = value
			continue
		}
		scoped.FieldsFiltered = append(scoped.FieldsFiltered, key)
	}
	return scoped
}

func toSet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}
