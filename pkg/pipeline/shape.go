package pipeline

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/governance"
	"github.com/maestroproj/maestro/pkg/utils"
)

// transformer converts structured observations into message-shaped
// entries with correct roles for LLM consumption.
type transformer struct {
	convertToMessages     bool
	ensureRoleCorrectness bool
}

func newTransformer(cfg map[string]any) *transformer {
	return &transformer{
		convertToMessages:     configBool(cfg, "convert_to_messages", true),
		ensureRoleCorrectness: configBool(cfg, "ensure_role_correctness", true),
	}
}

func (t *transformer) ID() string { return "transformer" }

func (t *transformer) Process(ctx Context, agentID, sessionID string) (Context, map[string]any, error) {
	if !t.convertToMessages {
		return ctx, nil, nil
	}
	observations, ok := observationsOf(ctx)
	if !ok {
		return ctx, nil, nil
	}

	out := cloneContext(ctx)
	messages := make([]map[string]any, 0, len(observations))
	for _, obs := range observations {
		if obs["event_type"] == "tool_invocation" {
			name, _ := obs["tool_id"].(string)
			if name == "" {
				name = "unknown"
			}
			messages = append(messages, map[string]any{
				"role":    "function",
				"name":    name,
				"content": obs["result"],
			})
			continue
		}
		content := obs["data"]
		if content == nil {
			content = obs
		}
		messages = append(messages, map[string]any{
			"role":    "assistant",
			"content": fmt.Sprintf("%v", content),
		})
	}
	out["message_observations"] = messages

	mods := map[string]any{"observations_transformed": len(messages)}
	if t.ensureRoleCorrectness {
		mods["role_validation_applied"] = true
	}
	return out, mods, nil
}

// tokenBudgetEnforcer truncates context to the agent's token budget by
// dropping the oldest observations first.
type tokenBudgetEnforcer struct {
	enforceLimits    bool
	defaultMaxTokens int
	auditor          *governance.Auditor
}

func newTokenBudgetEnforcer(cfg map[string]any, auditor *governance.Auditor) *tokenBudgetEnforcer {
	return &tokenBudgetEnforcer{
		enforceLimits:    configBool(cfg, "enforce_limits", true),
		defaultMaxTokens: configInt(cfg, "default_max_tokens", 10000),
		auditor:          auditor,
	}
}

func (t *tokenBudgetEnforcer) ID() string { return "token_budget_enforcer" }

func (t *tokenBudgetEnforcer) Process(ctx Context, agentID, sessionID string) (Context, map[string]any, error) {
	if !t.enforceLimits {
		return ctx, nil, nil
	}

	maxTokens := configInt(metadataOf(ctx), "max_context_tokens", t.defaultMaxTokens)
	estimated := utils.EstimateTokensJSON(ctx)
	mods := map[string]any{
		"estimated_tokens": estimated,
		"max_tokens":       maxTokens,
	}
	if estimated <= maxTokens {
		return ctx, mods, nil
	}

	out := cloneContext(ctx)
	observations, _ := observationsOf(out)
	for len(observations) > 0 && utils.EstimateTokensJSON(out) > maxTokens {
		observations = observations[1:]
		out["observations"] = observations
	}
	final := utils.EstimateTokensJSON(out)

	mods["truncation_applied"] = true
	mods["tokens_before"] = estimated
	mods["tokens_after"] = final

	slog.Warn("context truncated",
		"agent_id", agentID, "tokens_before", estimated,
		"tokens_after", final, "max_tokens", maxTokens)
	t.auditor.LogTokenBudgetDecision(agentID, estimated, final, maxTokens)
	return out, mods, nil
}

// injector is the terminal processor: it assembles the llm-ready
// compiled_context and, when prefix caching is on, splits it into a
// stable prefix and variable suffix keyed for reuse.
type injector struct {
	format string
	cfg    *config.Config
}

func newInjector(cfg map[string]any, appCfg *config.Config) *injector {
	return &injector{
		format: configString(cfg, "format", "llm_ready"),
		cfg:    appCfg,
	}
}

func (i *injector) ID() string { return "injector" }

func (i *injector) Process(ctx Context, agentID, sessionID string) (Context, map[string]any, error) {
	out := cloneContext(ctx)
	mods := map[string]any{}

	if i.format == "llm_ready" {
		compiled := map[string]any{
			"agent_id":   agentID,
			"session_id": sessionID,
		}
		if input, ok := out["original_input"]; ok && input != nil {
			compiled["original_input"] = input
			mods["included_original_input"] = true
		}
		if priors, ok := out["prior_outputs"]; ok && countItems(priors) > 0 {
			compiled["prior_outputs"] = priors
			mods["prior_outputs_count"] = countItems(priors)
		}
		if messages, ok := out["message_observations"].([]map[string]any); ok {
			compiled["observations"] = messages
			mods["observations_count"] = len(messages)
		} else if observations, ok := observationsOf(out); ok {
			compiled["observations"] = observations
			mods["observations_count"] = len(observations)
		}
		if memories, ok := listField(out, "memories"); ok && len(memories) > 0 {
			compiled["memories"] = out["memories"]
			mods["memories_count"] = len(memories)
		}
		if arts, ok := listField(out, "artifacts"); ok && len(arts) > 0 {
			compiled["artifacts"] = out["artifacts"]
			mods["artifacts_count"] = len(arts)
		}
		if meta, ok := out["metadata"].(map[string]any); ok {
			compiled["metadata"] = meta
		}
		out["compiled_context"] = compiled
		mods["format_applied"] = i.format
	}

	meta := metadataOf(out)
	if i.cfg.PrefixCaching.Enabled {
		prefix, suffix, cacheKey := separatePrefixSuffix(out, agentID)
		meta["prefix_caching_ready"] = true
		meta["cache_key"] = cacheKey
		out["prefix_cache"] = map[string]any{
			"data":          prefix,
			"cache_key":     cacheKey,
			"cache_control": map[string]any{"type": "ephemeral"},
		}
		out["suffix_data"] = suffix
		mods["prefix_caching_applied"] = true
		mods["cache_key"] = cacheKey
	} else {
		meta["prefix_caching_ready"] = false
	}
	return out, mods, nil
}

// separatePrefixSuffix splits the compiled context into components that
// are stable per agent and components that change every iteration.
func separatePrefixSuffix(ctx Context, agentID string) (map[string]any, map[string]any, string) {
	compiled, _ := ctx["compiled_context"].(map[string]any)

	prefix := map[string]any{
		"agent_id":            compiled["agent_id"],
		"session_id":          compiled["session_id"],
		"system_instructions": fmt.Sprintf("Agent: %s", agentID),
	}
	suffix := map[string]any{}
	if v, ok := compiled["original_input"]; ok {
		suffix["original_input"] = v
	}
	if v, ok := compiled["observations"]; ok {
		suffix["observations"] = v
	}
	if v, ok := compiled["prior_outputs"]; ok {
		suffix["prior_outputs"] = v
	}

	data, _ := json.Marshal(prefix)
	sum := md5.Sum(data)
	cacheKey := fmt.Sprintf("%s:%s", agentID, hex.EncodeToString(sum[:])[:8])
	return prefix, suffix, cacheKey
}
