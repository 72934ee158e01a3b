package pipeline

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/maestroproj/maestro/pkg/governance"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
)

// filterRule is one entry of the context_filtering governance policy.
type filterRule struct {
	RuleID      string `mapstructure:"rule_id"`
	Field       string `mapstructure:"field"`
	Description string `mapstructure:"description"`
	Enabled     *bool  `mapstructure:"enabled"`
	Condition   struct {
		Type       string `mapstructure:"type"` // age_threshold, regex_mask, field_value_match
		MaxAgeDays int    `mapstructure:"max_age_days"`
		Patterns   []struct {
			Pattern     string `mapstructure:"pattern"`
			Replacement string `mapstructure:"replacement"`
		} `mapstructure:"patterns"`
		MatchField string `mapstructure:"match_field"`
		MatchValue any    `mapstructure:"match_value"`
	} `mapstructure:"condition"`
}

// contentFilter applies deterministic governance filtering (age cutoffs,
// PII masking, field-value removal) before the LLM sees the context.
type contentFilter struct {
	registry *registry.Manager
	recorder *storage.Recorder
	auditor  *governance.Auditor
}

func newContentFilter(_ map[string]any, reg *registry.Manager, rec *storage.Recorder, aud *governance.Auditor) *contentFilter {
	return &contentFilter{registry: reg, recorder: rec, auditor: aud}
}

func (f *contentFilter) ID() string { return "content_filter" }

func (f *contentFilter) Process(ctx Context, agentID, sessionID string) (Context, map[string]any, error) {
	enabled, rules := f.loadRules()
	if !enabled {
		return ctx, map[string]any{"status": "filtering_disabled"}, nil
	}

	out := cloneContext(ctx)
	var filteringLog []map[string]any

	for _, rule := range rules {
		if rule.Enabled != nil && !*rule.Enabled {
			continue
		}
		filtered, masked := f.applyRule(rule, out)
		if filtered == 0 && masked == 0 {
			continue
		}
		filteringLog = append(filteringLog, map[string]any{
			"rule_id":        rule.RuleID,
			"field":          rule.Field,
			"items_filtered": filtered,
			"items_masked":   masked,
			"description":    rule.Description,
		})
		f.auditor.LogFilteringDecision(agentID, rule.RuleID, filtered+masked)
		slog.Info("filter rule applied",
			"rule_id", rule.RuleID, "field", rule.Field,
			"filtered", filtered, "masked", masked)
	}

	meta := metadataOf(out)
	meta["filtering_applied"] = len(filteringLog) > 0
	meta["filtering_rules_triggered"] = len(filteringLog)

	if len(filteringLog) > 0 && f.recorder != nil {
		f.recorder.Record(sessionID, "content_filtered", map[string]any{
			"agent_id":              agentID,
			"filtering_log":         filteringLog,
			"total_rules_triggered": len(filteringLog),
		})
	}

	return out, map[string]any{
		"filtering_applied": len(filteringLog) > 0,
		"rules_triggered":   len(filteringLog),
	}, nil
}

func (f *contentFilter) loadRules() (bool, []filterRule) {
	gp := f.registry.GovernancePoliciesDoc()
	if gp == nil {
		return false, nil
	}
	policy, ok := gp.Policies["context_filtering"].(map[string]any)
	if !ok {
		return false, nil
	}
	enabled, _ := policy["enabled"].(bool)
	if !enabled {
		return false, nil
	}
	var rules []filterRule
	if err := mapstructure.Decode(policy["rules"], &rules); err != nil {
		slog.Error("malformed context_filtering rules", "error", err)
		return false, nil
	}
	return true, rules
}

func (f *contentFilter) applyRule(rule filterRule, ctx Context) (filtered, masked int) {
	switch rule.Condition.Type {
	case "age_threshold":
		return f.filterByAge(rule, ctx), 0
	case "regex_mask":
		return 0, f.maskByRegex(rule, ctx)
	case "field_value_match":
		return f.filterByFieldMatch(rule, ctx), 0
	}
	slog.Warn("unknown filter condition type", "type", rule.Condition.Type)
	return 0, 0
}

// filterByAge drops list items whose timestamp is older than the
// cutoff. Items without a parseable timestamp are kept.
func (f *contentFilter) filterByAge(rule filterRule, ctx Context) int {
	items, ok := listField(ctx, rule.Field)
	if !ok {
		return 0
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -rule.Condition.MaxAgeDays)

	kept := make([]map[string]any, 0, len(items))
	for _, item := range items {
		ts, _ := item["timestamp"].(string)
		if ts == "" {
			ts, _ = item["created_at"].(string)
		}
		if ts == "" {
			kept = append(kept, item)
			continue
		}
		t, err := parseTimestamp(ts)
		if err != nil || !t.Before(cutoff) {
			kept = append(kept, item)
		}
	}
	removed := len(items) - len(kept)
	if removed > 0 {
		ctx[rule.Field] = kept
	}
	return removed
}

// maskByRegex rewrites matching substrings in string values, one level
// deep into dicts and list items.
func (f *contentFilter) maskByRegex(rule filterRule, ctx Context) int {
	value, ok := ctx[rule.Field]
	if !ok {
		return 0
	}

	type compiled struct {
		re          *regexp.Regexp
		replacement string
	}
	var patterns []compiled
	for _, p := range rule.Condition.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			slog.Error("invalid mask pattern", "rule_id", rule.RuleID, "pattern", p.Pattern, "error", err)
			continue
		}
		patterns = append(patterns, compiled{re, p.Replacement})
	}

	total := 0
	maskText := func(s string) string {
		for _, p := range patterns {
			total += len(p.re.FindAllString(s, -1))
			s = p.re.ReplaceAllString(s, p.replacement)
		}
		return s
	}
	maskMap := func(m map[string]any) {
		for k, v := range m {
			if s, ok := v.(string); ok {
				m[k] = maskText(s)
			}
		}
	}

	switch v := value.(type) {
	case string:
		ctx[rule.Field] = maskText(v)
	case map[string]any:
		maskMap(v)
	case []any:
		for i, item := range v {
			switch it := item.(type) {
			case string:
				v[i] = maskText(it)
			case map[string]any:
				maskMap(it)
			}
		}
	case []map[string]any:
		for _, item := range v {
			maskMap(item)
		}
	}
	return total
}

// filterByFieldMatch drops list items whose match_field equals the
// configured value.
func (f *contentFilter) filterByFieldMatch(rule filterRule, ctx Context) int {
	items, ok := listField(ctx, rule.Field)
	if !ok {
		return 0
	}
	want := fmt.Sprintf("%v", rule.Condition.MatchValue)

	kept := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if fmt.Sprintf("%v", item[rule.Condition.MatchField]) != want {
			kept = append(kept, item)
		}
	}
	removed := len(items) - len(kept)
	if removed > 0 {
		ctx[rule.Field] = kept
	}
	return removed
}

func listField(ctx Context, field string) ([]map[string]any, bool) {
	switch v := ctx[field].(type) {
	case []map[string]any:
		return v, true
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out, true
	}
	return nil, false
}

func parseTimestamp(ts string) (time.Time, error) {
	if t, err := time.Parse(storage.TimestampFormat, ts); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, ts)
}
