// Package checkpoint implements human-in-the-loop pause points: durable
// checkpoint instances, role-gated resolution, timeout sweeping and
// trigger-condition evaluation.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Checkpoint statuses.
const (
	StatusPending   = "pending"
	StatusResolved  = "resolved"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Resolution is the human (or system) decision on a checkpoint.
type Resolution struct {
	Action     string         `json:"action"` // approve, reject, or checkpoint-specific
	UserID     string         `json:"user_id"`
	UserRole   string         `json:"user_role"`
	Comments   string         `json:"comments,omitempty"`
	InputData  map[string]any `json:"input_data,omitempty"`
	ResolvedAt string         `json:"resolved_at"`
}

// Instance is one live (or historical) checkpoint occurrence.
type Instance struct {
	CheckpointInstanceID string         `json:"checkpoint_instance_id"`
	SessionID            string         `json:"session_id"`
	WorkflowID           string         `json:"workflow_id"`
	CheckpointID         string         `json:"checkpoint_id"`
	CheckpointType       string         `json:"checkpoint_type"`
	CheckpointName       string         `json:"checkpoint_name"`
	Description          string         `json:"description,omitempty"`
	Status               string         `json:"status"`
	CreatedAt            string         `json:"created_at"`
	TimeoutAt            string         `json:"timeout_at,omitempty"`
	ResolvedAt           string         `json:"resolved_at,omitempty"`
	Resolution           *Resolution    `json:"resolution,omitempty"`
	ContextData          map[string]any `json:"context_data,omitempty"`
	RequiredRole         string         `json:"required_role"`
	OnTimeout            string         `json:"on_timeout,omitempty"`
	UISchema             map[string]any `json:"ui_schema,omitempty"`
}

// EvaluateCondition evaluates a restricted "field op literal" trigger
// expression against output data. Supported operators: > < >= <= ==.
// A malformed expression triggers (fail-open toward human review); a
// missing field does not.
func EvaluateCondition(condition string, data map[string]any) bool {
	fields := strings.Fields(condition)
	if len(fields) != 3 {
		slog.Warn("malformed trigger condition, triggering checkpoint", "condition", condition)
		return true
	}
	field, op, literal := fields[0], fields[1], fields[2]

	value, ok := lookupField(data, field)
	if !ok {
		return false
	}

	switch op {
	case "==":
		return compareEqual(value, literal)
	case ">", "<", ">=", "<=":
		left, lok := toFloat(value)
		right, rok := strconv.ParseFloat(literal, 64)
		if !lok || rok != nil {
			slog.Warn("non-numeric trigger comparison, triggering checkpoint",
				"condition", condition, "value", value)
			return true
		}
		switch op {
		case ">":
			return left > right
		case "<":
			return left < right
		case ">=":
			return left >= right
		default:
			return left <= right
		}
	}
	slog.Warn("unknown trigger operator, triggering checkpoint", "condition", condition)
	return true
}

// lookupField supports dotted paths into nested maps.
func lookupField(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func compareEqual(value any, literal string) bool {
	literal = strings.Trim(literal, `"'`)
	if f, ok := toFloat(value); ok {
		if r, err := strconv.ParseFloat(literal, 64); err == nil {
			return f == r
		}
	}
	if b, ok := value.(bool); ok {
		if r, err := strconv.ParseBool(literal); err == nil {
			return b == r
		}
	}
	return fmt.Sprintf("%v", value) == literal
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
