// Package registry holds the hot-reloadable catalogs of agents, tools,
// model profiles, workflows and governance policies, backed by JSON
// documents on disk.
package registry

// OrchestratorAgentID is the reserved id of the meta-agent. It cannot be
// deleted and its allowed_agents list defines the reachable worker set.
const OrchestratorAgentID = "orchestrator_agent"

// ContextRequirements shapes what a worker's compiled context may contain.
type ContextRequirements struct {
	MaxContextTokens     int            `json:"max_context_tokens,omitempty"`
	RequiresPriorOutputs []string       `json:"requires_prior_outputs,omitempty"`
	BudgetAllocation     map[string]int `json:"budget_allocation,omitempty"`
	ArtifactAccess       string         `json:"artifact_access,omitempty"` // on_demand or preload
	ContextScope         string         `json:"context_scope,omitempty"`   // minimal, scoped, full
}

// Agent is a registry entry for an LLM worker (or the orchestrator).
type Agent struct {
	AgentID                 string              `json:"agent_id"`
	Name                    string              `json:"name"`
	Description             string              `json:"description"`
	Capabilities            []string            `json:"capabilities"`
	AllowedTools            []string            `json:"allowed_tools,omitempty"`
	AllowedAgents           []string            `json:"allowed_agents,omitempty"`
	ModelProfileID          string              `json:"model_profile_id"`
	MaxIterations           int                 `json:"max_iterations"`
	IterationTimeoutSeconds int                 `json:"iteration_timeout_seconds"`
	InputSchema             map[string]any      `json:"input_schema,omitempty"`
	OutputSchema            map[string]any      `json:"output_schema"`
	ContextRequirements     ContextRequirements `json:"context_requirements"`
}

// Tool is a registry entry for an external tool served by the gateway.
type Tool struct {
	ToolID       string         `json:"tool_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	Endpoint     string         `json:"endpoint"`
	InputSchema  map[string]any `json:"input_schema"`
	OutputSchema map[string]any `json:"output_schema"`
	LineageTags  []string       `json:"lineage_tags"`
}

// RetryPolicy is an LLM retry policy carried by a model profile.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries"`
	InitialDelayMs    int     `json:"initial_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// ModelProfile describes how to call a provider model.
type ModelProfile struct {
	ProfileID      string         `json:"profile_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Provider       string         `json:"provider"` // openai, anthropic
	ModelName      string         `json:"model_name"`
	IntendedUsage  string         `json:"intended_usage,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	JSONMode       bool           `json:"json_mode"`
	Constraints    map[string]any `json:"constraints,omitempty"`
	RetryPolicy    RetryPolicy    `json:"retry_policy"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// TriggerCondition gates a checkpoint. Type is output_based, input_based
// or always; Condition is a restricted "field op literal" expression.
type TriggerCondition struct {
	Type      string `json:"type"`
	Condition string `json:"condition,omitempty"`
}

// TimeoutConfig controls checkpoint expiry.
type TimeoutConfig struct {
	Enabled        bool   `json:"enabled"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	OnTimeout      string `json:"on_timeout,omitempty"` // auto_approve, auto_reject, escalate
}

// NotificationConfig describes how humans hear about a checkpoint.
type NotificationConfig struct {
	Enabled  bool     `json:"enabled"`
	Channels []string `json:"channels,omitempty"`
	Urgency  string   `json:"urgency,omitempty"`
}

// CheckpointConfig declares a HITL pause point inside a workflow.
type CheckpointConfig struct {
	CheckpointID       string             `json:"checkpoint_id"`
	CheckpointType     string             `json:"checkpoint_type"` // approval, decision, input, escalation
	TriggerPoint       string             `json:"trigger_point"`   // pre_workflow, after_agent, before_completion
	AgentID            string             `json:"agent_id,omitempty"`
	CheckpointName     string             `json:"checkpoint_name"`
	Description        string             `json:"description,omitempty"`
	RequiredRole       string             `json:"required_role"`
	TriggerCondition   *TriggerCondition  `json:"trigger_condition,omitempty"`
	TimeoutConfig      TimeoutConfig      `json:"timeout_config"`
	NotificationConfig NotificationConfig `json:"notification_config"`
	UISchema           map[string]any     `json:"ui_schema,omitempty"`
}

// Workflow is an advisory (or strict) execution plan.
type Workflow struct {
	WorkflowID         string             `json:"workflow_id"`
	Name               string             `json:"name"`
	Description        string             `json:"description"`
	Version            string             `json:"version"`
	Mode               string             `json:"mode"` // advisory or strict
	Goal               string             `json:"goal,omitempty"`
	Steps              []map[string]any   `json:"steps,omitempty"`
	SuggestedSequence  []string           `json:"suggested_sequence,omitempty"`
	RequiredAgents     []string           `json:"required_agents,omitempty"`
	OptionalAgents     []string           `json:"optional_agents,omitempty"`
	CompletionCriteria map[string]any     `json:"completion_criteria,omitempty"`
	Constraints        map[string]any     `json:"constraints,omitempty"`
	Metadata           map[string]any     `json:"metadata,omitempty"`
	HITLCheckpoints    []CheckpointConfig `json:"hitl_checkpoints,omitempty"`
}

// CheckpointsFor returns the workflow checkpoints matching a trigger
// point, further narrowed by agent id for after_agent checkpoints.
func (w *Workflow) CheckpointsFor(triggerPoint, agentID string) []CheckpointConfig {
	var out []CheckpointConfig
	for _, cp := range w.HITLCheckpoints {
		if cp.TriggerPoint != triggerPoint {
			continue
		}
		if triggerPoint == "after_agent" && cp.AgentID != agentID {
			continue
		}
		out = append(out, cp)
	}
	return out
}

// GovernancePolicies is the single policy document. Policies is keyed by
// policy name (agent_invocation_access, agent_tool_access,
// multi_agent_handoffs, context_filtering, resource limits).
type GovernancePolicies struct {
	Version  string         `json:"version"`
	Policies map[string]any `json:"policies"`
}

// accessRule is the shape of one allow/deny entry inside an access policy.
type accessRule struct {
	AgentID       string   `mapstructure:"agent_id"`
	AllowedAgents []string `mapstructure:"allowed_agents"`
	DeniedAgents  []string `mapstructure:"denied_agents"`
	AllowedTools  []string `mapstructure:"allowed_tools"`
	DeniedTools   []string `mapstructure:"denied_tools"`
}

// Stats is the registry observability snapshot.
type Stats struct {
	LoadedAt  string         `json:"loaded_at,omitempty"`
	LoadCount int            `json:"load_count"`
	Counts    map[string]int `json:"counts"`
}
