// Package reasoning implements the ReAct loops: worker agents that
// alternate tool use with reasoning, and the orchestrator meta-loop that
// discovers and invokes workers until the workflow goal is met.
package reasoning

// Worker action types.
const (
	ActionUseTools    = "use_tools"
	ActionFinalOutput = "final_output"
)

// Orchestrator action types.
const (
	ActionInvokeAgents     = "invoke_agents"
	ActionWorkflowComplete = "workflow_complete"
)

// ToolRequest is one tool invocation a worker asked for.
type ToolRequest struct {
	ToolID     string         `json:"tool_id"`
	Parameters map[string]any `json:"parameters"`
}

// AgentAction is a worker's decided action for one iteration.
type AgentAction struct {
	Type         string         `json:"type"`
	ToolRequests []ToolRequest  `json:"tool_requests,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
}

// AgentReasoning is a worker's parsed reply.
type AgentReasoning struct {
	Reasoning string      `json:"reasoning"`
	Action    AgentAction `json:"action"`
}

// AgentResult is the outcome of one worker execution.
type AgentResult struct {
	AgentID        string         `json:"agent_id"`
	Status         string         `json:"status"` // completed, incomplete, error
	Output         map[string]any `json:"output,omitempty"`
	IterationsUsed int            `json:"iterations_used"`
	ToolCallsMade  int            `json:"tool_calls_made"`
	Error          string         `json:"error,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
}

// AgentInvocationRequest is one worker the orchestrator wants to run,
// with its stated justification.
type AgentInvocationRequest struct {
	AgentID   string `json:"agent_id"`
	Reasoning string `json:"reasoning"`
}

// OrchestratorAction is the meta-agent's decided action.
type OrchestratorAction struct {
	Type          string                   `json:"type"`
	AgentRequests []AgentInvocationRequest `json:"agent_requests,omitempty"`
	EvidenceMap   map[string]any           `json:"evidence_map,omitempty"`
}

// OrchestratorReasoning is the meta-agent's parsed reply.
type OrchestratorReasoning struct {
	Reasoning               string             `json:"reasoning"`
	WorkflowStateAssessment string             `json:"workflow_state_assessment"`
	Action                  OrchestratorAction `json:"action"`
}

// OrchestratorResult is the outcome of a workflow run.
type OrchestratorResult struct {
	SessionID             string         `json:"session_id"`
	WorkflowID            string         `json:"workflow_id"`
	Status                string         `json:"status"` // completed, incomplete, cancelled, error
	CompletionReason      string         `json:"completion_reason,omitempty"`
	EvidenceMap           map[string]any `json:"evidence_map,omitempty"`
	AgentsExecuted        []string       `json:"agents_executed"`
	TotalIterations       int            `json:"total_iterations"`
	TotalAgentInvocations int            `json:"total_agent_invocations"`
	Error                 string         `json:"error,omitempty"`
	Warnings              []string       `json:"warnings,omitempty"`
}
