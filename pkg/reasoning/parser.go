package reasoning

import (
	"encoding/json"
	"fmt"

	"github.com/maestroproj/maestro/pkg/llms"
)

// ParseError marks a model reply that could not be turned into a valid
// action. Callers substitute a fallback reasoning instead of aborting.
type ParseError struct {
	Detail string
}

func (e *ParseError) Error() string { return "response parse error: " + e.Detail }

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Detail: fmt.Sprintf(format, args...)}
}

// ParseWorkerResponse decodes a worker reply into reasoning plus action.
func ParseWorkerResponse(content string) (*AgentReasoning, error) {
	raw, err := decodeReply(content)
	if err != nil {
		return nil, err
	}
	reasoning, ok := raw["reasoning"].(string)
	if !ok || reasoning == "" {
		return nil, parseErrorf("missing required field: reasoning")
	}
	action, ok := raw["action"].(map[string]any)
	if !ok {
		return nil, parseErrorf("missing required field: action")
	}
	actionType, _ := action["type"].(string)

	switch actionType {
	case ActionUseTools:
		requestsRaw, ok := action["tool_requests"].([]any)
		if !ok {
			return nil, parseErrorf("use_tools action requires tool_requests field")
		}
		var requests []ToolRequest
		for _, item := range requestsRaw {
			req, ok := item.(map[string]any)
			if !ok {
				return nil, parseErrorf("tool request must be an object")
			}
			toolID, _ := req["tool_id"].(string)
			if toolID == "" {
				return nil, parseErrorf("tool request missing tool_id")
			}
			parameters, _ := req["parameters"].(map[string]any)
			if parameters == nil {
				parameters = map[string]any{}
			}
			requests = append(requests, ToolRequest{ToolID: toolID, Parameters: parameters})
		}
		return &AgentReasoning{
			Reasoning: reasoning,
			Action:    AgentAction{Type: ActionUseTools, ToolRequests: requests},
		}, nil

	case ActionFinalOutput:
		output, ok := action["output"].(map[string]any)
		if !ok {
			return nil, parseErrorf("final_output action requires output field")
		}
		return &AgentReasoning{
			Reasoning: reasoning,
			Action:    AgentAction{Type: ActionFinalOutput, Output: output},
		}, nil
	}
	return nil, parseErrorf("invalid action type %q, expected use_tools or final_output", actionType)
}

// ParseOrchestratorResponse decodes a meta-agent reply.
func ParseOrchestratorResponse(content string) (*OrchestratorReasoning, error) {
	raw, err := decodeReply(content)
	if err != nil {
		return nil, err
	}
	reasoning, ok := raw["reasoning"].(string)
	if !ok || reasoning == "" {
		return nil, parseErrorf("missing required field: reasoning")
	}
	assessment, ok := raw["workflow_state_assessment"].(string)
	if !ok {
		return nil, parseErrorf("missing required field: workflow_state_assessment")
	}
	action, ok := raw["action"].(map[string]any)
	if !ok {
		return nil, parseErrorf("missing required field: action")
	}
	actionType, _ := action["type"].(string)

	switch actionType {
	case ActionInvokeAgents:
		requestsRaw, ok := action["agent_requests"].([]any)
		if !ok {
			return nil, parseErrorf("invoke_agents action requires agent_requests field")
		}
		var requests []AgentInvocationRequest
		for _, item := range requestsRaw {
			req, ok := item.(map[string]any)
			if !ok {
				return nil, parseErrorf("agent request must be an object")
			}
			agentID, _ := req["agent_id"].(string)
			if agentID == "" {
				return nil, parseErrorf("agent request missing agent_id")
			}
			why, _ := req["reasoning"].(string)
			if why == "" {
				why = "No reasoning provided"
			}
			requests = append(requests, AgentInvocationRequest{AgentID: agentID, Reasoning: why})
		}
		return &OrchestratorReasoning{
			Reasoning:               reasoning,
			WorkflowStateAssessment: assessment,
			Action:                  OrchestratorAction{Type: ActionInvokeAgents, AgentRequests: requests},
		}, nil

	case ActionWorkflowComplete:
		evidenceMap, ok := action["evidence_map"].(map[string]any)
		if !ok {
			return nil, parseErrorf("workflow_complete action requires evidence_map field")
		}
		return &OrchestratorReasoning{
			Reasoning:               reasoning,
			WorkflowStateAssessment: assessment,
			Action:                  OrchestratorAction{Type: ActionWorkflowComplete, EvidenceMap: evidenceMap},
		}, nil
	}
	return nil, parseErrorf("invalid action type %q, expected invoke_agents or workflow_complete", actionType)
}

func decodeReply(content string) (map[string]any, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(llms.ExtractJSON(content)), &raw); err != nil {
		return nil, parseErrorf("invalid JSON in response: %v", err)
	}
	return raw, nil
}

// FallbackWorkerReasoning terminates a worker gracefully when its reply
// was unusable.
func FallbackWorkerReasoning(detail string) *AgentReasoning {
	return &AgentReasoning{
		Reasoning: fmt.Sprintf("Response parsing failed: %s. Returning empty output.", detail),
		Action: AgentAction{
			Type: ActionFinalOutput,
			Output: map[string]any{
				"error":   "response_parse_failure",
				"details": detail,
			},
		},
	}
}

// FallbackOrchestratorReasoning forces workflow completion when the
// meta-agent's reply was unusable.
func FallbackOrchestratorReasoning(detail string, executedAgents []string) *OrchestratorReasoning {
	chain := make([]any, len(executedAgents))
	for i, id := range executedAgents {
		chain[i] = id
	}
	return &OrchestratorReasoning{
		Reasoning: fmt.Sprintf("Response parsing failed: %s. Forcing workflow completion.", detail),
		WorkflowStateAssessment: fmt.Sprintf(
			"Agents executed: %v. Forced completion due to parse failure.", executedAgents),
		Action: OrchestratorAction{
			Type: ActionWorkflowComplete,
			EvidenceMap: map[string]any{
				"decision":            map[string]any{"error": "response_parse_failure"},
				"supporting_evidence": []any{},
				"assumptions":         []any{"Response parsing failed, forced completion"},
				"limitations":         []any{detail},
				"agent_chain":         chain,
			},
		},
	}
}
