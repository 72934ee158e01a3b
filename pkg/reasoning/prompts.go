package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maestroproj/maestro/pkg/llms"
	"github.com/maestroproj/maestro/pkg/registry"
)

// BuildWorkerPrompt assembles the system prompt for one worker
// iteration: role, tool catalog, working context and prior tool
// observations, with strict JSON output instructions.
func BuildWorkerPrompt(agent *registry.Agent, tools []*registry.Tool,
	workingContext map[string]any, observations []map[string]any) []llms.Message {

	catalog := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		catalog = append(catalog, map[string]any{
			"tool_id":      tool.ToolID,
			"name":         tool.Name,
			"description":  tool.Description,
			"input_schema": tool.InputSchema,
		})
	}

	var capabilities strings.Builder
	for _, cap := range agent.Capabilities {
		fmt.Fprintf(&capabilities, "- %s\n", cap)
	}

	prompt := fmt.Sprintf(`You are %s, a specialized worker agent.

## Your Role
%s

## Your Capabilities
%s
## Available Tools
You have access to the following tools (and ONLY these tools):

%s

**IMPORTANT**: You MUST ONLY use tools from the list above. Do NOT invent or request tools that are not listed. If you need functionality that isn't available, work with what you have or provide a final output based on the available context.

## Working Context
You have access to the following information:

%s

## Your Task
You must:
1. Analyze the working context based on your capabilities
2. Decide which tools (if any) you need to invoke to complete your analysis
3. Use tools iteratively - you can call tools, review results, and call more tools
4. When you have sufficient information, produce your final output

## Output Format
You MUST respond with valid JSON in this exact structure:

{
  "reasoning": "Your step-by-step reasoning about the task and your approach",
  "action": {
    "type": "use_tools" | "final_output",
    "tool_requests": [
      {
        "tool_id": "tool_id_here",
        "parameters": {}
      }
    ],
    "output": {}
  }
}

## Action Types
- **use_tools**: Request one or more tools to gather information. You can request multiple tools in parallel.
- **final_output**: Provide your final analysis when you have sufficient information.

## Critical Rules
1. **STRICTLY use ONLY tools from the Available Tools list above** - never invent or request unlisted tools
2. If the Available Tools list is empty, you must complete your task using only the Working Context without any tool invocations
3. Use tool results from observations to inform your reasoning
4. Don't use the same tool with identical parameters multiple times
5. Signal final_output only when you can produce a complete analysis (even with limited tools)
6. ALWAYS return valid JSON - no markdown, no extra text
7. Your final output MUST conform to your agent's output schema

## Tool Invocation Observations
%s

Now reason about the task and decide your next action.`,
		agent.Name, agent.Description, capabilities.String(),
		indentJSON(catalog), indentJSON(workingContext), indentJSON(observations))

	return []llms.Message{{Role: "system", Content: prompt}}
}

// BuildOrchestratorPrompt assembles the meta-agent prompt: workflow
// goal, agent catalog, current state, accumulated outputs and the
// invocation history.
func BuildOrchestratorPrompt(orchestrator *registry.Agent, workflowGoal string,
	availableAgents []map[string]any, workflowState map[string]any,
	priorOutputs map[string]any, observations []map[string]any) []llms.Message {

	prompt := fmt.Sprintf(`You are %s, a meta-agent orchestrating a multi-agent workflow.

## Your Role
%s

## Workflow Goal
%s

## Available Agents
You can discover and invoke the following agents dynamically based on workflow state:

%s

## Current Workflow State
%s

## Prior Agent Outputs
Agents executed so far have produced:

%s

## Your Task
You must reason about:
1. What has been accomplished (agents_executed in workflow state)
2. What is still needed to achieve the workflow goal
3. Which agent(s) should be invoked next based on:
   - Their capabilities and what they can contribute
   - Whether their required_prior_outputs have been satisfied
   - Whether they've already been executed (avoid duplicates unless necessary)
4. When all objectives are met and you have sufficient information to produce an evidence map

## Output Format
You MUST respond with valid JSON in this exact structure:

{
  "reasoning": "Your step-by-step reasoning about the current state and what to do next",
  "workflow_state_assessment": "Summary of what's been done and what's missing",
  "action": {
    "type": "invoke_agents" | "workflow_complete",
    "agent_requests": [
      {
        "agent_id": "agent_id_here",
        "reasoning": "Why this agent is needed now"
      }
    ],
    "evidence_map": {
      "decision": {},
      "supporting_evidence": [],
      "assumptions": [],
      "limitations": [],
      "agent_chain": []
    }
  }
}

## Action Types
- **invoke_agents**: Select one or more agents to invoke next. Provide clear reasoning for each.
- **workflow_complete**: Signal that all objectives are achieved and provide final evidence map.

## Critical Rules
1. Only invoke agents whose required_prior_outputs have been satisfied
2. Avoid invoking the same agent multiple times unless absolutely necessary
3. Prioritize agents that build on prior outputs
4. Signal workflow_complete only when you have sufficient information for a comprehensive evidence map
5. ALWAYS return valid JSON - no markdown, no extra text

## Observations from Previous Iterations
%s

Now reason about the workflow state and decide the next action.`,
		orchestrator.Name, orchestrator.Description, workflowGoal,
		indentJSON(availableAgents), indentJSON(workflowState),
		indentJSON(priorOutputs), indentJSON(observations))

	return []llms.Message{{Role: "system", Content: prompt}}
}

func indentJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
