package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// CreateAgent validates references and schemas, then persists.
func (m *Manager) CreateAgent(agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.agents[agent.AgentID]; exists {
		return validationErrorf(KindDuplicateID, "agent %q already exists", agent.AgentID)
	}
	if err := m.validateAgentLocked(agent); err != nil {
		return err
	}
	m.agents[agent.AgentID] = agent
	if err := m.writeAgentRegistryLocked(); err != nil {
		delete(m.agents, agent.AgentID)
		return err
	}
	slog.Info("agent created", "agent_id", agent.AgentID)
	return nil
}

// UpdateAgent replaces an existing agent.
func (m *Manager) UpdateAgent(agentID string, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, exists := m.agents[agentID]
	if !exists {
		return validationErrorf(KindNotFound, "agent %q not found", agentID)
	}
	if agent.AgentID != agentID {
		return validationErrorf(KindIDMismatch, "agent id mismatch: %q != %q", agentID, agent.AgentID)
	}
	if err := m.validateAgentLocked(agent); err != nil {
		return err
	}
	m.agents[agentID] = agent
	if err := m.writeAgentRegistryLocked(); err != nil {
		m.agents[agentID] = prev
		return err
	}
	slog.Info("agent updated", "agent_id", agentID)
	return nil
}

// DeleteAgent removes an agent after usage checks. The orchestrator is
// undeletable.
func (m *Manager) DeleteAgent(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, exists := m.agents[agentID]
	if !exists {
		return validationErrorf(KindNotFound, "agent %q not found", agentID)
	}
	if agentID == OrchestratorAgentID {
		return validationErrorf(KindProtected, "cannot delete orchestrator agent")
	}
	if orch, ok := m.agents[OrchestratorAgentID]; ok && contains(orch.AllowedAgents, agentID) {
		return validationErrorf(KindInUse,
			"cannot delete agent %q: listed in orchestrator allowed_agents", agentID)
	}
	for _, wf := range m.workflows {
		if contains(wf.RequiredAgents, agentID) {
			return validationErrorf(KindInUse,
				"cannot delete agent %q: required by workflow %q", agentID, wf.WorkflowID)
		}
	}
	delete(m.agents, agentID)
	if err := m.writeAgentRegistryLocked(); err != nil {
		m.agents[agentID] = prev
		return err
	}
	slog.Info("agent deleted", "agent_id", agentID)
	return nil
}

// validateAgentLocked checks reference integrity and schema shape.
func (m *Manager) validateAgentLocked(agent *Agent) error {
	if agent.AgentID == "" {
		return validationErrorf(KindInvalidDocument, "agent_id is required")
	}
	if _, ok := m.models[agent.ModelProfileID]; !ok {
		return validationErrorf(KindDanglingRef, "model profile %q not found", agent.ModelProfileID)
	}
	for _, toolID := range agent.AllowedTools {
		if _, ok := m.tools[toolID]; !ok {
			return validationErrorf(KindDanglingRef, "tool %q not found", toolID)
		}
	}
	for _, peerID := range agent.AllowedAgents {
		if _, ok := m.agents[peerID]; !ok && peerID != agent.AgentID {
			return validationErrorf(KindDanglingRef, "allowed agent %q not found", peerID)
		}
	}
	if err := validateSchemaDoc(agent.InputSchema); err != nil {
		return validationErrorf(KindMalformedSchema, "input schema: %v", err)
	}
	if err := validateSchemaDoc(agent.OutputSchema); err != nil {
		return validationErrorf(KindMalformedSchema, "output schema: %v", err)
	}
	return nil
}

// CreateTool validates schemas and persists.
func (m *Manager) CreateTool(tool *Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tools[tool.ToolID]; exists {
		return validationErrorf(KindDuplicateID, "tool %q already exists", tool.ToolID)
	}
	if err := validateToolSchemas(tool); err != nil {
		return err
	}
	m.tools[tool.ToolID] = tool
	if err := m.writeToolRegistryLocked(); err != nil {
		delete(m.tools, tool.ToolID)
		return err
	}
	slog.Info("tool created", "tool_id", tool.ToolID)
	return nil
}

// UpdateTool replaces an existing tool.
func (m *Manager) UpdateTool(toolID string, tool *Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, exists := m.tools[toolID]
	if !exists {
		return validationErrorf(KindNotFound, "tool %q not found", toolID)
	}
	if tool.ToolID != toolID {
		return validationErrorf(KindIDMismatch, "tool id mismatch: %q != %q", toolID, tool.ToolID)
	}
	if err := validateToolSchemas(tool); err != nil {
		return err
	}
	m.tools[toolID] = tool
	if err := m.writeToolRegistryLocked(); err != nil {
		m.tools[toolID] = prev
		return err
	}
	slog.Info("tool updated", "tool_id", toolID)
	return nil
}

// DeleteTool removes a tool unless an agent still lists it.
func (m *Manager) DeleteTool(toolID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, exists := m.tools[toolID]
	if !exists {
		return validationErrorf(KindNotFound, "tool %q not found", toolID)
	}
	var users []string
	for _, a := range m.agents {
		if contains(a.AllowedTools, toolID) {
			users = append(users, a.AgentID)
		}
	}
	if len(users) > 0 {
		return validationErrorf(KindInUse, "cannot delete tool %q: used by agents %v", toolID, users)
	}
	delete(m.tools, toolID)
	if err := m.writeToolRegistryLocked(); err != nil {
		m.tools[toolID] = prev
		return err
	}
	slog.Info("tool deleted", "tool_id", toolID)
	return nil
}

func validateToolSchemas(tool *Tool) error {
	if tool.ToolID == "" {
		return validationErrorf(KindInvalidDocument, "tool_id is required")
	}
	if err := validateSchemaDoc(tool.InputSchema); err != nil {
		return validationErrorf(KindMalformedSchema, "input schema: %v", err)
	}
	if err := validateSchemaDoc(tool.OutputSchema); err != nil {
		return validationErrorf(KindMalformedSchema, "output schema: %v", err)
	}
	return nil
}

// CreateModelProfile persists a new profile.
func (m *Manager) CreateModelProfile(profile *ModelProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.models[profile.ProfileID]; exists {
		return validationErrorf(KindDuplicateID, "model profile %q already exists", profile.ProfileID)
	}
	m.models[profile.ProfileID] = profile
	if err := m.writeModelRegistryLocked(); err != nil {
		delete(m.models, profile.ProfileID)
		return err
	}
	slog.Info("model profile created", "profile_id", profile.ProfileID)
	return nil
}

// UpdateModelProfile replaces an existing profile.
func (m *Manager) UpdateModelProfile(profileID string, profile *ModelProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, exists := m.models[profileID]
	if !exists {
		return validationErrorf(KindNotFound, "model profile %q not found", profileID)
	}
	if profile.ProfileID != profileID {
		return validationErrorf(KindIDMismatch, "profile id mismatch: %q != %q", profileID, profile.ProfileID)
	}
	m.models[profileID] = profile
	if err := m.writeModelRegistryLocked(); err != nil {
		m.models[profileID] = prev
		return err
	}
	slog.Info("model profile updated", "profile_id", profileID)
	return nil
}

// DeleteModelProfile removes a profile unless an agent references it.
func (m *Manager) DeleteModelProfile(profileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, exists := m.models[profileID]
	if !exists {
		return validationErrorf(KindNotFound, "model profile %q not found", profileID)
	}
	var users []string
	for _, a := range m.agents {
		if a.ModelProfileID == profileID {
			users = append(users, a.AgentID)
		}
	}
	if len(users) > 0 {
		return validationErrorf(KindInUse,
			"cannot delete model profile %q: used by agents %v", profileID, users)
	}
	delete(m.models, profileID)
	if err := m.writeModelRegistryLocked(); err != nil {
		m.models[profileID] = prev
		return err
	}
	slog.Info("model profile deleted", "profile_id", profileID)
	return nil
}

// CreateWorkflow persists a new workflow file.
func (m *Manager) CreateWorkflow(wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[wf.WorkflowID]; exists {
		return validationErrorf(KindDuplicateID, "workflow %q already exists", wf.WorkflowID)
	}
	if err := m.validateWorkflowLocked(wf); err != nil {
		return err
	}
	m.workflows[wf.WorkflowID] = wf
	if err := m.writeWorkflowLocked(wf); err != nil {
		delete(m.workflows, wf.WorkflowID)
		return err
	}
	slog.Info("workflow created", "workflow_id", wf.WorkflowID)
	return nil
}

// UpdateWorkflow replaces an existing workflow.
func (m *Manager) UpdateWorkflow(workflowID string, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, exists := m.workflows[workflowID]
	if !exists {
		return validationErrorf(KindNotFound, "workflow %q not found", workflowID)
	}
	if wf.WorkflowID != workflowID {
		return validationErrorf(KindIDMismatch, "workflow id mismatch: %q != %q", workflowID, wf.WorkflowID)
	}
	if err := m.validateWorkflowLocked(wf); err != nil {
		return err
	}
	m.workflows[workflowID] = wf
	if err := m.writeWorkflowLocked(wf); err != nil {
		m.workflows[workflowID] = prev
		return err
	}
	slog.Info("workflow updated", "workflow_id", workflowID)
	return nil
}

// DeleteWorkflow removes the workflow and its backing file.
func (m *Manager) DeleteWorkflow(workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[workflowID]; !exists {
		return validationErrorf(KindNotFound, "workflow %q not found", workflowID)
	}
	delete(m.workflows, workflowID)
	path := filepath.Join(m.path, workflowsDir, workflowID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove workflow file: %w", err)
	}
	slog.Info("workflow deleted", "workflow_id", workflowID)
	return nil
}

// validateWorkflowLocked checks agent references including after_agent
// checkpoint bindings.
func (m *Manager) validateWorkflowLocked(wf *Workflow) error {
	if wf.WorkflowID == "" {
		return validationErrorf(KindInvalidDocument, "workflow_id is required")
	}
	for _, agentID := range wf.RequiredAgents {
		if _, ok := m.agents[agentID]; !ok {
			return validationErrorf(KindDanglingRef, "required agent %q not found", agentID)
		}
	}
	for _, cp := range wf.HITLCheckpoints {
		if cp.TriggerPoint == "after_agent" {
			if cp.AgentID == "" {
				return validationErrorf(KindInvalidDocument,
					"checkpoint %q: after_agent trigger requires agent_id", cp.CheckpointID)
			}
			if _, ok := m.agents[cp.AgentID]; !ok {
				return validationErrorf(KindDanglingRef,
					"checkpoint %q references unknown agent %q", cp.CheckpointID, cp.AgentID)
			}
		}
	}
	return nil
}

// UpdateGovernancePolicies replaces the single policy document.
func (m *Manager) UpdateGovernancePolicies(gp *GovernancePolicies) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.governance
	m.governance = gp
	if err := writeJSONAtomic(filepath.Join(m.path, governanceFile), gp); err != nil {
		m.governance = prev
		return err
	}
	slog.Info("governance policies updated")
	return nil
}

// SystemConfig reads the system_config document.
func (m *Manager) SystemConfig() (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(m.path, systemConfigFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, validationErrorf(KindNotFound, "system config not found")
		}
		return nil, fmt.Errorf("read system config: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse system config: %w", err)
	}
	return doc, nil
}

// UpdateSystemConfig writes the system_config document with a refreshed
// last_updated stamp.
func (m *Manager) UpdateSystemConfig(doc map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc["last_updated"] = time.Now().UTC().Format(time.RFC3339)
	return writeJSONAtomic(filepath.Join(m.path, systemConfigFile), doc)
}

// ContextStrategies reads the context_strategies document (pipeline and
// compaction configuration).
func (m *Manager) ContextStrategies() (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(m.path, strategiesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read context strategies: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse context strategies: %w", err)
	}
	return doc, nil
}

// ProcessorPipelineConfig reads the context_processor_pipeline document.
// A missing document yields an empty pipeline (passthrough compilation).
func (m *Manager) ProcessorPipelineConfig() (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(m.path, pipelineFile))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read processor pipeline config: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse processor pipeline config: %w", err)
	}
	return doc, nil
}

// UpdateContextStrategies writes the context_strategies document.
func (m *Manager) UpdateContextStrategies(doc map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return writeJSONAtomic(filepath.Join(m.path, strategiesFile), doc)
}

// Persistence. Callers hold the write lock.

func (m *Manager) writeAgentRegistryLocked() error {
	agents := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, a)
	}
	return writeJSONAtomic(filepath.Join(m.path, agentRegistryFile), map[string]any{
		"version":      "1.0.0",
		"last_updated": time.Now().UTC().Format(time.RFC3339),
		"agents":       agents,
	})
}

func (m *Manager) writeToolRegistryLocked() error {
	tools := make([]*Tool, 0, len(m.tools))
	for _, t := range m.tools {
		tools = append(tools, t)
	}
	return writeJSONAtomic(filepath.Join(m.path, toolRegistryFile), map[string]any{
		"version":      "1.0.0",
		"last_updated": time.Now().UTC().Format(time.RFC3339),
		"tools":        tools,
	})
}

func (m *Manager) writeModelRegistryLocked() error {
	profiles := make([]*ModelProfile, 0, len(m.models))
	for _, p := range m.models {
		profiles = append(profiles, p)
	}
	return writeJSONAtomic(filepath.Join(m.path, modelProfilesFile), map[string]any{
		"version":      "1.0.0",
		"last_updated": time.Now().UTC().Format(time.RFC3339),
		"profiles":     profiles,
	})
}

func (m *Manager) writeWorkflowLocked(wf *Workflow) error {
	dir := filepath.Join(m.path, workflowsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workflows dir: %w", err)
	}
	return writeJSONAtomic(filepath.Join(dir, wf.WorkflowID+".json"), wf)
}

// writeJSONAtomic writes v to a temp file in the target directory and
// renames it over path.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
