package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	agentRegistryFile = "agent_registry.json"
	toolRegistryFile  = "tool_registry.json"
	modelProfilesFile = "model_profiles.json"
	governanceFile    = "governance_policies.json"
	systemConfigFile  = "system_config.json"
	strategiesFile    = "context_strategies.json"
	pipelineFile      = "context_processor_pipeline.json"
	workflowsDir      = "workflows"
)

// Manager owns the in-memory catalogs and their backing documents.
// Reads take the read half of the lock; writes validate, mutate the
// in-memory copy, persist atomically and reload.
type Manager struct {
	path string

	mu         sync.RWMutex
	agents     map[string]*Agent
	tools      map[string]*Tool
	models     map[string]*ModelProfile
	workflows  map[string]*Workflow
	governance *GovernancePolicies

	loadedAt  time.Time
	loadCount int
}

// NewManager returns a manager over the registry directory. Call LoadAll
// before serving.
func NewManager(path string) *Manager {
	return &Manager{
		path:      path,
		agents:    map[string]*Agent{},
		tools:     map[string]*Tool{},
		models:    map[string]*ModelProfile{},
		workflows: map[string]*Workflow{},
	}
}

// LoadAll re-reads every backing document and atomically swaps the
// in-memory snapshot. Invalid entries are skipped with a warning; a
// missing document leaves its catalog empty.
func (m *Manager) LoadAll() error {
	agents, err := loadListDoc[Agent](filepath.Join(m.path, agentRegistryFile), "agents", func(a *Agent) string { return a.AgentID })
	if err != nil {
		return err
	}
	tools, err := loadListDoc[Tool](filepath.Join(m.path, toolRegistryFile), "tools", func(t *Tool) string { return t.ToolID })
	if err != nil {
		return err
	}
	models, err := loadListDoc[ModelProfile](filepath.Join(m.path, modelProfilesFile), "profiles", func(p *ModelProfile) string { return p.ProfileID })
	if err != nil {
		return err
	}
	workflows, err := m.loadWorkflows()
	if err != nil {
		return err
	}
	governance, err := m.loadGovernance()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.agents = agents
	m.tools = tools
	m.models = models
	m.workflows = workflows
	m.governance = governance
	m.loadedAt = time.Now().UTC()
	m.loadCount++
	count := m.loadCount
	m.mu.Unlock()

	slog.Info("registries loaded",
		"load_count", count,
		"agents", len(agents), "tools", len(tools),
		"models", len(models), "workflows", len(workflows))
	return nil
}

// loadListDoc reads a {"<key>": [...]} document and decodes each entry,
// skipping ones that fail to decode.
func loadListDoc[T any](path, key string, idOf func(*T) string) (map[string]*T, error) {
	out := map[string]*T{}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("registry document missing", "path", path)
			return out, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var entries []map[string]any
	if err := json.Unmarshal(doc[key], &entries); err != nil {
		return nil, fmt.Errorf("parse %s entries: %w", path, err)
	}
	for _, entry := range entries {
		item := new(T)
		if err := decodeEntry(entry, item); err != nil {
			slog.Warn("skipping invalid registry entry", "path", path, "error", err)
			continue
		}
		out[idOf(item)] = item
	}
	return out, nil
}

// decodeEntry decodes a JSON map into a typed record using the record's
// json field names.
func decodeEntry(entry map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(entry)
}

func (m *Manager) loadWorkflows() (map[string]*Workflow, error) {
	out := map[string]*Workflow{}
	dir := filepath.Join(m.path, workflowsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read workflow %s: %w", e.Name(), err)
		}
		var entry map[string]any
		if err := json.Unmarshal(raw, &entry); err != nil {
			slog.Warn("skipping invalid workflow document", "file", e.Name(), "error", err)
			continue
		}
		wf := &Workflow{}
		if err := decodeEntry(entry, wf); err != nil {
			slog.Warn("skipping invalid workflow document", "file", e.Name(), "error", err)
			continue
		}
		out[wf.WorkflowID] = wf
	}
	return out, nil
}

func (m *Manager) loadGovernance() (*GovernancePolicies, error) {
	raw, err := os.ReadFile(filepath.Join(m.path, governanceFile))
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("governance policies missing; access checks default-deny")
			return nil, nil
		}
		return nil, fmt.Errorf("read governance policies: %w", err)
	}
	gp := &GovernancePolicies{}
	if err := json.Unmarshal(raw, gp); err != nil {
		return nil, fmt.Errorf("parse governance policies: %w", err)
	}
	return gp, nil
}

// Agent lookups.

func (m *Manager) GetAgent(id string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// ListAgents returns all agents, optionally filtered by capability.
func (m *Manager) ListAgents(capability string) []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		if capability != "" && !contains(a.Capabilities, capability) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// AgentsForOrchestrator returns the agents the orchestrator may invoke,
// in the order of its allowed_agents list.
func (m *Manager) AgentsForOrchestrator() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orch, ok := m.agents[OrchestratorAgentID]
	if !ok {
		return nil
	}
	out := make([]*Agent, 0, len(orch.AllowedAgents))
	for _, id := range orch.AllowedAgents {
		if a, ok := m.agents[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// Tool lookups.

func (m *Manager) GetTool(id string) (*Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tools[id]
	return t, ok
}

// ListTools returns all tools, optionally filtered by lineage tag.
func (m *Manager) ListTools(tag string) []*Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Tool, 0, len(m.tools))
	for _, t := range m.tools {
		if tag != "" && !contains(t.LineageTags, tag) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// ToolsForAgent returns the tools in the agent's allowed_tools list.
func (m *Manager) ToolsForAgent(agentID string) []*Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]*Tool, 0, len(a.AllowedTools))
	for _, id := range a.AllowedTools {
		if t, ok := m.tools[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Model profile and workflow lookups.

func (m *Manager) GetModelProfile(id string) (*ModelProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.models[id]
	return p, ok
}

func (m *Manager) ListModelProfiles() []*ModelProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ModelProfile, 0, len(m.models))
	for _, p := range m.models {
		out = append(out, p)
	}
	return out
}

func (m *Manager) GetWorkflow(id string) (*Workflow, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workflows[id]
	return w, ok
}

func (m *Manager) ListWorkflows() []*Workflow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Workflow, 0, len(m.workflows))
	for _, w := range m.workflows {
		out = append(out, w)
	}
	return out
}

// Governance.

// GovernancePoliciesDoc returns the loaded policy document, or nil.
func (m *Manager) GovernancePoliciesDoc() *GovernancePolicies {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.governance
}

// IsAgentInvocationAllowed consults the agent_invocation_access policy.
// Denied wins over allowed; agents with no matching rule are denied.
// With no policy document loaded, everything is allowed.
func (m *Manager) IsAgentInvocationAllowed(invokerID, targetID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.governance == nil {
		return true
	}
	for _, rule := range m.policyRules("agent_invocation_access") {
		if rule.AgentID != invokerID {
			continue
		}
		if contains(rule.DeniedAgents, targetID) {
			return false
		}
		if contains(rule.AllowedAgents, targetID) {
			return true
		}
	}
	return false
}

// IsToolAccessAllowed consults the agent_tool_access policy with the same
// default-deny, denied-wins semantics.
func (m *Manager) IsToolAccessAllowed(agentID, toolID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.governance == nil {
		return true
	}
	for _, rule := range m.policyRules("agent_tool_access") {
		if rule.AgentID != agentID {
			continue
		}
		if contains(rule.DeniedTools, toolID) {
			return false
		}
		if contains(rule.AllowedTools, toolID) {
			return true
		}
	}
	return false
}

// policyRules decodes the rules list of one policy. Callers hold the lock.
func (m *Manager) policyRules(policyName string) []accessRule {
	policy, ok := m.governance.Policies[policyName].(map[string]any)
	if !ok {
		return nil
	}
	rawRules, ok := policy["rules"].([]any)
	if !ok {
		return nil
	}
	rules := make([]accessRule, 0, len(rawRules))
	for _, rr := range rawRules {
		entry, ok := rr.(map[string]any)
		if !ok {
			continue
		}
		var rule accessRule
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &rule})
		if err != nil || dec.Decode(entry) != nil {
			continue
		}
		rules = append(rules, rule)
	}
	return rules
}

// Stats returns counts and load metadata.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{
		LoadCount: m.loadCount,
		Counts: map[string]int{
			"agents":    len(m.agents),
			"tools":     len(m.tools),
			"models":    len(m.models),
			"workflows": len(m.workflows),
		},
	}
	if !m.loadedAt.IsZero() {
		s.LoadedAt = m.loadedAt.Format(time.RFC3339)
	}
	return s
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// validateSchemaDoc checks that a user-supplied JSON-Schema document is
// well formed (draft 2020-12).
func validateSchemaDoc(doc map[string]any) error {
	if doc == nil {
		return nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", any(doc)); err != nil {
		return err
	}
	_, err := c.Compile("schema.json")
	return err
}
