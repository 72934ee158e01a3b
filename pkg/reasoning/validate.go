package reasoning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
)

// ValidationError reports an output that failed its agent's schema.
type ValidationError struct {
	AgentID string
	Detail  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("output validation failed for agent %q: %s", e.AgentID, e.Detail)
}

// OutputValidator checks worker outputs against the output_schema their
// registry entry declares. Compiled schemas are cached per agent.
type OutputValidator struct {
	cfg *config.Config

	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func NewOutputValidator(cfg *config.Config) *OutputValidator {
	return &OutputValidator{cfg: cfg, cache: map[string]*jsonschema.Schema{}}
}

// Validate stamps the standard metadata fields and validates output
// against the agent's schema. Agents without a schema pass unchecked.
func (v *OutputValidator) Validate(agent *registry.Agent, output map[string]any) error {
	if len(output) == 0 {
		return &ValidationError{AgentID: agent.AgentID, Detail: "output is empty"}
	}

	if _, ok := output["agent_id"]; !ok {
		output["agent_id"] = agent.AgentID
	}
	if _, ok := output["timestamp"]; !ok {
		output["timestamp"] = time.Now().UTC().Format(storage.TimestampFormat)
	}
	if _, ok := output["version"]; !ok {
		output["version"] = v.cfg.Schema.DefaultVersion
	}

	if len(agent.OutputSchema) == 0 {
		return nil
	}
	schema, err := v.schemaFor(agent)
	if err != nil {
		return &ValidationError{AgentID: agent.AgentID, Detail: err.Error()}
	}

	// Round trip through JSON so the instance uses the value kinds the
	// validator expects.
	data, err := json.Marshal(output)
	if err != nil {
		return &ValidationError{AgentID: agent.AgentID, Detail: err.Error()}
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{AgentID: agent.AgentID, Detail: err.Error()}
	}
	if err := schema.Validate(instance); err != nil {
		return &ValidationError{AgentID: agent.AgentID, Detail: err.Error()}
	}
	return nil
}

func (v *OutputValidator) schemaFor(agent *registry.Agent) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if schema, ok := v.cache[agent.AgentID]; ok {
		return schema, nil
	}

	compiler := jsonschema.NewCompiler()
	name := agent.AgentID + "_output.json"
	if err := compiler.AddResource(name, any(agent.OutputSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[agent.AgentID] = schema
	return schema, nil
}

// Invalidate drops a cached schema, for registry hot reloads.
func (v *OutputValidator) Invalidate(agentID string) {
	v.mu.Lock()
	delete(v.cache, agentID)
	v.mu.Unlock()
}
