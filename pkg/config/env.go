package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// envLimitVars maps environment variables to config keys. Values are
// parsed as the target type; unparseable values are ignored.
var envLimitVars = map[string]string{
	"ORCHESTRATOR_MAX_ITERATIONS":            "orchestrator.max_iterations",
	"ORCHESTRATOR_ITERATION_TIMEOUT_SECONDS": "orchestrator.iteration_timeout_seconds",
	"WORKFLOW_MAX_DURATION_SECONDS":          "workflow.max_duration_seconds",
	"WORKFLOW_MAX_AGENT_INVOCATIONS":         "workflow.max_agent_invocations",
	"AGENT_DEFAULT_MAX_ITERATIONS":           "agent.default_max_iterations",
	"AGENT_MAX_DUPLICATE_INVOCATIONS":        "agent.max_duplicate_invocations",
	"LLM_TIMEOUT_SECONDS":                    "llm.timeout_seconds",
	"LLM_MAX_RETRIES":                        "llm.max_retries",
	"LLM_MAX_TOKENS_PER_REQUEST":             "llm.max_tokens_per_request",
	"LLM_MAX_TOKENS_PER_SESSION":             "llm.max_tokens_per_session",
	"MAX_TOOL_INVOCATIONS_PER_SESSION":       "governance.max_tool_invocations_per_session",
	"MAX_LLM_CALLS_PER_SESSION":              "governance.max_llm_calls_per_session",
	"SCHEMA_VALIDATION_FAILURE_LIMIT":        "schema.validation_failure_limit",
	"MEMORY_DEFAULT_EXPIRATION_DAYS":         "memory.default_expiration_days",
}

// LoadEnvFiles loads .env.local then .env if present. Missing files are
// fine; malformed files are not.
func LoadEnvFiles() error {
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// envOverrides returns the nested map of limit overrides present in the
// environment, shaped for the koanf confmap provider.
func envOverrides() map[string]any {
	out := map[string]any{}
	for envVar, key := range envLimitVars {
		raw := os.Getenv(envVar)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		setNested(out, key, n)
	}
	return out
}

func setNested(m map[string]any, dottedKey string, value any) {
	cur := m
	for {
		i := indexDot(dottedKey)
		if i < 0 {
			cur[dottedKey] = value
			return
		}
		head, rest := dottedKey[:i], dottedKey[i+1:]
		next, ok := cur[head].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[head] = next
		}
		cur = next
		dottedKey = rest
	}
}

func indexDot(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

// applyEnvOnly fills the settings that are read exclusively from the
// environment: storage locations and service endpoints.
func applyEnvOnly(cfg *Config) {
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		cfg.StoragePath = v
	} else if cfg.StoragePath == "" {
		cfg.StoragePath = "/storage"
	}
	if v := os.Getenv("REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	} else if cfg.RegistryPath == "" {
		cfg.RegistryPath = "registries"
	}
	if v := os.Getenv("TOOLS_BASE_URL"); v != "" {
		cfg.ToolsBaseURL = v
	} else if cfg.ToolsBaseURL == "" {
		cfg.ToolsBaseURL = "http://tools_gateway:8010"
	}
}

// ProviderAPIKey returns the credential for an LLM provider. Keys live
// only in the environment, never in registry documents.
func ProviderAPIKey(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return ""
	}
}
