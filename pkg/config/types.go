// Package config holds the typed runtime configuration and its loader.
//
// Precedence, highest first: the registry-managed system_config document,
// environment variables, built-in defaults.
package config

import "time"

// OrchestratorLimits bounds the meta-loop.
type OrchestratorLimits struct {
	MaxIterations           int `koanf:"max_iterations" json:"max_iterations"`
	IterationTimeoutSeconds int `koanf:"iteration_timeout_seconds" json:"iteration_timeout_seconds"`
}

// WorkflowLimits bounds one workflow run.
type WorkflowLimits struct {
	MaxDurationSeconds  int `koanf:"max_duration_seconds" json:"max_duration_seconds"`
	MaxAgentInvocations int `koanf:"max_agent_invocations" json:"max_agent_invocations"`
}

// AgentLimits provides worker-loop defaults for agents that do not set
// their own bounds.
type AgentLimits struct {
	DefaultMaxIterations           int `koanf:"default_max_iterations" json:"default_max_iterations"`
	DefaultIterationTimeoutSeconds int `koanf:"default_iteration_timeout_seconds" json:"default_iteration_timeout_seconds"`
	MaxDuplicateInvocations        int `koanf:"max_duplicate_invocations" json:"max_duplicate_invocations"`
}

// LLMLimits bounds individual model calls and per-session token spend.
type LLMLimits struct {
	TimeoutSeconds      int `koanf:"timeout_seconds" json:"timeout_seconds"`
	MaxRetries          int `koanf:"max_retries" json:"max_retries"`
	MaxTokensPerRequest int `koanf:"max_tokens_per_request" json:"max_tokens_per_request"`
	MaxTokensPerSession int `koanf:"max_tokens_per_session" json:"max_tokens_per_session"`
}

// GovernanceLimits caps per-session resource consumption.
type GovernanceLimits struct {
	MaxToolInvocationsPerSession     int `koanf:"max_tool_invocations_per_session" json:"max_tool_invocations_per_session"`
	MaxLLMCallsPerSession            int `koanf:"max_llm_calls_per_session" json:"max_llm_calls_per_session"`
	MaxMemoryRetrievalsPerInvocation int `koanf:"max_memory_retrievals_per_invocation" json:"max_memory_retrievals_per_invocation"`
	MaxArtifactLoadsPerInvocation    int `koanf:"max_artifact_loads_per_invocation" json:"max_artifact_loads_per_invocation"`
}

// SafetyLimits stops loops that stall or emit garbage repeatedly.
type SafetyLimits struct {
	ConsecutiveNoProgressLimit int `koanf:"consecutive_no_progress_limit" json:"consecutive_no_progress_limit"`
	MalformedResponseLimit     int `koanf:"malformed_response_limit" json:"malformed_response_limit"`
}

// SchemaSettings controls output validation behavior.
type SchemaSettings struct {
	DefaultVersion           string `koanf:"default_version" json:"default_version"`
	StrictValidation         bool   `koanf:"strict_validation" json:"strict_validation"`
	ValidationFailureLimit   int    `koanf:"validation_failure_limit" json:"validation_failure_limit"`
	LogValidationSample      bool   `koanf:"log_validation_sample" json:"log_validation_sample"`
	MaxValidationSampleChars int    `koanf:"max_validation_sample_chars" json:"max_validation_sample_chars"`
}

// MemorySettings controls long-term memory retrieval.
type MemorySettings struct {
	Enabled               bool    `koanf:"enabled" json:"enabled"`
	DefaultExpirationDays int     `koanf:"default_expiration_days" json:"default_expiration_days"`
	MaxMemoriesToPreload  int     `koanf:"max_memories_to_preload" json:"max_memories_to_preload"`
	SimilarityThreshold   float64 `koanf:"similarity_threshold" json:"similarity_threshold"`
	UseEmbeddings         bool    `koanf:"use_embeddings" json:"use_embeddings"`
	EmbeddingModel        string  `koanf:"embedding_model" json:"embedding_model"`
}

// HandoffSettings toggles multi-agent context handoff scoping.
type HandoffSettings struct {
	Enabled            bool   `koanf:"enabled" json:"enabled"`
	DefaultHandoffMode string `koanf:"default_handoff_mode" json:"default_handoff_mode"`
}

// PrefixCachingSettings toggles stable-prefix extraction in the injector.
type PrefixCachingSettings struct {
	Enabled bool `koanf:"enabled" json:"enabled"`
}

// Config is the full runtime configuration.
type Config struct {
	Orchestrator       OrchestratorLimits    `koanf:"orchestrator" json:"orchestrator"`
	Workflow           WorkflowLimits        `koanf:"workflow" json:"workflow"`
	Agent              AgentLimits           `koanf:"agent" json:"agent"`
	LLM                LLMLimits             `koanf:"llm" json:"llm"`
	Governance         GovernanceLimits      `koanf:"governance" json:"governance"`
	Safety             SafetyLimits          `koanf:"safety" json:"safety"`
	Schema             SchemaSettings        `koanf:"schema" json:"schema"`
	Memory             MemorySettings        `koanf:"memory" json:"memory"`
	MultiAgentHandoffs HandoffSettings       `koanf:"multi_agent_handoffs" json:"multi_agent_handoffs"`
	PrefixCaching      PrefixCachingSettings `koanf:"prefix_caching" json:"prefix_caching"`

	// Env-only settings, never read from documents.
	StoragePath  string `koanf:"-" json:"-"`
	RegistryPath string `koanf:"-" json:"-"`
	ToolsBaseURL string `koanf:"-" json:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Orchestrator: OrchestratorLimits{
			MaxIterations:           10,
			IterationTimeoutSeconds: 30,
		},
		Workflow: WorkflowLimits{
			MaxDurationSeconds:  300,
			MaxAgentInvocations: 20,
		},
		Agent: AgentLimits{
			DefaultMaxIterations:           5,
			DefaultIterationTimeoutSeconds: 30,
			MaxDuplicateInvocations:        2,
		},
		LLM: LLMLimits{
			TimeoutSeconds:      30,
			MaxRetries:          3,
			MaxTokensPerRequest: 2000,
			MaxTokensPerSession: 50000,
		},
		Governance: GovernanceLimits{
			MaxToolInvocationsPerSession:     50,
			MaxLLMCallsPerSession:            30,
			MaxMemoryRetrievalsPerInvocation: 10,
			MaxArtifactLoadsPerInvocation:    5,
		},
		Safety: SafetyLimits{
			ConsecutiveNoProgressLimit: 2,
			MalformedResponseLimit:     3,
		},
		Schema: SchemaSettings{
			DefaultVersion:           "1.0",
			StrictValidation:         true,
			ValidationFailureLimit:   3,
			LogValidationSample:      true,
			MaxValidationSampleChars: 500,
		},
		Memory: MemorySettings{
			Enabled:               true,
			DefaultExpirationDays: 90,
			MaxMemoriesToPreload:  5,
			SimilarityThreshold:   0.7,
			UseEmbeddings:         false,
			EmbeddingModel:        "text-embedding-3-small",
		},
		MultiAgentHandoffs: HandoffSettings{
			Enabled:            false,
			DefaultHandoffMode: "scoped",
		},
		PrefixCaching: PrefixCachingSettings{
			Enabled: false,
		},
		StoragePath:  "/storage",
		RegistryPath: "registries",
		ToolsBaseURL: "http://tools_gateway:8010",
	}
}

// WorkflowTimeout returns the run duration cap as a time.Duration.
func (c *Config) WorkflowTimeout() time.Duration {
	return time.Duration(c.Workflow.MaxDurationSeconds) * time.Second
}

// IterationTimeout returns the per-call timeout for an agent, falling back
// to the configured default when the agent does not set one.
func (c *Config) IterationTimeout(agentSeconds int) time.Duration {
	if agentSeconds <= 0 {
		agentSeconds = c.Agent.DefaultIterationTimeoutSeconds
	}
	return time.Duration(agentSeconds) * time.Second
}
