package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SourceType selects where the system_config document is read from.
type SourceType string

const (
	SourceFile   SourceType = "file"
	SourceConsul SourceType = "consul"
	SourceEtcd   SourceType = "etcd"
)

// ParseSourceType validates a source type name.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "":
		return SourceFile, nil
	case "consul":
		return SourceConsul, nil
	case "etcd":
		return SourceEtcd, nil
	default:
		return "", fmt.Errorf("invalid config source: %s (valid: file, consul, etcd)", s)
	}
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Type SourceType

	// Path is the file path (file source) or the key (consul/etcd).
	Path string

	Endpoints []string

	Watch    bool
	OnChange func(*Config) error
}

// Loader resolves the layered configuration: defaults, then environment
// variables, then the system_config document.
type Loader struct {
	options  LoaderOptions
	stopChan chan struct{}
}

// NewLoader validates options and returns a loader.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		}
	}
	return &Loader{options: opts, stopChan: make(chan struct{})}, nil
}

// Load builds the effective configuration. A missing system_config file is
// not an error; the env/default layers still apply.
func (l *Loader) Load() (*Config, error) {
	k := koanf.New(".")

	defaults := Defaults()
	if err := k.Load(confmap.Provider(defaultsMap(defaults), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(confmap.Provider(envOverrides(), "."), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	provider, parser, err := l.provider()
	if err != nil {
		return nil, err
	}
	if provider != nil {
		if err := k.Load(provider, parser); err != nil {
			if l.options.Type == SourceFile && os.IsNotExist(unwrapPathError(err)) {
				slog.Debug("system config file absent, using env and defaults", "path", l.options.Path)
			} else {
				return nil, fmt.Errorf("load config from %s: %w", l.options.Type, err)
			}
		}
	}

	cfg, err := unmarshal(k)
	if err != nil {
		return nil, err
	}

	if l.options.Watch && provider != nil {
		go l.watch(provider, parser)
	}
	return cfg, nil
}

func (l *Loader) provider() (koanf.Provider, koanf.Parser, error) {
	if l.options.Path == "" {
		return nil, nil, nil
	}
	switch l.options.Type {
	case SourceFile:
		return file.Provider(l.options.Path), kjson.Parser(), nil
	case SourceConsul:
		consulConfig := api.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{Cfg: consulConfig, Key: l.options.Path}), kjson.Parser(), nil
	case SourceEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), kjson.Parser(), nil
	default:
		return nil, nil, fmt.Errorf("unsupported config source: %s", l.options.Type)
	}
}

type watchable interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider, parser koanf.Parser) {
	watcher, ok := provider.(watchable)
	if !ok {
		slog.Warn("config provider does not support watching", "source", string(l.options.Type))
		return
	}
	err := watcher.Watch(func(_ interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}
		if err != nil {
			slog.Warn("config watch error", "error", err)
			return
		}
		cfg, err := l.reload(provider, parser)
		if err != nil {
			slog.Warn("config reload failed", "error", err)
			return
		}
		if l.options.OnChange != nil {
			if err := l.options.OnChange(cfg); err != nil {
				slog.Warn("config change callback failed", "error", err)
			}
		}
	})
	if err != nil {
		slog.Warn("config watch stopped", "error", err)
	}
}

func (l *Loader) reload(provider koanf.Provider, parser koanf.Parser) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultsMap(Defaults()), "."), nil); err != nil {
		return nil, err
	}
	if err := k.Load(confmap.Provider(envOverrides(), "."), nil); err != nil {
		return nil, err
	}
	if err := k.Load(provider, parser); err != nil {
		return nil, err
	}
	return unmarshal(k)
}

// Stop ends watching.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// Merge overlays a system_config document (already parsed as a map) on top
// of the current config. Used when the document is updated through the
// registry API rather than the backing store.
func Merge(base *Config, doc map[string]any) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaultsMap(base), "."), nil); err != nil {
		return nil, fmt.Errorf("load base config: %w", err)
	}
	if err := k.Load(confmap.Provider(doc, "."), nil); err != nil {
		return nil, fmt.Errorf("merge system config: %w", err)
	}
	cfg, err := unmarshal(k)
	if err != nil {
		return nil, err
	}
	cfg.StoragePath = base.StoragePath
	cfg.RegistryPath = base.RegistryPath
	cfg.ToolsBaseURL = base.ToolsBaseURL
	return cfg, nil
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	cfg := Defaults()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnvOnly(cfg)
	return cfg, nil
}

func defaultsMap(c *Config) map[string]any {
	return map[string]any{
		"orchestrator": map[string]any{
			"max_iterations":            c.Orchestrator.MaxIterations,
			"iteration_timeout_seconds": c.Orchestrator.IterationTimeoutSeconds,
		},
		"workflow": map[string]any{
			"max_duration_seconds":  c.Workflow.MaxDurationSeconds,
			"max_agent_invocations": c.Workflow.MaxAgentInvocations,
		},
		"agent": map[string]any{
			"default_max_iterations":            c.Agent.DefaultMaxIterations,
			"default_iteration_timeout_seconds": c.Agent.DefaultIterationTimeoutSeconds,
			"max_duplicate_invocations":         c.Agent.MaxDuplicateInvocations,
		},
		"llm": map[string]any{
			"timeout_seconds":        c.LLM.TimeoutSeconds,
			"max_retries":            c.LLM.MaxRetries,
			"max_tokens_per_request": c.LLM.MaxTokensPerRequest,
			"max_tokens_per_session": c.LLM.MaxTokensPerSession,
		},
		"governance": map[string]any{
			"max_tool_invocations_per_session":     c.Governance.MaxToolInvocationsPerSession,
			"max_llm_calls_per_session":            c.Governance.MaxLLMCallsPerSession,
			"max_memory_retrievals_per_invocation": c.Governance.MaxMemoryRetrievalsPerInvocation,
			"max_artifact_loads_per_invocation":    c.Governance.MaxArtifactLoadsPerInvocation,
		},
		"safety": map[string]any{
			"consecutive_no_progress_limit": c.Safety.ConsecutiveNoProgressLimit,
			"malformed_response_limit":      c.Safety.MalformedResponseLimit,
		},
		"schema": map[string]any{
			"default_version":             c.Schema.DefaultVersion,
			"strict_validation":           c.Schema.StrictValidation,
			"validation_failure_limit":    c.Schema.ValidationFailureLimit,
			"log_validation_sample":       c.Schema.LogValidationSample,
			"max_validation_sample_chars": c.Schema.MaxValidationSampleChars,
		},
		"memory": map[string]any{
			"enabled":                 c.Memory.Enabled,
			"default_expiration_days": c.Memory.DefaultExpirationDays,
			"max_memories_to_preload": c.Memory.MaxMemoriesToPreload,
			"similarity_threshold":    c.Memory.SimilarityThreshold,
			"use_embeddings":          c.Memory.UseEmbeddings,
			"embedding_model":         c.Memory.EmbeddingModel,
		},
		"multi_agent_handoffs": map[string]any{
			"enabled":              c.MultiAgentHandoffs.Enabled,
			"default_handoff_mode": c.MultiAgentHandoffs.DefaultHandoffMode,
		},
		"prefix_caching": map[string]any{
			"enabled": c.PrefixCaching.Enabled,
		},
	}
}

func unwrapPathError(err error) error {
	for e := err; e != nil; {
		if pe, ok := e.(*os.PathError); ok {
			return pe
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		e = u.Unwrap()
	}
	return err
}
