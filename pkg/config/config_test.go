package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 10, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 300, cfg.Workflow.MaxDurationSeconds)
	assert.Equal(t, 2, cfg.Agent.MaxDuplicateInvocations)
	assert.Equal(t, 50, cfg.Governance.MaxToolInvocationsPerSession)
	assert.Equal(t, 30, cfg.Governance.MaxLLMCallsPerSession)
	assert.Equal(t, 3, cfg.Schema.ValidationFailureLimit)
	assert.Equal(t, "scoped", cfg.MultiAgentHandoffs.DefaultHandoffMode)
	assert.False(t, cfg.MultiAgentHandoffs.Enabled)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	loader, err := NewLoader(LoaderOptions{
		Type: SourceFile,
		Path: filepath.Join(t.TempDir(), "absent.json"),
	})
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Orchestrator.MaxIterations)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system_config.json")
	doc := `{"orchestrator": {"max_iterations": 7}, "workflow": {"max_duration_seconds": 120}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	loader, err := NewLoader(LoaderOptions{Type: SourceFile, Path: path})
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 120, cfg.Workflow.MaxDurationSeconds)
	// Untouched sections keep defaults.
	assert.Equal(t, 5, cfg.Agent.DefaultMaxIterations)
}

func TestEnvOverridesBeatDefaultsButNotFile(t *testing.T) {
	t.Setenv("ORCHESTRATOR_MAX_ITERATIONS", "4")
	t.Setenv("MAX_LLM_CALLS_PER_SESSION", "15")

	path := filepath.Join(t.TempDir(), "system_config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"governance": {"max_llm_calls_per_session": 99}}`), 0o644))

	loader, err := NewLoader(LoaderOptions{Type: SourceFile, Path: path})
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Orchestrator.MaxIterations)
	assert.Equal(t, 99, cfg.Governance.MaxLLMCallsPerSession)
}

func TestEnvOnlySettings(t *testing.T) {
	t.Setenv("STORAGE_PATH", "/tmp/maestro-storage")
	t.Setenv("TOOLS_BASE_URL", "http://localhost:8010")

	loader, err := NewLoader(LoaderOptions{Type: SourceFile})
	require.NoError(t, err)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/maestro-storage", cfg.StoragePath)
	assert.Equal(t, "http://localhost:8010", cfg.ToolsBaseURL)
}

func TestMergeSystemConfigDocument(t *testing.T) {
	base := Defaults()
	base.StoragePath = "/data"

	merged, err := Merge(base, map[string]any{
		"agent":      map[string]any{"max_duplicate_invocations": 3},
		"governance": map[string]any{"max_tool_invocations_per_session": 25},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, merged.Agent.MaxDuplicateInvocations)
	assert.Equal(t, 25, merged.Governance.MaxToolInvocationsPerSession)
	assert.Equal(t, 10, merged.Orchestrator.MaxIterations)
	assert.Equal(t, "/data", merged.StoragePath)
}

func TestParseSourceType(t *testing.T) {
	got, err := ParseSourceType("consul")
	require.NoError(t, err)
	assert.Equal(t, SourceConsul, got)

	_, err = ParseSourceType("zookeeper")
	assert.Error(t, err)
}

func TestIterationTimeoutFallback(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 30, int(cfg.IterationTimeout(0).Seconds()))
	assert.Equal(t, 12, int(cfg.IterationTimeout(12).Seconds()))
}
