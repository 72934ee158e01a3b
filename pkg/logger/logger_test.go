package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"verbose", slog.LevelWarn, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
		} else {
			assert.NoError(t, err, tt.in)
		}
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestInitSimpleFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "info", Format: "simple", Output: &buf}))

	slog.Info("session started", "session_id", "sess_1")
	slog.Debug("hidden at info level")

	out := buf.String()
	assert.Contains(t, out, "INFO session started session_id=sess_1")
	assert.NotContains(t, out, "hidden at info level")
}

func TestWarnLevelName(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "debug", Format: "simple", Output: &buf}))

	slog.Warn("budget near limit")
	assert.True(t, strings.HasPrefix(buf.String(), "WARN "), buf.String())
}

func TestWithAttrsCarriesContext(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Init(Config{Level: "debug", Format: "simple", Output: &buf}))

	slog.With("agent_id", "fraud_agent").Info("iteration complete", "iteration", 2)
	assert.Contains(t, buf.String(), "agent_id=fraud_agent")
	assert.Contains(t, buf.String(), "iteration=2")
}

func TestOpenLogFile(t *testing.T) {
	path := t.TempDir() + "/maestro.log"
	f, cleanup, err := OpenLogFile(path)
	require.NoError(t, err)
	defer cleanup()
	require.NoError(t, Init(Config{Level: "info", Format: "simple", Output: f}))

	slog.Info("written to file")
	cleanup()

	assert.FileExists(t, path)
}
