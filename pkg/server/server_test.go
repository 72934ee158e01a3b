package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroproj/maestro/pkg/artifacts"
	"github.com/maestroproj/maestro/pkg/checkpoint"
	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/executor"
	"github.com/maestroproj/maestro/pkg/memory"
	"github.com/maestroproj/maestro/pkg/progress"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/sse"
	"github.com/maestroproj/maestro/pkg/storage"
)

func writeDoc(t *testing.T, dir, name string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func testRegistry(t *testing.T) *registry.Manager {
	t.Helper()
	dir := t.TempDir()
	writeDoc(t, dir, "model_profiles.json", map[string]any{"profiles": []any{
		map[string]any{"profile_id": "p1", "provider": "openai", "model_name": "gpt-4"},
	}})
	writeDoc(t, dir, "agent_registry.json", map[string]any{"agents": []any{
		map[string]any{
			"agent_id": "orchestrator_agent", "name": "Orchestrator",
			"model_profile_id": "p1", "max_iterations": 10,
			"allowed_agents": []any{"intake_agent"},
			"output_schema":  map[string]any{},
		},
		map[string]any{
			"agent_id": "intake_agent", "name": "Intake",
			"model_profile_id": "p1", "max_iterations": 3,
			"output_schema": map[string]any{},
		},
	}})
	writeDoc(t, dir, "tool_registry.json", map[string]any{"tools": []any{}})
	writeDoc(t, dir, filepath.Join("workflows", "claim_review.json"), map[string]any{
		"workflow_id": "claim_review", "name": "Claim Review",
		"mode": "advisory", "goal": "review the claim",
		"suggested_sequence": []any{"intake_agent"},
	})
	m := registry.NewManager(dir)
	require.NoError(t, m.LoadAll())
	return m
}

func newTestServer(t *testing.T) (*Server, Services) {
	t.Helper()
	cfg := config.Defaults()
	cfg.StoragePath = t.TempDir()
	cfg.ToolsBaseURL = ""

	reg := testRegistry(t)

	artifactStore, err := artifacts.NewStore(filepath.Join(cfg.StoragePath, "artifacts"))
	require.NoError(t, err)
	memoryStore, err := memory.NewStore(filepath.Join(cfg.StoragePath, "memory"))
	require.NoError(t, err)
	memoryStore.SetDefaultExpiration(cfg.Memory.DefaultExpirationDays)
	cpStore, err := checkpoint.NewDiskStore(filepath.Join(cfg.StoragePath, "checkpoints"))
	require.NoError(t, err)
	checkpoints := checkpoint.NewManager(cpStore)
	t.Cleanup(checkpoints.Stop)

	svc := Services{
		Registry:    reg,
		Config:      cfg,
		Progress:    progress.NewStore(0),
		Broadcaster: sse.NewBroadcaster(0),
		Artifacts:   artifactStore,
		Checkpoints: checkpoints,
		Memory:      memoryStore,
	}
	log := storage.NewEventLog(cfg.StoragePath)
	svc.Recorder = storage.NewRecorder(log,
		svc.Progress.AddEvent,
		func(sessionID string, ev storage.Event) {
			svc.Broadcaster.Broadcast(sessionID, ev.Type(), ev, "")
		})
	svc.Executor = executor.New(executor.Services{
		Registry:    reg,
		Config:      cfg,
		Recorder:    svc.Recorder,
		Progress:    svc.Progress,
		Broadcaster: svc.Broadcaster,
		Artifacts:   artifactStore,
		Checkpoints: checkpoints,
		Memory:      memoryStore,
	})

	return New(svc), svc
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func waitForRunStatus(t *testing.T, h http.Handler, sessionID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/runs/"+sessionID+"/status", nil)
		return decodeBody(t, rec)["status"] == want
	}, 10*time.Second, 20*time.Millisecond)
}

func TestHealthAndStats(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["registries_loaded"])

	rec = doJSON(t, s.Handler(), http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Contains(t, body, "registries")
	assert.Contains(t, body, "executor")
}

func TestCreateRunUnknownWorkflow(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/runs", map[string]any{
		"workflow_id": "ghost", "input_data": map[string]any{},
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["detail"], "not found")
}

func TestRunLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/runs", map[string]any{
		"workflow_id": "claim_review",
		"input_data":  map[string]any{"claim_id": "CLM-001"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	sessionID := body["session_id"].(string)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, fmt.Sprintf("/runs/%s/stream", sessionID), body["stream_url"])

	waitForRunStatus(t, h, sessionID, "completed")

	// Session detail with the full event list.
	rec = doJSON(t, h, http.MethodGet, "/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody(t, rec)
	assert.Equal(t, "claim_review", detail["workflow_id"])
	assert.NotEmpty(t, detail["events"])

	// Session list includes it.
	rec = doJSON(t, h, http.MethodGet, "/sessions?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.NotEmpty(t, summaries)
	assert.Equal(t, sessionID, summaries[0]["session_id"])

	// Evidence map artifact is served.
	rec = doJSON(t, h, http.MethodGet, "/sessions/"+sessionID+"/evidence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	evidence := decodeBody(t, rec)["evidence_map"].(map[string]any)
	assert.Contains(t, evidence, "agent_chain")

	// Event type filter.
	rec = doJSON(t, h, http.MethodGet, "/sessions/"+sessionID+"/events/workflow_completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["event_count"])

	// Delete removes the session and its artifacts.
	rec = doJSON(t, h, http.MethodDelete, "/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/sessions/"+sessionID+"/evidence", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelUnknownRun(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/runs/session_nope/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunStatusNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/runs/session_nope/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["status"])
}

func TestRunStreamDeliversEventsAndTerminalFrame(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	rec := doJSON(t, s.Handler(), http.MethodPost, "/runs", map[string]any{
		"workflow_id": "claim_review",
		"input_data":  map[string]any{"claim_id": "CLM-001"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := decodeBody(t, rec)["session_id"].(string)

	resp, err := http.Get(ts.URL + "/runs/" + sessionID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var stream strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		stream.WriteString(scanner.Text())
		stream.WriteString("\n")
	}

	out := stream.String()
	assert.Contains(t, out, "event: workflow_started")
	assert.Contains(t, out, "event: orchestrator_completed")
	assert.Contains(t, out, "event: workflow_completed")
}

func TestContextLineageEndpointsEmptySession(t *testing.T) {
	s, svc := newTestServer(t)
	h := s.Handler()

	svc.Recorder.Record("session_lineage_1", "workflow_started", map[string]any{
		"workflow_id": "claim_review",
	})

	rec := doJSON(t, h, http.MethodGet, "/sessions/session_lineage_1/context-lineage", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["total_count"])

	rec = doJSON(t, h, http.MethodGet, "/sessions/session_lineage_1/context-stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/sessions/session_lineage_1/token-budget-timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTriggerCompaction(t *testing.T) {
	s, svc := newTestServer(t)
	h := s.Handler()

	sessionID := "session_compact_1"
	for i := 0; i < 30; i++ {
		svc.Recorder.Record(sessionID, "agent_reasoning", map[string]any{
			"iteration": i, "reasoning": strings.Repeat("detail ", 50),
		})
	}

	rec := doJSON(t, h, http.MethodPost, "/sessions/"+sessionID+"/trigger-compaction?method=rule_based", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "rule_based", body["method"])
	assert.Equal(t, float64(30), body["events_before"])

	rec = doJSON(t, h, http.MethodPost, "/sessions/session_nope/trigger-compaction", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	doJSON(t, h, http.MethodGet, "/health", nil)

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "maestro_http_requests_total")
}
