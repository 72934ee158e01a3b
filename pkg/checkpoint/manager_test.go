package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestroproj/maestro/pkg/registry"
)

func newTestManager(t *testing.T) (*Manager, *DiskStore) {
	t.Helper()
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	m := NewManager(store)
	t.Cleanup(m.Stop)
	return m, store
}

func approvalConfig(id string) registry.CheckpointConfig {
	return registry.CheckpointConfig{
		CheckpointID:   id,
		CheckpointType: "approval",
		TriggerPoint:   "after_agent",
		CheckpointName: "Settlement approval",
		RequiredRole:   "adjuster",
	}
}

func TestCreateResolveLifecycle(t *testing.T) {
	m, store := newTestManager(t)

	cp, err := m.Create("sess_1", "claims_triage", approvalConfig("cp_settlement"),
		map[string]any{"amount": 12000})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, cp.Status)
	assert.Contains(t, cp.CheckpointInstanceID, "cp_")

	ok := m.Resolve(cp.CheckpointInstanceID, Resolution{
		Action: "approve", UserID: "u1", UserRole: "adjuster",
	})
	require.True(t, ok)

	// Resolving twice fails.
	assert.False(t, m.Resolve(cp.CheckpointInstanceID, Resolution{Action: "reject"}))

	// Persisted state matches.
	loaded, err := store.Load(cp.CheckpointInstanceID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, StatusResolved, loaded.Status)
	require.NotNil(t, loaded.Resolution)
	assert.Equal(t, "approve", loaded.Resolution.Action)

	// Pending index no longer lists it.
	pending, err := store.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingFilters(t *testing.T) {
	m, _ := newTestManager(t)

	cfgA := approvalConfig("cp_a")
	cfgB := approvalConfig("cp_b")
	cfgB.RequiredRole = "supervisor"

	_, err := m.Create("sess_1", "wf_1", cfgA, nil)
	require.NoError(t, err)
	_, err = m.Create("sess_2", "wf_2", cfgB, nil)
	require.NoError(t, err)

	assert.Len(t, m.Pending("", ""), 2)
	assert.Len(t, m.Pending("admin", ""), 2)
	assert.Len(t, m.Pending("adjuster", ""), 1)
	assert.Len(t, m.Pending("", "wf_2"), 1)
	assert.Empty(t, m.Pending("viewer", ""))
}

func TestPendingSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	require.NoError(t, err)
	m := NewManager(store)
	cp, err := m.Create("sess_1", "wf_1", approvalConfig("cp_a"), nil)
	require.NoError(t, err)
	m.Stop()

	store2, err := NewDiskStore(dir)
	require.NoError(t, err)
	m2 := NewManager(store2)
	defer m2.Stop()

	reloaded := m2.Get(cp.CheckpointInstanceID)
	require.NotNil(t, reloaded)
	assert.Equal(t, StatusPending, reloaded.Status)
	assert.Len(t, m2.Pending("", ""), 1)
}

func TestSweepExpiredAppliesTimeoutAction(t *testing.T) {
	m, _ := newTestManager(t)

	cfg := approvalConfig("cp_a")
	cfg.TimeoutConfig = registry.TimeoutConfig{
		Enabled: true, TimeoutSeconds: 1, OnTimeout: "auto_reject",
	}
	cp, err := m.Create("sess_1", "wf_1", cfg, nil)
	require.NoError(t, err)

	// Not yet expired.
	assert.Equal(t, 0, m.SweepExpired())

	// Force the deadline into the past.
	m.mu.Lock()
	m.checkpoints[cp.CheckpointInstanceID].TimeoutAt =
		time.Now().UTC().Add(-time.Minute).Format(timeFormat)
	m.mu.Unlock()

	assert.Equal(t, 1, m.SweepExpired())
	got := m.Get(cp.CheckpointInstanceID)
	assert.Equal(t, StatusTimeout, got.Status)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, "auto_reject", got.Resolution.Action)
	assert.Equal(t, "system", got.Resolution.UserID)
}

func TestWaitForResolution(t *testing.T) {
	m, _ := newTestManager(t)
	cp, err := m.Create("sess_1", "wf_1", approvalConfig("cp_a"), nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		m.Resolve(cp.CheckpointInstanceID, Resolution{Action: "approve", UserID: "u1", UserRole: "adjuster"})
	}()

	got, err := m.WaitForResolution(context.Background(), cp.CheckpointInstanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
}

func TestWaitForResolutionContextCancel(t *testing.T) {
	m, _ := newTestManager(t)
	cp, err := m.Create("sess_1", "wf_1", approvalConfig("cp_a"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := m.WaitForResolution(ctx, cp.CheckpointInstanceID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusPending, got.Status)
}

func TestCancelSession(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Create("sess_1", "wf_1", approvalConfig("cp_a"), nil)
	require.NoError(t, err)
	_, err = m.Create("sess_1", "wf_1", approvalConfig("cp_b"), nil)
	require.NoError(t, err)

	m.CancelSession("sess_1")
	for _, cp := range m.SessionCheckpoints("sess_1") {
		assert.Equal(t, StatusCancelled, cp.Status)
	}
}

func TestShouldTrigger(t *testing.T) {
	always := registry.CheckpointConfig{}
	assert.True(t, ShouldTrigger(always, nil))

	cond := registry.CheckpointConfig{TriggerCondition: &registry.TriggerCondition{
		Type: "output_based", Condition: "settlement_amount > 10000",
	}}
	assert.True(t, ShouldTrigger(cond, map[string]any{"settlement_amount": 12000.0}))
	assert.False(t, ShouldTrigger(cond, map[string]any{"settlement_amount": 500.0}))
	// Missing field does not trigger.
	assert.False(t, ShouldTrigger(cond, map[string]any{}))
}

func TestEvaluateCondition(t *testing.T) {
	data := map[string]any{
		"score":  0.82,
		"status": "flagged",
		"nested": map[string]any{"count": 3.0},
	}
	assert.True(t, EvaluateCondition("score >= 0.8", data))
	assert.False(t, EvaluateCondition("score < 0.5", data))
	assert.True(t, EvaluateCondition("status == flagged", data))
	assert.True(t, EvaluateCondition("nested.count == 3", data))
	// Malformed expressions fail open.
	assert.True(t, EvaluateCondition("score >", data))
	assert.True(t, EvaluateCondition("score ~ 1", data))
}
