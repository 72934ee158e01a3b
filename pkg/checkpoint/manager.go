package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestroproj/maestro/pkg/registry"
)

const (
	sweepInterval = 30 * time.Second

	pollInitial    = 1 * time.Second
	pollMultiplier = 1.5
	pollMax        = 10 * time.Second
)

const timeFormat = "2006-01-02T15:04:05.000000Z"

// Manager holds active checkpoint instances in memory, persists every
// transition through the disk store, and sweeps expired instances in
// the background.
type Manager struct {
	store *DiskStore

	mu          sync.Mutex
	checkpoints map[string]*Instance
	bySession   map[string][]string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager loads pending instances from disk and starts the timeout
// sweeper.
func NewManager(store *DiskStore) *Manager {
	m := &Manager{
		store:       store,
		checkpoints: map[string]*Instance{},
		bySession:   map[string][]string{},
		stop:        make(chan struct{}),
	}
	pending, err := store.ListPending()
	if err != nil {
		slog.Error("loading pending checkpoints failed", "error", err)
	}
	for _, cp := range pending {
		m.checkpoints[cp.CheckpointInstanceID] = cp
		m.bySession[cp.SessionID] = append(m.bySession[cp.SessionID], cp.CheckpointInstanceID)
	}
	if len(pending) > 0 {
		slog.Info("loaded pending checkpoints from disk", "count", len(pending))
	}
	go m.sweepLoop()
	return m
}

// Stop halts the timeout sweeper.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// ShouldTrigger evaluates a checkpoint's trigger condition against the
// relevant data. Checkpoints without a condition always trigger.
func ShouldTrigger(cfg registry.CheckpointConfig, data map[string]any) bool {
	tc := cfg.TriggerCondition
	if tc == nil || tc.Type == "always" || strings.TrimSpace(tc.Condition) == "" {
		return true
	}
	return EvaluateCondition(tc.Condition, data)
}

// Create instantiates a checkpoint from its workflow configuration and
// persists it as pending.
func (m *Manager) Create(sessionID, workflowID string, cfg registry.CheckpointConfig, contextData map[string]any) (*Instance, error) {
	now := time.Now().UTC()
	cp := &Instance{
		CheckpointInstanceID: "cp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		SessionID:            sessionID,
		WorkflowID:           workflowID,
		CheckpointID:         cfg.CheckpointID,
		CheckpointType:       cfg.CheckpointType,
		CheckpointName:       cfg.CheckpointName,
		Description:          cfg.Description,
		Status:               StatusPending,
		CreatedAt:            now.Format(timeFormat),
		ContextData:          contextData,
		RequiredRole:         cfg.RequiredRole,
		UISchema:             cfg.UISchema,
	}
	if cfg.TimeoutConfig.Enabled && cfg.TimeoutConfig.TimeoutSeconds > 0 {
		cp.TimeoutAt = now.Add(time.Duration(cfg.TimeoutConfig.TimeoutSeconds) * time.Second).Format(timeFormat)
		cp.OnTimeout = cfg.TimeoutConfig.OnTimeout
	}

	m.mu.Lock()
	m.checkpoints[cp.CheckpointInstanceID] = cp
	m.bySession[sessionID] = append(m.bySession[sessionID], cp.CheckpointInstanceID)
	m.mu.Unlock()

	if err := m.store.Save(cp); err != nil {
		return nil, fmt.Errorf("persist checkpoint: %w", err)
	}
	slog.Info("checkpoint created",
		"instance_id", cp.CheckpointInstanceID,
		"session_id", sessionID, "checkpoint_id", cfg.CheckpointID)
	return cp, nil
}

// Resolve records a human decision. Returns false when the instance is
// unknown or no longer pending.
func (m *Manager) Resolve(instanceID string, res Resolution) bool {
	m.mu.Lock()
	cp, ok := m.checkpoints[instanceID]
	if !ok || cp.Status != StatusPending {
		m.mu.Unlock()
		slog.Warn("checkpoint not resolvable", "instance_id", instanceID)
		return false
	}
	if res.ResolvedAt == "" {
		res.ResolvedAt = time.Now().UTC().Format(timeFormat)
	}
	cp.Status = StatusResolved
	cp.Resolution = &res
	cp.ResolvedAt = res.ResolvedAt
	m.mu.Unlock()

	if err := m.store.Save(cp); err != nil {
		slog.Error("persisting checkpoint resolution failed",
			"instance_id", instanceID, "error", err)
	}
	slog.Info("checkpoint resolved",
		"instance_id", instanceID, "action", res.Action, "user_id", res.UserID)
	return true
}

// Get returns an instance from memory, falling back to disk.
func (m *Manager) Get(instanceID string) *Instance {
	m.mu.Lock()
	cp, ok := m.checkpoints[instanceID]
	m.mu.Unlock()
	if ok {
		return cp
	}
	cp, err := m.store.Load(instanceID)
	if err != nil || cp == nil {
		return nil
	}
	m.mu.Lock()
	m.checkpoints[instanceID] = cp
	m.mu.Unlock()
	return cp
}

// Pending returns pending instances, optionally filtered by role and
// workflow, oldest first. admin sees everything.
func (m *Manager) Pending(userRole, workflowID string) []*Instance {
	m.mu.Lock()
	var out []*Instance
	for _, cp := range m.checkpoints {
		if cp.Status != StatusPending {
			continue
		}
		if userRole != "" && userRole != "admin" && cp.RequiredRole != userRole {
			continue
		}
		if workflowID != "" && cp.WorkflowID != workflowID {
			continue
		}
		out = append(out, cp)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// SessionCheckpoints returns all instances of a session, loading from
// disk when the session is not in memory.
func (m *Manager) SessionCheckpoints(sessionID string) []*Instance {
	m.mu.Lock()
	ids := m.bySession[sessionID]
	out := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		if cp, ok := m.checkpoints[id]; ok {
			out = append(out, cp)
		}
	}
	m.mu.Unlock()
	if len(out) > 0 {
		return out
	}

	loaded, err := m.store.ListSession(sessionID)
	if err != nil {
		slog.Error("loading session checkpoints failed", "session_id", sessionID, "error", err)
		return nil
	}
	m.mu.Lock()
	for _, cp := range loaded {
		m.checkpoints[cp.CheckpointInstanceID] = cp
	}
	m.mu.Unlock()
	return loaded
}

// Cancel marks a pending instance cancelled. Returns false otherwise.
func (m *Manager) Cancel(instanceID string) bool {
	m.mu.Lock()
	cp, ok := m.checkpoints[instanceID]
	if !ok || cp.Status != StatusPending {
		m.mu.Unlock()
		return false
	}
	cp.Status = StatusCancelled
	cp.ResolvedAt = time.Now().UTC().Format(timeFormat)
	m.mu.Unlock()

	if err := m.store.Save(cp); err != nil {
		slog.Error("persisting checkpoint cancellation failed",
			"instance_id", instanceID, "error", err)
	}
	slog.Info("checkpoint cancelled", "instance_id", instanceID)
	return true
}

// CancelSession cancels every pending instance of a session.
func (m *Manager) CancelSession(sessionID string) {
	for _, cp := range m.SessionCheckpoints(sessionID) {
		if cp.Status == StatusPending {
			m.Cancel(cp.CheckpointInstanceID)
		}
	}
	slog.Info("session checkpoints cancelled", "session_id", sessionID)
}

// WaitForResolution blocks until the instance leaves the pending state
// or the context ends, polling with capped exponential backoff. It
// returns the final instance.
func (m *Manager) WaitForResolution(ctx context.Context, instanceID string) (*Instance, error) {
	delay := pollInitial
	for {
		cp := m.Get(instanceID)
		if cp == nil {
			return nil, fmt.Errorf("checkpoint %s not found", instanceID)
		}
		if cp.Status != StatusPending {
			return cp, nil
		}
		select {
		case <-ctx.Done():
			return cp, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * pollMultiplier)
		if delay > pollMax {
			delay = pollMax
		}
	}
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.SweepExpired()
		}
	}
}

// SweepExpired applies the configured timeout action to every pending
// instance past its deadline. Returns how many were expired.
func (m *Manager) SweepExpired() int {
	now := time.Now().UTC()

	m.mu.Lock()
	var expired []*Instance
	for _, cp := range m.checkpoints {
		if cp.Status != StatusPending || cp.TimeoutAt == "" {
			continue
		}
		deadline, err := time.Parse(timeFormat, cp.TimeoutAt)
		if err != nil {
			slog.Error("unparseable checkpoint deadline",
				"instance_id", cp.CheckpointInstanceID, "timeout_at", cp.TimeoutAt)
			continue
		}
		if !now.Before(deadline) {
			expired = append(expired, cp)
		}
	}
	for _, cp := range expired {
		action := cp.OnTimeout
		if action == "" {
			action = "auto_approve"
		}
		cp.Status = StatusTimeout
		cp.ResolvedAt = now.Format(timeFormat)
		cp.Resolution = &Resolution{
			Action:     action,
			UserID:     "system",
			UserRole:   "system",
			Comments:   fmt.Sprintf("Checkpoint timed out - automatic action: %s", action),
			ResolvedAt: cp.ResolvedAt,
		}
		slog.Warn("checkpoint timed out",
			"instance_id", cp.CheckpointInstanceID, "action", action)
	}
	m.mu.Unlock()

	for _, cp := range expired {
		if err := m.store.Save(cp); err != nil {
			slog.Error("persisting checkpoint timeout failed",
				"instance_id", cp.CheckpointInstanceID, "error", err)
		}
	}
	return len(expired)
}
