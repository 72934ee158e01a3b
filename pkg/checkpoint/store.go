package checkpoint

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DiskStore persists checkpoint instances: one JSON file per instance
// under checkpoints/, with JSONL indexes under checkpoints/index/ for
// pending lookups and per-session history.
type DiskStore struct {
	mu       sync.Mutex
	dir      string
	indexDir string
}

// NewDiskStore initializes the checkpoint directories under storagePath.
func NewDiskStore(storagePath string) (*DiskStore, error) {
	dir := filepath.Join(storagePath, "checkpoints")
	indexDir := filepath.Join(dir, "index")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dirs: %w", err)
	}
	return &DiskStore{dir: dir, indexDir: indexDir}, nil
}

func (s *DiskStore) instancePath(instanceID string) string {
	return filepath.Join(s.dir, instanceID+".json")
}

func (s *DiskStore) pendingIndexPath() string {
	return filepath.Join(s.indexDir, "pending.jsonl")
}

func (s *DiskStore) sessionIndexPath(sessionID string) string {
	return filepath.Join(s.indexDir, "by_session_"+sessionID+".jsonl")
}

// Save writes the instance file and updates both indexes. Saving a
// non-pending instance rebuilds the pending index without it.
func (s *DiskStore) Save(cp *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.WriteFile(s.instancePath(cp.CheckpointInstanceID), data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	if cp.Status == StatusPending {
		if err := appendIndexLine(s.pendingIndexPath(), map[string]any{
			"checkpoint_instance_id": cp.CheckpointInstanceID,
			"session_id":             cp.SessionID,
			"checkpoint_id":          cp.CheckpointID,
			"required_role":          cp.RequiredRole,
			"created_at":             cp.CreatedAt,
		}); err != nil {
			return err
		}
	} else if err := s.rebuildPendingIndex(); err != nil {
		return err
	}

	return appendIndexLine(s.sessionIndexPath(cp.SessionID), map[string]any{
		"checkpoint_instance_id": cp.CheckpointInstanceID,
		"checkpoint_id":          cp.CheckpointID,
		"status":                 cp.Status,
		"created_at":             cp.CreatedAt,
	})
}

// Load reads one instance, nil when absent.
func (s *DiskStore) Load(instanceID string) (*Instance, error) {
	raw, err := os.ReadFile(s.instancePath(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	cp := &Instance{}
	if err := json.Unmarshal(raw, cp); err != nil {
		slog.Error("malformed checkpoint file", "instance_id", instanceID, "error", err)
		return nil, nil
	}
	return cp, nil
}

// ListPending returns all instances referenced by the pending index
// that are still pending.
func (s *DiskStore) ListPending() ([]*Instance, error) {
	ids, err := readIndexIDs(s.pendingIndexPath())
	if err != nil {
		return nil, err
	}
	var out []*Instance
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		cp, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		if cp != nil && cp.Status == StatusPending {
			out = append(out, cp)
		}
	}
	return out, nil
}

// ListSession returns all instances recorded for a session.
func (s *DiskStore) ListSession(sessionID string) ([]*Instance, error) {
	ids, err := readIndexIDs(s.sessionIndexPath(sessionID))
	if err != nil {
		return nil, err
	}
	var out []*Instance
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		cp, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Delete removes one instance file. Returns false if absent.
func (s *DiskStore) Delete(instanceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.instancePath(instanceID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// rebuildPendingIndex rescans all instance files and rewrites the index
// with only pending ones.
func (s *DiskStore) rebuildPendingIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var lines []map[string]any
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		cp, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil || cp == nil || cp.Status != StatusPending {
			continue
		}
		lines = append(lines, map[string]any{
			"checkpoint_instance_id": cp.CheckpointInstanceID,
			"session_id":             cp.SessionID,
			"checkpoint_id":          cp.CheckpointID,
			"required_role":          cp.RequiredRole,
			"created_at":             cp.CreatedAt,
		})
	}

	path := s.pendingIndexPath()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range lines {
		if err := appendIndexLine(path, line); err != nil {
			return err
		}
	}
	return nil
}

func appendIndexLine(path string, entry map[string]any) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open index %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func readIndexIDs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry struct {
			CheckpointInstanceID string `json:"checkpoint_instance_id"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.CheckpointInstanceID == "" {
			continue
		}
		ids = append(ids, entry.CheckpointInstanceID)
	}
	return ids, scanner.Err()
}
