// Package memory stores cross-session long-term notes, retrievable by
// keyword, tag or similarity.
//
// Layout: memory/memories.jsonl (append-only records) plus a derived
// memory/index.json mapping tags and keywords (words longer than 3
// characters, lowercased) to memory ids.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is one long-term note.
type Memory struct {
	MemoryID   string         `json:"memory_id"`
	CreatedAt  string         `json:"created_at"`
	MemoryType string         `json:"memory_type"` // session_conclusion, insight, user_preference, fact
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata"`
	ExpiresAt  string         `json:"expires_at,omitempty"`
	Tags       []string       `json:"tags"`
}

// RetrieveOptions filters a retrieval.
type RetrieveOptions struct {
	Query      string
	MemoryType string
	Tags       []string
	Limit      int
	Mode       string // reactive or proactive
}

// Store owns the memory files. All mutations serialize on one mutex;
// the store does not support concurrent mutators across processes.
type Store struct {
	mu          sync.Mutex
	dir         string
	dataFile    string
	indexFile   string
	defaultDays int
}

type index struct {
	Version  string              `json:"version"`
	Keywords map[string][]string `json:"keywords"`
	Tags     map[string][]string `json:"tags"`
}

// NewStore initializes the memory directory and files.
func NewStore(dir string) (*Store, error) {
	s := &Store{
		dir:       dir,
		dataFile:  filepath.Join(dir, "memories.jsonl"),
		indexFile: filepath.Join(dir, "index.json"),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	if _, err := os.Stat(s.indexFile); os.IsNotExist(err) {
		if err := s.writeIndex(&index{Version: "1.0.0", Keywords: map[string][]string{}, Tags: map[string][]string{}}); err != nil {
			return nil, err
		}
	}
	if f, err := os.OpenFile(s.dataFile, os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
		f.Close()
	}
	return s, nil
}

// SetDefaultExpiration sets the expiration, in days, applied to
// memories stored without one. Zero leaves such memories permanent.
func (s *Store) SetDefaultExpiration(days int) {
	s.mu.Lock()
	s.defaultDays = days
	s.mu.Unlock()
}

// Store appends a new memory and updates the index. expiresInDays <= 0
// falls back to the configured default expiration.
func (s *Store) Store(memoryType, content string, metadata map[string]any, tags []string, expiresInDays int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiresInDays <= 0 {
		expiresInDays = s.defaultDays
	}

	now := time.Now().UTC()
	id := fmt.Sprintf("mem_%s_%s", now.Format("20060102_150405"),
		strings.ReplaceAll(uuid.NewString(), "-", "")[:8])

	m := Memory{
		MemoryID:   id,
		CreatedAt:  now.Format("2006-01-02T15:04:05.000000Z"),
		MemoryType: memoryType,
		Content:    content,
		Metadata:   metadata,
		Tags:       tags,
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	if expiresInDays > 0 {
		m.ExpiresAt = now.AddDate(0, 0, expiresInDays).Format("2006-01-02T15:04:05.000000Z")
	}

	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal memory: %w", err)
	}
	f, err := os.OpenFile(s.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open memories file: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return "", fmt.Errorf("append memory: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	if err := s.updateIndex(&m); err != nil {
		slog.Warn("memory index update failed", "memory_id", id, "error", err)
	}
	slog.Info("memory stored", "memory_id", id, "memory_type", memoryType)
	return id, nil
}

// Retrieve returns non-expired memories matching the options, most
// recent first.
func (s *Store) Retrieve(opts RetrieveOptions) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memories, err := s.loadValid()
	if err != nil {
		return nil, err
	}

	var filtered []Memory
	queryLower := strings.ToLower(opts.Query)
	for _, m := range memories {
		if opts.MemoryType != "" && m.MemoryType != opts.MemoryType {
			continue
		}
		if len(opts.Tags) > 0 && !anyTagMatch(m.Tags, opts.Tags) {
			continue
		}
		if queryLower != "" {
			metaJSON, _ := json.Marshal(m.Metadata)
			if !strings.Contains(strings.ToLower(m.Content), queryLower) &&
				!strings.Contains(strings.ToLower(string(metaJSON)), queryLower) {
				continue
			}
		}
		filtered = append(filtered, m)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt > filtered[j].CreatedAt
	})
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// Get returns one memory by id.
func (s *Store) Get(memoryID string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memories, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	for i := range memories {
		if memories[i].MemoryID == memoryID {
			return &memories[i], nil
		}
	}
	return nil, nil
}

// List returns non-expired memories with pagination, most recent
// first. A non-empty memoryType narrows the listing before the page is
// cut, so offsets address the filtered sequence.
func (s *Store) List(memoryType string, limit, offset int) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memories, err := s.loadValid()
	if err != nil {
		return nil, err
	}
	if memoryType != "" {
		matching := memories[:0]
		for _, m := range memories {
			if m.MemoryType == memoryType {
				matching = append(matching, m)
			}
		}
		memories = matching
	}
	sort.Slice(memories, func(i, j int) bool {
		return memories[i].CreatedAt > memories[j].CreatedAt
	})
	if offset >= len(memories) {
		return nil, nil
	}
	memories = memories[offset:]
	if limit > 0 && len(memories) > limit {
		memories = memories[:limit]
	}
	return memories, nil
}

// Delete rewrites the file without the entry and rebuilds the index.
// Returns false if the memory was not found.
func (s *Store) Delete(memoryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memories, err := s.loadAll()
	if err != nil {
		return false, err
	}
	remaining := memories[:0]
	found := false
	for _, m := range memories {
		if m.MemoryID == memoryID {
			found = true
			continue
		}
		remaining = append(remaining, m)
	}
	if !found {
		return false, nil
	}
	if err := s.rewrite(remaining); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyRetention removes expired memories and returns how many were
// deleted. Running it twice deletes nothing extra the second time.
func (s *Store) ApplyRetention() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memories, err := s.loadAll()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	valid := memories[:0]
	deleted := 0
	for _, m := range memories {
		if expired(m, now) {
			deleted++
			continue
		}
		valid = append(valid, m)
	}
	if deleted > 0 {
		if err := s.rewrite(valid); err != nil {
			return 0, err
		}
		slog.Info("retention policy applied", "deleted", deleted)
	}
	return deleted, nil
}

func expired(m Memory, now time.Time) bool {
	if m.ExpiresAt == "" {
		return false
	}
	t, err := time.Parse("2006-01-02T15:04:05.000000Z", m.ExpiresAt)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, m.ExpiresAt); err != nil {
			// Unparseable expirations keep the memory.
			return false
		}
	}
	return t.Before(now)
}

func anyTagMatch(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// loadAll streams the JSONL file, skipping malformed lines.
func (s *Store) loadAll() ([]Memory, error) {
	f, err := os.Open(s.dataFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open memories file: %w", err)
	}
	defer f.Close()

	var memories []Memory
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m Memory
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			slog.Warn("skipping malformed memory line", "error", err)
			continue
		}
		memories = append(memories, m)
	}
	return memories, scanner.Err()
}

func (s *Store) loadValid() ([]Memory, error) {
	memories, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	valid := memories[:0]
	for _, m := range memories {
		if !expired(m, now) {
			valid = append(valid, m)
		}
	}
	return valid, nil
}

func (s *Store) rewrite(memories []Memory) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-memories-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, m := range memories {
		data, err := json.Marshal(m)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("marshal memory: %w", err)
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.dataFile); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace memories file: %w", err)
	}
	return s.rebuildIndex(memories)
}

func (s *Store) updateIndex(m *Memory) error {
	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	indexMemory(idx, m)
	return s.writeIndex(idx)
}

func (s *Store) rebuildIndex(memories []Memory) error {
	idx := &index{Version: "1.0.0", Keywords: map[string][]string{}, Tags: map[string][]string{}}
	for i := range memories {
		indexMemory(idx, &memories[i])
	}
	return s.writeIndex(idx)
}

func indexMemory(idx *index, m *Memory) {
	for _, tag := range m.Tags {
		idx.Tags[tag] = appendUnique(idx.Tags[tag], m.MemoryID)
	}
	for _, word := range strings.Fields(strings.ToLower(m.Content)) {
		if len(word) > 3 {
			idx.Keywords[word] = appendUnique(idx.Keywords[word], m.MemoryID)
		}
	}
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func (s *Store) readIndex() (*index, error) {
	raw, err := os.ReadFile(s.indexFile)
	if err != nil {
		if os.IsNotExist(err) {
			return &index{Version: "1.0.0", Keywords: map[string][]string{}, Tags: map[string][]string{}}, nil
		}
		return nil, err
	}
	idx := &index{}
	if err := json.Unmarshal(raw, idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if idx.Keywords == nil {
		idx.Keywords = map[string][]string{}
	}
	if idx.Tags == nil {
		idx.Tags = map[string][]string{}
	}
	return idx, nil
}

func (s *Store) writeIndex(idx *index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-index-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.indexFile)
}
