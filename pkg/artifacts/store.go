// Package artifacts persists versioned agent outputs. Content lives in
// artifacts/{artifact_id}/v{n}.json with lineage in metadata.json, and
// versions are addressed by opaque handles (artifact://{id}/v{n}) so
// large payloads stay out of compiled context until resolved.
package artifacts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// Version is the metadata for a single artifact version.
type Version struct {
	Version       int            `json:"version"`
	CreatedAt     string         `json:"created_at"`
	ParentVersion *int           `json:"parent_version"`
	Handle        string         `json:"handle"`
	SizeBytes     int            `json:"size_bytes"`
	Metadata      map[string]any `json:"metadata"`
	Tags          []string       `json:"tags"`
}

// Metadata tracks all versions of one artifact.
type Metadata struct {
	ArtifactID     string    `json:"artifact_id"`
	CurrentVersion int       `json:"current_version"`
	Versions       []Version `json:"versions"`
}

// Artifact is one version with its content loaded.
type Artifact struct {
	ArtifactID    string         `json:"artifact_id"`
	Version       int            `json:"version"`
	CreatedAt     string         `json:"created_at"`
	ParentVersion *int           `json:"parent_version"`
	Handle        string         `json:"handle"`
	Content       map[string]any `json:"content"`
	Metadata      map[string]any `json:"metadata"`
	Tags          []string       `json:"tags"`
}

var (
	handleRe     = regexp.MustCompile(`^artifact://([^/]+)/v(\d+)$`)
	handleScanRe = regexp.MustCompile(`artifact://[a-zA-Z0-9_-]+/v\d+`)
)

// Handle builds the canonical handle for a version.
func Handle(artifactID string, version int) string {
	return fmt.Sprintf("artifact://%s/v%d", artifactID, version)
}

// FindHandles returns every artifact handle embedded in text, in order
// of appearance.
func FindHandles(text string) []string {
	return handleScanRe.FindAllString(text, -1)
}

// ParseHandle splits a handle into artifact id and version.
func ParseHandle(handle string) (string, int, error) {
	m := handleRe.FindStringSubmatch(handle)
	if m == nil {
		return "", 0, fmt.Errorf("invalid artifact handle: %q", handle)
	}
	var version int
	fmt.Sscanf(m[2], "%d", &version)
	return m[1], version, nil
}

// Store is the on-disk artifact version store.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore initializes the store under dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) artifactDir(artifactID string) string {
	return filepath.Join(s.dir, artifactID)
}

func (s *Store) versionPath(artifactID string, version int) string {
	return filepath.Join(s.artifactDir(artifactID), fmt.Sprintf("v%d.json", version))
}

func (s *Store) metadataPath(artifactID string) string {
	return filepath.Join(s.artifactDir(artifactID), "metadata.json")
}

func (s *Store) loadMetadata(artifactID string) (*Metadata, error) {
	raw, err := os.ReadFile(s.metadataPath(artifactID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read artifact metadata: %w", err)
	}
	meta := &Metadata{}
	if err := json.Unmarshal(raw, meta); err != nil {
		return nil, fmt.Errorf("parse artifact metadata %s: %w", artifactID, err)
	}
	return meta, nil
}

func (s *Store) saveMetadata(meta *Metadata) error {
	if err := os.MkdirAll(s.artifactDir(meta.ArtifactID), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.metadataPath(meta.ArtifactID), data, 0o644)
}

// SaveVersion writes a new version and returns its handle. parentVersion
// is nil for roots.
func (s *Store) SaveVersion(artifactID string, content map[string]any, parentVersion *int, metadata map[string]any, tags []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata(artifactID)
	if err != nil {
		return "", err
	}
	newVersion := 1
	if meta == nil {
		meta = &Metadata{ArtifactID: artifactID, CurrentVersion: 1}
	} else {
		newVersion = meta.CurrentVersion + 1
		meta.CurrentVersion = newVersion
	}

	contentJSON, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact content: %w", err)
	}

	handle := Handle(artifactID, newVersion)
	if metadata == nil {
		metadata = map[string]any{}
	}
	if tags == nil {
		tags = []string{}
	}
	meta.Versions = append(meta.Versions, Version{
		Version:       newVersion,
		CreatedAt:     time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		ParentVersion: parentVersion,
		Handle:        handle,
		SizeBytes:     len(contentJSON),
		Metadata:      metadata,
		Tags:          tags,
	})

	if err := os.MkdirAll(s.artifactDir(artifactID), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(s.versionPath(artifactID, newVersion), contentJSON, 0o644); err != nil {
		return "", fmt.Errorf("write artifact version: %w", err)
	}
	if err := s.saveMetadata(meta); err != nil {
		return "", fmt.Errorf("write artifact metadata: %w", err)
	}

	slog.Info("artifact version created",
		"handle", handle, "parent_version", parentVersion, "size_bytes", len(contentJSON))
	return handle, nil
}

// GetVersion loads one version. version 0 means latest. Returns nil
// when the artifact or version does not exist.
func (s *Store) GetVersion(artifactID string, version int) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getVersionLocked(artifactID, version)
}

// Resolve loads the artifact a handle points to.
func (s *Store) Resolve(handle string) (*Artifact, error) {
	artifactID, version, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	return s.GetVersion(artifactID, version)
}

func (s *Store) getVersionLocked(artifactID string, version int) (*Artifact, error) {
	meta, err := s.loadMetadata(artifactID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	if version == 0 {
		version = meta.CurrentVersion
	}
	var vmeta *Version
	for i := range meta.Versions {
		if meta.Versions[i].Version == version {
			vmeta = &meta.Versions[i]
			break
		}
	}
	if vmeta == nil {
		return nil, nil
	}

	raw, err := os.ReadFile(s.versionPath(artifactID, version))
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("artifact version file missing", "artifact_id", artifactID, "version", version)
			return nil, nil
		}
		return nil, fmt.Errorf("read artifact version: %w", err)
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("parse artifact version %s/v%d: %w", artifactID, version, err)
	}

	return &Artifact{
		ArtifactID:    artifactID,
		Version:       vmeta.Version,
		CreatedAt:     vmeta.CreatedAt,
		ParentVersion: vmeta.ParentVersion,
		Handle:        vmeta.Handle,
		Content:       content,
		Metadata:      vmeta.Metadata,
		Tags:          vmeta.Tags,
	}, nil
}

// ListVersions returns all version metadata sorted by version number.
func (s *Store) ListVersions(artifactID string) ([]Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata(artifactID)
	if err != nil || meta == nil {
		return nil, err
	}
	versions := append([]Version(nil), meta.Versions...)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	return versions, nil
}

// ListArtifacts returns all artifact ids in storage, sorted.
func (s *Store) ListArtifacts() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(s.metadataPath(entry.Name())); err == nil {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteVersion removes one version. When the last version goes, the
// whole artifact directory goes with it. Returns false if not found.
func (s *Store) DeleteVersion(artifactID string, version int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteVersionLocked(artifactID, version)
}

func (s *Store) deleteVersionLocked(artifactID string, version int) (bool, error) {
	meta, err := s.loadMetadata(artifactID)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, nil
	}
	found := false
	remaining := meta.Versions[:0]
	for _, v := range meta.Versions {
		if v.Version == version {
			found = true
			continue
		}
		remaining = append(remaining, v)
	}
	if !found {
		return false, nil
	}
	if err := os.Remove(s.versionPath(artifactID, version)); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	meta.Versions = remaining

	if len(meta.Versions) == 0 {
		if err := os.RemoveAll(s.artifactDir(artifactID)); err != nil {
			return false, err
		}
		slog.Info("artifact deleted", "artifact_id", artifactID)
		return true, nil
	}

	current := 0
	for _, v := range meta.Versions {
		if v.Version > current {
			current = v.Version
		}
	}
	meta.CurrentVersion = current
	if err := s.saveMetadata(meta); err != nil {
		return false, err
	}
	slog.Info("artifact version deleted", "artifact_id", artifactID, "version", version)
	return true, nil
}

// Lineage returns the parent chain for a version, root first.
func (s *Store) Lineage(artifactID string, version int) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata(artifactID)
	if err != nil || meta == nil {
		return nil, err
	}
	parents := map[int]*int{}
	for _, v := range meta.Versions {
		parents[v.Version] = v.ParentVersion
	}

	var lineage []int
	current := &version
	for current != nil {
		lineage = append(lineage, *current)
		next, ok := parents[*current]
		if !ok {
			break
		}
		current = next
	}
	for i, j := 0, len(lineage)-1; i < j; i, j = i+1, j-1 {
		lineage[i], lineage[j] = lineage[j], lineage[i]
	}
	return lineage, nil
}

// ApplyVersionLimit deletes the oldest versions beyond maxVersions,
// keeping any version that is a parent of a kept version. Returns the
// number deleted.
func (s *Store) ApplyVersionLimit(artifactID string, maxVersions int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.loadMetadata(artifactID)
	if err != nil || meta == nil {
		return 0, err
	}
	if len(meta.Versions) <= maxVersions {
		return 0, nil
	}

	sorted := append([]Version(nil), meta.Versions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version > sorted[j].Version })

	keep := map[int]bool{}
	for _, v := range sorted[:maxVersions] {
		keep[v.Version] = true
		if v.ParentVersion != nil {
			keep[*v.ParentVersion] = true
		}
	}

	deleted := 0
	for _, v := range meta.Versions {
		if keep[v.Version] {
			continue
		}
		ok, err := s.deleteVersionLocked(artifactID, v.Version)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	slog.Info("artifact version limit applied",
		"artifact_id", artifactID, "kept", len(keep), "deleted", deleted)
	return deleted, nil
}
