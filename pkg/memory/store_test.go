package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "memory"))
	require.NoError(t, err)
	return s
}

func TestStoreAndGet(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Store("fact", "claims above 10000 require manual review",
		map[string]any{"domain": "claims"}, []string{"claims", "review"}, 0)
	require.NoError(t, err)
	assert.Contains(t, id, "mem_")

	m, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "fact", m.MemoryType)
	assert.Equal(t, []string{"claims", "review"}, m.Tags)
	assert.Empty(t, m.ExpiresAt)

	missing, err := s.Get("mem_nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRetrieveFilters(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Store("fact", "fraud indicators found in claim", nil, []string{"fraud"}, 0)
	require.NoError(t, err)
	_, err = s.Store("insight", "customer prefers email contact",
		map[string]any{"channel": "email"}, []string{"preferences"}, 0)
	require.NoError(t, err)
	_, err = s.Store("fact", "policy covers water damage", nil, []string{"coverage"}, 0)
	require.NoError(t, err)

	byType, err := s.Retrieve(RetrieveOptions{MemoryType: "fact"})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byTag, err := s.Retrieve(RetrieveOptions{Tags: []string{"fraud", "other"}})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Contains(t, byTag[0].Content, "fraud")

	// Query matches content case-insensitively and metadata values.
	byQuery, err := s.Retrieve(RetrieveOptions{Query: "WATER"})
	require.NoError(t, err)
	assert.Len(t, byQuery, 1)

	byMeta, err := s.Retrieve(RetrieveOptions{Query: "email"})
	require.NoError(t, err)
	assert.Len(t, byMeta, 1)

	limited, err := s.Retrieve(RetrieveOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestExpirationFiltering(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Store("fact", "short lived note", nil, nil, 1)
	require.NoError(t, err)

	// Rewrite the record with an expiration in the past.
	m, err := s.Get(id)
	require.NoError(t, err)
	m.ExpiresAt = time.Now().UTC().Add(-time.Hour).Format("2006-01-02T15:04:05.000000Z")
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.dataFile, append(data, '\n'), 0o644))

	results, err := s.Retrieve(RetrieveOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)

	// Unparseable expirations keep the memory.
	m.ExpiresAt = "not-a-date"
	data, err = json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.dataFile, append(data, '\n'), 0o644))

	results, err = s.Retrieve(RetrieveOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestDeleteRewritesAndRebuildsIndex(t *testing.T) {
	s := newTestStore(t)

	keep, err := s.Store("fact", "keep this durable note", nil, []string{"keep"}, 0)
	require.NoError(t, err)
	drop, err := s.Store("fact", "drop this transient note", nil, []string{"drop"}, 0)
	require.NoError(t, err)

	ok, err := s.Delete(drop)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(drop)
	require.NoError(t, err)
	assert.False(t, ok)

	m, err := s.Get(keep)
	require.NoError(t, err)
	require.NotNil(t, m)

	idx, err := s.readIndex()
	require.NoError(t, err)
	assert.Contains(t, idx.Tags, "keep")
	assert.NotContains(t, idx.Tags, "drop")
}

func TestApplyRetentionIdempotent(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Store("fact", "durable note", nil, nil, 0)
	require.NoError(t, err)
	expiredID, err := s.Store("fact", "stale note", nil, nil, 1)
	require.NoError(t, err)

	// Force the second record into the past.
	memories, err := s.loadAll()
	require.NoError(t, err)
	for i := range memories {
		if memories[i].MemoryID == expiredID {
			memories[i].ExpiresAt = time.Now().UTC().Add(-time.Hour).Format("2006-01-02T15:04:05.000000Z")
		}
	}
	require.NoError(t, s.rewrite(memories))

	deleted, err := s.ApplyRetention()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	deleted, err = s.ApplyRetention()
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestListPagination(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.Store("fact", "note", nil, nil, 0)
		require.NoError(t, err)
	}

	page, err := s.List("", 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	page, err = s.List("", 2, 4)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	page, err = s.List("", 2, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestListFiltersTypeBeforePagination(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		_, err := s.Store("fact", "fact note", nil, nil, 0)
		require.NoError(t, err)
		_, err = s.Store("insight", "insight note", nil, nil, 0)
		require.NoError(t, err)
	}

	// A page of two insights, then the third on the next page: offsets
	// address the filtered sequence, not the raw one.
	page, err := s.List("insight", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	for _, m := range page {
		assert.Equal(t, "insight", m.MemoryType)
	}

	page, err = s.List("insight", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "insight", page[0].MemoryType)
}

func TestDefaultExpirationApplied(t *testing.T) {
	s := newTestStore(t)
	s.SetDefaultExpiration(90)

	id, err := s.Store("fact", "note without explicit expiry", nil, nil, 0)
	require.NoError(t, err)

	m, err := s.Get(id)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NotEmpty(t, m.ExpiresAt)

	expires, err := time.Parse("2006-01-02T15:04:05.000000Z", m.ExpiresAt)
	require.NoError(t, err)
	assert.InDelta(t, 90*24, time.Until(expires).Hours(), 1)

	// An explicit value still wins over the default.
	id, err = s.Store("fact", "short note", nil, nil, 1)
	require.NoError(t, err)
	m, err = s.Get(id)
	require.NoError(t, err)
	expires, err = time.Parse("2006-01-02T15:04:05.000000Z", m.ExpiresAt)
	require.NoError(t, err)
	assert.InDelta(t, 24, time.Until(expires).Hours(), 1)
}

func TestKeywordSimilarity(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Store("fact", "fraud detection flagged the claim for review",
		nil, []string{"fraud"}, 0)
	require.NoError(t, err)
	_, err = s.Store("fact", "customer requested a new insurance card", nil, nil, 0)
	require.NoError(t, err)

	results, err := s.RetrieveBySimilarity(context.Background(),
		"fraud review of the claim", 5, 0.1, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Memory.Content, "fraud")
	assert.Greater(t, results[0].Score, 0.1)
}

type fakeEmbedder struct {
	vectors map[string][]float64
	fail    bool
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if f.fail {
		return nil, assert.AnError
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float64{0, 1}, nil
}

func TestEmbeddingSimilarityAndFallback(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Store("fact", "aligned content", nil, nil, 0)
	require.NoError(t, err)

	emb := &fakeEmbedder{vectors: map[string][]float64{
		"query text":      {1, 0},
		"aligned content": {1, 0},
	}}
	results, err := s.RetrieveBySimilarity(context.Background(), "query text", 5, 0.9, emb)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)

	// Embedding failure falls back to keyword scoring.
	results, err = s.RetrieveBySimilarity(context.Background(), "aligned content", 5, 0.1,
		&fakeEmbedder{fail: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
}
