package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"

	"github.com/maestroproj/maestro/pkg/httpclient"
)

// Embedder turns text into a vector. Implementations may fail at
// runtime (network, quota); callers fall back to keyword scoring.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// ScoredMemory pairs a memory with its similarity to a query.
type ScoredMemory struct {
	Memory Memory  `json:"memory"`
	Score  float64 `json:"score"`
}

// RetrieveBySimilarity scores all non-expired memories against the
// query and returns those at or above threshold, best first. With a
// nil embedder (or on embedding failure) scoring is keyword overlap.
func (s *Store) RetrieveBySimilarity(ctx context.Context, query string, limit int, threshold float64, embedder Embedder) ([]ScoredMemory, error) {
	s.mu.Lock()
	memories, err := s.loadValid()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(memories) == 0 {
		return nil, nil
	}

	var scored []ScoredMemory
	if embedder != nil {
		scored, err = scoreByEmbedding(ctx, query, memories, embedder)
		if err != nil {
			slog.Warn("embedding similarity failed, falling back to keywords", "error", err)
			scored = nil
		}
	}
	if scored == nil {
		scored = scoreByKeywords(query, memories)
	}

	filtered := scored[:0]
	for _, sm := range scored {
		if sm.Score >= threshold {
			filtered = append(filtered, sm)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// scoreByKeywords computes Jaccard overlap of word sets (words longer
// than 2 characters), boosted 0.1 per query word matching a tag and
// capped at 1.0.
func scoreByKeywords(query string, memories []Memory) []ScoredMemory {
	queryWords := wordSet(query)
	scored := make([]ScoredMemory, 0, len(memories))
	for _, m := range memories {
		contentWords := wordSet(m.Content)
		score := jaccard(queryWords, contentWords)
		for _, tag := range m.Tags {
			if _, ok := queryWords[strings.ToLower(tag)]; ok {
				score += 0.1
			}
		}
		if score > 1.0 {
			score = 1.0
		}
		scored = append(scored, ScoredMemory{Memory: m, Score: score})
	}
	return scored
}

func wordSet(text string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if len(w) > 2 {
			set[w] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func scoreByEmbedding(ctx context.Context, query string, memories []Memory, embedder Embedder) ([]ScoredMemory, error) {
	queryVec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	scored := make([]ScoredMemory, 0, len(memories))
	for _, m := range memories {
		vec, err := embedder.Embed(ctx, m.Content)
		if err != nil {
			return nil, fmt.Errorf("embed memory %s: %w", m.MemoryID, err)
		}
		scored = append(scored, ScoredMemory{Memory: m, Score: cosine(queryVec, vec)})
	}
	return scored, nil
}

func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
	model   string
}

// NewOpenAIEmbedder returns an embedder for the given model. baseURL
// defaults to the public API when empty.
func NewOpenAIEmbedder(apiKey, model, baseURL string) *OpenAIEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIEmbedder{
		client:  httpclient.New(httpclient.WithHeaderParser(httpclient.ParseOpenAIRateLimitHeaders)),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

// Embed returns the embedding vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": text,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings request failed: status %d", resp.StatusCode)
	}

	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("embeddings response contained no data")
	}
	return out.Data[0].Embedding, nil
}
