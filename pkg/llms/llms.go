// Package llms calls chat models through a provider-agnostic interface.
// Each provider retries per its model profile's retry policy and records
// an llm_call event per attempt.
package llms

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/httpclient"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is the unified reply shape across providers.
type Response struct {
	Content      string         `json:"content"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	TokensUsed   map[string]int `json:"tokens_used"` // prompt, completion, total
	LatencyMs    int            `json:"latency_ms"`
	FinishReason string         `json:"finish_reason"`
}

// Client is a chat model client bound to one model profile.
type Client interface {
	Call(ctx context.Context, messages []Message) (*Response, error)
	Provider() string
	Stats() Stats
}

// Stats counts a client's lifetime usage.
type Stats struct {
	TotalCalls  int `json:"total_calls"`
	TotalTokens int `json:"total_tokens"`
	FailedCalls int `json:"failed_calls"`
}

// Option customizes a provider client.
type Option func(*base)

// WithBaseURL overrides the provider endpoint, mainly for tests.
func WithBaseURL(url string) Option {
	return func(b *base) { b.baseURL = strings.TrimRight(url, "/") }
}

// WithAPIKey overrides the environment-sourced credential.
func WithAPIKey(key string) Option {
	return func(b *base) { b.apiKey = key }
}

// New builds the client for a model profile's provider.
func New(profile registry.ModelProfile, sessionID string, recorder *storage.Recorder, opts ...Option) (Client, error) {
	switch strings.ToLower(profile.Provider) {
	case "openai":
		return newOpenAIClient(profile, sessionID, recorder, opts...), nil
	case "anthropic":
		return newAnthropicClient(profile, sessionID, recorder, opts...), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q, supported: openai, anthropic", profile.Provider)
}

// base carries the provider-independent state: profile, credentials,
// retry policy and event logging.
type base struct {
	profile   registry.ModelProfile
	sessionID string
	recorder  *storage.Recorder
	http      *httpclient.Client
	baseURL   string
	apiKey    string
	stats     Stats
}

func newBase(profile registry.ModelProfile, sessionID string, recorder *storage.Recorder,
	defaultURL string, headerParser httpclient.HeaderParser, opts ...Option) *base {

	timeout := profile.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	b := &base{
		profile:   profile,
		sessionID: sessionID,
		recorder:  recorder,
		baseURL:   defaultURL,
		apiKey:    config.ProviderAPIKey(profile.Provider),
		// Rate limits are waited out transparently; every other
		// failure surfaces to the profile-level retry loop.
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: time.Duration(timeout) * time.Second}),
			httpclient.WithMaxRetries(1),
			httpclient.WithHeaderParser(headerParser),
			httpclient.WithRetryStrategy(func(status int) httpclient.RetryStrategy {
				if status == http.StatusTooManyRequests {
					return httpclient.SmartRetry
				}
				return httpclient.NoRetry
			}),
		),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// callWithRetry drives the attempt loop around a single provider call,
// backing off per the profile retry policy.
func (b *base) callWithRetry(ctx context.Context, messages []Message,
	attempt func(context.Context) (*Response, error)) (*Response, error) {

	policy := b.profile.RetryPolicy
	maxRetries := policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	multiplier := policy.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	initialDelay := time.Duration(policy.InitialDelayMs) * time.Millisecond
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	var lastErr error
	for n := 1; n <= maxRetries; n++ {
		resp, err := attempt(ctx)
		b.logCall(messages, resp, err, n)
		if err == nil {
			b.stats.TotalCalls++
			b.stats.TotalTokens += resp.TokensUsed["total"]
			return resp, nil
		}
		b.stats.FailedCalls++
		lastErr = err

		if n < maxRetries {
			delay := initialDelay
			for i := 1; i < n; i++ {
				delay = time.Duration(float64(delay) * multiplier)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("%s call failed after %d attempts: %w",
		b.profile.Provider, maxRetries, lastErr)
}

func (b *base) logCall(messages []Message, resp *Response, err error, attempt int) {
	if b.recorder == nil || b.sessionID == "" {
		return
	}
	payload := map[string]any{
		"provider":      b.profile.Provider,
		"model":         b.profile.ModelName,
		"attempt":       attempt,
		"message_count": len(messages),
		"success":       err == nil,
	}
	if err != nil {
		payload["error"] = err.Error()
	}
	if resp != nil {
		payload["tokens_used"] = resp.TokensUsed
		payload["latency_ms"] = resp.LatencyMs
		payload["finish_reason"] = resp.FinishReason
	}
	b.recorder.Record(b.sessionID, "llm_call", payload)
}

// paramFloat reads a numeric model parameter with a default.
func (b *base) paramFloat(key string, fallback float64) float64 {
	switch v := b.profile.Parameters[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func (b *base) paramInt(key string, fallback int) int {
	return int(b.paramFloat(key, float64(fallback)))
}
