package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maestroproj/maestro/pkg/httpclient"
	"github.com/maestroproj/maestro/pkg/registry"
	"github.com/maestroproj/maestro/pkg/storage"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

type anthropicClient struct {
	*base
}

func newAnthropicClient(profile registry.ModelProfile, sessionID string,
	recorder *storage.Recorder, opts ...Option) *anthropicClient {
	return &anthropicClient{
		base: newBase(profile, sessionID, recorder, anthropicBaseURL,
			httpclient.ParseAnthropicRateLimitHeaders, opts...),
	}
}

func (c *anthropicClient) Provider() string { return "anthropic" }
func (c *anthropicClient) Stats() Stats     { return c.stats }

func (c *anthropicClient) Call(ctx context.Context, messages []Message) (*Response, error) {
	return c.callWithRetry(ctx, messages, func(ctx context.Context) (*Response, error) {
		return c.doCall(ctx, messages)
	})
}

func (c *anthropicClient) doCall(ctx context.Context, messages []Message) (*Response, error) {
	// The messages API takes the system prompt as a top-level field.
	var system string
	chat := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		chat = append(chat, msg)
	}

	body := map[string]any{
		"model":       c.profile.ModelName,
		"messages":    chat,
		"temperature": c.paramFloat("temperature", 0.3),
		"max_tokens":  c.paramInt("max_tokens", 4000),
		"top_p":       c.paramFloat("top_p", 1.0),
	}
	if system != "" {
		body["system"] = system
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic http %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed struct {
		Model   string `json:"model"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Content) == 0 {
		return nil, fmt.Errorf("anthropic response has no content")
	}

	return &Response{
		Content:  parsed.Content[0].Text,
		Model:    parsed.Model,
		Provider: "anthropic",
		TokensUsed: map[string]int{
			"prompt":     parsed.Usage.InputTokens,
			"completion": parsed.Usage.OutputTokens,
			"total":      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		},
		LatencyMs:    int(time.Since(start).Milliseconds()),
		FinishReason: parsed.StopReason,
	}, nil
}
