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

const openAIBaseURL = "https://api.openai.com/v1"

type openAIClient struct {
	*base
}

func newOpenAIClient(profile registry.ModelProfile, sessionID string,
	recorder *storage.Recorder, opts ...Option) *openAIClient {
	return &openAIClient{
		base: newBase(profile, sessionID, recorder, openAIBaseURL,
			httpclient.ParseOpenAIRateLimitHeaders, opts...),
	}
}

func (c *openAIClient) Provider() string { return "openai" }
func (c *openAIClient) Stats() Stats     { return c.stats }

func (c *openAIClient) Call(ctx context.Context, messages []Message) (*Response, error) {
	return c.callWithRetry(ctx, messages, func(ctx context.Context) (*Response, error) {
		return c.doCall(ctx, messages)
	})
}

func (c *openAIClient) doCall(ctx context.Context, messages []Message) (*Response, error) {
	body := map[string]any{
		"model":             c.profile.ModelName,
		"messages":          messages,
		"temperature":       c.paramFloat("temperature", 0.3),
		"max_tokens":        c.paramInt("max_tokens", 2000),
		"top_p":             c.paramFloat("top_p", 1.0),
		"frequency_penalty": c.paramFloat("frequency_penalty", 0.0),
		"presence_penalty":  c.paramFloat("presence_penalty", 0.0),
	}
	if c.profile.JSONMode {
		body["response_format"] = map[string]any{"type": "json_object"}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openai http %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}

	return &Response{
		Content:  parsed.Choices[0].Message.Content,
		Model:    parsed.Model,
		Provider: "openai",
		TokensUsed: map[string]int{
			"prompt":     parsed.Usage.PromptTokens,
			"completion": parsed.Usage.CompletionTokens,
			"total":      parsed.Usage.TotalTokens,
		},
		LatencyMs:    int(time.Since(start).Milliseconds()),
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
