// Package tools invokes external tools through the tools gateway
// service over HTTP.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/maestroproj/maestro/pkg/config"
	"github.com/maestroproj/maestro/pkg/httpclient"
)

// GatewayError is a tool invocation failure. Retryable is false for
// validation and unknown-tool errors.
type GatewayError struct {
	ToolID     string
	StatusCode int
	Detail     string
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("tool %q: http %d: %s", e.ToolID, e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("tool %q: %s", e.ToolID, e.Detail)
}

// BatchResult is one entry of a batch invocation, in request order.
type BatchResult struct {
	Status string         `json:"status"` // success or error
	ToolID string         `json:"tool_id"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// GatewayClient calls the tools gateway. Validation failures (400) and
// unknown tools (404) fail fast; server errors and timeouts retry with
// exponential backoff.
type GatewayClient struct {
	baseURL   string
	sessionID string
	agentID   string
	http      *httpclient.Client
	probe     *http.Client
}

// NewGatewayClient builds a client bound to one session and agent for
// lineage tracking. The retry budget follows the LLM retry limit.
func NewGatewayClient(cfg *config.Config, sessionID, agentID string) *GatewayClient {
	return &GatewayClient{
		baseURL:   cfg.ToolsBaseURL,
		sessionID: sessionID,
		agentID:   agentID,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(cfg.LLM.MaxRetries-1),
			httpclient.WithBaseDelay(time.Second),
			httpclient.WithBackoffMultiplier(2.0),
			httpclient.WithRetryStrategy(func(status int) httpclient.RetryStrategy {
				switch status {
				case http.StatusBadRequest, http.StatusNotFound:
					return httpclient.NoRetry
				}
				return httpclient.ConservativeRetry
			}),
		),
		probe: &http.Client{Timeout: 5 * time.Second},
	}
}

// Invoke calls one tool and returns its result document.
func (c *GatewayClient) Invoke(ctx context.Context, toolID string, parameters map[string]any) (map[string]any, error) {
	payload := map[string]any{"parameters": parameters}
	if c.sessionID != "" {
		payload["session_id"] = c.sessionID
	}
	if c.agentID != "" {
		payload["agent_id"] = c.agentID
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal invocation: %w", err)
	}

	slog.Info("invoking tool",
		"tool_id", toolID, "session_id", c.sessionID, "agent_id", c.agentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/invoke/%s", c.baseURL, toolID), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &GatewayError{ToolID: toolID, Detail: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &GatewayError{ToolID: toolID, Detail: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &GatewayError{
			ToolID:     toolID,
			StatusCode: resp.StatusCode,
			Detail:     errorDetail(raw, resp.StatusCode),
		}
	}

	var result map[string]any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &GatewayError{ToolID: toolID, Detail: "malformed gateway response"}
	}
	return result, nil
}

// InvokeBatch runs tool requests sequentially, collecting per-request
// outcomes instead of failing the batch.
func (c *GatewayClient) InvokeBatch(ctx context.Context, requests []map[string]any) []BatchResult {
	results := make([]BatchResult, 0, len(requests))
	for i, req := range requests {
		toolID, _ := req["tool_id"].(string)
		parameters, _ := req["parameters"].(map[string]any)

		slog.Info("invoking batch tool",
			"position", i+1, "total", len(requests), "tool_id", toolID)

		result, err := c.Invoke(ctx, toolID, parameters)
		if err != nil {
			slog.Error("tool invocation failed", "tool_id", toolID, "error", err)
			results = append(results, BatchResult{
				Status: "error", ToolID: toolID, Error: err.Error(),
			})
			continue
		}
		results = append(results, BatchResult{
			Status: "success", ToolID: toolID, Result: result,
		})
	}
	return results
}

// Healthy reports whether the gateway answers its root endpoint.
func (c *GatewayClient) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		slog.Warn("tools gateway health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListTools fetches the gateway's tool catalog. Failures yield an empty
// list since the registry remains the source of truth.
func (c *GatewayClient) ListTools(ctx context.Context) []string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return nil
	}
	resp, err := c.probe.Do(req)
	if err != nil {
		slog.Error("listing gateway tools failed", "error", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Warn("listing gateway tools failed", "status", resp.StatusCode)
		return nil
	}

	var parsed struct {
		Tools []string `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil
	}
	return parsed.Tools
}

func errorDetail(raw []byte, status int) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return fmt.Sprintf("HTTP %d", status)
}
