// Package httpclient provides a retrying HTTP client shared by the LLM
// providers, the tools gateway client, and the embeddings call.
package httpclient

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// RetryStrategy describes how to react to a response status.
type RetryStrategy int

const (
	// NoRetry fails immediately.
	NoRetry RetryStrategy = iota
	// ConservativeRetry backs off exponentially from the base delay.
	ConservativeRetry
	// SmartRetry honors rate-limit headers when present, otherwise
	// behaves like ConservativeRetry.
	SmartRetry
)

// RateLimitInfo carries whatever rate-limit hints a response exposed.
type RateLimitInfo struct {
	RetryAfter        *time.Duration
	ResetTime         *time.Time
	RequestsRemaining *int
}

// HeaderParser extracts rate-limit info from provider-specific headers.
type HeaderParser func(http.Header) *RateLimitInfo

// StrategyFunc maps a status code to a retry strategy.
type StrategyFunc func(statusCode int) RetryStrategy

// DefaultRetryStrategy retries rate limits and transient server errors,
// and fails fast on everything else.
func DefaultRetryStrategy(statusCode int) RetryStrategy {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return SmartRetry
	case http.StatusRequestTimeout, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		return ConservativeRetry
	default:
		return NoRetry
	}
}

// Client wraps an http.Client with status-driven retries.
type Client struct {
	client       *http.Client
	maxRetries   int
	baseDelay    time.Duration
	multiplier   float64
	headerParser HeaderParser
	strategyFunc StrategyFunc
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithMaxRetries sets the retry attempt cap.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the first backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithBackoffMultiplier sets the exponential backoff factor.
func WithBackoffMultiplier(m float64) Option {
	return func(c *Client) {
		if m > 0 {
			c.multiplier = m
		}
	}
}

// WithHeaderParser installs a provider-specific rate-limit header parser.
func WithHeaderParser(p HeaderParser) Option {
	return func(c *Client) { c.headerParser = p }
}

// WithRetryStrategy replaces the status-to-strategy mapping.
func WithRetryStrategy(f StrategyFunc) Option {
	return func(c *Client) { c.strategyFunc = f }
}

// New returns a Client with sane defaults: 3 retries, 1s base delay
// doubling per attempt.
func New(opts ...Option) *Client {
	c := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		maxRetries:   3,
		baseDelay:    time.Second,
		multiplier:   2.0,
		strategyFunc: DefaultRetryStrategy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request, retrying per the configured strategy. The
// request must have GetBody set if it carries a body, so the body can be
// re-created for retries; http.NewRequest does this for common readers.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	var lastStatus int

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("recreate request body: %w", err)
				}
				req.Body = body
			}
			delay := c.delayFor(attempt, lastStatus, lastErr)
			slog.Debug("retrying request",
				"url", req.URL.String(), "attempt", attempt, "delay", delay)
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			// Transport errors (timeouts, refused connections) are
			// retried conservatively.
			lastErr = err
			lastStatus = 0
			continue
		}
		if resp.StatusCode < 400 {
			return resp, nil
		}

		strategy := c.strategyFunc(resp.StatusCode)
		if strategy == NoRetry {
			return resp, nil
		}
		lastStatus = resp.StatusCode
		lastErr = &RetryableError{StatusCode: resp.StatusCode, Message: resp.Status}
		if c.headerParser != nil {
			if info := c.headerParser(resp.Header); info != nil && info.RetryAfter != nil {
				if re, ok := lastErr.(*RetryableError); ok {
					re.RetryAfter = info.RetryAfter
				}
			}
		}
		resp.Body.Close()
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("request failed after %d attempts", c.maxRetries+1)
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

func (c *Client) delayFor(attempt, lastStatus int, lastErr error) time.Duration {
	if re, ok := lastErr.(*RetryableError); ok && re.RetryAfter != nil && c.strategyFunc(lastStatus) == SmartRetry {
		return *re.RetryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * c.multiplier)
	}
	return delay
}
