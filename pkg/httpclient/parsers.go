package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseOpenAIRateLimitHeaders reads x-ratelimit-* headers.
func ParseOpenAIRateLimitHeaders(h http.Header) *RateLimitInfo {
	info := &RateLimitInfo{}
	found := false

	if v := h.Get("retry-after"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			d := time.Duration(secs) * time.Second
			info.RetryAfter = &d
			found = true
		}
	}
	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.RequestsRemaining = &n
			found = true
		}
	}
	if v := h.Get("x-ratelimit-reset-requests"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			t := time.Now().Add(d)
			info.ResetTime = &t
			found = true
		}
	}
	if !found {
		return nil
	}
	return info
}

// ParseAnthropicRateLimitHeaders reads anthropic-ratelimit-* headers.
func ParseAnthropicRateLimitHeaders(h http.Header) *RateLimitInfo {
	info := &RateLimitInfo{}
	found := false

	if v := h.Get("retry-after"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			d := time.Duration(secs) * time.Second
			info.RetryAfter = &d
			found = true
		}
	}
	if v := h.Get("anthropic-ratelimit-requests-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.RequestsRemaining = &n
			found = true
		}
	}
	if v := h.Get("anthropic-ratelimit-requests-reset"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			info.ResetTime = &t
			found = true
		}
	}
	if !found {
		return nil
	}
	return info
}
