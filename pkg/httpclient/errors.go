package httpclient

import (
	"errors"
	"fmt"
	"time"
)

// RetryableError records the last failed attempt when retries run out.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter *time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("http %d: %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// IsRetryable reports whether err wraps a RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
