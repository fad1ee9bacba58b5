package sources

import (
	"errors"
	"fmt"
	"time"
)

// TransportError wraps a network or HTTP failure from an upstream source.
// Retryable marks failures worth another attempt (timeouts, 5xx); permanent
// failures (4xx other than 429) are not.
type TransportError struct {
	SourceID   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("source %s: transport error (status %d): %v", e.SourceID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("source %s: transport error: %v", e.SourceID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RateLimitedError indicates the source answered 429. RetryAfter carries the
// server-provided backoff, or zero when the header was absent or unparsable.
type RateLimitedError struct {
	SourceID   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("source %s: rate limited, retry after %v", e.SourceID, e.RetryAfter)
	}
	return fmt.Sprintf("source %s: rate limited", e.SourceID)
}

// IsRetryable reports whether the fetch loop should retry after the error.
// Rate limiting is always retryable after backing off.
func IsRetryable(err error) bool {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return false
}
