package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

var (
	// ErrQueueFull is returned without waiting when MaxQueueSize calls are pending
	ErrQueueFull = errors.New("ratelimit: request queue is full")

	// ErrQueueClosed is returned for calls submitted to, or pending in, a closed queue
	ErrQueueClosed = errors.New("ratelimit: request queue is closed")

	// ErrRetriesExhausted is returned by Do once MaxAttempts attempts failed
	ErrRetriesExhausted = errors.New("ratelimit: retries exhausted")
)

// RateLimitError signals a provider-side rate limit (HTTP 429). RetryAfter is
// the provider's hint, zero when none was sent.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// IsRateLimited reports whether err carries a RateLimitError
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable with the fixed retry delay (e.g. 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a connection reset, a timeout or was
// marked with Transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *transientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
