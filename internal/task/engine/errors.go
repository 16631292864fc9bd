package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrKilled is reported when a worker's context ends before the attempt
	// cycle does (AWOL kill or process shutdown).
	ErrKilled = errors.New("worker killed")
	// ErrNoReport is reported when a worker process exits without leaving a
	// result in the store.
	ErrNoReport     = errors.New("worker exited without report")
	ErrLauncherDown = errors.New("launcher stopped")
)

// NoRetry marks an error as non-retryable.
//
// Task bodies wrap validation errors or other permanent failures with NoRetry
// so the worker stops after the current attempt.
//
// Example:
//
//	return task.Fail(engine.NoRetry(fmt.Errorf("bad input: %w", err)))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before the next attempt.
//
// This is useful when the downstream system returns a Retry-After value
// (e.g., HTTP 429). The worker uses the hint instead of the linear backoff.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// backoff is the pause after failed attempt n: the error's hint if it has
// one, n*base otherwise.
func backoff(n int, base time.Duration, err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	if base <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * base
}
