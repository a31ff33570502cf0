// Package retry runs calls against slow collaborators with a per-attempt
// timeout and a small, jittered backoff budget.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0, v%n < n
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy bounds a retried call.
type Policy struct {
	// MaxAttempts includes the first call. 2 means "at most one retry".
	MaxAttempts int
	// BaseDelay is doubled after each failed attempt, with +-25% jitter.
	BaseDelay time.Duration
	// AttemptTimeout caps each individual attempt. Zero disables the cap.
	AttemptTimeout time.Duration
}

// DefaultPolicy is used for billing-provider calls: 3s per attempt, one retry.
var DefaultPolicy = Policy{
	MaxAttempts:    2,
	BaseDelay:      200 * time.Millisecond,
	AttemptTimeout: 3 * time.Second,
}

// Do calls fn until it succeeds, returns a *PermanentError, the attempt
// budget is spent, or ctx is cancelled. Each attempt receives its own
// context bounded by AttemptTimeout.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = attemptOnce(ctx, p.AttemptTimeout, fn)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
	}

	return err
}

func attemptOnce(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}
