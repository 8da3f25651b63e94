// Package retry runs fallible calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// maxDelay caps a single backoff wait.
const maxDelay = 15 * time.Second

// Policy configures Do. Attempts counts the first call, so Attempts=3 means
// at most two retries. BaseDelay is doubled after every failed attempt.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	Logger    *slog.Logger
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the context is
// done, or the attempts are used up. The last error is returned.
func Do(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := p.BaseDelay * time.Duration(1<<uint(attempt-1))
		if wait > maxDelay {
			wait = maxDelay
		}
		if p.Logger != nil {
			p.Logger.WarnContext(ctx, "retrying",
				"op", op,
				"attempt", attempt,
				"max_attempts", attempts,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return lastErr
		case <-t.C:
		}
	}
	return lastErr
}
