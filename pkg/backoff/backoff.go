// Package backoff provides exponential backoff and a bounded retry loop.
package backoff

import (
	"context"
	"errors"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
}

func (c *Config) bounds() (initial, maxBackoff time.Duration) {
	initial, maxBackoff = 100*time.Millisecond, 5*time.Second
	if c == nil {
		return initial, maxBackoff
	}
	if c.Initial > 0 {
		initial = c.Initial
	}
	if c.Max > 0 {
		maxBackoff = c.Max
	}
	return initial, maxBackoff
}

// Exponential returns the delay before retry number attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, and so on up to Max.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff := cfg.bounds()
	if attempt < 1 {
		return initial
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff || d <= 0 {
			return maxBackoff
		}
	}
	return min(d, maxBackoff)
}

// Permanent marks an error that Retry must not retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retry calls fn up to attempts times, sleeping Exponential(n) between calls.
// It stops early on success, on a Permanent error, or when ctx is done, and
// returns the last error unwrapped from Permanent.
func Retry(ctx context.Context, attempts int, cfg *Config, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(Exponential(attempt, cfg)):
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
	}
	return lastErr
}
