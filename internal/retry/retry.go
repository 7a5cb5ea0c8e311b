// Package retry repeats startup operations, such as connecting to the
// database or creating the topic, while their dependency comes up.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Policy bounds the attempts made by Do.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Jitter          float64 // ±fraction applied to each wait, e.g. 0.2
}

// StartupPolicy waits roughly a minute in total for a dependency.
func StartupPolicy() Policy {
	return Policy{
		MaxAttempts:     8,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     15 * time.Second,
		Jitter:          0.2,
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts run
// out, or ctx is done. The last error from fn is returned. Each failed attempt
// except the last is logged at warn level under op.
func Do(ctx context.Context, p Policy, op string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts-1 {
			break
		}

		wait := backoff(attempt, p)
		logger.Warn("retrying", "op", op, "attempt", attempt+1, "max_attempts", attempts, "wait", wait.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func backoff(attempt int, p Policy) time.Duration {
	d := float64(p.InitialInterval) * math.Pow(2, float64(attempt))
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	if p.Jitter > 0 {
		j := d * p.Jitter
		d = d - j + rand.Float64()*2*j
	}
	return time.Duration(d)
}
