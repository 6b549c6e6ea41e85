// Package retry runs an operation with bounded retries and back-off.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do stops immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

type Config struct {
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the growing delay.
	MaxDelay time.Duration
	// Multiplier scales the delay after each retry. 1 gives a fixed
	// back-off; values below 1 are treated as 2.
	Multiplier float64
	// Jitter adds up to half the delay at random.
	Jitter bool
	// MaxAttempts limits total attempts including the first (0 = unlimited).
	MaxAttempts int
	// MaxElapsed stops retrying after this much time (0 = unlimited).
	MaxElapsed time.Duration
}

// Fixed returns a Config for one attempt plus retries, each retry after
// the same delay.
func Fixed(delay time.Duration, retries int) Config {
	return Config{
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1,
		MaxAttempts:  retries + 1,
	}
}

// Exponential returns a jittered doubling back-off between min and max
// with no attempt bound.
func Exponential(minDelay, maxDelay time.Duration) Config {
	return Config{
		InitialDelay: minDelay,
		MaxDelay:     maxDelay,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Backoff yields successive delays for a Config.
type Backoff struct {
	cfg  Config
	next time.Duration
}

func NewBackoff(cfg Config) *Backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	return &Backoff{cfg: cfg, next: cfg.InitialDelay}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	grown := time.Duration(float64(b.next) * b.cfg.Multiplier)
	if grown > b.cfg.MaxDelay {
		grown = b.cfg.MaxDelay
	}
	b.next = grown
	if b.cfg.Jitter && d > 1 {
		d += time.Duration(rand.Int63n(int64(d) / 2))
	}
	return d
}

// Reset restarts the sequence at InitialDelay.
func (b *Backoff) Reset() {
	b.next = b.cfg.InitialDelay
}

// Do runs fn until it succeeds, returns a PermanentError, or the attempt
// or time bound is hit. The last error is returned wrapped.
func Do(ctx context.Context, cfg Config, operation string, fn func(ctx context.Context) error) error {
	backoff := NewBackoff(cfg)
	start := time.Now()

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Retry: operation succeeded after retry",
					"operation", operation,
					"attempt", attempt,
					"elapsed", time.Since(start).Round(time.Millisecond),
				)
			}
			return nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			slog.Warn("Retry: permanent error, not retrying",
				"operation", operation,
				"attempt", attempt,
				"error", permErr.Err,
			)
			return permErr.Err
		}

		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			slog.Warn("Retry: attempts exhausted",
				"operation", operation,
				"attempts", attempt,
				"lastError", err,
			)
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, attempt, err)
		}
		if cfg.MaxElapsed > 0 && time.Since(start) >= cfg.MaxElapsed {
			return fmt.Errorf("%s: retries exhausted after %v: %w", operation, time.Since(start).Round(time.Millisecond), err)
		}

		delay := backoff.Next()
		slog.Info("Retry: operation failed, retrying",
			"operation", operation,
			"attempt", attempt,
			"delay", delay.Round(time.Millisecond),
			"error", err,
		)
		if err := Sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: context cancelled during retry: %w", operation, err)
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
