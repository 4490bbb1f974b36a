// Package retry provides the single retry loop used across dhisfill.
//
// Login, tab switching, and field filling all retry through Do with their own
// budgets; nothing else in the module hand-rolls an attempt loop.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Config controls one retry budget.
type Config struct {
	// Attempts is the total number of tries, including the first. Minimum 1.
	Attempts int

	// Delay is the wait between attempts. With Exponential set it is the
	// base wait, doubled after every failure.
	Delay time.Duration

	// Exponential doubles Delay after each failed attempt.
	Exponential bool

	// Retryable reports whether an error is worth another attempt.
	// Nil means every error is retryable.
	Retryable func(error) bool

	// Logger logs each retried failure. Nil means silent retries.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Attempts < 1 {
		c.Attempts = 1
	}
	if c.Delay <= 0 {
		c.Delay = 2 * time.Second
	}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, the error is
// not retryable, or ctx is cancelled. The last error is returned unwrapped so
// callers can match sentinels with errors.Is.
func Do(ctx context.Context, cfg Config, op string, fn func(context.Context) error) error {
	cfg.defaults()

	var lastErr error
	wait := cfg.Delay

	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if ctx.Err() != nil {
			return lastErr
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.Attempts {
			break
		}

		if cfg.Logger != nil {
			cfg.Logger.Warn("retrying "+op,
				"attempt", attempt,
				"max_attempts", cfg.Attempts,
				"wait_ms", wait.Milliseconds(),
				"error", lastErr)
		}

		if err := sleepCtx(ctx, wait); err != nil {
			return fmt.Errorf("retry %s: %w", op, err)
		}
		if cfg.Exponential {
			wait *= 2
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
