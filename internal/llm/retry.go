package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/agora/internal/fault"
)

// RetryConfig controls the exponential backoff of LLM calls.
// Delay before attempt i (1-indexed) is Base * 2^(i-2), so with the default
// base the schedule is 1s, 2s, 4s, ...
type RetryConfig struct {
	MaxRetries int
	Base       time.Duration

	// Sleep is swappable for tests; nil means a context-aware time sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is notified before each re-attempt (attempt is 2-indexed).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig matches the documented schedule: 3 attempts, 1s base.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, Base: time.Second}
}

func (c RetryConfig) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryDo invokes fn up to cfg.MaxRetries times with exponential backoff.
// Context cancellation is treated as an abort: it is returned immediately as
// request_aborted and never retried. When the budget is exhausted the last
// error is wrapped as llm_call_failed_after_retries.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := cfg.Base << (attempt - 2)
			if cfg.OnRetry != nil {
				cfg.OnRetry(attempt, delay, lastErr)
			}
			slog.Debug("llm.retry", "attempt", attempt, "delay", delay, "error", lastErr)
			if err := cfg.sleep(ctx, delay); err != nil {
				return zero, fault.Wrap(fault.RequestAborted, err)
			}
		}

		out, err := fn()
		if err == nil {
			return out, nil
		}
		if isAbort(ctx, err) {
			return zero, fault.Wrap(fault.RequestAborted, err)
		}
		lastErr = err
	}
	return zero, fault.Wrap(fault.LLMCallFailedAfterRetries, lastErr)
}

func isAbort(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
