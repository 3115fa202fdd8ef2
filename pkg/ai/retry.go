package ai

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig configures the shared retry policy. The same policy object is
// used by session initialization and by send-path recovery so the retry
// behavior stays in one place.
type RetryConfig struct {
	MaxAttempts int           // Total attempts including the first
	BaseDelay   time.Duration // Delay grows linearly: base, 2*base, 3*base, ...
}

// DefaultRetryConfig matches the provider session defaults: three attempts
// with 1s, 2s delays between them.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping between attempts.
// It stops early when fn succeeds, when fn returns a fatal error, or when
// the context is cancelled. The last error is returned after the budget
// is exhausted.
func Retry(ctx context.Context, logger *slog.Logger, cfg RetryConfig, op string, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsFatal(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt < cfg.MaxAttempts {
			delay := time.Duration(attempt) * cfg.BaseDelay
			logger.Warn("Operation failed, retrying",
				slog.String("op", op),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", cfg.MaxAttempts),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxAttempts, lastErr)
}
