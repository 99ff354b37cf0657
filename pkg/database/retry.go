package database

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBaseWait = time.Second
	retryJitterFraction  = 0.25
)

// retryBackoff returns the wait before attempt+1 with ±25% jitter: 1s, 2s, 4s.
func retryBackoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := defaultRetryBaseWait << attempt
	jitter := time.Duration(float64(base) * retryJitterFraction * (2*rand.Float64() - 1)) // #nosec G404 -- jitter only
	return base + jitter
}

// connectWithRetry runs connect up to defaultRetryAttempts times. Backing
// stores are often still starting when the service boots under compose.
func connectWithRetry(ctx context.Context, name string, logger *slog.Logger, connect func(context.Context) error) error {
	return retry(ctx, name, defaultRetryAttempts, retryBackoff, logger, connect)
}

func retry(ctx context.Context, name string, attempts int, backoff func(int) time.Duration, logger *slog.Logger, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}

		wait := backoff(attempt)
		if logger != nil {
			logger.WarnContext(ctx, name+" connection failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", attempts),
				slog.Duration("backoff", wait),
				slog.String("error", lastErr.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("connect to %s: %w", name, ctx.Err())
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("connect to %s after %d attempts: %w", name, attempts, lastErr)
}
