// Package retry implements the exponential-backoff retry loop the
// manifest uses for transient filesystem errors when saving. It
// generalizes the teacher's hand-rolled retryWithBackoff helper to
// accept a caller-supplied transient-error classifier instead of a
// single MongoDB-write-specific check.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Classifier reports whether err is worth retrying.
type Classifier func(err error) bool

// WithBackoff executes fn, retrying on errors that classify as
// transient with exponential backoff capped at 10 seconds per
// attempt, mirroring the teacher's retryWithBackoff defaults
// (maxRetries=5, initialDelay=100ms).
func WithBackoff(ctx context.Context, log *zap.Logger, classify Classifier, maxRetries int, initialDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if initialDelay <= 0 {
		initialDelay = 100 * time.Millisecond
	}

	var lastErr error
	delay := initialDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if attempt >= maxRetries || !classify(err) {
			return lastErr
		}

		if log != nil {
			log.Warn("transient error, retrying",
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", maxRetries),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}

	return lastErr
}
