package loader

import (
	"context"
	"fmt"
	"time"
)

// Retry runs fn up to attempts times, returning nil on the first success.
// Every failure is treated as transient until the budget is exhausted; the
// last error is what comes back. Cancellation is honoured between attempts,
// never mid-attempt.
func Retry(ctx context.Context, attempts int, onRetry func(attempt int, err error), fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if attempt < attempts-1 {
			if onRetry != nil {
				onRetry(attempt+1, lastErr)
			}
			// Brief pause so a hiccuping server is not hammered.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
