package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// retryAttempts is the first try plus three retries.
const retryAttempts = 4

// retryBase is the first backoff delay; each retry doubles it
// (100 ms, 200 ms, 400 ms).
const retryBase = 100 * time.Millisecond

// Retry runs fn and retries it up to three times with exponential backoff, consolidating
// the ad-hoc retry loops that would otherwise appear at every backend call
// site. Context errors abort immediately; anything still failing after the
// final attempt is wrapped in ErrUnavailable.
func Retry(ctx context.Context, log *slog.Logger, op string, fn func() error) error {
	var err error
	delay := retryBase
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// Logical errors are not transport failures; retrying cannot help.
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrCASMismatch) {
			return err
		}
		if attempt < retryAttempts {
			if log != nil {
				log.Debug("backend operation retrying", "op", op, "attempt", attempt, "error", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
