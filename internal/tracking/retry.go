package tracking

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/ignite/parquet-sync/internal/synerrors"
)

// withRetry runs op up to maxAttempts times with jittered exponential
// backoff between attempts, reusing the backoff math of the HTTP retry
// client that is no longer part of this repository (see DESIGN.md,
// "internal/pkg/httpretry — dropped entirely"). It observes ctx
// between attempts so a shutdown signal interrupts a retry loop instead of
// blocking it. sql.ErrNoRows is never retried: a legitimate "no tracking
// row yet" result (the normal cold-start outcome for LatestFull and
// LatestCompletedIncremental) is not a transient failure, and retrying it
// would only waste the full backoff budget before returning the same
// answer.
func withRetry(ctx context.Context, maxAttempts int, baseDelay, maxDelay time.Duration, op func() error) error {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return synerrors.ErrShutdown
		}

		if attempt > 0 {
			delay := retryDelay(attempt, baseDelay, maxDelay)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return synerrors.ErrShutdown
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, sql.ErrNoRows) {
			return lastErr
		}
	}

	return lastErr
}

func retryDelay(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	expDelay := float64(baseDelay) * math.Pow(2, float64(attempt-1))
	if expDelay > float64(maxDelay) {
		expDelay = float64(maxDelay)
	}
	jittered := time.Duration(rand.Float64() * expDelay)
	if jittered < 50*time.Millisecond {
		jittered = 50 * time.Millisecond
	}
	return jittered
}
