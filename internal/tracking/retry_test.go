package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/parquet-sync/internal/synerrors"
)

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), 5, time.Millisecond, 10*time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), 3, time.Millisecond, 10*time.Millisecond, func() error {
		attempts++
		return errors.New("still broken")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryObservesShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := withRetry(ctx, 5, time.Millisecond, 10*time.Millisecond, func() error {
		t.Fatal("op should not run after cancellation")
		return nil
	})
	assert.ErrorIs(t, err, synerrors.ErrShutdown)
}
