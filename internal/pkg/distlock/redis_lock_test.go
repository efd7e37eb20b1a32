package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestRedisLockAcquireIsExclusive(t *testing.T) {
	client := newMiniredisClient(t)
	ctx := context.Background()

	a := NewRedisLock(client, "table:casts", time.Minute)
	b := NewRedisLock(client, "table:casts", time.Minute)

	acquired, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired, "a second instance must not acquire the same table's lock")
}

func TestRedisLockReleaseOnlyByOwner(t *testing.T) {
	client := newMiniredisClient(t)
	ctx := context.Background()

	a := NewRedisLock(client, "table:casts", time.Minute)
	b := NewRedisLock(client, "table:casts", time.Minute)

	_, err := a.Acquire(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Release(ctx), "release by a non-owner must be a no-op, not an error")

	acquired, err := b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired, "a's lock must still be held since b's release did not own it")

	require.NoError(t, a.Release(ctx))

	acquired, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "lock must be acquirable once its true owner releases it")
}

func TestRedisLockExtendKeepsOwnedLockAlive(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	a := NewRedisLock(client, "table:casts", 50*time.Millisecond)
	acquired, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(40 * time.Millisecond)
	require.NoError(t, a.Extend(ctx, 50*time.Millisecond))
	mr.FastForward(40 * time.Millisecond)

	b := NewRedisLock(client, "table:casts", time.Minute)
	acquired, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, acquired, "extend must have reset the TTL before it originally expired")
}

func TestRedisLockExtendByNonOwnerFails(t *testing.T) {
	client := newMiniredisClient(t)
	ctx := context.Background()

	a := NewRedisLock(client, "table:casts", time.Minute)
	b := NewRedisLock(client, "table:casts", time.Minute)

	_, err := a.Acquire(ctx)
	require.NoError(t, err)

	assert.Error(t, b.Extend(ctx, time.Minute), "extend must fail for a lock this instance never owned")
}

func TestRedisLockExpiresAfterTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	a := NewRedisLock(client, "table:casts", 50*time.Millisecond)
	acquired, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, acquired)

	mr.FastForward(100 * time.Millisecond)

	b := NewRedisLock(client, "table:casts", time.Minute)
	acquired, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, acquired, "lock must be acquirable again once the TTL has elapsed")
}
