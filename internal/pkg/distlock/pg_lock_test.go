package distlock

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPGAdvisoryLockAcquireAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "table:reactions")

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))

	acquired, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, acquired)

	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, l.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockReleaseNoOpWhenNeverAcquired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "table:reactions")

	// Release before a successful Acquire must not touch the database:
	// there is no pinned connection holding the session-scoped lock.
	require.NoError(t, l.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockFailedAcquireDoesNotPinConnection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "table:reactions")

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(l.lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	acquired, err := l.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, acquired)

	// A failed Acquire holds no session-scoped lock, so Release must be a
	// no-op rather than issuing pg_advisory_unlock on an unrelated
	// connection.
	require.NoError(t, l.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockDeterministicIDForSameKey(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a := NewPGAdvisoryLock(db, "table:reactions")
	b := NewPGAdvisoryLock(db, "table:reactions")
	c := NewPGAdvisoryLock(db, "table:casts")

	assert.Equal(t, a.lockID, b.lockID, "the same key must always hash to the same advisory lock id")
	assert.NotEqual(t, a.lockID, c.lockID)
}

func TestNewLockPrefersRedisWhenClientProvided(t *testing.T) {
	client := newMiniredisClient(t)
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewLock(client, db, "table:casts", 0)
	_, ok := l.(*RedisLock)
	assert.True(t, ok, "NewLock must return a RedisLock when a redis client is given")
}

func TestNewLockFallsBackToPGAdvisoryLock(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewLock(nil, db, "table:casts", 0)
	_, ok := l.(*PGAdvisoryLock)
	assert.True(t, ok, "NewLock must fall back to PGAdvisoryLock when no redis client is given")
}
