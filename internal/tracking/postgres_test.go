package tracking

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store := NewPostgresStore(db)
	store.maxAttempts = 1 // tests drive exact statement counts for transient-error retries

	return store, mock, func() { db.Close() }
}

func TestUpsertStartNewRow(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("INSERT INTO sync_file_tracking").
		WithArgs("casts", "s-casts-0-1000.parquet", FileTypeFull, "v3", int64(0), int64(1000), false, 1, false).
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_row_group_imported"}).AddRow(int64(7), nil))

	id, lastRG, err := store.UpsertStart(context.Background(), Record{
		TableName:      "casts",
		FileName:       "s-casts-0-1000.parquet",
		FileType:       FileTypeFull,
		FileVersion:    "v3",
		EndTimestamp:   1000,
		TotalRowGroups: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Nil(t, lastRG)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStartExistingRowReturnsProgress(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("INSERT INTO sync_file_tracking").
		WillReturnRows(sqlmock.NewRows([]string{"id", "last_row_group_imported"}).AddRow(int64(7), int64(1)))

	_, lastRG, err := store.UpsertStart(context.Background(), Record{
		TableName: "casts", FileName: "s-casts-0-1000.parquet", FileType: FileTypeFull,
	})
	require.NoError(t, err)
	require.NotNil(t, lastRG)
	assert.Equal(t, 1, *lastRG)
}

func TestAdvanceEnforcesMonotonicity(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectExec(`UPDATE sync_file_tracking .*WHERE id = \$1 AND \(last_row_group_imported IS NULL OR last_row_group_imported < \$2\)`).
		WithArgs(int64(7), 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Advance(context.Background(), 7, 2)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompletedNoOpOnEmpty(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	err := store.MarkCompleted(context.Background(), nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestFullNotFound(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT file_name, completed").
		WillReturnError(sql.ErrNoRows)

	_, err := store.LatestFull(context.Background(), "casts", "v3", 600, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestFullNotFoundDoesNotRetry(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	// Use the production retry budget: sql.ErrNoRows is a normal "no row
	// yet" outcome on a cold start, not a transient failure, so it must
	// return on the first attempt rather than exhausting maxAttempts.
	store.maxAttempts = 10
	store.baseDelay = 0

	mock.ExpectQuery("SELECT file_name, completed").
		WillReturnError(sql.ErrNoRows)

	_, err := store.LatestFull(context.Background(), "casts", "v3", 600, false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestCompletedIncrementalFound(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT file_name").
		WillReturnRows(sqlmock.NewRows([]string{"file_name"}).AddRow("s-casts-1000-1600.parquet"))

	name, err := store.LatestCompletedIncremental(context.Background(), "casts", "v3", 600, false)
	require.NoError(t, err)
	assert.Equal(t, "s-casts-1000-1600.parquet", name)
}
