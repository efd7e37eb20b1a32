package tracking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store against a sync_file_tracking table created
// by a migration file (see migrations/). It is a repurposing of this
// codebase's Repository-over-*sql.DB shape: a thin struct holding a
// *sql.DB and its retry settings, with every statement going through the
// retry helper in retry.go.
type PostgresStore struct {
	db          *sql.DB
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewPostgresStore constructs a PostgresStore with the default retry
// policy (~10 attempts, matching the "≈10 attempts" database retry budget).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:          db,
		maxAttempts: 10,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    10 * time.Second,
	}
}

func (s *PostgresStore) UpsertStart(ctx context.Context, rec Record) (int64, *int, error) {
	var id int64
	var lastRowGroupImported sql.NullInt64

	err := withRetry(ctx, s.maxAttempts, s.baseDelay, s.maxDelay, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO sync_file_tracking
				(table_name, file_name, file_type, file_version, file_duration_s,
				 end_timestamp, is_empty, total_row_groups, backfill, imported_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (file_name) DO UPDATE SET
				table_name = sync_file_tracking.table_name
			RETURNING id, last_row_group_imported
		`,
			rec.TableName, rec.FileName, rec.FileType, rec.FileVersion, rec.FileDurationS,
			rec.EndTimestamp, rec.IsEmpty, rec.TotalRowGroups, rec.Backfill,
		).Scan(&id, &lastRowGroupImported)
	})
	if err != nil {
		return 0, nil, fmt.Errorf("tracking: upsert_start %q: %w", rec.FileName, err)
	}

	if !lastRowGroupImported.Valid {
		return id, nil, nil
	}
	v := int(lastRowGroupImported.Int64)
	return id, &v, nil
}

func (s *PostgresStore) Advance(ctx context.Context, id int64, rowGroupIndex int) error {
	err := withRetry(ctx, s.maxAttempts, s.baseDelay, s.maxDelay, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sync_file_tracking
			SET last_row_group_imported = $2
			WHERE id = $1
			  AND (last_row_group_imported IS NULL OR last_row_group_imported < $2)
		`, id, rowGroupIndex)
		return err
	})
	if err != nil {
		return fmt.Errorf("tracking: advance id=%d rg=%d: %w", id, rowGroupIndex, err)
	}
	return nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, fileNames []string) error {
	if len(fileNames) == 0 {
		return nil
	}
	err := withRetry(ctx, s.maxAttempts, s.baseDelay, s.maxDelay, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sync_file_tracking SET completed = true
			WHERE file_name = ANY($1)
		`, pq.Array(fileNames))
		return err
	})
	if err != nil {
		return fmt.Errorf("tracking: mark_completed %v: %w", fileNames, err)
	}
	return nil
}

func (s *PostgresStore) LatestFull(ctx context.Context, table, version string, durationSeconds int64, backfill bool) (FullSummary, error) {
	var out FullSummary
	var lastRowGroupImported sql.NullInt64

	err := withRetry(ctx, s.maxAttempts, s.baseDelay, s.maxDelay, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT file_name, completed, last_row_group_imported, total_row_groups, end_timestamp
			FROM sync_file_tracking
			WHERE table_name = $1 AND file_version = $2 AND file_duration_s = $3
			  AND backfill = $4 AND file_type = 'full'
			ORDER BY end_timestamp DESC
			LIMIT 1
		`, table, version, durationSeconds, backfill)
		return row.Scan(&out.FileName, &out.Completed, &lastRowGroupImported, &out.TotalRowGroups, &out.EndTimestamp)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return FullSummary{}, ErrNotFound
	}
	if err != nil {
		return FullSummary{}, fmt.Errorf("tracking: latest_full %s: %w", table, err)
	}

	if lastRowGroupImported.Valid {
		v := int(lastRowGroupImported.Int64)
		out.LastRowGroupImported = &v
	}
	return out, nil
}

func (s *PostgresStore) LatestCompletedIncremental(ctx context.Context, table, version string, durationSeconds int64, backfill bool) (string, error) {
	var fileName string

	err := withRetry(ctx, s.maxAttempts, s.baseDelay, s.maxDelay, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT file_name
			FROM sync_file_tracking
			WHERE table_name = $1 AND file_version = $2 AND file_duration_s = $3
			  AND backfill = $4 AND file_type = 'incremental' AND completed = true
			ORDER BY end_timestamp DESC
			LIMIT 1
		`, table, version, durationSeconds, backfill)
		return row.Scan(&fileName)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("tracking: latest_completed_incremental %s: %w", table, err)
	}
	return fileName, nil
}
