// Package tracking is the durable, keyed-by-file-name record of import
// progress that makes the pipeline crash-safe. It repurposes this
// codebase's Repository-over-*sql.DB layering (previously used for the
// suppression list) for file-import bookkeeping instead.
package tracking

import (
	"context"
	"errors"
	"time"
)

// FileType distinguishes a full baseline from an incremental delta.
type FileType string

const (
	FileTypeFull        FileType = "full"
	FileTypeIncremental FileType = "incremental"
)

// ErrNotFound is returned by read operations that find no matching row.
var ErrNotFound = errors.New("tracking: not found")

// Record is one row of the tracking table, keyed by FileName.
type Record struct {
	ID                   int64
	TableName            string
	FileName             string
	FileType             FileType
	FileVersion          string
	FileDurationS        int64
	EndTimestamp         int64
	IsEmpty              bool
	LastRowGroupImported *int
	TotalRowGroups       int
	Completed            bool
	Backfill             bool
	ImportedAt           time.Time
}

// FullSummary is the subset of a full-baseline row the synchronizer needs
// to decide whether to resume, reload, or move on to incrementals.
type FullSummary struct {
	FileName             string
	Completed            bool
	LastRowGroupImported *int
	TotalRowGroups       int
	EndTimestamp         int64
}

// Store is the durable keyed store over file_name. Every mutation is a
// single, idempotent statement; readers may run outside a transaction.
type Store interface {
	// UpsertStart inserts the row if missing; if present, returns the
	// existing id and progress without overwriting them. This is the join
	// point that makes restart-from-crash safe.
	UpsertStart(ctx context.Context, rec Record) (id int64, lastRowGroupImported *int, err error)

	// Advance sets last_row_group_imported = rowGroupIndex. The caller
	// must call this with strictly increasing rowGroupIndex per id.
	Advance(ctx context.Context, id int64, rowGroupIndex int) error

	// MarkCompleted sets completed = true for the given file names.
	MarkCompleted(ctx context.Context, fileNames []string) error

	// LatestFull returns the newest-by-end_timestamp full row for the
	// given table/version/duration/backfill combination, or ErrNotFound.
	LatestFull(ctx context.Context, table, version string, durationSeconds int64, backfill bool) (FullSummary, error)

	// LatestCompletedIncremental returns the file name of the newest
	// completed incremental for the given combination, or ErrNotFound.
	LatestCompletedIncremental(ctx context.Context, table, version string, durationSeconds int64, backfill bool) (string, error)
}
