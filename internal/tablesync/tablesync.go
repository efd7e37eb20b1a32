// Package tablesync implements the per-table synchronization engine: the
// Resume -> LoadFull -> RunIncrementals state machine that decides which
// source file to process next, structured as an explicit state enum
// driving a for/switch loop that checks ctx on every pass — modeled on this codebase's
// journey_executor/automation-engine tick loops, generalized to the
// parquet-sync domain.
package tablesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ignite/parquet-sync/internal/config"
	"github.com/ignite/parquet-sync/internal/downloader"
	"github.com/ignite/parquet-sync/internal/filename"
	"github.com/ignite/parquet-sync/internal/metrics"
	"github.com/ignite/parquet-sync/internal/objstore"
	"github.com/ignite/parquet-sync/internal/rowimport"
	"github.com/ignite/parquet-sync/internal/synerrors"
	"github.com/ignite/parquet-sync/internal/tracking"
)

// publicationEpsilon is the slop added after a window's close before polling
// for the incremental that covers it, per §4.F step 2 ("publication is not
// instantaneous").
const publicationEpsilon = 5 * time.Second

// Importer is the subset of rowimport.Importer the synchronizer calls.
type Importer interface {
	Import(ctx context.Context, file rowimport.FileTask) error
}

// ObjectStore is the subset of objstore.Client the synchronizer needs:
// prefix discovery for choosing files, size lookups for resuming, and
// ranged reads passed straight through to internal/downloader. Declared
// locally so tests can fake the object store without the AWS SDK.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]objstore.ObjectInfo, error)
	Head(ctx context.Context, key string) (int64, error)
	GetRangeBytes(ctx context.Context, key string, lo, hi int64) (io.ReadCloser, error)
}

// Config holds one table's synchronizer parameters, derived from
// internal/config at startup.
type Config struct {
	Table                string
	SourceSchema          string
	Database              string
	Version               config.NPEVersion
	IncrementalDuration   time.Duration
	Backfill              bool
	FullRetention         time.Duration
	IncrementalRetention  time.Duration
	MaxWaitDuration       time.Duration
	ExitAfterMaxWait      bool
	SkipFullImport        bool
	TargetDir             string
	IncomingDir           string
	DownloadWorkers       int
	FileWorkers           int
	// LocalInputOnly, when set, never touches the object store: full and
	// incremental files are expected to already be staged under TargetDir
	// by some external process, and discovery/polling reads only the
	// local filesystem.
	LocalInputOnly        bool
}

// durationSeconds returns the incremental window width in whole seconds,
// the unit the tracking store and object key layout use.
func (c Config) durationSeconds() int64 {
	return int64(c.IncrementalDuration / time.Second)
}

// Synchronizer drives one table's Resume -> LoadFull -> RunIncrementals loop.
type Synchronizer struct {
	cfg      Config
	store    tracking.Store
	objStore ObjectStore
	importer Importer
	sink     metrics.Sink
	fileSem  chan struct{}
}

// New constructs a Synchronizer for one table.
func New(cfg Config, store tracking.Store, objStore ObjectStore, importer Importer, sink metrics.Sink) *Synchronizer {
	if cfg.FileWorkers < 1 {
		cfg.FileWorkers = 1
	}
	return &Synchronizer{
		cfg:      cfg,
		store:    store,
		objStore: objStore,
		importer: importer,
		sink:     sink,
		fileSem:  make(chan struct{}, cfg.FileWorkers),
	}
}

type syncState int

const (
	stateResume syncState = iota
	stateLoadFull
	stateRunIncrementals
)

// Run drives the state machine until a fatal error or shutdown. It only
// returns: RunIncrementals is an infinite loop that exits solely via ctx
// cancellation (synerrors.ErrShutdown) or a fatal error.
func (s *Synchronizer) Run(ctx context.Context) error {
	state := stateResume
	var cursor int64

	for {
		if ctx.Err() != nil {
			return synerrors.ErrShutdown
		}

		switch state {
		case stateResume:
			next, c, err := s.resume(ctx)
			if err != nil {
				return fmt.Errorf("tablesync: table %s resume: %w", s.cfg.Table, err)
			}
			state, cursor = next, c

		case stateLoadFull:
			next, c, err := s.loadFull(ctx)
			if err != nil {
				return fmt.Errorf("tablesync: table %s load full: %w", s.cfg.Table, err)
			}
			state, cursor = next, c

		case stateRunIncrementals:
			return s.runIncrementals(ctx, cursor)
		}
	}
}

// resume implements §4.F's Resume state: it fetches the latest full row and
// decides whether to jump straight into incrementals or to (re)load a full
// baseline first.
func (s *Synchronizer) resume(ctx context.Context) (syncState, int64, error) {
	full, err := s.store.LatestFull(ctx, s.cfg.Table, string(s.cfg.Version), s.cfg.durationSeconds(), s.cfg.Backfill)
	if errors.Is(err, tracking.ErrNotFound) {
		return stateLoadFull, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	if !withinRetention(full.EndTimestamp, s.cfg.FullRetention) {
		return stateLoadFull, 0, nil
	}

	if !full.Completed {
		// Open Question, resolved: resume the partial full rather than
		// re-discover and re-download. UpsertStart's non-destructive
		// progress field already makes resuming idempotent, and the full
		// baseline is the most expensive transfer in the system.
		cursor, err := s.resumePartialFull(ctx, full.FileName)
		if err != nil {
			return 0, 0, err
		}
		return stateRunIncrementals, cursor, nil
	}

	incName, err := s.store.LatestCompletedIncremental(ctx, s.cfg.Table, string(s.cfg.Version), s.cfg.durationSeconds(), s.cfg.Backfill)
	if errors.Is(err, tracking.ErrNotFound) {
		return stateLoadFull, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}

	incParsed, err := filename.Parse(incName)
	if err != nil {
		return 0, 0, err
	}
	if !withinRetention(incParsed.End, s.cfg.IncrementalRetention) {
		return stateLoadFull, 0, nil
	}

	return stateRunIncrementals, incParsed.End, nil
}

func withinRetention(endTimestamp int64, retention time.Duration) bool {
	age := time.Now().Unix() - endTimestamp
	return age <= int64(retention/time.Second)
}

// resumePartialFull re-enters an incomplete, in-retention full: the file is
// downloaded if it isn't already sitting on disk (the sole "downloaded"
// signal, per §3), then handed to the importer, which resumes from
// last_row_group_imported via UpsertStart's non-destructive semantics.
func (s *Synchronizer) resumePartialFull(ctx context.Context, fileName string) (int64, error) {
	n, err := filename.Parse(fileName)
	if err != nil {
		return 0, err
	}

	localPath := filepath.Join(s.cfg.TargetDir, fileName)
	if !fileExists(localPath) && n.Ext == filename.ExtParquet {
		if s.cfg.LocalInputOnly {
			return 0, fmt.Errorf("tablesync: local_input_only is set but %s is not present under %s", fileName, s.cfg.TargetDir)
		}
		key := objstore.Layout(s.cfg.Database, s.cfg.SourceSchema, string(s.cfg.Version), s.cfg.durationSeconds(), true, fileName)
		size, err := s.objStore.Head(ctx, key)
		if err != nil {
			return 0, err
		}
		if err := downloader.Download(ctx, s.objStore, key, size, s.cfg.IncomingDir, s.cfg.TargetDir, fileName, s.cfg.DownloadWorkers, s.sink); err != nil {
			return 0, err
		}
	}

	if err := s.importOne(ctx, n, localPath, tracking.FileTypeFull); err != nil {
		return 0, err
	}
	if err := s.store.MarkCompleted(ctx, []string{fileName}); err != nil {
		return 0, err
	}
	return n.End, nil
}

// loadFull implements §4.F's LoadFull state: reuse a full file already
// staged on disk, or discover the newest full in the object store
// (lexicographic max over the prefix scan) and download it.
func (s *Synchronizer) loadFull(ctx context.Context) (syncState, int64, error) {
	if s.cfg.SkipFullImport {
		cursor := alignDown(time.Now().Unix(), s.cfg.durationSeconds())
		return stateRunIncrementals, cursor, nil
	}

	name, key, size, alreadyLocal, err := s.chooseFull(ctx)
	if err != nil {
		return 0, 0, err
	}

	n, err := filename.Parse(name)
	if err != nil {
		return 0, 0, err
	}

	localPath := filepath.Join(s.cfg.TargetDir, name)
	if !alreadyLocal && n.Ext == filename.ExtParquet {
		if err := downloader.Download(ctx, s.objStore, key, size, s.cfg.IncomingDir, s.cfg.TargetDir, name, s.cfg.DownloadWorkers, s.sink); err != nil {
			return 0, 0, err
		}
	}

	if err := s.importOne(ctx, n, localPath, tracking.FileTypeFull); err != nil {
		return 0, 0, err
	}
	if err := s.store.MarkCompleted(ctx, []string{name}); err != nil {
		return 0, 0, err
	}

	return stateRunIncrementals, n.End, nil
}

// chooseFull prefers a full file already present under target_dir (a prior
// download that crashed before tracking/import began) over a fresh
// discovery + download.
func (s *Synchronizer) chooseFull(ctx context.Context) (name, key string, size int64, alreadyLocal bool, err error) {
	pattern := filepath.Join(s.cfg.TargetDir, fmt.Sprintf("%s-%s-0-*", s.cfg.SourceSchema, s.cfg.Table))
	matches, _ := filepath.Glob(pattern)
	if len(matches) > 0 {
		sort.Strings(matches)
		best := filepath.Base(matches[len(matches)-1])
		return best, "", 0, true, nil
	}

	if s.cfg.LocalInputOnly {
		return "", "", 0, false, fmt.Errorf("tablesync: local_input_only is set but no full baseline for table %s is present under %s", s.cfg.Table, s.cfg.TargetDir)
	}

	prefix := objstore.Layout(s.cfg.Database, s.cfg.SourceSchema, string(s.cfg.Version), s.cfg.durationSeconds(), true, "")
	objs, err := s.objStore.List(ctx, prefix)
	if err != nil {
		return "", "", 0, false, err
	}
	if len(objs) == 0 {
		return "", "", 0, false, synerrors.ErrNotFound
	}

	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	chosen := objs[len(objs)-1]
	return filepath.Base(chosen.Key), chosen.Key, chosen.Size, false, nil
}

func (s *Synchronizer) importOne(ctx context.Context, n filename.Name, localPath string, ft tracking.FileType) error {
	task := rowimport.FileTask{
		TableName:     s.cfg.Table,
		FilePath:      localPath,
		FileName:      filename.Format(n),
		FileType:      ft,
		FileVersion:   string(s.cfg.Version),
		FileDurationS: s.cfg.durationSeconds(),
		EndTimestamp:  n.End,
		IsEmpty:       n.Ext == filename.ExtEmpty,
		Backfill:      s.cfg.Backfill,
	}
	if task.IsEmpty {
		task.FilePath = ""
	}
	return s.importer.Import(ctx, task)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func alignDown(ts, durationSeconds int64) int64 {
	if durationSeconds <= 0 {
		return ts
	}
	return (ts / durationSeconds) * durationSeconds
}
