// Package downloader implements the resumable, chunked download of one
// remote object into a local file, following the worker-pool-plus-shared-
// cancellation shape used throughout this codebase's background workers.
package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ignite/parquet-sync/internal/metrics"
	"github.com/ignite/parquet-sync/internal/synerrors"
)

const minChunkSize = 8 << 20 // ~8 MiB

// objectStore is the subset of internal/objstore.Client the downloader
// needs; declared locally so this package can be unit tested against a
// fake without pulling in the AWS SDK.
type objectStore interface {
	GetRangeBytes(ctx context.Context, key string, lo, hi int64) (io.ReadCloser, error)
}

// chunkRange is the half-open byte range [Lo, Hi) assigned to one worker.
type chunkRange struct {
	index  int
	lo, hi int64
}

// Download fetches key into <target_dir>/<name> via <incomingDir>, splitting
// the transfer into up to chunkWorkers parallel ranged reads and resuming
// any chunk files already present from a prior, interrupted attempt.
func Download(ctx context.Context, store objectStore, key string, size int64, incomingDir, targetDir, name string, chunkWorkers int, sink metrics.Sink) error {
	if err := os.MkdirAll(incomingDir, 0o755); err != nil {
		return fmt.Errorf("downloader: creating incoming dir: %w", err)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("downloader: creating target dir: %w", err)
	}

	ranges := partition(size, chunkWorkers)
	single := len(ranges) == 1

	if single {
		if err := downloadChunk(ctx, store, key, incomingDir, name, ranges[0], single, sink); err != nil {
			return err
		}
	} else if err := downloadChunksParallel(ctx, store, key, incomingDir, name, ranges, sink); err != nil {
		return err
	}

	finalPath := filepath.Join(targetDir, name)
	if err := assemble(incomingDir, name, ranges, single, finalPath); err != nil {
		return err
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return fmt.Errorf("downloader: stat assembled file: %w", err)
	}
	if info.Size() != size {
		return fmt.Errorf("%w: expected %d, got %d", synerrors.ErrSizeMismatch, size, info.Size())
	}

	return nil
}

// partition splits [0, size) into K = min(maxChunks, ceil(size/minChunkSize))
// near-equal ranges of ceil(size/K) bytes (the last may be shorter),
// degenerating to a single range for small files.
func partition(size int64, maxChunks int) []chunkRange {
	if size <= 0 {
		return []chunkRange{{index: 0, lo: 0, hi: 0}}
	}

	k := int(ceilDiv(size, minChunkSize))
	if k > maxChunks {
		k = maxChunks
	}
	if k < 1 {
		k = 1
	}

	ranges := make([]chunkRange, 0, k)
	chunkSize := ceilDiv(size, int64(k))
	for i := 0; i < k; i++ {
		lo := int64(i) * chunkSize
		hi := lo + chunkSize
		if hi > size {
			hi = size
		}
		if lo >= hi {
			break
		}
		ranges = append(ranges, chunkRange{index: i, lo: lo, hi: hi})
	}
	return ranges
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

func chunkPath(incomingDir, name string, r chunkRange, single bool) string {
	if single {
		return filepath.Join(incomingDir, name)
	}
	return filepath.Join(incomingDir, fmt.Sprintf("%s.%d", name, r.index))
}

func downloadChunksParallel(ctx context.Context, store objectStore, key, incomingDir, name string, ranges []chunkRange, sink metrics.Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(ranges))

	for _, r := range ranges {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := downloadChunk(ctx, store, key, incomingDir, name, r, false, sink); err != nil {
				errs <- err
				cancel()
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		return err
	}
	return ctx.Err()
}

// downloadChunk resumes an on-disk chunk file if present: a short file is
// appended to via a ranged GET covering only the missing suffix; a file
// already at target length is reused untouched; a file longer than target
// is corrupt.
func downloadChunk(ctx context.Context, store objectStore, key, incomingDir, name string, r chunkRange, single bool, sink metrics.Sink) error {
	path := chunkPath(incomingDir, name, r, single)
	target := r.hi - r.lo

	existing := int64(0)
	if info, err := os.Stat(path); err == nil {
		existing = info.Size()
	}

	if existing == target {
		return nil
	}
	if existing > target {
		return fmt.Errorf("downloader: chunk %d has %d bytes, expected %d: %w", r.index, existing, target, synerrors.ErrCorruptChunk)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("downloader: opening chunk file: %w", err)
	}
	defer f.Close()

	body, err := store.GetRangeBytes(ctx, key, r.lo+existing, r.hi)
	if err != nil {
		return fmt.Errorf("downloader: fetching chunk %d: %w", r.index, err)
	}
	defer body.Close()

	if _, err := io.Copy(f, &countingReader{r: body, sink: sink}); err != nil {
		return fmt.Errorf("downloader: writing chunk %d: %w", r.index, err)
	}

	return nil
}

// assemble concatenates chunk files in index order into finalPath and
// atomically renames the assembled file into place, then removes the
// chunk files.
func assemble(incomingDir, name string, ranges []chunkRange, single bool, finalPath string) error {
	if single {
		chunkFile := chunkPath(incomingDir, name, ranges[0], true)
		if err := os.Rename(chunkFile, finalPath); err != nil {
			return fmt.Errorf("downloader: renaming into place: %w", err)
		}
		return nil
	}

	tmpPath := filepath.Join(incomingDir, name+".assembling")
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("downloader: creating assembly file: %w", err)
	}

	for _, r := range ranges {
		chunkFile := chunkPath(incomingDir, name, r, false)
		in, err := os.Open(chunkFile)
		if err != nil {
			out.Close()
			return fmt.Errorf("downloader: opening chunk %d for assembly: %w", r.index, err)
		}
		_, copyErr := io.Copy(out, in)
		in.Close()
		if copyErr != nil {
			out.Close()
			return fmt.Errorf("downloader: assembling chunk %d: %w", r.index, copyErr)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("downloader: closing assembly file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("downloader: renaming assembled file into place: %w", err)
	}

	for _, r := range ranges {
		os.Remove(chunkPath(incomingDir, name, r, false))
	}

	return nil
}

// countingReader debits the progress sink only for bytes actually read
// through it, so a resumed download only reports the bytes it transferred.
type countingReader struct {
	r    io.Reader
	sink metrics.Sink
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.sink != nil {
		c.sink.AddBytes("download_bytes", int64(n))
	}
	return n, err
}
