package downloader

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/parquet-sync/internal/metrics"
)

// fakeStore serves ranged reads out of an in-memory byte slice, recording
// every (lo, hi) it was asked for. Chunks download concurrently, so access
// to requests is mutex-guarded.
type fakeStore struct {
	data []byte

	mu       sync.Mutex
	requests [][2]int64
}

func (f *fakeStore) GetRangeBytes(_ context.Context, _ string, lo, hi int64) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, [2]int64{lo, hi})
	f.mu.Unlock()
	return io.NopCloser(bytes.NewReader(f.data[lo:hi])), nil
}

func TestDownloadFreshSmallFile(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 1024)
	store := &fakeStore{data: data}

	dir := t.TempDir()
	incoming := filepath.Join(dir, ".incoming.test")
	target := filepath.Join(dir, "table")

	err := Download(context.Background(), store, "key", int64(len(data)), incoming, target, "s-casts-0-1000.parquet", 4, metrics.NewInProcess())
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(target, "s-casts-0-1000.parquet"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDownloadResumesPartialChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0xCD}, 24<<20) // 24 MiB, forces multi-chunk
	store := &fakeStore{data: data}

	dir := t.TempDir()
	incoming := filepath.Join(dir, ".incoming.test")
	target := filepath.Join(dir, "table")
	require.NoError(t, os.MkdirAll(incoming, 0o755))

	ranges := partition(int64(len(data)), 32)
	require.True(t, len(ranges) > 1)

	// Pre-seed the first 8 MiB chunk with 5 MiB already on disk.
	partial := 5 << 20
	firstChunk := chunkPath(incoming, "big.parquet", ranges[0], false)
	require.NoError(t, os.WriteFile(firstChunk, data[ranges[0].lo:ranges[0].lo+int64(partial)], 0o644))

	sink := metrics.NewInProcess()
	err := Download(context.Background(), store, "key", int64(len(data)), incoming, target, "big.parquet", 32, sink)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(target, "big.parquet"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The resumed chunk's request must start partial bytes into its range.
	found := false
	for _, req := range store.requests {
		if req[0] == ranges[0].lo+int64(partial) {
			found = true
			break
		}
	}
	assert.True(t, found, "expected a request resuming from the partial offset")

	snap := sink.Snapshot()
	assert.Equal(t, int64(len(data))-int64(partial), snap.Bytes["download_bytes"])
}

func TestDownloadRejectsOversizedChunk(t *testing.T) {
	data := bytes.Repeat([]byte{0x01}, 1024)
	store := &fakeStore{data: data}

	dir := t.TempDir()
	incoming := filepath.Join(dir, ".incoming.test")
	target := filepath.Join(dir, "table")
	require.NoError(t, os.MkdirAll(incoming, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(incoming, "small.parquet"), bytes.Repeat([]byte{0x01}, 2048), 0o644))

	err := Download(context.Background(), store, "key", int64(len(data)), incoming, target, "small.parquet", 4, metrics.NewInProcess())
	assert.Error(t, err)
}

func TestPartitionDegeneratesToOneForSmallFiles(t *testing.T) {
	ranges := partition(1024, 32)
	assert.Len(t, ranges, 1)
}

func TestPartitionCapsAtMaxChunks(t *testing.T) {
	ranges := partition(100<<20, 4)
	assert.LessOrEqual(t, len(ranges), 4)
}
