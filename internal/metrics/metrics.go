// Package metrics defines the counter/gauge interface consumed by the
// downloader and row-group importer, and two small implementations: an
// in-process atomic-counter sink and one that periodically logs a snapshot.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/parquet-sync/internal/pkg/logger"
)

// Sink is the progress/metrics interface consumed by components C and E.
// Implementations must guarantee atomic add-and-publish semantics: two
// goroutines calling AddBytes/AddCount concurrently on the same name never
// lose an update.
type Sink interface {
	AddBytes(name string, n int64)
	AddCount(name string, n int64)
	SetGauge(name string, v float64)
}

type counter struct {
	bytes int64
	count int64
}

// InProcess is a mutex-guarded map of named counters/gauges, grounded on
// the same style of shared-state guard internal/pkg/logger uses for its
// output stream.
type InProcess struct {
	mu     sync.Mutex
	counts map[string]*counter
	gauges map[string]float64
}

// NewInProcess constructs an empty in-process sink.
func NewInProcess() *InProcess {
	return &InProcess{
		counts: make(map[string]*counter),
		gauges: make(map[string]float64),
	}
}

func (s *InProcess) AddBytes(name string, n int64) {
	s.mu.Lock()
	c, ok := s.counts[name]
	if !ok {
		c = &counter{}
		s.counts[name] = c
	}
	s.mu.Unlock()
	atomic.AddInt64(&c.bytes, n)
}

func (s *InProcess) AddCount(name string, n int64) {
	s.mu.Lock()
	c, ok := s.counts[name]
	if !ok {
		c = &counter{}
		s.counts[name] = c
	}
	s.mu.Unlock()
	atomic.AddInt64(&c.count, n)
}

func (s *InProcess) SetGauge(name string, v float64) {
	s.mu.Lock()
	s.gauges[name] = v
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of every counter and gauge. Its maps are
// unordered; callers that need a deterministic order (the log sink) sort
// the names themselves.
type Snapshot struct {
	Bytes  map[string]int64
	Counts map[string]int64
	Gauges map[string]float64
}

// Snapshot returns a copy of the current counters and gauges.
func (s *InProcess) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Bytes:  make(map[string]int64, len(s.counts)),
		Counts: make(map[string]int64, len(s.counts)),
		Gauges: make(map[string]float64, len(s.gauges)),
	}
	for name, c := range s.counts {
		snap.Bytes[name] = atomic.LoadInt64(&c.bytes)
		snap.Counts[name] = atomic.LoadInt64(&c.count)
	}
	for name, v := range s.gauges {
		snap.Gauges[name] = v
	}
	return snap
}

// LogSink wraps an InProcess sink and periodically emits its counters (count
// and bytes per name; gauges are not logged) as a structured log line. The
// "out of scope" dashboard reads the exported
// snapshot format; this sink does not serve it directly.
type LogSink struct {
	*InProcess
}

// NewLogSink constructs a LogSink backed by a fresh InProcess sink.
func NewLogSink() *LogSink {
	return &LogSink{InProcess: NewInProcess()}
}

// Run periodically logs the sink's current counters until ctx is done.
func (s *LogSink) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logSnapshot()
		}
	}
}

func (s *LogSink) logSnapshot() {
	snap := s.Snapshot()

	names := make([]string, 0, len(snap.Counts))
	for name := range snap.Counts {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]interface{}, 0, len(names)*4)
	for _, name := range names {
		fields = append(fields, name+"_count", snap.Counts[name], name+"_bytes", snap.Bytes[name])
	}
	logger.Info("metrics snapshot", fields...)
}
