// Package stats aggregates pipeline counters and latency distributions for
// the dashboard and the exit summary.
package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
)

// LatencySnapshot is a point-in-time view of a LatencyTracker.
type LatencySnapshot struct {
	Count int64
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// LatencyTracker records durations into a t-digest.
//
// Thread-safe.
type LatencyTracker struct {
	mu     sync.Mutex
	digest *tdigest.TDigest
	count  int64
	sum    time.Duration
	max    time.Duration
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{
		digest: tdigest.NewWithCompression(100), // ~100 centroids, ~10KB
	}
}

// Record adds one observation. Negative durations are ignored.
func (l *LatencyTracker) Record(d time.Duration) {
	if d < 0 {
		return
	}
	l.mu.Lock()
	l.digest.Add(float64(d.Nanoseconds()), 1)
	l.count++
	l.sum += d
	l.max = max(l.max, d)
	l.mu.Unlock()
}

// Snapshot returns percentiles over every recorded observation.
func (l *LatencyTracker) Snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: l.count,
		Mean:  l.sum / time.Duration(l.count),
		P50:   time.Duration(l.digest.Quantile(0.50)),
		P95:   time.Duration(l.digest.Quantile(0.95)),
		P99:   time.Duration(l.digest.Quantile(0.99)),
		Max:   l.max,
	}
}

// Reset discards every observation.
func (l *LatencyTracker) Reset() {
	l.mu.Lock()
	l.digest = tdigest.NewWithCompression(100)
	l.count = 0
	l.sum = 0
	l.max = 0
	l.mu.Unlock()
}
