// Package timeseries tracks cumulative event counts and computes rolling
// rates over fixed windows (1s, 30s, 60s, 300s). The pipeline uses it for
// completed frames per second.
//
// Add is lock-free; RecordSample and Stats take the ring lock.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringSize holds five minutes of samples at one sample per second.
	ringSize = 300

	window1s   = 1 * time.Second
	window30s  = 30 * time.Second
	window60s  = 60 * time.Second
	window300s = 300 * time.Second
)

// Clock supplies the current time. Tests use a fake.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type sample struct {
	at    time.Time
	total int64
}

// RateTracker counts events and derives rolling rates from periodic
// samples of the running total.
//
//	rt := NewRateTracker()
//	rt.Add(1)          // per completed frame
//	rt.RecordSample()  // every second from a ticker
//	st := rt.Stats()
type RateTracker struct {
	total atomic.Int64

	mu      sync.RWMutex
	samples []sample
	next    int // overwrite position once the ring is full
	start   time.Time
	clock   Clock
}

// RateStats holds the rates at one point in time, in events per second.
type RateStats struct {
	Total int64

	Avg1s   float64
	Avg30s  float64
	Avg60s  float64
	Avg300s float64

	// AvgOverall is the rate since tracking started.
	AvgOverall float64
}

// NewRateTracker creates a tracker on the wall clock.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(realClock{})
}

// NewRateTrackerWithClock creates a tracker on clock.
func NewRateTrackerWithClock(clock Clock) *RateTracker {
	now := clock.Now()
	t := &RateTracker{
		samples: make([]sample, 0, ringSize),
		start:   now,
		clock:   clock,
	}
	t.samples = append(t.samples, sample{at: now})
	return t
}

// Add counts n events. Non-positive values are ignored.
func (t *RateTracker) Add(n int64) {
	if n > 0 {
		t.total.Add(n)
	}
}

// RecordSample stores the running total with the current time.
func (t *RateTracker) RecordSample() {
	s := sample{at: t.clock.Now(), total: t.total.Load()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.samples) < ringSize {
		t.samples = append(t.samples, s)
		return
	}
	t.samples[t.next] = s
	t.next = (t.next + 1) % ringSize
}

// Stats computes the current rates. With less history than a window the
// oldest sample is used, so a young tracker still reports a rate.
func (t *RateTracker) Stats() RateStats {
	now := t.clock.Now()
	total := t.total.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	st := RateStats{Total: total}
	if elapsed := now.Sub(t.start).Seconds(); elapsed > 0 {
		st.AvgOverall = float64(total) / elapsed
	}
	st.Avg1s = t.rateOver(now, total, window1s)
	st.Avg30s = t.rateOver(now, total, window30s)
	st.Avg60s = t.rateOver(now, total, window60s)
	st.Avg300s = t.rateOver(now, total, window300s)
	return st
}

// rateOver measures from the newest sample at or before now-window.
// Must be called with mu held.
func (t *RateTracker) rateOver(now time.Time, total int64, window time.Duration) float64 {
	if len(t.samples) == 0 {
		return 0
	}
	cutoff := now.Add(-window)

	var base *sample
	for i := range t.samples {
		s := &t.samples[i]
		if s.at.After(cutoff) {
			continue
		}
		if base == nil || s.at.After(base.at) {
			base = s
		}
	}
	if base == nil {
		base = t.oldest()
	}

	elapsed := now.Sub(base.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-base.total) / elapsed
}

// oldest must be called with mu held and a non-empty ring.
func (t *RateTracker) oldest() *sample {
	if len(t.samples) < ringSize {
		return &t.samples[0]
	}
	return &t.samples[t.next]
}

// Reset clears the count and history.
func (t *RateTracker) Reset() {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.total.Store(0)
	t.samples = append(t.samples[:0], sample{at: now})
	t.next = 0
	t.start = now
}

// SampleCount returns the number of retained samples.
func (t *RateTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
