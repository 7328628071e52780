package stats

import (
	"sync"
	"testing"
	"time"
)

func TestLatencyTracker_Empty(t *testing.T) {
	l := NewLatencyTracker()
	if got := l.Snapshot(); got != (LatencySnapshot{}) {
		t.Errorf("Snapshot() = %+v, want zero", got)
	}
}

func TestLatencyTracker_Percentiles(t *testing.T) {
	l := NewLatencyTracker()
	for i := 1; i <= 1000; i++ {
		l.Record(time.Duration(i) * time.Microsecond)
	}
	l.Record(-time.Second)

	snap := l.Snapshot()
	if snap.Count != 1000 {
		t.Errorf("Count = %d, want 1000", snap.Count)
	}
	if snap.Max != time.Millisecond {
		t.Errorf("Max = %v, want 1ms", snap.Max)
	}
	if snap.Mean < 495*time.Microsecond || snap.Mean > 505*time.Microsecond {
		t.Errorf("Mean = %v, want ~500µs", snap.Mean)
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"P50", snap.P50, 500 * time.Microsecond},
		{"P95", snap.P95, 950 * time.Microsecond},
		{"P99", snap.P99, 990 * time.Microsecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := tt.got - tt.want
			if diff < 0 {
				diff = -diff
			}
			if diff > 20*time.Microsecond {
				t.Errorf("%s = %v, want ~%v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLatencyTracker_Reset(t *testing.T) {
	l := NewLatencyTracker()
	l.Record(time.Millisecond)
	l.Reset()
	if got := l.Snapshot().Count; got != 0 {
		t.Errorf("Count after Reset = %d, want 0", got)
	}
}

func TestLatencyTracker_Concurrent(t *testing.T) {
	l := NewLatencyTracker()
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				l.Record(time.Millisecond)
				_ = l.Snapshot()
			}
		}()
	}
	wg.Wait()
	if got := l.Snapshot().Count; got != 1000 {
		t.Errorf("Count = %d, want 1000", got)
	}
}
