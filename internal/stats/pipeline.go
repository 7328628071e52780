package stats

import (
	"maps"
	"sync"
	"time"
)

// Snapshot is a point-in-time view of PipelineStats.
type Snapshot struct {
	Elapsed time.Duration

	Submitted int64
	Completed int64
	Skipped   int64
	Dropped   int64
	Errors    int64
	InFlight  int64

	StatsEvents int64
	Metadata    int64

	// Buffers counts returned output buffers by application port.
	Buffers map[int]int64

	// CompletionRate is tasks completed per second since the previous
	// Snapshot call; AverageRate is over the whole run.
	CompletionRate float64
	AverageRate    float64

	Latency LatencySnapshot
}

// rateSnapshot holds values for calculating instantaneous rates
type rateSnapshot struct {
	timestamp time.Time
	completed int64
}

// PipelineStats counts task lifecycle events reported by the pipe manager
// and the requester.
//
// Thread-safe: all methods can be called concurrently.
type PipelineStats struct {
	startTime time.Time
	latency   *LatencyTracker

	mu          sync.Mutex
	submitted   int64
	completed   int64
	skipped     int64
	dropped     int64
	errors      int64
	statsEvents int64
	metadata    int64
	buffers     map[int]int64
	prev        rateSnapshot
}

// NewPipelineStats creates an empty aggregate.
func NewPipelineStats() *PipelineStats {
	now := time.Now()
	return &PipelineStats{
		startTime: now,
		latency:   NewLatencyTracker(),
		buffers:   make(map[int]int64),
		prev:      rateSnapshot{timestamp: now},
	}
}

// TaskSubmitted records a task accepted by the manager.
func (s *PipelineStats) TaskSubmitted() {
	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()
}

// TaskCompleted records a completed task and its end-to-end latency.
func (s *PipelineStats) TaskCompleted(latency time.Duration) {
	s.latency.Record(latency)
	s.mu.Lock()
	s.completed++
	s.mu.Unlock()
}

// FrameSkipped records a sensor frame that produced no task.
func (s *PipelineStats) FrameSkipped() {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
}

// FrameDropped records a task whose hardware completion was lost.
func (s *PipelineStats) FrameDropped() {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

// TaskError records a failed stage run.
func (s *PipelineStats) TaskError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// BufferDone records an output buffer returned on port.
func (s *PipelineStats) BufferDone(port int) {
	s.mu.Lock()
	s.buffers[port]++
	s.mu.Unlock()
}

// StatsReady records a statistics buffer produced by the hardware.
func (s *PipelineStats) StatsReady() {
	s.mu.Lock()
	s.statsEvents++
	s.mu.Unlock()
}

// MetadataReady records a task's first hardware completion.
func (s *PipelineStats) MetadataReady() {
	s.mu.Lock()
	s.metadata++
	s.mu.Unlock()
}

// StartTime returns when the aggregate was created.
func (s *PipelineStats) StartTime() time.Time {
	return s.startTime
}

// Snapshot computes the current view and advances the rate window.
func (s *PipelineStats) Snapshot() Snapshot {
	now := time.Now()
	lat := s.latency.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Elapsed:     now.Sub(s.startTime),
		Submitted:   s.submitted,
		Completed:   s.completed,
		Skipped:     s.skipped,
		Dropped:     s.dropped,
		Errors:      s.errors,
		InFlight:    s.submitted - s.completed,
		StatsEvents: s.statsEvents,
		Metadata:    s.metadata,
		Buffers:     maps.Clone(s.buffers),
		Latency:     lat,
	}
	if secs := snap.Elapsed.Seconds(); secs > 0 {
		snap.AverageRate = float64(s.completed) / secs
	}
	if secs := now.Sub(s.prev.timestamp).Seconds(); secs > 0 {
		snap.CompletionRate = float64(s.completed-s.prev.completed) / secs
	}
	s.prev = rateSnapshot{timestamp: now, completed: s.completed}
	return snap
}
