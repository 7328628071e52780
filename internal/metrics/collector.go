// Package metrics provides Prometheus metrics for the camera pipeline.
//
// Metrics are grouped by the part of the pipeline that records them:
//   - Tasks: the Pipe Manager's task table
//   - Hardware: device node submissions and completion events
//   - Stages: queue rendezvous and per-stage processing results
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-camera-pipe/internal/stats"
)

const namespace = "camera_pipe"

// Stage process results used as the "result" label.
const (
	ResultOK      = "ok"
	ResultNoData  = "no_data"
	ResultTimeout = "timeout"
	ResultError   = "error"
	ResultStopped = "stopped"
)

// Collector manages all Prometheus metrics for one pipeline process.
type Collector struct {
	// --- Overview ---
	info *prometheus.GaugeVec

	// --- Tasks ---
	tasksInFlight  prometheus.Gauge
	tasksCompleted prometheus.Counter
	tasksDropped   prometheus.Counter
	taskLatency    prometheus.Histogram
	buffersDone    *prometheus.CounterVec

	// --- Hardware ---
	hwSubmitted      *prometheus.CounterVec
	hwLatency        prometheus.Histogram
	hwStale          prometheus.Counter
	hwSlotOverwrites prometheus.Counter

	// --- Stages ---
	queueTimeouts prometheus.Counter
	stageProcess  *prometheus.CounterVec
	zoomUpdates   prometheus.Counter

	// For summary generation
	startTime    time.Time
	hwDigest     *stats.LatencyTracker
	taskDigest   *stats.LatencyTracker
	mu           sync.Mutex
	inFlight     int
	peakInFlight int
	completed    int64
	dropped      int64
	buffers      int64
	stale        int64
	overwrites   int64
}

// NewCollector creates a collector registered on the default registry.
func NewCollector() *Collector {
	return NewCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(registry prometheus.Registerer) *Collector {
	c := &Collector{
		startTime:  time.Now(),
		hwDigest:   stats.NewLatencyTracker(),
		taskDigest: stats.NewLatencyTracker(),

		info: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "info",
				Help:      "Information about the running pipeline (value always 1)",
			},
			[]string{"version", "config_id"},
		),

		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks in the task table waiting for outputs",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks whose every requested output returned",
		}),
		tasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dropped_total",
			Help:      "Tasks marked dropped after a hardware completion was lost",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_latency_seconds",
			Help:      "Time from AddTask to task completion",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.033, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		buffersDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffers_done_total",
			Help:      "Output buffers returned to the application",
		}, []string{"stream"}),

		hwSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hw_tasks_submitted_total",
			Help:      "Hardware tasks submitted to the device",
		}, []string{"stream"}),
		hwLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hw_task_latency_seconds",
			Help:      "Time from hardware task submission to its completion event",
			Buckets:   []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.5},
		}),
		hwStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hw_stale_completions_total",
			Help:      "Completion events that matched no live frame-id slot",
		}),
		hwSlotOverwrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hw_slot_overwrites_total",
			Help:      "Frame-id slots overwritten while still unresolved",
		}),

		queueTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_wait_timeouts_total",
			Help:      "Buffer rendezvous waits that timed out",
		}),
		stageProcess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_process_total",
			Help:      "Stage process invocations by result",
		}, []string{"stage", "result"}),
		zoomUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zoom_updates_total",
			Help:      "Resolution updates propagated for zoom changes",
		}),
	}

	registry.MustRegister(
		c.info,
		c.tasksInFlight,
		c.tasksCompleted,
		c.tasksDropped,
		c.taskLatency,
		c.buffersDone,
		c.hwSubmitted,
		c.hwLatency,
		c.hwStale,
		c.hwSlotOverwrites,
		c.queueTimeouts,
		c.stageProcess,
		c.zoomUpdates,
	)

	return c
}

// =============================================================================
// Overview
// =============================================================================

// SetInfo publishes the build version and active configuration id.
func (c *Collector) SetInfo(version, configID string) {
	if c == nil {
		return
	}
	c.info.Reset()
	c.info.WithLabelValues(version, configID).Set(1)
}

// =============================================================================
// Tasks
// =============================================================================

// TaskQueued records a task entering the task table.
func (c *Collector) TaskQueued() {
	if c == nil {
		return
	}
	c.tasksInFlight.Inc()

	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.peakInFlight {
		c.peakInFlight = c.inFlight
	}
	c.mu.Unlock()
}

// TaskCompleted records a task leaving the table after all outputs returned.
func (c *Collector) TaskCompleted(latency time.Duration) {
	if c == nil {
		return
	}
	c.tasksInFlight.Dec()
	c.tasksCompleted.Inc()
	c.taskLatency.Observe(latency.Seconds())
	c.taskDigest.Record(latency)

	c.mu.Lock()
	c.inFlight--
	c.completed++
	c.mu.Unlock()
}

// TaskDropped records a task marked dropped. It stays in the table.
func (c *Collector) TaskDropped() {
	if c == nil {
		return
	}
	c.tasksDropped.Inc()

	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

// TasksCleared records n tasks removed by teardown.
func (c *Collector) TasksCleared(n int) {
	if c == nil || n == 0 {
		return
	}
	c.tasksInFlight.Sub(float64(n))

	c.mu.Lock()
	c.inFlight -= n
	c.mu.Unlock()
}

// BufferDone records one output buffer returned for a stream.
func (c *Collector) BufferDone(stream string) {
	if c == nil {
		return
	}
	c.buffersDone.WithLabelValues(stream).Inc()

	c.mu.Lock()
	c.buffers++
	c.mu.Unlock()
}

// =============================================================================
// Hardware
// =============================================================================

// HWTaskSubmitted records a task accepted by the device.
func (c *Collector) HWTaskSubmitted(stream string) {
	if c == nil {
		return
	}
	c.hwSubmitted.WithLabelValues(stream).Inc()
}

// ObserveHWLatency records submission-to-completion time.
func (c *Collector) ObserveHWLatency(d time.Duration) {
	if c == nil {
		return
	}
	c.hwLatency.Observe(d.Seconds())
	c.hwDigest.Record(d)
}

// StaleCompletion records an event that resolved to no live slot.
func (c *Collector) StaleCompletion() {
	if c == nil {
		return
	}
	c.hwStale.Inc()

	c.mu.Lock()
	c.stale++
	c.mu.Unlock()
}

// SlotOverwrite records an unresolved frame-id slot being reused.
func (c *Collector) SlotOverwrite() {
	if c == nil {
		return
	}
	c.hwSlotOverwrites.Inc()

	c.mu.Lock()
	c.overwrites++
	c.mu.Unlock()
}

// =============================================================================
// Stages
// =============================================================================

// QueueWaitTimeout records a timed-out rendezvous wait.
func (c *Collector) QueueWaitTimeout() {
	if c == nil {
		return
	}
	c.queueTimeouts.Inc()
}

// StageProcessed records one Process invocation.
func (c *Collector) StageProcessed(stage, result string) {
	if c == nil {
		return
	}
	c.stageProcess.WithLabelValues(stage, result).Inc()
}

// ZoomUpdated records a propagated zoom change.
func (c *Collector) ZoomUpdated() {
	if c == nil {
		return
	}
	c.zoomUpdates.Inc()
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration         time.Duration
	TasksCompleted   int64
	TasksDropped     int64
	TasksInFlight    int
	PeakInFlight     int
	BuffersDone      int64
	StaleCompletions int64
	SlotOverwrites   int64
	HWLatency        stats.LatencySnapshot
	TaskLatency      stats.LatencySnapshot
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	if c == nil {
		return &Summary{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return &Summary{
		Duration:         time.Since(c.startTime),
		TasksCompleted:   c.completed,
		TasksDropped:     c.dropped,
		TasksInFlight:    c.inFlight,
		PeakInFlight:     c.peakInFlight,
		BuffersDone:      c.buffers,
		StaleCompletions: c.stale,
		SlotOverwrites:   c.overwrites,
		HWLatency:        c.hwDigest.Snapshot(),
		TaskLatency:      c.taskDigest.Snapshot(),
	}
}
