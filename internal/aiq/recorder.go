package aiq

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
)

// Run records one RunAIC call.
type Run struct {
	Sequence int64
	StreamID int32

	// StatsSequence is the sequence whose statistics fed the result, or
	// buffer.NoSequence when none were ever available.
	StatsSequence int64

	// Reused is set when the statistics for the previous frame were
	// missing and the last result was carried forward.
	Reused bool
}

// ResolutionUpdate records one UpdateConfigurationResolutions call.
type ResolutionUpdate struct {
	ContextID uint32
	PTZ       PTZ
	StreamID  int32
}

// Recorder is an in-memory AIC. It remembers every call and tracks which
// statistics each result was computed from.
//
// Thread-safe.
type Recorder struct {
	logger *slog.Logger

	// FailRun, when set, is returned by RunAIC.
	FailRun error

	mu      sync.Mutex
	runs    []Run
	updates []ResolutionUpdate
	stats   map[int64]int // sequence -> payload size
	last    map[int32]Run
	closed  bool
}

// NewRecorder creates an empty recorder.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		logger: logger,
		stats:  make(map[int64]int),
		last:   make(map[int32]Run),
	}
}

// StatsReady records that statistics for seq are available.
func (r *Recorder) StatsReady(seq int64, f *buffer.Frame) {
	size := 0
	if f != nil {
		size = f.Info().Size
	}
	r.mu.Lock()
	r.stats[seq] = size
	// Keep a bounded window; older statistics are never consulted.
	for s := range r.stats {
		if s < seq-16 {
			delete(r.stats, s)
		}
	}
	r.mu.Unlock()
}

// RunAIC implements AIC.
func (r *Recorder) RunAIC(_ context.Context, settings *Settings, seq int64, streamID int32) error {
	if r.FailRun != nil {
		return r.FailRun
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	run := Run{Sequence: seq, StreamID: streamID}
	if _, ok := r.stats[seq-1]; ok {
		run.StatsSequence = seq - 1
	} else {
		prev, ok := r.last[streamID]
		run.StatsSequence = buffer.NoSequence
		if ok {
			run.StatsSequence = prev.StatsSequence
		}
		run.Reused = true
		r.logger.Debug("aic_stats_missing",
			"sequence", seq,
			"stream_id", streamID,
			"reused_stats", run.StatsSequence,
		)
	}
	if settings != nil && settings.Sequence > seq {
		r.logger.Warn("aic_settings_ahead", "sequence", seq, "settings_sequence", settings.Sequence)
	}
	r.last[streamID] = run
	r.runs = append(r.runs, run)
	return nil
}

// UpdateConfigurationResolutions implements AIC.
func (r *Recorder) UpdateConfigurationResolutions(_ context.Context, contextID uint32, ptz PTZ, streamID int32) error {
	r.mu.Lock()
	r.updates = append(r.updates, ResolutionUpdate{ContextID: contextID, PTZ: ptz, StreamID: streamID})
	r.mu.Unlock()
	r.logger.Debug("aic_resolution_update",
		"context", contextID,
		"stream_id", streamID,
		"ptz", ptz.String(),
	)
	return nil
}

// Runs returns a copy of every recorded RunAIC call.
func (r *Recorder) Runs() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.runs)
}

// Updates returns a copy of every recorded resolution update.
func (r *Recorder) Updates() []ResolutionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.updates)
}

// Close marks the recorder closed.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
