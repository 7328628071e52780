// Package requester plays the request-scheduling side of a camera: it paces
// sensor frames, allocates the input and output buffers for each frame and
// submits them to the pipe manager as tasks.
package requester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/randomizedcoder/go-camera-pipe/internal/aiq"
	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/manager"
)

// Tasker accepts tasks. *manager.Manager implements it.
type Tasker interface {
	AddTask(ctx context.Context, data manager.TaskData) error
}

// Selector returns the output ports requested for a frame.
type Selector func(seq int64) []buffer.Port

// All requests every port on every frame.
func All(ports []buffer.Port) Selector {
	ports = slices.Clone(ports)
	slices.Sort(ports)
	return func(int64) []buffer.Port { return ports }
}

// Periodic requests a port on frames whose sequence is a multiple of its
// period. Ports with a period below 1 are requested every frame.
func Periodic(every map[buffer.Port]int) Selector {
	every = maps.Clone(every)
	ports := slices.Sorted(maps.Keys(every))
	return func(seq int64) []buffer.Port {
		var out []buffer.Port
		for _, port := range ports {
			n := every[port]
			if n <= 1 || seq%int64(n) == 0 {
				out = append(out, port)
			}
		}
		return out
	}
}

// Callbacks contains optional functions invoked on requester events.
type Callbacks struct {
	OnSubmitted func(seq int64, outputs int)
	OnCompleted func(seq int64, latency time.Duration)
	OnSkipped   func(seq int64, reason string)
}

// Config holds configuration for a Requester.
type Config struct {
	Tasker Tasker

	InputPort buffer.Port
	Input     buffer.Info
	Outputs   map[buffer.Port]buffer.Info

	// Select picks the requested outputs per frame. Defaults to All.
	Select Selector

	// FPS paces frames. Zero submits as fast as buffers allow.
	FPS float64

	// Frames stops Run after that many frames (0 = until ctx is done).
	Frames int

	// MaxInFlight bounds every buffer pool. Defaults to 4.
	MaxInFlight int

	FirstSequence int64
	Logger        *slog.Logger
	Callbacks     Callbacks
}

// Stats is a snapshot of requester counters.
type Stats struct {
	Submitted int64
	Completed int64
	Skipped   int64
	Errors    int64
	InFlight  int
}

type pending struct {
	submitted time.Time
	frames    []*buffer.Frame
}

// Requester submits one task per paced sensor frame.
//
// Thread-safe. OnTaskDone may be called from any goroutine.
type Requester struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rate.Limiter
	seq     *buffer.Sequencer
	inPool  *buffer.Pool
	outPool map[buffer.Port]*buffer.Pool

	mu       sync.Mutex
	inflight map[int64]*pending
	idle     chan struct{}
	stats    Stats
}

// New creates a Requester.
func New(cfg Config) (*Requester, error) {
	if cfg.Tasker == nil {
		return nil, errors.New("requester: no tasker")
	}
	if len(cfg.Outputs) == 0 {
		return nil, errors.New("requester: no outputs")
	}
	if cfg.FPS < 0 {
		return nil, fmt.Errorf("requester: fps %.2f must not be negative", cfg.FPS)
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 4
	}
	if cfg.Select == nil {
		cfg.Select = All(slices.Collect(maps.Keys(cfg.Outputs)))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.FPS > 0 {
		limit = rate.Limit(cfg.FPS)
	}

	r := &Requester{
		cfg:      cfg,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, 1),
		seq:      buffer.NewSequencer(cfg.FirstSequence),
		inPool:   buffer.NewPool(cfg.Input, cfg.MaxInFlight),
		outPool:  make(map[buffer.Port]*buffer.Pool, len(cfg.Outputs)),
		inflight: make(map[int64]*pending),
	}
	for port, info := range cfg.Outputs {
		r.outPool[port] = buffer.NewPool(info, cfg.MaxInFlight)
	}
	return r, nil
}

// Run submits frames until Frames are submitted or ctx is done. A frame
// whose buffers are all still in flight is skipped, like a sensor frame
// arriving with no request to fill.
func (r *Requester) Run(ctx context.Context) error {
	r.logger.Info("requester_started",
		"fps", r.cfg.FPS,
		"frames", r.cfg.Frames,
		"outputs", len(r.cfg.Outputs),
	)
	for n := 0; r.cfg.Frames == 0 || n < r.cfg.Frames; n++ {
		if err := r.limiter.Wait(ctx); err != nil {
			// Wait fails early when the next token lands after the deadline.
			if _, ok := ctx.Deadline(); ok || ctx.Err() != nil {
				break
			}
			return err
		}
		if err := r.submit(ctx, r.seq.Next()); err != nil {
			return err
		}
	}
	st := r.Stats()
	r.logger.Info("requester_stopped",
		"submitted", st.Submitted,
		"skipped", st.Skipped,
		"errors", st.Errors,
	)
	return nil
}

func (r *Requester) submit(ctx context.Context, seq int64) error {
	ports := r.cfg.Select(seq)
	if len(ports) == 0 {
		r.skip(seq, "no_outputs")
		return nil
	}

	in := r.inPool.Get()
	if in == nil {
		r.skip(seq, "input_exhausted")
		return nil
	}
	now := time.Now()
	in.SetSequence(seq)
	in.SetSettingsSequence(seq)
	in.SetTimestamp(now)
	frames := []*buffer.Frame{in}

	outputs := make(map[buffer.Port]*buffer.Frame, len(ports))
	for _, port := range ports {
		pool, ok := r.outPool[port]
		if !ok {
			release(frames)
			return fmt.Errorf("requester: selected unknown port %d", port)
		}
		f := pool.Get()
		if f == nil {
			release(frames)
			r.skip(seq, "output_exhausted")
			return nil
		}
		outputs[port] = f
		frames = append(frames, f)
	}

	r.mu.Lock()
	r.inflight[seq] = &pending{submitted: now, frames: frames}
	r.mu.Unlock()

	err := r.cfg.Tasker.AddTask(ctx, manager.TaskData{
		Inputs:   map[buffer.Port]*buffer.Frame{r.cfg.InputPort: in},
		Outputs:  outputs,
		Settings: &aiq.Settings{Sequence: seq},
	})
	if err != nil {
		r.forget(seq)
		release(frames)
		r.mu.Lock()
		r.stats.Errors++
		r.mu.Unlock()
		r.logger.Warn("task_submit_failed", "sequence", seq, "error", err)
		if errors.Is(err, manager.ErrNotConfigured) {
			return err
		}
		return nil
	}

	r.mu.Lock()
	r.stats.Submitted++
	r.mu.Unlock()
	if fn := r.cfg.Callbacks.OnSubmitted; fn != nil {
		fn(seq, len(outputs))
	}
	return nil
}

func (r *Requester) skip(seq int64, reason string) {
	r.mu.Lock()
	r.stats.Skipped++
	r.mu.Unlock()
	r.logger.Debug("frame_skipped", "sequence", seq, "reason", reason)
	if fn := r.cfg.Callbacks.OnSkipped; fn != nil {
		fn(seq, reason)
	}
}

// OnTaskDone releases the buffers of a completed task back to their pools.
func (r *Requester) OnTaskDone(task manager.TaskData) {
	seq, ok := task.Sequence()
	if !ok {
		return
	}
	p := r.forget(seq)
	if p == nil {
		return
	}
	release(p.frames)
	latency := time.Since(p.submitted)

	r.mu.Lock()
	r.stats.Completed++
	r.mu.Unlock()
	if fn := r.cfg.Callbacks.OnCompleted; fn != nil {
		fn(seq, latency)
	}
}

func (r *Requester) forget(seq int64) *pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.inflight[seq]
	if !ok {
		return nil
	}
	delete(r.inflight, seq)
	if len(r.inflight) == 0 && r.idle != nil {
		close(r.idle)
		r.idle = nil
	}
	return p
}

// Drain waits until every submitted task completed or ctx is done.
func (r *Requester) Drain(ctx context.Context) error {
	r.mu.Lock()
	if len(r.inflight) == 0 {
		r.mu.Unlock()
		return nil
	}
	if r.idle == nil {
		r.idle = make(chan struct{})
	}
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abandon releases the buffers of tasks that will never complete and
// returns their sequences. Call it after the manager was torn down.
func (r *Requester) Abandon() []int64 {
	r.mu.Lock()
	seqs := slices.Sorted(maps.Keys(r.inflight))
	var frames []*buffer.Frame
	for _, p := range r.inflight {
		frames = append(frames, p.frames...)
	}
	clear(r.inflight)
	if r.idle != nil {
		close(r.idle)
		r.idle = nil
	}
	r.mu.Unlock()

	release(frames)
	if len(seqs) > 0 {
		r.logger.Warn("tasks_abandoned", "count", len(seqs), "first", seqs[0])
	}
	return seqs
}

// Stats returns a snapshot of the counters.
func (r *Requester) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stats
	st.InFlight = len(r.inflight)
	return st
}

func release(frames []*buffer.Frame) {
	for _, f := range frames {
		f.Unref()
	}
}
