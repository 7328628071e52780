// Package stage implements the schedulable pipe stages: a buffer queue plus
// frame-info negotiation, a Process entry point driven by an external
// scheduler and a per-frame control side channel.
package stage

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/metrics"
	"github.com/randomizedcoder/go-camera-pipe/internal/queue"
)

var (
	// ErrNotStarted is returned by Process before Start.
	ErrNotStarted = errors.New("stage not started")

	// ErrBadState is returned for a lifecycle call in the wrong state.
	ErrBadState = errors.New("invalid stage state")
)

// StreamInfo describes the buffers flowing through one port.
type StreamInfo struct {
	buffer.Info

	// StreamID is the application-visible stream the port belongs to.
	StreamID int32

	// External marks ports with no internal peer (pipeline edges).
	External bool
}

// Control carries per-frame flags set through SetControl.
type Control struct {
	// SkipOutput marks a reference-priming run: edge outputs are released
	// instead of being forwarded.
	SkipOutput bool
}

// Events are optional callbacks a stage raises while processing. They run
// on the goroutine that completed the work and must not block.
type Events struct {
	// OnHWDone is called when a hardware task for seq completes.
	OnHWDone func(stage string, seq int64)

	// OnDropped is called when the device lost the completion for seq.
	OnDropped func(stage string, seq int64)

	// OnError is called for a failed task or transform.
	OnError func(stage string, seq int64, err error)
}

// Stage is the capability set every pipe stage offers.
type Stage interface {
	queue.Producer
	queue.Listener

	ID() int
	Name() string
	Type() string
	State() State

	SetFrameInfo(in, out map[buffer.Port]StreamInfo) error
	FrameInfo() (in, out map[buffer.Port]StreamInfo)
	Start() error
	Stop()
	Process(triggerID int64) error
	SetControl(seq int64, c Control)
	SetEvents(ev Events)

	SetBufferProducer(p queue.Producer)
	AddFrameAvailableListener(l queue.Listener)
	RemoveFrameAvailableListener(l queue.Listener)
	AllocProducerBuffers(infos map[buffer.Port]buffer.Info, bufNum int) error
	Unqbuf(port buffer.Port, f *buffer.Frame) bool
	SetNotify(fn func())
	InputPorts() []buffer.Port
	OutputPorts() []buffer.Port
	Ready() bool
}

// Options are shared by every stage implementation.
type Options struct {
	ID      int
	Name    string
	Logger  *slog.Logger
	Metrics *metrics.Collector

	// WaitTimeout > 0 makes Process block up to that long for a full set of
	// buffers; zero makes it return queue.ErrNotEnoughData immediately.
	WaitTimeout time.Duration
}

// base carries the queue, lifecycle and control bookkeeping shared by the
// hardware and software stages.
type base struct {
	*queue.Queue

	id          int
	name        string
	typ         string
	logger      *slog.Logger
	metrics     *metrics.Collector
	waitTimeout time.Duration

	mu       sync.Mutex
	state    State
	inInfo   map[buffer.Port]StreamInfo
	outInfo  map[buffer.Port]StreamInfo
	controls map[int64]Control
	events   Events
}

func newBase(opts Options, typ string) base {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stage", opts.Name)
	return base{
		Queue:       queue.New(opts.Name, logger),
		id:          opts.ID,
		name:        opts.Name,
		typ:         typ,
		logger:      logger,
		metrics:     opts.Metrics,
		waitTimeout: opts.WaitTimeout,
		controls:    make(map[int64]Control),
	}
}

func (b *base) ID() int      { return b.id }
func (b *base) Name() string { return b.name }
func (b *base) Type() string { return b.typ }

// State returns the lifecycle state.
func (b *base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetEvents installs the event callbacks.
func (b *base) SetEvents(ev Events) {
	b.mu.Lock()
	b.events = ev
	b.mu.Unlock()
}

func (b *base) eventHooks() Events {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events
}

// SetFrameInfo declares the stage's ports and their formats.
func (b *base) SetFrameInfo(in, out map[buffer.Port]StreamInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.CanConfigure() {
		return fmt.Errorf("%s: set frame info in state %s: %w", b.name, b.state, ErrBadState)
	}
	if len(in) == 0 {
		return fmt.Errorf("%s: no input ports", b.name)
	}
	b.inInfo = maps.Clone(in)
	b.outInfo = maps.Clone(out)
	b.SetPorts(sortedKeys(in), sortedKeys(out))
	b.state = StateConfigured
	b.logger.Debug("frame_info_set",
		"inputs", len(in),
		"outputs", len(out),
	)
	return nil
}

// FrameInfo returns copies of the negotiated port infos.
func (b *base) FrameInfo() (in, out map[buffer.Port]StreamInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.inInfo), maps.Clone(b.outInfo)
}

// Start moves a configured or stopped stage to Started.
func (b *base) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateConfigured, StateStopped:
	case StateStarted, StateRunning:
		return nil
	default:
		return fmt.Errorf("%s: start in state %s: %w", b.name, b.state, ErrBadState)
	}
	b.Queue.Start()
	b.state = StateStarted
	return nil
}

// stopQueue stops and drains the queue and clears pending controls.
func (b *base) stopQueue() {
	b.mu.Lock()
	b.state = StateStopped
	clear(b.controls)
	b.mu.Unlock()
	b.Queue.Stop()
}

// enterRunning validates that Process may run.
func (b *base) enterRunning() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateStarted:
		b.state = StateRunning
		return nil
	case StateRunning:
		return nil
	case StateStopped:
		return queue.ErrStopped
	default:
		return fmt.Errorf("%s: %w", b.name, ErrNotStarted)
	}
}

// SetControl records per-frame flags for seq. They are consumed when seq
// completes.
func (b *base) SetControl(seq int64, c Control) {
	b.mu.Lock()
	b.controls[seq] = c
	b.mu.Unlock()
}

func (b *base) takeControl(seq int64) Control {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.controls[seq]
	delete(b.controls, seq)
	return c
}

// isAppOutput reports whether port is an edge output that reaches the
// application. Statistics terminals are edges but stay inside the pipeline.
func (b *base) isAppOutput(port buffer.Port) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := b.outInfo[port]
	return info.External && info.Format != buffer.FormatStats
}

// acquire waits for and pops one full buffer set.
func (b *base) acquire() (inputs, outputs map[buffer.Port]*buffer.Frame, err error) {
	if err := b.WaitFreeBuffersInQueue(b.waitTimeout > 0, b.waitTimeout); err != nil {
		switch {
		case errors.Is(err, queue.ErrTimedOut):
			b.metrics.QueueWaitTimeout()
			b.metrics.StageProcessed(b.name, metrics.ResultTimeout)
		case errors.Is(err, queue.ErrNotEnoughData):
			b.metrics.StageProcessed(b.name, metrics.ResultNoData)
		case errors.Is(err, queue.ErrStopped):
			b.metrics.StageProcessed(b.name, metrics.ResultStopped)
		}
		return nil, nil, err
	}
	return b.GetFreeBuffersInQueue()
}

// primary returns the frame on the first declared input port.
func (b *base) primary(inputs map[buffer.Port]*buffer.Frame) *buffer.Frame {
	ports := sortedKeys(inputs)
	if len(ports) == 0 {
		return nil
	}
	return inputs[ports[0]]
}

// stamp propagates sequence, settings sequence and timestamp from the
// primary input to every output.
func stamp(src *buffer.Frame, outputs map[buffer.Port]*buffer.Frame) {
	for _, f := range outputs {
		f.SetSequence(src.Sequence())
		f.SetSettingsSequence(src.SettingsSequence())
		f.SetTimestamp(src.Timestamp())
	}
}

// deliver finishes one buffer set: application outputs of a priming run
// are released, everything else flows through ReturnBuffers.
func (b *base) deliver(seq int64, inputs, outputs map[buffer.Port]*buffer.Frame) {
	ctrl := b.takeControl(seq)
	if ctrl.SkipOutput {
		for port, f := range outputs {
			if b.isAppOutput(port) {
				f.Unref()
				delete(outputs, port)
			}
		}
	}
	if err := b.ReturnBuffers(inputs, outputs); err != nil {
		b.logger.Warn("return_buffers_failed",
			"sequence", seq,
			"error", err,
		)
	}
}

// requeue puts a set back without forwarding anything: inputs go back to
// the producer, internally owned outputs return to this stage's queue and
// buffers on application outputs are released.
func (b *base) requeue(inputs, outputs map[buffer.Port]*buffer.Frame) {
	if err := b.ReturnBuffers(inputs, nil); err != nil {
		b.logger.Warn("return_inputs_failed", "error", err)
	}
	for port, f := range outputs {
		if f.IsInternal() && !b.isAppOutput(port) {
			if err := b.Qbuf(port, f); err == nil {
				continue
			}
		}
		f.Unref()
	}
}

func sortedKeys[V any](m map[buffer.Port]V) []buffer.Port {
	return slices.Sorted(maps.Keys(m))
}
