package stage

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/device"
	"github.com/randomizedcoder/go-camera-pipe/internal/metrics"
)

// TypeHardware is the type tag of stages backed by the device node.
const TypeHardware = "hw"

// ErrDuplicateSequence is returned when a sequence is already in flight.
var ErrDuplicateSequence = errors.New("sequence already in flight")

type inflight struct {
	seq     int64
	inputs  map[buffer.Port]*buffer.Frame
	outputs map[buffer.Port]*buffer.Frame
}

// HardwareStage submits one device task per buffer rendezvous and returns
// the buffers when the device reports completion.
//
// Completions arrive on the device node's polling goroutine; they only
// touch the pending table (under pendingMu) and the queue.
type HardwareStage struct {
	base

	node      *device.Node
	contextID uint32

	pendingMu sync.Mutex
	pending   map[int64]*inflight
	held      *inflight // set rejected with device.ErrBusy, retried first
}

// NewHardware creates a stage bound to one node context of the device.
func NewHardware(opts Options, node *device.Node, contextID uint32) *HardwareStage {
	s := &HardwareStage{
		base:      newBase(opts, TypeHardware),
		node:      node,
		contextID: contextID,
		pending:   make(map[int64]*inflight),
	}
	node.SetCallbacks(contextID, device.Callbacks{
		OnComplete: s.onComplete,
		OnDropped:  s.onDropped,
	})
	return s
}

// ContextID returns the device node context the stage drives.
func (s *HardwareStage) ContextID() uint32 { return s.contextID }

// InFlight returns the number of submitted tasks awaiting completion.
func (s *HardwareStage) InFlight() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Process takes one full buffer set and submits it to the device.
func (s *HardwareStage) Process(triggerID int64) error {
	if err := s.enterRunning(); err != nil {
		return err
	}

	s.pendingMu.Lock()
	set := s.held
	s.held = nil
	s.pendingMu.Unlock()

	if set == nil {
		inputs, outputs, err := s.acquire()
		if err != nil {
			return err
		}
		src := s.primary(inputs)
		stamp(src, outputs)
		set = &inflight{seq: src.Sequence(), inputs: inputs, outputs: outputs}
	}

	terms, err := s.terminals(set)
	if err != nil {
		s.requeue(set.inputs, set.outputs)
		s.fail(set.seq, err)
		return err
	}

	s.pendingMu.Lock()
	if _, dup := s.pending[set.seq]; dup {
		s.pendingMu.Unlock()
		err := fmt.Errorf("%s: seq %d: %w", s.name, set.seq, ErrDuplicateSequence)
		s.requeue(set.inputs, set.outputs)
		s.fail(set.seq, err)
		return err
	}
	s.pending[set.seq] = set
	s.pendingMu.Unlock()

	if _, err := s.node.AddTask(s.contextID, set.seq, terms); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, set.seq)
		if errors.Is(err, device.ErrBusy) {
			s.held = set
			s.pendingMu.Unlock()
			s.metrics.StageProcessed(s.name, metrics.ResultTimeout)
			return err
		}
		s.pendingMu.Unlock()
		s.requeue(set.inputs, set.outputs)
		s.fail(set.seq, err)
		return err
	}

	s.metrics.StageProcessed(s.name, metrics.ResultOK)
	s.logger.Debug("stage_task_submitted",
		"trigger", triggerID,
		"sequence", set.seq,
		"context", s.contextID,
	)
	return nil
}

func (s *HardwareStage) terminals(set *inflight) ([]device.TerminalBuffer, error) {
	terms := make([]device.TerminalBuffer, 0, len(set.inputs)+len(set.outputs))
	for _, m := range []map[buffer.Port]*buffer.Frame{set.inputs, set.outputs} {
		for _, port := range sortedKeys(m) {
			h, err := s.node.RegisterBuffer(m[port])
			if err != nil {
				return nil, fmt.Errorf("%s: port %d: %w", s.name, port, err)
			}
			terms = append(terms, device.TerminalBuffer{Terminal: port, Handle: h})
		}
	}
	return terms, nil
}

func (s *HardwareStage) fail(seq int64, err error) {
	s.metrics.StageProcessed(s.name, metrics.ResultError)
	s.logger.Error("stage_task_failed", "sequence", seq, "error", err)
	if fn := s.eventHooks().OnError; fn != nil {
		fn(s.name, seq, err)
	}
}

func (s *HardwareStage) take(seq int64) *inflight {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	set, ok := s.pending[seq]
	if !ok {
		return nil
	}
	delete(s.pending, seq)
	return set
}

// onComplete runs on the device polling goroutine.
func (s *HardwareStage) onComplete(_ uint32, seq int64, err error) {
	set := s.take(seq)
	if set == nil {
		s.logger.Warn("hw_completion_unknown_sequence", "sequence", seq)
		return
	}
	ev := s.eventHooks()
	if err != nil {
		s.logger.Warn("hw_task_completed_with_error", "sequence", seq, "error", err)
		if ev.OnError != nil {
			ev.OnError(s.name, seq, err)
		}
	}
	if ev.OnHWDone != nil {
		ev.OnHWDone(s.name, seq)
	}
	s.deliver(seq, set.inputs, set.outputs)
}

// onDropped runs when the device overwrote the unresolved slot for seq.
// The buffers are recycled without forwarding output for seq.
func (s *HardwareStage) onDropped(_ uint32, seq int64) {
	set := s.take(seq)
	if set == nil {
		return
	}
	s.takeControl(seq)
	s.requeue(set.inputs, set.outputs)
	if fn := s.eventHooks().OnDropped; fn != nil {
		fn(s.name, seq)
	}
}

// Stop drains the queue and releases every set still in flight. Late
// completions for those sets are ignored.
func (s *HardwareStage) Stop() {
	s.stopQueue()

	s.pendingMu.Lock()
	sets := make([]*inflight, 0, len(s.pending)+1)
	for _, set := range s.pending {
		sets = append(sets, set)
	}
	clear(s.pending)
	if s.held != nil {
		sets = append(sets, s.held)
		s.held = nil
	}
	s.pendingMu.Unlock()

	for _, set := range sets {
		// The queue is stopped: ReturnBuffers releases without callbacks.
		s.ReturnBuffers(set.inputs, set.outputs)
	}
	s.logger.Debug("stage_stopped", "released_sets", len(sets))
}

// pendingSequences is used by tests.
func (s *HardwareStage) pendingSequences() []int64 {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return slices.Sorted(maps.Keys(s.pending))
}
