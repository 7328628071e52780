// Package queue implements the per-stage buffer queue and the
// producer/consumer protocol stages use to hand frames to each other.
//
// Ownership rules:
//
//   - Qbuf transfers the caller's reference into the output queue.
//   - OnFrameAvailable does not transfer; a queue that accepts the frame
//     takes its own reference.
//   - ReturnBuffers hands consumed inputs back to the producer (transfer)
//     and offers filled outputs to every listener, then drops its own
//     reference on the outputs.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
)

var (
	// ErrNotEnoughData is returned by a non-blocking wait when a declared
	// port has nothing queued.
	ErrNotEnoughData = errors.New("not enough data")

	// ErrTimedOut is returned when a blocking wait exceeds its bound.
	// It is recoverable; callers retry.
	ErrTimedOut = errors.New("timed out waiting for buffers")

	// ErrPortMismatch is returned for an operation on an undeclared port.
	ErrPortMismatch = errors.New("port not declared")

	// ErrStopped is returned once the queue has been stopped.
	ErrStopped = errors.New("queue stopped")

	// ErrNoProducer is returned when buffers must go to a producer that
	// was never registered.
	ErrNoProducer = errors.New("no buffer producer")
)

// Producer accepts buffers back from a consumer for refilling.
type Producer interface {
	Qbuf(port buffer.Port, f *buffer.Frame) error
}

// Listener is notified when a producer has filled a buffer.
type Listener interface {
	OnFrameAvailable(port buffer.Port, f *buffer.Frame) error
}

// Queue holds one FIFO per declared input port and per declared output port.
//
// Thread-safe: all fields are guarded by mu; producer and listener lists
// change only under mu.
type Queue struct {
	name   string
	logger *slog.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	inputPorts  []buffer.Port
	outputPorts []buffer.Port
	inputs      map[buffer.Port][]*buffer.Frame
	outputs     map[buffer.Port][]*buffer.Frame
	producer    Producer
	listeners   []Listener
	stopped     bool

	// notify is called without mu held whenever a buffer is queued.
	notify func()
}

// New creates an empty queue. The name is used in logs only.
func New(name string, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		name:    name,
		logger:  logger,
		inputs:  make(map[buffer.Port][]*buffer.Frame),
		outputs: make(map[buffer.Port][]*buffer.Frame),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// SetPorts declares the input and output ports. Buffers queued on ports
// that are no longer declared are released.
func (q *Queue) SetPorts(inputs, outputs []buffer.Port) {
	q.mu.Lock()
	var dropped []*buffer.Frame
	q.inputPorts = slices.Clone(inputs)
	q.outputPorts = slices.Clone(outputs)
	dropped = append(dropped, resetQueues(q.inputs, inputs)...)
	dropped = append(dropped, resetQueues(q.outputs, outputs)...)
	q.mu.Unlock()

	unrefAll(dropped)
}

func resetQueues(m map[buffer.Port][]*buffer.Frame, ports []buffer.Port) []*buffer.Frame {
	var dropped []*buffer.Frame
	for p, frames := range m {
		if !slices.Contains(ports, p) {
			dropped = append(dropped, frames...)
			delete(m, p)
		}
	}
	for _, p := range ports {
		if _, ok := m[p]; !ok {
			m[p] = nil
		}
	}
	return dropped
}

// InputPorts returns the declared input ports in declaration order.
func (q *Queue) InputPorts() []buffer.Port {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.inputPorts)
}

// OutputPorts returns the declared output ports in declaration order.
func (q *Queue) OutputPorts() []buffer.Port {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.outputPorts)
}

// SetNotify installs a hook called after every successful enqueue, used to
// wake the external scheduler.
func (q *Queue) SetNotify(fn func()) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

// OnFrameAvailable queues f on an input port. Frames for undeclared ports
// are ignored so one listener list can fan out to stages that each consume
// only some of the producer's ports.
func (q *Queue) OnFrameAvailable(port buffer.Port, f *buffer.Frame) error {
	q.mu.Lock()
	if !slices.Contains(q.inputPorts, port) {
		q.mu.Unlock()
		return nil
	}
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	wasEmpty := len(q.inputs[port]) == 0
	q.inputs[port] = append(q.inputs[port], f.Ref())
	if wasEmpty {
		q.cond.Broadcast()
	}
	notify := q.notify
	q.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// Qbuf queues an empty buffer on an output port, transferring the caller's
// reference.
func (q *Queue) Qbuf(port buffer.Port, f *buffer.Frame) error {
	q.mu.Lock()
	if !slices.Contains(q.outputPorts, port) {
		q.mu.Unlock()
		q.logger.Error("port_mismatch",
			"queue", q.name,
			"port", port,
			"op", "qbuf",
		)
		return fmt.Errorf("%s qbuf port %d: %w", q.name, port, ErrPortMismatch)
	}
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	wasEmpty := len(q.outputs[port]) == 0
	q.outputs[port] = append(q.outputs[port], f)
	if wasEmpty {
		q.cond.Broadcast()
	}
	notify := q.notify
	q.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// Unqbuf removes f from an output port if it is still queued and hands the
// queue's reference back to the caller. It reports whether f was found.
func (q *Queue) Unqbuf(port buffer.Port, f *buffer.Frame) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames := q.outputs[port]
	i := slices.Index(frames, f)
	if i < 0 {
		return false
	}
	q.outputs[port] = slices.Delete(frames, i, i+1)
	return true
}

// SetBufferProducer registers the single upstream producer.
func (q *Queue) SetBufferProducer(p Producer) {
	q.mu.Lock()
	q.producer = p
	q.mu.Unlock()
}

// BufferProducer returns the registered producer, if any.
func (q *Queue) BufferProducer() Producer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.producer
}

// AddFrameAvailableListener registers a downstream listener. Adding the
// same listener twice is a no-op.
func (q *Queue) AddFrameAvailableListener(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if slices.Contains(q.listeners, l) {
		return
	}
	q.listeners = append(q.listeners, l)
}

// RemoveFrameAvailableListener unregisters a listener.
func (q *Queue) RemoveFrameAvailableListener(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = slices.DeleteFunc(q.listeners, func(x Listener) bool { return x == l })
}

// Listeners returns the number of registered listeners.
func (q *Queue) Listeners() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.listeners)
}

// allReadyLocked reports whether every declared port has a buffer queued.
func (q *Queue) allReadyLocked() bool {
	if len(q.inputPorts) == 0 && len(q.outputPorts) == 0 {
		return false
	}
	for _, p := range q.inputPorts {
		if len(q.inputs[p]) == 0 {
			return false
		}
	}
	for _, p := range q.outputPorts {
		if len(q.outputs[p]) == 0 {
			return false
		}
	}
	return true
}

// Ready reports without blocking whether a full set of buffers is queued.
func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.stopped && q.allReadyLocked()
}

// WaitFreeBuffersInQueue waits until every declared input and output port
// has at least one queued buffer. Non-blocking calls return
// ErrNotEnoughData immediately; blocking calls return ErrTimedOut once
// timeout elapses.
func (q *Queue) WaitFreeBuffersInQueue(blocking bool, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		deadline time.Time
		timer    *time.Timer
	)
	for !q.allReadyLocked() {
		if q.stopped {
			return ErrStopped
		}
		if !blocking {
			return ErrNotEnoughData
		}
		if timer == nil {
			deadline = time.Now().Add(timeout)
			timer = time.AfterFunc(timeout, func() {
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			})
			defer timer.Stop()
		}
		if !time.Now().Before(deadline) {
			q.logger.Debug("queue_wait_timeout",
				"queue", q.name,
				"timeout", timeout.String(),
			)
			return ErrTimedOut
		}
		q.cond.Wait()
	}
	if q.stopped {
		return ErrStopped
	}
	return nil
}

// GetFreeBuffersInQueue pops one buffer from every declared port. The
// returned frames carry the queue's references.
func (q *Queue) GetFreeBuffersInQueue() (inputs, outputs map[buffer.Port]*buffer.Frame, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return nil, nil, ErrStopped
	}
	if !q.allReadyLocked() {
		return nil, nil, ErrNotEnoughData
	}
	inputs = make(map[buffer.Port]*buffer.Frame, len(q.inputPorts))
	for _, p := range q.inputPorts {
		inputs[p] = q.inputs[p][0]
		q.inputs[p] = q.inputs[p][1:]
	}
	outputs = make(map[buffer.Port]*buffer.Frame, len(q.outputPorts))
	for _, p := range q.outputPorts {
		outputs[p] = q.outputs[p][0]
		q.outputs[p] = q.outputs[p][1:]
	}
	return inputs, outputs, nil
}

// ReturnBuffers releases a processed set: inputs go back to the producer,
// outputs are offered to every listener. After Stop no listener is called
// and the buffers are simply released.
func (q *Queue) ReturnBuffers(inputs, outputs map[buffer.Port]*buffer.Frame) error {
	q.mu.Lock()
	producer := q.producer
	listeners := slices.Clone(q.listeners)
	stopped := q.stopped
	q.mu.Unlock()

	var errs []error
	for _, port := range sortedPorts(inputs) {
		f := inputs[port]
		if producer == nil || stopped {
			f.Unref()
			continue
		}
		if err := producer.Qbuf(port, f); err != nil {
			errs = append(errs, fmt.Errorf("return input port %d: %w", port, err))
			f.Unref()
		}
	}

	for _, port := range sortedPorts(outputs) {
		f := outputs[port]
		if !stopped {
			for _, l := range listeners {
				if err := l.OnFrameAvailable(port, f); err != nil && !errors.Is(err, ErrStopped) {
					errs = append(errs, fmt.Errorf("notify output port %d: %w", port, err))
				}
			}
		}
		f.Unref()
	}
	return errors.Join(errs...)
}

// AllocProducerBuffers allocates bufNum internal buffers per input port and
// hands them to the producer, seeding the pipeline before any external
// buffer exists.
func (q *Queue) AllocProducerBuffers(infos map[buffer.Port]buffer.Info, bufNum int) error {
	q.mu.Lock()
	producer := q.producer
	ports := slices.Clone(q.inputPorts)
	q.mu.Unlock()

	if producer == nil {
		return fmt.Errorf("%s: %w", q.name, ErrNoProducer)
	}
	for _, port := range ports {
		info, ok := infos[port]
		if !ok {
			return fmt.Errorf("%s alloc port %d: no frame info: %w", q.name, port, ErrPortMismatch)
		}
		for i := 0; i < bufNum; i++ {
			f := buffer.New(info)
			if err := producer.Qbuf(port, f); err != nil {
				f.Unref()
				return fmt.Errorf("%s seed port %d: %w", q.name, port, err)
			}
		}
	}
	q.logger.Debug("producer_buffers_allocated",
		"queue", q.name,
		"ports", len(ports),
		"per_port", bufNum,
	)
	return nil
}

// Depth returns the number of buffers queued on a port (input or output).
func (q *Queue) Depth(port buffer.Port) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inputs[port]) + len(q.outputs[port])
}

// Clear drops every queued buffer.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := q.drainLocked()
	q.mu.Unlock()
	unrefAll(dropped)
}

func (q *Queue) drainLocked() []*buffer.Frame {
	var dropped []*buffer.Frame
	for p, frames := range q.inputs {
		dropped = append(dropped, frames...)
		q.inputs[p] = nil
	}
	for p, frames := range q.outputs {
		dropped = append(dropped, frames...)
		q.outputs[p] = nil
	}
	return dropped
}

// Start re-arms a stopped queue.
func (q *Queue) Start() {
	q.mu.Lock()
	q.stopped = false
	q.mu.Unlock()
}

// Stop wakes every blocked waiter, drops all queued buffers and disables
// listener callbacks until Start is called again.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	dropped := q.drainLocked()
	q.cond.Broadcast()
	q.mu.Unlock()
	unrefAll(dropped)
}

// Stopped reports whether Stop has been called.
func (q *Queue) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

func unrefAll(frames []*buffer.Frame) {
	for _, f := range frames {
		f.Unref()
	}
}

func sortedPorts(m map[buffer.Port]*buffer.Frame) []buffer.Port {
	ports := make([]buffer.Port, 0, len(m))
	for p := range m {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}
