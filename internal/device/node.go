package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/metrics"
)

// Frame-id table defaults.
const (
	DefaultFrameTableSize = 32
	DefaultMaxFrameID     = 256
	DefaultPollTimeout    = 100 * time.Millisecond
)

// Callbacks receive completion notifications for one node context.
// OnComplete runs on the polling goroutine and OnDropped on the submitting
// goroutine; neither may block.
type Callbacks struct {
	// OnComplete is called once per resolved completion event.
	OnComplete func(contextID uint32, seq int64, err error)

	// OnDropped is called when an unresolved slot is overwritten; the
	// completion for seq will never be delivered.
	OnDropped func(contextID uint32, seq int64)
}

// Config holds configuration for creating a Node.
type Config struct {
	Name           string
	Driver         Driver
	Logger         *slog.Logger
	Metrics        *metrics.Collector
	PollTimeout    time.Duration
	FrameTableSize int
	MaxFrameID     uint32
}

type slot struct {
	frameID   uint32
	seq       int64
	submitted time.Time
	valid     bool
}

type contextState struct {
	nextFrameID uint32
	slots       []slot
}

type bufKey struct {
	ptr uintptr
	fd  int
}

type registration struct {
	handle Handle
	fd     int
	owned  bool // fd came from GetBuffer and must be put back
}

// Node wraps one device for one stream: graph lifecycle, task submission,
// buffer registration and the completion polling goroutine.
//
// Thread-safe. The frame-id table, the buffer registry and the callback
// table are guarded by mu, which is never held across a driver call that
// can block.
type Node struct {
	name        string
	driver      Driver
	logger      *slog.Logger
	metrics     *metrics.Collector
	pollTimeout time.Duration
	tableSize   int
	maxFrameID  uint32

	mu        sync.Mutex
	graphID   uint32
	graphOpen bool
	streamID  string
	contexts  map[uint32]*contextState
	callbacks map[uint32]Callbacks
	buffers   map[bufKey]registration

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewNode creates a node. It does not open a graph or start polling.
func NewNode(cfg Config) (*Node, error) {
	if cfg.Driver == nil {
		return nil, errors.New("device node requires a driver")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.FrameTableSize <= 0 {
		cfg.FrameTableSize = DefaultFrameTableSize
	}
	if cfg.MaxFrameID == 0 {
		cfg.MaxFrameID = DefaultMaxFrameID
	}
	if cfg.MaxFrameID%uint32(cfg.FrameTableSize) != 0 || cfg.MaxFrameID < uint32(cfg.FrameTableSize) {
		return nil, fmt.Errorf("max frame id %d must be a multiple of table size %d",
			cfg.MaxFrameID, cfg.FrameTableSize)
	}
	return &Node{
		name:        cfg.Name,
		driver:      cfg.Driver,
		logger:      cfg.Logger.With("node", cfg.Name),
		metrics:     cfg.Metrics,
		pollTimeout: cfg.PollTimeout,
		tableSize:   cfg.FrameTableSize,
		maxFrameID:  cfg.MaxFrameID,
		contexts:    make(map[uint32]*contextState),
		callbacks:   make(map[uint32]Callbacks),
		buffers:     make(map[bufKey]registration),
	}, nil
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// Capability queries the device.
func (n *Node) Capability() (Capability, error) {
	return n.driver.QueryCapability()
}

// SetCallbacks registers completion callbacks for a node context. It may
// be called before AddGraph.
func (n *Node) SetCallbacks(contextID uint32, cb Callbacks) {
	n.mu.Lock()
	n.callbacks[contextID] = cb
	n.mu.Unlock()
}

// AddGraph uploads the topology and resets the frame-id table for every
// context it declares.
func (n *Node) AddGraph(desc GraphDesc) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("%s: invalid graph: %w", n.name, err)
	}

	n.mu.Lock()
	if n.graphOpen {
		n.mu.Unlock()
		return fmt.Errorf("%s: %w", n.name, ErrGraphOpen)
	}
	n.mu.Unlock()

	id, err := n.driver.GraphOpen(desc)
	if err != nil {
		return fmt.Errorf("%s: graph open: %w", n.name, err)
	}

	n.mu.Lock()
	n.graphID = id
	n.graphOpen = true
	n.streamID = strconv.Itoa(int(desc.StreamID))
	n.contexts = make(map[uint32]*contextState, len(desc.Nodes))
	for _, ctxID := range desc.Contexts() {
		n.contexts[ctxID] = &contextState{slots: make([]slot, n.tableSize)}
	}
	n.mu.Unlock()

	n.logger.Info("graph_opened",
		"graph_id", id,
		"stream_id", desc.StreamID,
		"nodes", len(desc.Nodes),
		"links", len(desc.Links),
	)
	return nil
}

// CloseGraph closes the device graph and releases every registered buffer.
// Calling it without an open graph is a no-op.
func (n *Node) CloseGraph() error {
	n.mu.Lock()
	if !n.graphOpen {
		n.mu.Unlock()
		return nil
	}
	id := n.graphID
	n.graphOpen = false
	n.contexts = make(map[uint32]*contextState)
	n.mu.Unlock()

	err := n.driver.GraphClose(id)
	if uerr := n.UnregisterAll(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	n.logger.Info("graph_closed", "graph_id", id)
	return err
}

// GraphOpen reports whether a graph is open.
func (n *Node) GraphOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.graphOpen
}

// RegisterBuffer maps a frame into a device handle. Repeat registration of
// the same memory or fd returns the cached handle.
func (n *Node) RegisterBuffer(f *buffer.Frame) (Handle, error) {
	key, err := keyFor(f)
	if err != nil {
		return 0, err
	}

	n.mu.Lock()
	if r, ok := n.buffers[key]; ok {
		n.mu.Unlock()
		return r.handle, nil
	}
	n.mu.Unlock()

	reg := registration{fd: f.Handle()}
	if f.Kind() != buffer.MemoryHandle {
		fd, err := n.driver.GetBuffer(f.Data())
		if err != nil {
			return 0, fmt.Errorf("%s: register %s: %w", n.name, f, err)
		}
		reg.fd = fd
		reg.owned = true
	}
	h, err := n.driver.MapBuffer(reg.fd)
	if err != nil {
		if reg.owned {
			n.driver.PutBuffer(reg.fd)
		}
		return 0, fmt.Errorf("%s: map %s: %w", n.name, f, err)
	}
	reg.handle = h

	n.mu.Lock()
	if r, ok := n.buffers[key]; ok {
		// Lost a registration race; keep the first mapping.
		n.mu.Unlock()
		n.release(reg)
		return r.handle, nil
	}
	n.buffers[key] = reg
	n.mu.Unlock()
	return h, nil
}

// UnregisterBuffer unmaps a previously registered frame.
func (n *Node) UnregisterBuffer(f *buffer.Frame) error {
	key, err := keyFor(f)
	if err != nil {
		return err
	}
	n.mu.Lock()
	reg, ok := n.buffers[key]
	delete(n.buffers, key)
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return n.release(reg)
}

// UnregisterAll unmaps every registered buffer.
func (n *Node) UnregisterAll() error {
	n.mu.Lock()
	regs := make([]registration, 0, len(n.buffers))
	for k, r := range n.buffers {
		regs = append(regs, r)
		delete(n.buffers, k)
	}
	n.mu.Unlock()

	var errs []error
	for _, r := range regs {
		if err := n.release(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Registered returns the number of registered buffers.
func (n *Node) Registered() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.buffers)
}

func (n *Node) release(r registration) error {
	err := n.driver.UnmapBuffer(r.handle)
	if r.owned {
		err = errors.Join(err, n.driver.PutBuffer(r.fd))
	}
	return err
}

func keyFor(f *buffer.Frame) (bufKey, error) {
	if f.Kind() == buffer.MemoryHandle {
		if f.Handle() < 0 {
			return bufKey{}, fmt.Errorf("register %s: no fd", f)
		}
		return bufKey{fd: f.Handle()}, nil
	}
	data := f.Data()
	if len(data) == 0 {
		return bufKey{}, fmt.Errorf("register %s: no memory", f)
	}
	return bufKey{ptr: uintptr(unsafe.Pointer(unsafe.SliceData(data))), fd: -1}, nil
}

// AddTask submits one hardware task for seq on a node context. It returns
// the hardware frame id the task was tagged with.
func (n *Node) AddTask(contextID uint32, seq int64, terminals []TerminalBuffer) (uint32, error) {
	n.mu.Lock()
	if !n.graphOpen {
		n.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", n.name, ErrNoGraph)
	}
	cs, ok := n.contexts[contextID]
	if !ok {
		n.mu.Unlock()
		return 0, fmt.Errorf("%s: context %d: %w", n.name, contextID, ErrUnknownContext)
	}

	frameID := cs.nextFrameID
	cs.nextFrameID = (cs.nextFrameID + 1) % n.maxFrameID
	idx := int(frameID % uint32(n.tableSize))
	old := cs.slots[idx]
	cs.slots[idx] = slot{frameID: frameID, seq: seq, submitted: time.Now(), valid: true}
	graphID := n.graphID
	stream := n.streamID
	onDropped := n.callbacks[contextID].OnDropped
	n.mu.Unlock()

	if old.valid {
		n.logger.Warn("hw_slot_overwrite",
			"context", contextID,
			"slot", idx,
			"old_frame_id", old.frameID,
			"old_sequence", old.seq,
			"new_frame_id", frameID,
			"sequence", seq,
		)
		n.metrics.SlotOverwrite()
		if onDropped != nil {
			onDropped(contextID, old.seq)
		}
	}

	err := n.driver.TaskRequest(TaskDesc{
		GraphID:   graphID,
		ContextID: contextID,
		FrameID:   frameID,
		Terminals: terminals,
	})
	if err != nil {
		n.clearSlot(contextID, idx, frameID)
		return 0, fmt.Errorf("%s: task request seq %d: %w", n.name, seq, err)
	}

	n.metrics.HWTaskSubmitted(stream)
	n.logger.Debug("hw_task_submitted",
		"context", contextID,
		"frame_id", frameID,
		"sequence", seq,
		"terminals", len(terminals),
	)
	return frameID, nil
}

// clearSlot empties a slot if it still holds frameID.
func (n *Node) clearSlot(contextID uint32, idx int, frameID uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs, ok := n.contexts[contextID]
	if !ok {
		return
	}
	if s := cs.slots[idx]; s.valid && s.frameID == frameID {
		cs.slots[idx] = slot{}
	}
}

// Pending returns the number of unresolved frame-id slots for a context.
func (n *Node) Pending(contextID uint32) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	cs, ok := n.contexts[contextID]
	if !ok {
		return 0
	}
	count := 0
	for _, s := range cs.slots {
		if s.valid {
			count++
		}
	}
	return count
}

// handleEvent resolves one completion event and dispatches it. Events
// that match no live slot are logged and discarded.
func (n *Node) handleEvent(ev Event) {
	n.mu.Lock()
	cs, ok := n.contexts[ev.ContextID]
	if !ok || ev.GraphID != n.graphID {
		n.mu.Unlock()
		n.logger.Warn("hw_stale_completion",
			"reason", "unknown_context",
			"graph_id", ev.GraphID,
			"context", ev.ContextID,
			"frame_id", ev.FrameID,
		)
		n.metrics.StaleCompletion()
		return
	}
	idx := int(ev.FrameID % uint32(n.tableSize))
	s := cs.slots[idx]
	if !s.valid || s.frameID != ev.FrameID {
		n.mu.Unlock()
		n.logger.Warn("hw_stale_completion",
			"reason", "frame_id_mismatch",
			"context", ev.ContextID,
			"frame_id", ev.FrameID,
			"slot_frame_id", s.frameID,
			"slot_valid", s.valid,
		)
		n.metrics.StaleCompletion()
		return
	}
	cs.slots[idx] = slot{}
	onComplete := n.callbacks[ev.ContextID].OnComplete
	n.mu.Unlock()

	n.metrics.ObserveHWLatency(time.Since(s.submitted))

	var err error
	if ev.Error != 0 {
		err = fmt.Errorf("%w: code %d", ErrTaskFailed, ev.Error)
		n.logger.Warn("hw_task_error",
			"context", ev.ContextID,
			"frame_id", ev.FrameID,
			"sequence", s.seq,
			"code", ev.Error,
		)
	}
	if onComplete != nil {
		onComplete(ev.ContextID, s.seq, err)
	}
}

// Start launches the polling goroutine. Calling Start twice is a no-op.
// The loop keeps ctx's values but not its cancellation; only Stop ends it.
func (n *Node) Start(ctx context.Context) {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if n.running {
		return
	}
	ctx, n.cancel = context.WithCancel(context.WithoutCancel(ctx))
	n.running = true
	n.wg.Add(1)
	go n.pollLoop(ctx)
	n.logger.Debug("poll_loop_started", "timeout", n.pollTimeout.String())
}

// Stop signals the polling goroutine and waits for it to exit. After Stop
// returns no callback is running or will run.
func (n *Node) Stop() {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if !n.running {
		return
	}
	n.cancel()
	n.wg.Wait()
	n.running = false
	n.logger.Debug("poll_loop_stopped")
}

// Close stops polling, closes the graph and closes the driver.
func (n *Node) Close() error {
	n.Stop()
	return errors.Join(n.CloseGraph(), n.driver.Close())
}

func (n *Node) pollLoop(ctx context.Context) {
	defer n.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ready, err := n.driver.Poll(n.pollTimeout)
		if err != nil {
			n.logger.Warn("hw_poll_error", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.pollTimeout):
			}
			continue
		}
		if !ready {
			continue
		}

		ev, err := n.driver.DequeueEvent()
		if err != nil {
			n.logger.Warn("hw_dequeue_failed", "error", err)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		n.handleEvent(ev)
	}
}
