package device

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// SimConfig controls the in-process accelerator model.
type SimConfig struct {
	Model   string
	Latency time.Duration // per-task processing time

	// Hold keeps completions pending until Release is called.
	Hold bool

	// DropEvery silently loses every Nth completion (0 = never).
	DropEvery int

	// FailTask, when set, is consulted on every submission; a non-nil
	// error rejects the task.
	FailTask func(TaskDesc) error

	// ErrorCode, when set, returns the completion error code for a task.
	ErrorCode func(TaskDesc) int32
}

type simEvent struct {
	ev      Event
	readyAt time.Time
	held    bool
}

// SimDriver models the accelerator without hardware. Completions become
// ready after the configured latency and are delivered through Poll and
// DequeueEvent just like kernel events.
//
// Thread-safe.
type SimDriver struct {
	cfg SimConfig

	mu         sync.Mutex
	closed     bool
	graphs     map[uint32]GraphDesc
	nextGraph  uint32
	fds        map[int]int // fd -> size
	nextFD     int
	handles    map[Handle]int
	nextHandle Handle
	events     []simEvent
	submitted  int
	tasks      []TaskDesc

	wake chan struct{}
	done chan struct{}
}

// NewSimDriver creates a simulated device.
func NewSimDriver(cfg SimConfig) *SimDriver {
	if cfg.Model == "" {
		cfg.Model = "sim-psys"
	}
	return &SimDriver{
		cfg:        cfg,
		graphs:     make(map[uint32]GraphDesc),
		nextGraph:  1,
		fds:        make(map[int]int),
		nextFD:     100,
		handles:    make(map[Handle]int),
		nextHandle: 1,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// QueryCapability implements Driver.
func (s *SimDriver) QueryCapability() (Capability, error) {
	return Capability{Model: s.cfg.Model, DriverVersion: 1, ProgramGroups: 8}, nil
}

// GraphOpen implements Driver.
func (s *SimDriver) GraphOpen(desc GraphDesc) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if err := desc.Validate(); err != nil {
		return 0, err
	}
	id := s.nextGraph
	s.nextGraph++
	s.graphs[id] = desc
	return id, nil
}

// GraphClose implements Driver.
func (s *SimDriver) GraphClose(graphID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[graphID]; !ok {
		return fmt.Errorf("graph %d: %w", graphID, ErrNoGraph)
	}
	delete(s.graphs, graphID)
	s.events = slices.DeleteFunc(s.events, func(e simEvent) bool { return e.ev.GraphID == graphID })
	return nil
}

// GetBuffer implements Driver.
func (s *SimDriver) GetBuffer(data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1, ErrClosed
	}
	fd := s.nextFD
	s.nextFD++
	s.fds[fd] = len(data)
	return fd, nil
}

// PutBuffer implements Driver.
func (s *SimDriver) PutBuffer(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fds[fd]; !ok {
		return fmt.Errorf("put unknown fd %d", fd)
	}
	delete(s.fds, fd)
	return nil
}

// MapBuffer implements Driver.
func (s *SimDriver) MapBuffer(fd int) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if fd < 0 {
		return 0, fmt.Errorf("map invalid fd %d", fd)
	}
	h := s.nextHandle
	s.nextHandle++
	s.handles[h] = fd
	return h, nil
}

// UnmapBuffer implements Driver.
func (s *SimDriver) UnmapBuffer(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[h]; !ok {
		return fmt.Errorf("unmap unknown handle %d", h)
	}
	delete(s.handles, h)
	return nil
}

// TaskRequest implements Driver.
func (s *SimDriver) TaskRequest(task TaskDesc) error {
	if s.cfg.FailTask != nil {
		if err := s.cfg.FailTask(task); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.graphs[task.GraphID]; !ok {
		return fmt.Errorf("task on graph %d: %w", task.GraphID, ErrNoGraph)
	}
	for _, tb := range task.Terminals {
		if _, ok := s.handles[tb.Handle]; !ok {
			return fmt.Errorf("terminal %d: unmapped handle %d", tb.Terminal, tb.Handle)
		}
	}

	s.submitted++
	s.tasks = append(s.tasks, task)
	if s.cfg.DropEvery > 0 && s.submitted%s.cfg.DropEvery == 0 {
		return nil
	}

	var code int32
	if s.cfg.ErrorCode != nil {
		code = s.cfg.ErrorCode(task)
	}
	s.events = append(s.events, simEvent{
		ev: Event{
			GraphID:   task.GraphID,
			ContextID: task.ContextID,
			FrameID:   task.FrameID,
			Error:     code,
		},
		readyAt: time.Now().Add(s.cfg.Latency),
		held:    s.cfg.Hold,
	})
	s.signal()
	return nil
}

// Release makes every held completion ready.
func (s *SimDriver) Release() {
	s.mu.Lock()
	for i := range s.events {
		s.events[i].held = false
	}
	s.signal()
	s.mu.Unlock()
}

// Inject queues an arbitrary completion event, ready immediately.
func (s *SimDriver) Inject(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, simEvent{ev: ev, readyAt: time.Now()})
	s.signal()
	s.mu.Unlock()
}

// Submitted returns a copy of every accepted task.
func (s *SimDriver) Submitted() []TaskDesc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks)
}

// Graphs returns the open graphs ordered by graph id.
func (s *SimDriver) Graphs() []GraphDesc {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Sorted(maps.Keys(s.graphs))
	out := make([]GraphDesc, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.graphs[id])
	}
	return out
}

// Mapped returns the number of live device handles.
func (s *SimDriver) Mapped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *SimDriver) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// nextReadyLocked returns the index of the first ready event and, when none
// is ready, how long until the earliest unheld one becomes ready.
func (s *SimDriver) nextReadyLocked(now time.Time) (int, time.Duration) {
	wait := time.Duration(-1)
	for i, e := range s.events {
		if e.held {
			continue
		}
		if !e.readyAt.After(now) {
			return i, 0
		}
		if d := e.readyAt.Sub(now); wait < 0 || d < wait {
			wait = d
		}
	}
	return -1, wait
}

// Poll implements Driver.
func (s *SimDriver) Poll(timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return false, ErrClosed
		}
		now := time.Now()
		idx, wait := s.nextReadyLocked(now)
		s.mu.Unlock()

		if idx >= 0 {
			return true, nil
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return false, nil
		}
		if wait < 0 || wait > remaining {
			wait = remaining
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-s.wake:
		case <-s.done:
		}
		t.Stop()
	}
}

// DequeueEvent implements Driver.
func (s *SimDriver) DequeueEvent() (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, ErrClosed
	}
	idx, _ := s.nextReadyLocked(time.Now())
	if idx < 0 {
		return Event{}, fmt.Errorf("dequeue: no event ready")
	}
	ev := s.events[idx].ev
	s.events = slices.Delete(s.events, idx, idx+1)
	return ev, nil
}

// Close implements Driver. It is idempotent.
func (s *SimDriver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}
