// Package scheduler runs stage Process calls on a pool of worker
// goroutines. Buffer arrivals trigger a stage; a stage is never processed
// by two workers at once, and a trigger that lands while it runs queues it
// exactly once more.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randomizedcoder/go-camera-pipe/internal/device"
	"github.com/randomizedcoder/go-camera-pipe/internal/queue"
)

// Processor is anything the scheduler can drive.
type Processor interface {
	Name() string
	Process(triggerID int64) error
}

// Callbacks contains optional functions invoked on scheduler events.
type Callbacks struct {
	// OnRetry is called when a recoverable error schedules a retry.
	OnRetry func(name string, attempt int, delay time.Duration, err error)

	// OnError is called for a non-recoverable Process error.
	OnError func(name string, err error)
}

// Config holds configuration for a Scheduler.
type Config struct {
	Workers   int
	Backoff   BackoffConfig
	Seed      int64
	Logger    *slog.Logger
	Callbacks Callbacks
}

type entryState int

const (
	entryIdle entryState = iota
	entryQueued
	entryRunning
)

type entry struct {
	id   int
	proc Processor

	// guarded by Scheduler.mu
	state   entryState
	again   bool
	backoff *Backoff
	retry   *time.Timer
	removed bool
}

// Scheduler dispatches triggered processors to workers.
//
// Thread-safe. Run-queue and entry states are guarded by mu; Process runs
// without any scheduler lock held.
type Scheduler struct {
	workers   int
	backoff   BackoffConfig
	seed      int64
	logger    *slog.Logger
	callbacks Callbacks

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[Processor]*entry
	runq    []*entry
	nextID  int
	running bool
	closing bool

	triggers atomic.Int64
	runs     atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Workers defaults to 2.
func New(cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = DefaultBackoffConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Scheduler{
		workers:   cfg.Workers,
		backoff:   cfg.Backoff,
		seed:      cfg.Seed,
		logger:    cfg.Logger,
		callbacks: cfg.Callbacks,
		entries:   make(map[Processor]*entry),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Register adds p and returns the function that triggers it. Registering
// the same processor twice returns the existing trigger.
func (s *Scheduler) Register(p Processor) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[p]
	if !ok {
		e = &entry{
			id:      s.nextID,
			proc:    p,
			backoff: NewBackoff(s.nextID, s.seed, s.backoff),
		}
		s.nextID++
		s.entries[p] = e
	}
	return func() { s.trigger(e) }
}

// Unregister removes p. A pending retry is cancelled; a run in progress
// completes.
func (s *Scheduler) Unregister(p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[p]
	if !ok {
		return
	}
	e.removed = true
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	delete(s.entries, p)
}

// Trigger schedules p if it is registered.
func (s *Scheduler) Trigger(p Processor) {
	s.mu.Lock()
	e := s.entries[p]
	s.mu.Unlock()
	if e != nil {
		s.trigger(e)
	}
}

// TriggerAll schedules every registered processor.
func (s *Scheduler) TriggerAll() {
	s.mu.Lock()
	all := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	s.mu.Unlock()
	for _, e := range all {
		s.trigger(e)
	}
}

func (s *Scheduler) trigger(e *entry) {
	s.triggers.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(e)
}

func (s *Scheduler) enqueueLocked(e *entry) {
	if e.removed || s.closing {
		return
	}
	switch e.state {
	case entryIdle:
		e.state = entryQueued
		s.runq = append(s.runq, e)
		s.cond.Signal()
	case entryRunning:
		e.again = true
	}
}

// Start launches the workers. Triggers issued before Start are kept and
// run once the workers are up.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.closing = false
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		s.mu.Lock()
		s.closing = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
	s.logger.Debug("scheduler_started", "workers", s.workers)
}

// Stop stops the workers and waits for in-flight Process calls to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.closing = true
	cancel := s.cancel
	for _, e := range s.entries {
		if e.retry != nil {
			e.retry.Stop()
			e.retry = nil
		}
		e.state = entryIdle
		e.again = false
	}
	s.runq = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Debug("scheduler_stopped",
		"triggers", s.triggers.Load(),
		"runs", s.runs.Load(),
	)
}

// Runs returns the number of Process calls made.
func (s *Scheduler) Runs() int64 { return s.runs.Load() }

func (s *Scheduler) next() *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.runq) == 0 && !s.closing {
		s.cond.Wait()
	}
	if s.closing {
		return nil
	}
	e := s.runq[0]
	s.runq = s.runq[1:]
	e.state = entryRunning
	return e
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		e := s.next()
		if e == nil {
			return
		}
		triggerID := s.runs.Add(1)
		err := e.proc.Process(triggerID)
		s.finish(ctx, e, err)
	}
}

// finish decides what happens to e after one Process call.
func (s *Scheduler) finish(ctx context.Context, e *entry, err error) {
	s.mu.Lock()
	again := e.again
	e.again = false
	e.state = entryIdle

	var (
		retried bool
		attempt int
		delay   time.Duration
	)
	switch {
	case err == nil:
		// More buffer sets may be queued.
		e.backoff.Reset()
		again = true
	case errors.Is(err, queue.ErrNotEnoughData), errors.Is(err, queue.ErrStopped):
	case Recoverable(err):
		if again || ctx.Err() != nil || e.removed || e.retry != nil {
			break
		}
		retried = true
		attempt = e.backoff.Attempts() + 1
		delay = e.backoff.Next()
		e.retry = time.AfterFunc(delay, func() {
			s.mu.Lock()
			e.retry = nil
			s.mu.Unlock()
			s.trigger(e)
		})
	}
	if again {
		s.enqueueLocked(e)
	}
	s.mu.Unlock()

	switch {
	case retried:
		s.logger.Debug("stage_retry_scheduled",
			"stage", e.proc.Name(),
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		if fn := s.callbacks.OnRetry; fn != nil {
			fn(e.proc.Name(), attempt, delay, err)
		}
	case err != nil && !Recoverable(err) &&
		!errors.Is(err, queue.ErrNotEnoughData) && !errors.Is(err, queue.ErrStopped):
		s.logger.Warn("stage_process_failed",
			"stage", e.proc.Name(),
			"error", err,
		)
		if fn := s.callbacks.OnError; fn != nil {
			fn(e.proc.Name(), err)
		}
	}
}

// Recoverable reports whether a Process error should be retried after a
// backoff: queue wait timeouts and a busy device.
func Recoverable(err error) bool {
	return errors.Is(err, queue.ErrTimedOut) || errors.Is(err, device.ErrBusy)
}
