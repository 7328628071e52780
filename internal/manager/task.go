package manager

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/randomizedcoder/go-camera-pipe/internal/aiq"
	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/pipeline"
	"github.com/randomizedcoder/go-camera-pipe/internal/stage"
)

// TaskData is one request from the scheduling collaborator.
type TaskData struct {
	// Inputs are filled buffers by application input port.
	Inputs map[buffer.Port]*buffer.Frame

	// Outputs are empty buffers by application output port. A nil entry
	// or a missing port means the output is not requested.
	Outputs map[buffer.Port]*buffer.Frame

	Settings *aiq.Settings

	// Reprocess routes the task through the reprocessing pipeline.
	Reprocess bool
}

// Sequence returns the sequence of the primary input: the buffer on the
// lowest-numbered input port.
func (t TaskData) Sequence() (int64, bool) {
	for _, port := range slices.Sorted(maps.Keys(t.Inputs)) {
		if f := t.Inputs[port]; f != nil {
			return f.Sequence(), true
		}
	}
	return buffer.NoSequence, false
}

// TaskState is a snapshot of one task table entry.
type TaskState struct {
	Sequence int64
	Valid    int
	Returned int
	Dropped  bool
	Age      time.Duration
}

type taskInfo struct {
	data     TaskData
	seq      int64
	valid    int
	returned int
	queued   time.Time
	dropped  bool
	metadata bool

	// pending maps each outstanding output buffer to its application port.
	pending map[*buffer.Frame]buffer.Port
}

// AddTask records the task keyed by its primary input sequence, prepares
// hardware parameters for every stream with a requested output and queues
// the buffers. The caller keeps its references to every buffer.
func (m *Manager) AddTask(ctx context.Context, data TaskData) error {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	if !m.configured {
		return ErrNotConfigured
	}

	seq, ok := data.Sequence()
	if !ok {
		return ErrNoInput
	}

	// Requested outputs and the pipelines that serve them.
	pending := make(map[*buffer.Frame]buffer.Port)
	requested := make(map[*pipeline.Pipeline]map[buffer.Port]*buffer.Frame)
	for _, port := range slices.Sorted(maps.Keys(data.Outputs)) {
		f := data.Outputs[port]
		if f == nil {
			continue
		}
		b, ok := m.outBind[port]
		if !ok {
			return fmt.Errorf("output port %d: %w", port, ErrUnknownPort)
		}
		if b.pipe.Reprocess() != data.Reprocess {
			return fmt.Errorf("output port %d is served by stream %d (reprocess=%v): %w",
				port, b.pipe.StreamID(), b.pipe.Reprocess(), ErrUnknownPort)
		}
		if requested[b.pipe] == nil {
			requested[b.pipe] = make(map[buffer.Port]*buffer.Frame)
		}
		requested[b.pipe][b.port] = f
		pending[f] = port
	}
	if len(pending) == 0 {
		return fmt.Errorf("sequence %d: %w", seq, ErrNoOutputs)
	}

	// Active streams in graph order.
	var active []*pipeline.Pipeline
	for _, p := range m.pipes {
		if _, ok := requested[p]; ok {
			active = append(active, p)
		}
	}
	for _, p := range active {
		if data.Inputs[m.pipeInput[p]] == nil {
			return fmt.Errorf("stream %d needs input port %d: %w", p.StreamID(), m.pipeInput[p], ErrNoInput)
		}
	}

	// pending belongs to the task table once inserted.
	outputs := len(pending)

	m.mu.Lock()
	if _, dup := m.tasks[seq]; dup {
		m.mu.Unlock()
		return fmt.Errorf("sequence %d: %w", seq, ErrTaskExists)
	}
	m.tasks[seq] = &taskInfo{
		data:    data,
		seq:     seq,
		valid:   outputs,
		queued:  time.Now(),
		pending: pending,
	}
	m.mu.Unlock()
	m.metrics.TaskQueued()

	for _, p := range active {
		if err := m.queueTask(ctx, p, seq, data, requested[p]); err != nil {
			m.removeTask(seq)
			return err
		}
	}

	m.logger.Debug("task_added",
		"sequence", seq,
		"outputs", outputs,
		"streams", len(active),
		"reprocess", data.Reprocess,
	)
	return nil
}

// queueTask prepares parameters for one stream and pushes its buffers:
// requested outputs, scratch buffers for the other edges, then the input.
// On failure the outputs it already queued are taken back, so they cannot
// pair with the next frame's input.
func (m *Manager) queueTask(ctx context.Context, p *pipeline.Pipeline, seq int64, data TaskData, outputs map[buffer.Port]*buffer.Frame) error {
	if err := p.PrepareParams(ctx, data.Settings, seq); err != nil {
		return err
	}
	return queueFrame(p, data.Inputs[m.pipeInput[p]], outputs)
}

type queuedOutput struct {
	port buffer.Port
	f    *buffer.Frame
}

// queueFrame queues one output per edge (the requested frame or a scratch
// frame) and then the input. Nothing stays queued when it fails.
func queueFrame(p *pipeline.Pipeline, in *buffer.Frame, outputs map[buffer.Port]*buffer.Frame) error {
	var queued []queuedOutput
	undo := func() {
		for _, q := range queued {
			if p.UnqueueOutput(q.port, q.f) {
				q.f.Unref()
			}
		}
	}
	for _, e := range p.OutputEdges() {
		if f, ok := outputs[e.Port]; ok {
			f.Ref()
			if err := p.QueueOutput(e.Port, f); err != nil {
				f.Unref()
				undo()
				return err
			}
			queued = append(queued, queuedOutput{e.Port, f})
			continue
		}
		f, err := p.QueueScratch(e.Port)
		if err != nil {
			undo()
			return err
		}
		queued = append(queued, queuedOutput{e.Port, f})
	}
	if err := p.QueueInput(in); err != nil {
		undo()
		return err
	}
	return nil
}

func (m *Manager) removeTask(seq int64) {
	m.mu.Lock()
	_, ok := m.tasks[seq]
	delete(m.tasks, seq)
	m.mu.Unlock()
	if ok {
		m.metrics.TasksCleared(1)
	}
}

// PrimeReference runs one frame through every sensor pipeline fed from
// port without forwarding any output, to warm up reference state. No task
// is recorded.
func (m *Manager) PrimeReference(ctx context.Context, port buffer.Port, f *buffer.Frame, settings *aiq.Settings) error {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	if !m.configured {
		return ErrNotConfigured
	}
	pipes, ok := m.inBind[port]
	if !ok {
		return fmt.Errorf("input port %d: %w", port, ErrUnknownPort)
	}
	seq := f.Sequence()
	for _, p := range pipes {
		if p.Reprocess() {
			continue
		}
		p.SetControl(seq, stage.Control{SkipOutput: true})
		if err := p.PrepareParams(ctx, settings, seq); err != nil {
			return err
		}
		if err := queueFrame(p, f, nil); err != nil {
			return err
		}
	}
	m.logger.Debug("reference_primed", "sequence", seq, "port", port)
	return nil
}

// outputListener receives output-edge completions of one pipeline.
type outputListener struct {
	m        *Manager
	streamID int32
}

func (l *outputListener) OnFrameAvailable(_ buffer.Port, f *buffer.Frame) error {
	l.m.onBufferDone(l.streamID, f)
	return nil
}

// onBufferDone resolves a completed output buffer to its task by identity.
// Buffers that belong to no task (scratch buffers, cleared tasks) are
// ignored.
func (m *Manager) onBufferDone(streamID int32, f *buffer.Frame) {
	m.mu.Lock()
	var (
		task *taskInfo
		port buffer.Port
	)
	for _, t := range m.tasks {
		if p, ok := t.pending[f]; ok {
			task, port = t, p
			break
		}
	}
	if task == nil {
		m.mu.Unlock()
		return
	}
	delete(task.pending, f)
	task.returned++
	done := task.returned == task.valid
	if done {
		delete(m.tasks, task.seq)
	}
	m.mu.Unlock()

	m.metrics.BufferDone(streamLabel(streamID))
	if fn := m.cfg.Callbacks.OnBufferDone; fn != nil {
		fn(task.seq, port, f)
	}
	if !done {
		return
	}
	latency := time.Since(task.queued)
	m.metrics.TaskCompleted(latency)
	m.logger.Debug("task_done",
		"sequence", task.seq,
		"outputs", task.valid,
		"latency", latency.String(),
		"dropped", task.dropped,
	)
	if fn := m.cfg.Callbacks.OnTaskDone; fn != nil {
		fn(task.data)
	}
}

// statsConsumer is implemented by algorithm handles that consume
// statistics directly.
type statsConsumer interface {
	StatsReady(seq int64, f *buffer.Frame)
}

// statsHandler returns the statistics callback for pipelines sharing aic.
func (m *Manager) statsHandler(aic aiq.AIC) func(streamID int32, seq int64, f *buffer.Frame) {
	sc, _ := aic.(statsConsumer)
	return func(streamID int32, seq int64, f *buffer.Frame) {
		if sc != nil {
			sc.StatsReady(seq, f)
		}
		if fn := m.cfg.Callbacks.OnStatsReady; fn != nil {
			fn(StatsEvent{StreamID: streamID, Sequence: seq, Size: f.Info().Size})
		}
	}
}

func (m *Manager) stageEvents(streamID int32) stage.Events {
	return stage.Events{
		OnHWDone: func(_ string, seq int64) {
			m.onHWDone(seq)
		},
		OnDropped: func(stageName string, seq int64) {
			m.onDropped(streamID, stageName, seq)
		},
		OnError: func(stageName string, seq int64, err error) {
			m.logger.Warn("stage_error",
				"stream_id", streamID,
				"stage", stageName,
				"sequence", seq,
				"error", err,
			)
			if fn := m.cfg.Callbacks.OnError; fn != nil {
				fn(seq, err)
			}
		},
	}
}

// onHWDone reports metadata once per task, on the first hardware
// completion for its sequence.
func (m *Manager) onHWDone(seq int64) {
	m.mu.Lock()
	t, ok := m.tasks[seq]
	if !ok || t.metadata {
		m.mu.Unlock()
		return
	}
	t.metadata = true
	outputs := maps.Clone(t.data.Outputs)
	m.mu.Unlock()

	if fn := m.cfg.Callbacks.OnMetadataReady; fn != nil {
		fn(seq, outputs)
	}
}

// onDropped marks the task for seq dropped. It stays in the table so a
// stuck task remains visible until teardown.
func (m *Manager) onDropped(streamID int32, stageName string, seq int64) {
	m.mu.Lock()
	t, ok := m.tasks[seq]
	first := ok && !t.dropped
	if first {
		t.dropped = true
	}
	m.mu.Unlock()

	m.logger.Warn("frame_dropped",
		"stream_id", streamID,
		"stage", stageName,
		"sequence", seq,
		"task", ok,
	)
	if !first {
		return
	}
	m.metrics.TaskDropped()
	if fn := m.cfg.Callbacks.OnFrameDropped; fn != nil {
		fn(seq)
	}
}

// PendingTasks returns the number of tasks in the table.
func (m *Manager) PendingTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// TaskSequences returns the sequences in the table, ascending.
func (m *Manager) TaskSequences() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.tasks))
}

// Tasks returns a snapshot of every task, ordered by sequence.
func (m *Manager) Tasks() []TaskState {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskState, 0, len(m.tasks))
	for _, seq := range slices.Sorted(maps.Keys(m.tasks)) {
		t := m.tasks[seq]
		out = append(out, TaskState{
			Sequence: seq,
			Valid:    t.valid,
			Returned: t.returned,
			Dropped:  t.dropped,
			Age:      now.Sub(t.queued),
		})
	}
	return out
}

// ClearTasks empties the task table without completing anything and
// returns how many tasks were removed.
func (m *Manager) ClearTasks() int {
	m.mu.Lock()
	n := len(m.tasks)
	clear(m.tasks)
	m.mu.Unlock()
	m.metrics.TasksCleared(n)
	return n
}
