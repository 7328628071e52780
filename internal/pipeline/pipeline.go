// Package pipeline turns one stream graph into a wired set of stages: it
// instantiates every stage, links producers to consumers through port
// maps, negotiates frame info and uploads the hardware topology.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-camera-pipe/internal/aiq"
	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/device"
	"github.com/randomizedcoder/go-camera-pipe/internal/graph"
	"github.com/randomizedcoder/go-camera-pipe/internal/metrics"
	"github.com/randomizedcoder/go-camera-pipe/internal/queue"
	"github.com/randomizedcoder/go-camera-pipe/internal/scheduler"
	"github.com/randomizedcoder/go-camera-pipe/internal/stage"
)

var (
	// ErrNoScheduler is returned by New without a scheduler.
	ErrNoScheduler = errors.New("pipeline requires a scheduler")

	// ErrNoDriver is returned when a graph declares hardware stages but no
	// driver factory was supplied.
	ErrNoDriver = errors.New("hardware stages declared without a device driver")

	// ErrMultipleProducers is returned when a stage's inputs come from more
	// than one upstream stage.
	ErrMultipleProducers = errors.New("stage inputs fed by more than one producer")

	// ErrUnknownPort is returned for a port that is not a pipeline edge.
	ErrUnknownPort = errors.New("port is not a pipeline edge")

	// ErrPoolExhausted is returned when no scratch buffer is available.
	ErrPoolExhausted = errors.New("buffer pool exhausted")
)

// Scheduler is the part of the worker pool a pipeline needs.
type Scheduler interface {
	Register(p scheduler.Processor) func()
	Unregister(p scheduler.Processor)
}

// DriverFunc opens the device driver for one stream.
type DriverFunc func(streamID int32) (device.Driver, error)

// Options configure a Pipeline.
type Options struct {
	Graph     *graph.StreamGraph
	Scheduler Scheduler
	Driver    DriverFunc
	AIC       aiq.AIC
	GPU       *stage.GPUProcessor
	Logger    *slog.Logger
	Metrics   *metrics.Collector

	// WaitTimeout is passed to every stage (0 = non-blocking waits).
	WaitTimeout time.Duration

	// Device node tuning; zero values take the node defaults.
	PollTimeout    time.Duration
	FrameTableSize int
	MaxFrameID     uint32

	// BufferCount is the number of internal buffers seeded per internal
	// port and per statistics terminal. Defaults to 4.
	BufferCount int

	// OnStats is called when a statistics terminal produced a buffer. The
	// frame is only valid during the call.
	OnStats func(streamID int32, seq int64, f *buffer.Frame)
}

// Unit is one stage of the arena together with its graph declaration.
// Units refer to each other by index only.
type Unit struct {
	Index int
	Desc  graph.StageDesc
	Stage stage.Stage

	// Enabled terminals, sorted.
	Inputs  []buffer.Port
	Outputs []buffer.Port

	IsInputEdge  bool
	IsOutputEdge bool

	// Producer is the arena index of the upstream stage, or -1.
	Producer int
}

// Edge is a pipeline terminal with no internal peer.
type Edge struct {
	Unit int
	Port buffer.Port
	Info buffer.Info

	// AppStream is the application stream of an output edge, or
	// graph.NoStream.
	AppStream int32
}

// Pipeline owns the stages of one stream.
//
// Thread-safe. Construction happens once in New; afterwards the wiring is
// immutable and only the lifecycle fields are guarded by mu.
type Pipeline struct {
	streamID  int32
	reprocess bool
	graph     *graph.StreamGraph
	sched     Scheduler
	aic       aiq.AIC
	gpu       *stage.GPUProcessor
	logger    *slog.Logger
	metrics   *metrics.Collector
	opts      Options

	units  []*Unit
	byName map[string]int
	node   *device.Node

	// Terminal bookkeeping built by analyzeConnections.
	termConn     map[buffer.Port]graph.Connection
	owner        map[buffer.Port]int
	sourceToSink map[buffer.Port]buffer.Port
	sinkToSource map[buffer.Port]buffer.Port

	input   Edge
	outputs []Edge
	stats   []Edge

	scratch   map[buffer.Port]*buffer.Pool
	statPools map[buffer.Port]*buffer.Pool
	recyclers []*statsRecycler

	mu          sync.Mutex
	started     bool
	closed      bool
	ptz         aiq.PTZ
	outListener map[queue.Listener][]*queue.MapListener
}

// New builds and wires the pipeline for opts.Graph. The device graph is
// uploaded before New returns; nothing runs until Start.
func New(opts Options) (*Pipeline, error) {
	if opts.Graph == nil {
		return nil, errors.New("pipeline: nil graph")
	}
	if opts.Scheduler == nil {
		return nil, ErrNoScheduler
	}
	if opts.BufferCount <= 0 {
		opts.BufferCount = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := opts.Graph
	p := &Pipeline{
		streamID:     g.StreamID,
		reprocess:    g.Reprocess,
		graph:        g,
		sched:        opts.Scheduler,
		aic:          opts.AIC,
		gpu:          opts.GPU,
		logger:       logger.With("stream_id", g.StreamID),
		metrics:      opts.Metrics,
		opts:         opts,
		byName:       make(map[string]int),
		termConn:     make(map[buffer.Port]graph.Connection),
		owner:        make(map[buffer.Port]int),
		sourceToSink: make(map[buffer.Port]buffer.Port),
		sinkToSource: make(map[buffer.Port]buffer.Port),
		scratch:      make(map[buffer.Port]*buffer.Pool),
		statPools:    make(map[buffer.Port]*buffer.Pool),
		ptz:          aiq.DefaultPTZ,
		outListener:  make(map[queue.Listener][]*queue.MapListener),
		input:        Edge{Unit: -1},
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("stream %d: %w", g.StreamID, err)
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"create_stages", p.createPipeStages},
		{"analyze_connections", p.analyzeConnections},
		{"link_stages", p.linkPipeStages},
		{"set_frame_info", p.setFrameInfoForPipeStage},
		{"configure_stages", p.configurePipeStages},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			p.release()
			return nil, fmt.Errorf("stream %d: %s: %w", g.StreamID, step.name, err)
		}
	}

	p.logger.Info("pipeline_configured",
		"stages", len(p.units),
		"outputs", len(p.outputs),
		"stats", len(p.stats),
		"reprocess", p.reprocess,
		"hardware", p.node != nil,
	)
	return p, nil
}

// createPipeStages instantiates every stage, opens the device node when
// the graph has hardware stages and registers each stage with the
// scheduler.
func (p *Pipeline) createPipeStages() error {
	hasHW := slices.ContainsFunc(p.graph.Stages, func(d graph.StageDesc) bool {
		return d.Type == stage.TypeHardware
	})
	if hasHW {
		if p.opts.Driver == nil {
			return ErrNoDriver
		}
		drv, err := p.opts.Driver(p.streamID)
		if err != nil {
			return fmt.Errorf("open driver: %w", err)
		}
		node, err := device.NewNode(device.Config{
			Name:           fmt.Sprintf("stream%d", p.streamID),
			Driver:         drv,
			Logger:         p.logger,
			Metrics:        p.metrics,
			PollTimeout:    p.opts.PollTimeout,
			FrameTableSize: p.opts.FrameTableSize,
			MaxFrameID:     p.opts.MaxFrameID,
		})
		if err != nil {
			drv.Close()
			return err
		}
		p.node = node
	}

	for i, d := range p.graph.Stages {
		s, err := stage.New(stage.Spec{
			Options: stage.Options{
				ID:          i,
				Name:        fmt.Sprintf("%s/%d", d.Name, p.streamID),
				Logger:      p.logger,
				Metrics:     p.metrics,
				WaitTimeout: p.opts.WaitTimeout,
			},
			Type:      d.Type,
			ContextID: d.ContextID,
			GPU:       p.gpu,
		}, p.node)
		if err != nil {
			return err
		}
		u := &Unit{Index: i, Desc: d, Stage: s, Producer: -1}
		p.units = append(p.units, u)
		p.byName[d.Name] = i
		s.SetNotify(p.sched.Register(s))
	}
	return nil
}

// analyzeConnections records terminal ownership and the source/sink port
// maps, and marks edge stages. Disabled connections only contribute
// terminal descriptors.
func (p *Pipeline) analyzeConnections() error {
	for _, c := range p.graph.Connections {
		if c.SinkStage != "" {
			p.termConn[c.SinkTerminal] = c
			p.owner[c.SinkTerminal] = p.byName[c.SinkStage]
		}
		if c.SourceStage != "" {
			p.termConn[c.SourceTerminal] = c
			p.owner[c.SourceTerminal] = p.byName[c.SourceStage]
		}
		if !c.Enabled() {
			continue
		}

		info, err := c.Info()
		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
		switch {
		case c.IsInputEdge():
			u := p.units[p.byName[c.SinkStage]]
			u.IsInputEdge = true
			u.Inputs = append(u.Inputs, c.SinkTerminal)
			p.input = Edge{Unit: u.Index, Port: c.SinkTerminal, Info: info, AppStream: graph.NoStream}
		case c.IsOutputEdge():
			u := p.units[p.byName[c.SourceStage]]
			u.Outputs = append(u.Outputs, c.SourceTerminal)
			e := Edge{Unit: u.Index, Port: c.SourceTerminal, Info: info, AppStream: c.AppStream()}
			if c.IsStats() {
				p.stats = append(p.stats, e)
				continue
			}
			u.IsOutputEdge = true
			p.outputs = append(p.outputs, e)
		default:
			p.sourceToSink[c.SourceTerminal] = c.SinkTerminal
			p.sinkToSource[c.SinkTerminal] = c.SourceTerminal
			src := p.units[p.byName[c.SourceStage]]
			src.Outputs = append(src.Outputs, c.SourceTerminal)
			sink := p.units[p.byName[c.SinkStage]]
			sink.Inputs = append(sink.Inputs, c.SinkTerminal)
		}
	}
	if p.input.Unit < 0 {
		return errors.New("no input edge")
	}
	for _, u := range p.units {
		slices.Sort(u.Inputs)
		slices.Sort(u.Outputs)
	}
	return nil
}

// linkPipeStages gives every internally fed stage its unique producer and
// registers it as a listener on that producer with a port translation map.
func (p *Pipeline) linkPipeStages() error {
	for _, u := range p.units {
		if u.IsInputEdge {
			if len(u.Inputs) > 1 {
				return fmt.Errorf("%s: input edge stage has internal inputs: %w", u.Desc.Name, ErrMultipleProducers)
			}
			continue
		}

		first, ok := p.sinkToSource[u.Inputs[0]]
		if !ok {
			return fmt.Errorf("%s: input %d has no source", u.Desc.Name, u.Inputs[0])
		}
		prod := p.owner[first]
		ports := make(map[buffer.Port]buffer.Port, len(u.Inputs)) // consumer -> producer
		for _, in := range u.Inputs {
			src := p.sinkToSource[in]
			if p.owner[src] != prod {
				return fmt.Errorf("%s: inputs from %s and %s: %w",
					u.Desc.Name, p.units[prod].Desc.Name, p.units[p.owner[src]].Desc.Name, ErrMultipleProducers)
			}
			ports[in] = src
		}

		u.Producer = prod
		producer := p.units[prod].Stage
		u.Stage.SetBufferProducer(&queue.MapProducer{Target: producer, Ports: ports})
		producer.AddFrameAvailableListener(&queue.MapListener{Target: u.Stage, Ports: queue.Invert(ports)})
		p.logger.Debug("stages_linked",
			"producer", p.units[prod].Desc.Name,
			"consumer", u.Desc.Name,
			"ports", len(ports),
		)
	}
	return nil
}

// setFrameInfoForPipeStage declares each stage's ports from the terminal
// descriptors.
func (p *Pipeline) setFrameInfoForPipeStage() error {
	for _, u := range p.units {
		in := make(map[buffer.Port]stage.StreamInfo, len(u.Inputs))
		for _, port := range u.Inputs {
			si, err := p.streamInfo(port)
			if err != nil {
				return err
			}
			in[port] = si
		}
		out := make(map[buffer.Port]stage.StreamInfo, len(u.Outputs))
		for _, port := range u.Outputs {
			si, err := p.streamInfo(port)
			if err != nil {
				return err
			}
			out[port] = si
		}
		if err := u.Stage.SetFrameInfo(in, out); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) streamInfo(port buffer.Port) (stage.StreamInfo, error) {
	c := p.termConn[port]
	info, err := c.Info()
	if err != nil {
		return stage.StreamInfo{}, fmt.Errorf("%s: %w", c, err)
	}
	si := stage.StreamInfo{Info: info, StreamID: p.streamID}
	switch {
	case c.IsInputEdge():
		si.External = true
	case c.IsOutputEdge():
		si.External = true
		if id := c.AppStream(); id != graph.NoStream {
			si.StreamID = id
		}
	}
	return si, nil
}

// configurePipeStages prepares the per-edge pools and uploads the device
// graph.
func (p *Pipeline) configurePipeStages() error {
	for _, e := range p.outputs {
		p.scratch[e.Port] = buffer.NewPool(e.Info, 0)
	}
	for _, e := range p.stats {
		p.statPools[e.Port] = buffer.NewPool(e.Info, p.opts.BufferCount)
	}
	p.installRecyclers()
	return p.createPSysGraph()
}

// createPSysGraph translates the hardware part of the connection list into
// device node and link descriptors and opens the device graph.
func (p *Pipeline) createPSysGraph() error {
	if p.node == nil {
		return nil
	}
	desc := device.GraphDesc{StreamID: p.streamID}
	for _, u := range p.units {
		if u.Desc.Type != stage.TypeHardware {
			continue
		}
		nd := device.NodeDesc{ContextID: u.Desc.ContextID, Name: u.Desc.Name, Kernels: u.Desc.Kernels}
		for _, c := range p.graph.Connections {
			if c.SinkStage == u.Desc.Name {
				nd.Terminals = append(nd.Terminals, device.TerminalDesc{Terminal: c.SinkTerminal, PayloadSize: payload(c)})
			}
			if c.SourceStage == u.Desc.Name {
				nd.Terminals = append(nd.Terminals, device.TerminalDesc{Terminal: c.SourceTerminal, PayloadSize: payload(c), Output: true})
			}
		}
		desc.Nodes = append(desc.Nodes, nd)
	}
	for _, c := range p.graph.Connections {
		if !c.Enabled() || c.IsInputEdge() || c.IsOutputEdge() {
			continue
		}
		src, _ := p.graph.Stage(c.SourceStage)
		dst, _ := p.graph.Stage(c.SinkStage)
		if src.Type != stage.TypeHardware || dst.Type != stage.TypeHardware {
			continue
		}
		desc.Links = append(desc.Links, device.LinkDesc{
			SrcContext:    src.ContextID,
			SrcTerminal:   c.SourceTerminal,
			DstContext:    dst.ContextID,
			DstTerminal:   c.SinkTerminal,
			StreamingMode: c.StreamingMode,
			FrameDelay:    c.FrameDelay,
		})
	}
	return p.node.AddGraph(desc)
}

func payload(c graph.Connection) uint32 {
	if c.PayloadSize > 0 {
		return c.PayloadSize
	}
	info, err := c.Info()
	if err != nil {
		return 0
	}
	return uint32(info.Size)
}

// Start starts the device polling goroutine and every stage, then seeds
// the internal and statistics buffers.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("stream %d: pipeline closed", p.streamID)
	}
	if p.started {
		return nil
	}

	if p.node != nil {
		p.node.Start(ctx)
	}
	var g errgroup.Group
	for _, u := range p.units {
		g.Go(u.Stage.Start)
	}
	if err := g.Wait(); err != nil {
		p.stopLocked()
		return fmt.Errorf("stream %d: start stages: %w", p.streamID, err)
	}

	for _, u := range p.units {
		if u.Producer < 0 {
			continue
		}
		infos := make(map[buffer.Port]buffer.Info, len(u.Inputs))
		for _, port := range u.Inputs {
			info, err := p.termConn[port].Info()
			if err != nil {
				p.stopLocked()
				return err
			}
			infos[port] = info
		}
		if err := u.Stage.AllocProducerBuffers(infos, p.opts.BufferCount); err != nil {
			p.stopLocked()
			return fmt.Errorf("stream %d: %w", p.streamID, err)
		}
	}
	if err := p.seedStats(); err != nil {
		p.stopLocked()
		return err
	}

	p.started = true
	p.logger.Info("pipeline_started")
	return nil
}

// Stop stops every stage in parallel and then the device polling
// goroutine. After Stop returns no stage callback runs.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.stopLocked()
	p.logger.Info("pipeline_stopped")
}

func (p *Pipeline) stopLocked() {
	var g errgroup.Group
	for _, u := range p.units {
		g.Go(func() error {
			u.Stage.Stop()
			return nil
		})
	}
	_ = g.Wait()
	if p.node != nil {
		p.node.Stop()
	}
	p.started = false
}

// Close stops the pipeline, unregisters its stages and closes the device
// node together with its driver.
func (p *Pipeline) Close() error {
	p.Stop()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.release()
}

func (p *Pipeline) release() error {
	for _, u := range p.units {
		p.sched.Unregister(u.Stage)
	}
	if p.node == nil {
		return nil
	}
	return p.node.Close()
}

// StreamID returns the stream the pipeline serves.
func (p *Pipeline) StreamID() int32 { return p.streamID }

// Reprocess reports whether the pipeline is fed from application buffers.
func (p *Pipeline) Reprocess() bool { return p.reprocess }

// Units returns the stage arena.
func (p *Pipeline) Units() []*Unit { return p.units }

// Unit returns the unit for a stage name.
func (p *Pipeline) Unit(name string) (*Unit, bool) {
	i, ok := p.byName[name]
	if !ok {
		return nil, false
	}
	return p.units[i], true
}

// Node returns the device node, or nil for a software-only pipeline.
func (p *Pipeline) Node() *device.Node { return p.node }

// InputEdge returns the single external input.
func (p *Pipeline) InputEdge() Edge { return p.input }

// OutputEdges returns the external outputs that reach the application.
func (p *Pipeline) OutputEdges() []Edge { return slices.Clone(p.outputs) }

// StatsEdges returns the statistics terminals.
func (p *Pipeline) StatsEdges() []Edge { return slices.Clone(p.stats) }

// Started reports whether the pipeline is running.
func (p *Pipeline) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

func (p *Pipeline) outputEdge(port buffer.Port) (Edge, bool) {
	i := slices.IndexFunc(p.outputs, func(e Edge) bool { return e.Port == port })
	if i < 0 {
		return Edge{}, false
	}
	return p.outputs[i], true
}

// SetInputProducer sets where consumed input buffers are returned.
func (p *Pipeline) SetInputProducer(prod queue.Producer) {
	p.units[p.input.Unit].Stage.SetBufferProducer(prod)
}

// AddOutputListener registers l for frames completed on the application
// output edges. l sees the edge ports of this pipeline; internal and
// statistics ports are filtered out.
func (p *Pipeline) AddOutputListener(l queue.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.outListener[l]; ok {
		return
	}
	byUnit := make(map[int]map[buffer.Port]buffer.Port)
	for _, e := range p.outputs {
		if byUnit[e.Unit] == nil {
			byUnit[e.Unit] = make(map[buffer.Port]buffer.Port)
		}
		byUnit[e.Unit][e.Port] = e.Port
	}
	var wrapped []*queue.MapListener
	for idx, ports := range byUnit {
		ml := &queue.MapListener{Target: l, Ports: ports}
		p.units[idx].Stage.AddFrameAvailableListener(ml)
		wrapped = append(wrapped, ml)
	}
	p.outListener[l] = wrapped
}

// RemoveOutputListener undoes AddOutputListener.
func (p *Pipeline) RemoveOutputListener(l queue.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ml := range p.outListener[l] {
		for _, u := range p.units {
			u.Stage.RemoveFrameAvailableListener(ml)
		}
	}
	delete(p.outListener, l)
}

// SetEvents installs the event callbacks on every stage.
func (p *Pipeline) SetEvents(ev stage.Events) {
	for _, u := range p.units {
		u.Stage.SetEvents(ev)
	}
}

// QueueInput offers a filled input frame to the input edge. The caller
// keeps its reference; the stage takes its own.
func (p *Pipeline) QueueInput(f *buffer.Frame) error {
	e := p.input
	if err := p.units[e.Unit].Stage.OnFrameAvailable(e.Port, f); err != nil {
		return fmt.Errorf("stream %d input port %d: %w", p.streamID, e.Port, err)
	}
	return nil
}

// QueueOutput queues an empty frame on an output edge, transferring the
// caller's reference.
func (p *Pipeline) QueueOutput(port buffer.Port, f *buffer.Frame) error {
	e, ok := p.outputEdge(port)
	if !ok {
		return fmt.Errorf("stream %d port %d: %w", p.streamID, port, ErrUnknownPort)
	}
	if err := p.units[e.Unit].Stage.Qbuf(port, f); err != nil {
		return fmt.Errorf("stream %d output port %d: %w", p.streamID, port, err)
	}
	return nil
}

// UnqueueOutput takes back a frame queued with QueueOutput that no stage has
// consumed yet, returning the reference to the caller.
func (p *Pipeline) UnqueueOutput(port buffer.Port, f *buffer.Frame) bool {
	e, ok := p.outputEdge(port)
	if !ok {
		return false
	}
	return p.units[e.Unit].Stage.Unqbuf(port, f)
}

// QueueScratch queues a pipeline-owned frame on an output edge that the
// application did not request for this frame. The returned frame is owned
// by the pipeline; callers only use it with UnqueueOutput.
func (p *Pipeline) QueueScratch(port buffer.Port) (*buffer.Frame, error) {
	pool, ok := p.scratch[port]
	if !ok {
		return nil, fmt.Errorf("stream %d port %d: %w", p.streamID, port, ErrUnknownPort)
	}
	f := pool.Get()
	if f == nil {
		return nil, ErrPoolExhausted
	}
	if err := p.QueueOutput(port, f); err != nil {
		f.Unref()
		return nil, err
	}
	return f, nil
}

// SetControl forwards per-frame flags to every stage.
func (p *Pipeline) SetControl(seq int64, c stage.Control) {
	for _, u := range p.units {
		u.Stage.SetControl(seq, c)
	}
}

// PrepareParams asks the algorithm collaborator for the hardware
// parameters of seq. It must run before the stream's buffers for seq are
// queued.
func (p *Pipeline) PrepareParams(ctx context.Context, settings *aiq.Settings, seq int64) error {
	if p.aic == nil {
		return nil
	}
	if err := p.aic.RunAIC(ctx, settings, seq, p.streamID); err != nil {
		return fmt.Errorf("stream %d: run aic for %d: %w", p.streamID, seq, err)
	}
	return nil
}

// UpdateConfigurationSettingForPtz recomputes the kernel resolutions of
// every hardware context for a new pan/tilt/zoom without rebuilding the
// graph.
func (p *Pipeline) UpdateConfigurationSettingForPtz(ctx context.Context, ptz aiq.PTZ) error {
	var errs []error
	if p.aic != nil {
		for _, u := range p.units {
			if u.Desc.Type != stage.TypeHardware {
				continue
			}
			if err := p.aic.UpdateConfigurationResolutions(ctx, u.Desc.ContextID, ptz, p.streamID); err != nil {
				errs = append(errs, fmt.Errorf("context %d: %w", u.Desc.ContextID, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stream %d: %w", p.streamID, err)
	}
	p.mu.Lock()
	p.ptz = ptz
	p.mu.Unlock()
	p.logger.Debug("ptz_updated", "ptz", ptz.String())
	return nil
}

// PTZ returns the last applied pan/tilt/zoom.
func (p *Pipeline) PTZ() aiq.PTZ {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptz
}
