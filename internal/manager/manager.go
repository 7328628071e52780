// Package manager owns the pipelines of one camera configuration. It binds
// application ports to pipeline edges, dispatches multi-output tasks and
// reports each task complete exactly once.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-camera-pipe/internal/aiq"
	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/graph"
	"github.com/randomizedcoder/go-camera-pipe/internal/metrics"
	"github.com/randomizedcoder/go-camera-pipe/internal/pipeline"
	"github.com/randomizedcoder/go-camera-pipe/internal/stage"
)

var (
	// ErrNotConfigured is returned before a successful Configure.
	ErrNotConfigured = errors.New("pipe manager not configured")

	// ErrTaskExists is returned by AddTask for a sequence already in the
	// task table.
	ErrTaskExists = errors.New("task already exists")

	// ErrNoInput is returned by AddTask without an input buffer.
	ErrNoInput = errors.New("task has no input buffer")

	// ErrNoOutputs is returned by AddTask when no output is requested.
	ErrNoOutputs = errors.New("task requests no output")

	// ErrUnknownPort is returned for an application port that was not
	// configured.
	ErrUnknownPort = errors.New("unknown application port")

	// ErrInvalidZoom is returned for a zoom ratio or crop region outside
	// the sensor's range.
	ErrInvalidZoom = errors.New("invalid zoom")
)

// ConfigError describes why a configuration could not be built.
type ConfigError struct {
	Component string
	Reason    string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Component, e.Reason)
}

// OutputConfig describes one application output port.
type OutputConfig struct {
	buffer.Info

	// StreamID must equal the stream id of the pipeline edge that serves
	// the port.
	StreamID int32
}

// Config holds configuration for a Manager.
type Config struct {
	Platform  *graph.Platform
	AIQ       *aiq.Context
	CameraID  int
	Scheduler pipeline.Scheduler
	Driver    pipeline.DriverFunc
	GPU       *stage.GPUProcessor
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	Version   string

	WaitTimeout    time.Duration
	PollTimeout    time.Duration
	FrameTableSize int
	MaxFrameID     uint32
	BufferCount    int

	// MaxZoom bounds UpdateZoomSettings. Defaults to 8.
	MaxZoom float64

	// ZoomEpsilon is the tolerance under which two zoom descriptors are
	// treated as equal. Defaults to 1e-4.
	ZoomEpsilon float64

	Callbacks Callbacks
}

// Callbacks contains optional functions invoked on manager events. They
// run on scheduler or device goroutines and must not block.
type Callbacks struct {
	// OnBufferDone is called for every returned output buffer.
	OnBufferDone func(seq int64, port buffer.Port, f *buffer.Frame)

	// OnTaskDone is called once when every requested output returned.
	OnTaskDone func(task TaskData)

	// OnStatsReady is called when a statistics terminal produced data.
	OnStatsReady func(ev StatsEvent)

	// OnMetadataReady is called once per task on the first hardware
	// completion for its sequence.
	OnMetadataReady func(seq int64, outputs map[buffer.Port]*buffer.Frame)

	// OnFrameDropped is called when the device lost a completion.
	OnFrameDropped func(seq int64)

	// OnError is called for a failed hardware task or transform.
	OnError func(seq int64, err error)
}

// StatsEvent reports statistics produced for one sequence.
type StatsEvent struct {
	StreamID int32
	Sequence int64
	Size     int
}

type outputBinding struct {
	pipe *pipeline.Pipeline
	port buffer.Port
}

// Manager is the pipe manager.
//
// Thread-safe. cfgMu guards the pipelines and port bindings and is held
// shared by AddTask; mu guards the task table only. Stage callbacks never
// take cfgMu.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	cfgMu      sync.RWMutex
	configured bool
	configID   string
	configMode string
	tuningMode string
	aic        aiq.AIC
	pipes      []*pipeline.Pipeline
	inputs     map[buffer.Port]buffer.Info
	outputs    map[buffer.Port]OutputConfig
	inBind     map[buffer.Port][]*pipeline.Pipeline
	pipeInput  map[*pipeline.Pipeline]buffer.Port
	outBind    map[buffer.Port]outputBinding
	started    bool

	mu    sync.Mutex
	tasks map[int64]*taskInfo

	zoomMu      sync.Mutex
	ptz         aiq.PTZ
	activeArray buffer.Info
}

// New creates an unconfigured manager.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Platform == nil {
		cfg.Platform = graph.Default()
	}
	if cfg.MaxZoom <= 0 {
		cfg.MaxZoom = 8
	}
	if cfg.ZoomEpsilon <= 0 {
		cfg.ZoomEpsilon = 1e-4
	}
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With("camera_id", cfg.CameraID),
		metrics: cfg.Metrics,
		tasks:   make(map[int64]*taskInfo),
		ptz:     aiq.DefaultPTZ,
	}
}

// Configure builds one pipeline per sensor stream of the configuration
// mode, plus the reprocessing pipeline when an input matches it, and binds
// every application port to exactly one pipeline edge. A previous
// configuration is torn down first.
func (m *Manager) Configure(inputs map[buffer.Port]buffer.Info, outputs map[buffer.Port]OutputConfig, configMode, tuningMode string) error {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()

	m.teardownLocked()

	gcfg, err := m.cfg.Platform.Lookup(configMode, tuningMode)
	if err != nil {
		return ConfigError{Component: "graph", Reason: err.Error()}
	}
	if len(inputs) == 0 {
		return ConfigError{Component: "inputs", Reason: "no input port"}
	}
	if len(outputs) == 0 {
		return ConfigError{Component: "outputs", Reason: "no output port"}
	}

	var aic aiq.AIC
	if m.cfg.AIQ != nil {
		aic, err = m.cfg.AIQ.Create(aiq.Key{CameraID: m.cfg.CameraID, TuningMode: tuningMode})
		if err != nil {
			return fmt.Errorf("configure: %w", err)
		}
	}

	// Create pipelines
	var pipes []*pipeline.Pipeline
	closeAll := func() {
		for _, p := range pipes {
			p.Close()
		}
	}
	for i := range gcfg.Streams {
		g := &gcfg.Streams[i]
		if g.Reprocess && !hasMatchingInput(g, inputs) {
			m.logger.Debug("reprocess_pipeline_skipped", "stream_id", g.StreamID)
			continue
		}
		p, err := pipeline.New(pipeline.Options{
			Graph:          g,
			Scheduler:      m.cfg.Scheduler,
			Driver:         m.cfg.Driver,
			AIC:            aic,
			GPU:            m.cfg.GPU,
			Logger:         m.logger,
			Metrics:        m.metrics,
			WaitTimeout:    m.cfg.WaitTimeout,
			PollTimeout:    m.cfg.PollTimeout,
			FrameTableSize: m.cfg.FrameTableSize,
			MaxFrameID:     m.cfg.MaxFrameID,
			BufferCount:    m.cfg.BufferCount,
			OnStats:        m.statsHandler(aic),
		})
		if err != nil {
			closeAll()
			return fmt.Errorf("configure stream %d: %w", g.StreamID, err)
		}
		pipes = append(pipes, p)
	}

	// Bind application ports
	inBind, pipeInput, outBind, err := bindExternalPorts(pipes, inputs, outputs)
	if err != nil {
		closeAll()
		return err
	}

	for _, p := range pipes {
		p.AddOutputListener(&outputListener{m: m, streamID: p.StreamID()})
		p.SetEvents(m.stageEvents(p.StreamID()))
	}

	m.pipes = pipes
	m.aic = aic
	m.inputs = maps.Clone(inputs)
	m.outputs = maps.Clone(outputs)
	m.inBind = inBind
	m.pipeInput = pipeInput
	m.outBind = outBind
	m.configMode = configMode
	m.tuningMode = tuningMode
	m.configID = uuid.NewString()
	m.configured = true

	m.zoomMu.Lock()
	m.ptz = aiq.DefaultPTZ
	m.activeArray = sensorArray(pipes, pipeInput, inputs)
	m.zoomMu.Unlock()

	m.metrics.SetInfo(m.cfg.Version, m.configID)
	m.logger.Info("pipe_manager_configured",
		"config_id", m.configID,
		"config_mode", configMode,
		"tuning_mode", tuningMode,
		"pipelines", len(pipes),
		"inputs", len(inputs),
		"outputs", len(outputs),
	)
	return nil
}

func hasMatchingInput(g *graph.StreamGraph, inputs map[buffer.Port]buffer.Info) bool {
	c, ok := g.InputEdge()
	if !ok {
		return false
	}
	info, err := c.Info()
	if err != nil {
		return false
	}
	for _, in := range inputs {
		if in.SameShape(info) {
			return true
		}
	}
	return false
}

// sensorArray returns the geometry of the sensor input, used as the
// active pixel array for crop-region zoom requests.
func sensorArray(pipes []*pipeline.Pipeline, pipeInput map[*pipeline.Pipeline]buffer.Port, inputs map[buffer.Port]buffer.Info) buffer.Info {
	for _, p := range pipes {
		if !p.Reprocess() {
			return inputs[pipeInput[p]]
		}
	}
	return buffer.Info{}
}

// bindExternalPorts matches every pipeline input edge to exactly one
// application input and every application output to exactly one unbound
// pipeline output edge with the same geometry and stream id. An
// application input may feed several pipelines; output binding is
// injective.
func bindExternalPorts(pipes []*pipeline.Pipeline, inputs map[buffer.Port]buffer.Info, outputs map[buffer.Port]OutputConfig) (
	map[buffer.Port][]*pipeline.Pipeline, map[*pipeline.Pipeline]buffer.Port, map[buffer.Port]outputBinding, error,
) {
	var errs []error
	inBind := make(map[buffer.Port][]*pipeline.Pipeline)
	pipeInput := make(map[*pipeline.Pipeline]buffer.Port)
	outBind := make(map[buffer.Port]outputBinding)

	inPorts := slices.Sorted(maps.Keys(inputs))
	for _, p := range pipes {
		edge := p.InputEdge()
		var matches []buffer.Port
		for _, port := range inPorts {
			if inputs[port].SameShape(edge.Info) {
				matches = append(matches, port)
			}
		}
		component := fmt.Sprintf("stream %d input", p.StreamID())
		switch len(matches) {
		case 0:
			errs = append(errs, ConfigError{Component: component, Reason: fmt.Sprintf("no application input matches %s", edge.Info)})
		case 1:
			inBind[matches[0]] = append(inBind[matches[0]], p)
			pipeInput[p] = matches[0]
		default:
			errs = append(errs, ConfigError{Component: component, Reason: fmt.Sprintf("inputs %v all match %s", matches, edge.Info)})
		}
	}
	for _, port := range inPorts {
		if len(inBind[port]) == 0 {
			errs = append(errs, ConfigError{Component: fmt.Sprintf("input port %d", port), Reason: fmt.Sprintf("no pipeline consumes %s", inputs[port])})
		}
	}

	type edgeKey struct {
		pipe *pipeline.Pipeline
		port buffer.Port
	}
	taken := make(map[edgeKey]buffer.Port)
	for _, port := range slices.Sorted(maps.Keys(outputs)) {
		want := outputs[port]
		bound := false
		for _, p := range pipes {
			for _, e := range p.OutputEdges() {
				if e.AppStream != want.StreamID || !e.Info.SameShape(want.Info) {
					continue
				}
				k := edgeKey{p, e.Port}
				if _, dup := taken[k]; dup {
					continue
				}
				taken[k] = port
				outBind[port] = outputBinding{pipe: p, port: e.Port}
				bound = true
				break
			}
			if bound {
				break
			}
		}
		if !bound {
			errs = append(errs, ConfigError{
				Component: fmt.Sprintf("output port %d", port),
				Reason:    fmt.Sprintf("no free pipeline edge for %s stream %d", want.Info, want.StreamID),
			})
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, nil, nil, err
	}
	return inBind, pipeInput, outBind, nil
}

// Start starts every pipeline in parallel.
func (m *Manager) Start(ctx context.Context) error {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	if !m.configured {
		return ErrNotConfigured
	}
	if m.started {
		return nil
	}
	// A plain group: a derived context would be cancelled when Wait
	// returns and take the device polling loops down with it.
	var g errgroup.Group
	for _, p := range m.pipes {
		g.Go(func() error { return p.Start(ctx) })
	}
	if err := g.Wait(); err != nil {
		m.stopLocked()
		return fmt.Errorf("start pipelines: %w", err)
	}
	m.started = true
	m.logger.Info("pipe_manager_started", "pipelines", len(m.pipes))
	return nil
}

// Stop stops every pipeline. Stop the scheduler first so no Process call
// races the teardown.
func (m *Manager) Stop() {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	if !m.started {
		return
	}
	m.stopLocked()
	m.logger.Info("pipe_manager_stopped", "pending_tasks", m.PendingTasks())
}

func (m *Manager) stopLocked() {
	var g errgroup.Group
	for _, p := range m.pipes {
		g.Go(func() error {
			p.Stop()
			return nil
		})
	}
	_ = g.Wait()
	m.started = false
}

// Close tears down the configuration and clears the task table.
func (m *Manager) Close() error {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.teardownLocked()
}

func (m *Manager) teardownLocked() error {
	if !m.configured {
		return nil
	}
	m.stopLocked()
	var errs []error
	for _, p := range m.pipes {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	cleared := m.ClearTasks()
	m.logger.Info("pipe_manager_torn_down",
		"config_id", m.configID,
		"cleared_tasks", cleared,
	)
	m.pipes = nil
	m.inBind = nil
	m.pipeInput = nil
	m.outBind = nil
	m.aic = nil
	m.configured = false
	return errors.Join(errs...)
}

// ConfigID returns the id of the active configuration.
func (m *Manager) ConfigID() string {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.configID
}

// Pipelines returns the configured pipelines in graph order.
func (m *Manager) Pipelines() []*pipeline.Pipeline {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return slices.Clone(m.pipes)
}

// Describe renders every pipeline and the port bindings.
func (m *Manager) Describe() string {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	s := fmt.Sprintf("config %s/%s id=%s\n", m.configMode, m.tuningMode, m.configID)
	for _, p := range m.pipes {
		s += p.Describe()
	}
	for _, port := range slices.Sorted(maps.Keys(m.inBind)) {
		for _, p := range m.inBind[port] {
			s += fmt.Sprintf("bind input %d -> stream %d port %d\n", port, p.StreamID(), p.InputEdge().Port)
		}
	}
	for _, port := range slices.Sorted(maps.Keys(m.outBind)) {
		b := m.outBind[port]
		s += fmt.Sprintf("bind output %d <- stream %d port %d\n", port, b.pipe.StreamID(), b.port)
	}
	return s
}

func streamLabel(id int32) string { return strconv.Itoa(int(id)) }
