// Package orchestrator wires the pipe manager, the requester and the
// observability stack into one camera pipeline run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/randomizedcoder/go-camera-pipe/internal/aiq"
	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/config"
	"github.com/randomizedcoder/go-camera-pipe/internal/device"
	"github.com/randomizedcoder/go-camera-pipe/internal/logging"
	"github.com/randomizedcoder/go-camera-pipe/internal/manager"
	"github.com/randomizedcoder/go-camera-pipe/internal/metrics"
	"github.com/randomizedcoder/go-camera-pipe/internal/pipeline"
	"github.com/randomizedcoder/go-camera-pipe/internal/preflight"
	"github.com/randomizedcoder/go-camera-pipe/internal/requester"
	"github.com/randomizedcoder/go-camera-pipe/internal/scheduler"
	"github.com/randomizedcoder/go-camera-pipe/internal/stats"
	"github.com/randomizedcoder/go-camera-pipe/internal/timeseries"
	"github.com/randomizedcoder/go-camera-pipe/internal/tui"
)

const (
	progressInterval = 5 * time.Second
	sampleInterval   = time.Second
	drainTimeout     = 5 * time.Second
	shutdownTimeout  = 10 * time.Second
)

// Orchestrator coordinates all components of a pipeline run.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string
	recent  *logging.RecentHandler
	out     io.Writer

	streams       *streams
	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	scheduler     *scheduler.Scheduler
	aiqCtx        *aiq.Context
	manager       *manager.Manager
	requester     *requester.Requester
	stats         *stats.PipelineStats
	rate          *timeseries.RateTracker

	// driver overrides the configured device; used by tests.
	driver pipeline.DriverFunc

	configured bool
	startTime  time.Time
	final      *stats.Snapshot
}

// New creates an Orchestrator with the given configuration. recent, when
// non-nil, is the log handler whose warnings feed the dashboard and the
// exit summary.
func New(cfg *config.Config, logger *slog.Logger, recent *logging.RecentHandler, version string) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	st, err := newStreams(cfg)
	if err != nil {
		return nil, err
	}
	platform, err := loadPlatform(cfg)
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollectorWithRegistry(registry)

	o := &Orchestrator{
		config:   cfg,
		logger:   logger,
		version:  version,
		recent:   recent,
		out:      os.Stdout,
		streams:  st,
		registry: registry,
		metrics:  collector,
		stats:    stats.NewPipelineStats(),
		rate:     timeseries.NewRateTracker(),
		driver:   driverFor(cfg),
	}
	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, registry, logger)
		o.metricsServer.Handle("/graph", http.HandlerFunc(o.serveGraph))
	}

	o.scheduler = scheduler.New(scheduler.Config{
		Workers: cfg.Workers,
		Backoff: scheduler.BackoffConfig{
			Initial:    cfg.BackoffInitial,
			Max:        cfg.BackoffMax,
			Multiplier: cfg.BackoffMultiply,
			JitterPct:  0.2,
		},
		Seed:   time.Now().UnixNano(),
		Logger: logger,
		Callbacks: scheduler.Callbacks{
			OnRetry: o.onStageRetry,
			OnError: o.onStageError,
		},
	})

	// The accelerator has no real 3A library behind it; the recorder
	// tracks which statistics fed each result.
	o.aiqCtx = aiq.NewContext(func(aiq.Key) (aiq.AIC, error) {
		return aiq.NewRecorder(logger), nil
	})

	o.manager = manager.New(manager.Config{
		Platform:  platform,
		AIQ:       o.aiqCtx,
		CameraID:  cfg.CameraID,
		Scheduler: o.scheduler,
		Driver: func(stream int32) (device.Driver, error) {
			return o.driver(stream)
		},
		Logger:         logger,
		Metrics:        collector,
		Version:        version,
		WaitTimeout:    cfg.WaitTimeout,
		PollTimeout:    cfg.PollTimeout,
		FrameTableSize: cfg.FrameTableSize,
		BufferCount:    cfg.BufferCount,
		Callbacks: manager.Callbacks{
			OnBufferDone:    o.onBufferDone,
			OnTaskDone:      o.onTaskDone,
			OnStatsReady:    o.onStatsReady,
			OnMetadataReady: o.onMetadataReady,
			OnFrameDropped:  o.onFrameDropped,
			OnError:         o.onTaskError,
		},
	})

	o.requester, err = requester.New(requester.Config{
		Tasker:      o.manager,
		InputPort:   InputPort,
		Input:       st.input,
		Outputs:     st.outputInfos(),
		Select:      requester.Periodic(st.every),
		FPS:         cfg.FPS,
		Frames:      cfg.Frames,
		MaxInFlight: cfg.MaxInFlight,
		Logger:      logger,
		Callbacks: requester.Callbacks{
			OnSubmitted: func(int64, int) { o.stats.TaskSubmitted() },
			OnCompleted: func(_ int64, latency time.Duration) {
				o.stats.TaskCompleted(latency)
				o.rate.Add(1)
			},
			OnSkipped: func(int64, string) { o.stats.FrameSkipped() },
		},
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// Configure builds the pipelines for the configured mode. It is a no-op
// after the first successful call.
func (o *Orchestrator) Configure() error {
	if o.configured {
		return nil
	}
	if err := o.manager.Configure(o.streams.inputs(), o.streams.outputs, o.config.ConfigMode, o.config.TuningMode); err != nil {
		return fmt.Errorf("configure pipelines: %w", err)
	}
	o.configured = true
	return nil
}

// Describe configures the pipelines and renders them.
func (o *Orchestrator) Describe() (string, error) {
	if err := o.Configure(); err != nil {
		return "", err
	}
	return o.manager.Describe(), nil
}

// Close releases the pipelines of a Describe-only run. Run closes
// everything itself.
func (o *Orchestrator) Close() {
	o.shutdown()
}

// serveGraph renders the configured pipelines and bindings.
func (o *Orchestrator) serveGraph(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, o.manager.Describe())
}

// Run executes the pipeline. It blocks until the frame budget is spent,
// the duration elapses, a signal arrives or the dashboard quits.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	// Run preflight checks
	if !o.config.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			Device:      o.config.Device,
			GraphFile:   o.config.GraphFile,
			Outputs:     len(o.streams.outputs),
			BufferCount: o.config.BufferCount,
			MaxInFlight: o.config.MaxInFlight,
		})
		preflight.PrintResults(o.out, result)
		if !result.Passed {
			o.shutdown()
			return errors.New("preflight checks failed (use --skip-preflight to override)")
		}
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	o.scheduler.Start(ctx)
	err := o.start(ctx)
	if err != nil {
		o.shutdown()
		return err
	}

	reqDone := make(chan error, 1)
	go func() {
		reqDone <- o.requester.Run(ctx)
	}()

	var program *tea.Program
	tuiDone := make(chan struct{})
	if o.config.TUIEnabled {
		program = tea.NewProgram(tui.New(o.tuiConfig()), tea.WithAltScreen())
		go func() {
			defer close(tuiDone)
			if _, err := program.Run(); err != nil {
				o.logger.Warn("tui_failed", "error", err)
			}
		}()
	}

	var durationTimer <-chan time.Time
	if o.config.Duration > 0 {
		t := time.NewTimer(o.config.Duration)
		defer t.Stop()
		durationTimer = t.C
	}
	progress := time.NewTicker(progressInterval)
	defer progress.Stop()
	sample := time.NewTicker(sampleInterval)
	defer sample.Stop()

	requesterRunning := true
wait:
	for {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
			break wait
		case <-durationTimer:
			o.logger.Info("duration_elapsed", "duration", o.config.Duration.String())
			break wait
		case <-tuiDone:
			o.logger.Info("tui_quit")
			tuiDone = nil
			break wait
		case <-ctx.Done():
			o.logger.Info("context_cancelled")
			break wait
		case <-sample.C:
			o.rate.RecordSample()
		case <-progress.C:
			o.logProgress()
		case err = <-reqDone:
			requesterRunning = false
			if err != nil {
				o.logger.Error("requester_failed", "error", err)
				break wait
			}
			o.logger.Info("frames_submitted", "frames", o.config.Frames)
			o.drain()
			break wait
		}
	}

	// Stop requesting before tearing the pipelines down.
	cancel()
	if requesterRunning {
		if rerr := <-reqDone; rerr != nil && err == nil {
			err = rerr
		}
	}
	if program != nil {
		tui.SendQuit(program)
		if tuiDone != nil {
			<-tuiDone
		}
	}

	pending := o.shutdown()
	o.printExitSummary(pending)
	return err
}

func (o *Orchestrator) start(ctx context.Context) error {
	if err := o.Configure(); err != nil {
		return err
	}
	if err := o.manager.Start(ctx); err != nil {
		return err
	}
	if o.config.Zoom != 1 {
		if err := o.manager.UpdateZoomSettings(ctx, manager.Zoom{Ratio: o.config.Zoom}); err != nil {
			return err
		}
	}
	if o.metricsServer != nil {
		o.metricsServer.SetReady(true)
	}
	o.logger.Info("pipeline_started",
		"config_id", o.manager.ConfigID(),
		"pipelines", len(o.manager.Pipelines()),
		"outputs", len(o.streams.outputs),
	)
	return nil
}

// drain waits for the tasks still in flight after the last submission.
func (o *Orchestrator) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := o.requester.Drain(ctx); err != nil {
		o.logger.Warn("drain_incomplete",
			"in_flight", o.requester.Stats().InFlight,
			"error", err,
		)
	}
}

// shutdown tears every component down and returns the task sequences
// that never completed.
func (o *Orchestrator) shutdown() []int64 {
	if o.metricsServer != nil {
		o.metricsServer.SetReady(false)
	}
	o.scheduler.Stop()
	o.manager.Stop()
	pending := o.manager.TaskSequences()
	o.requester.Abandon()

	var errs []error
	errs = append(errs, o.manager.Close())
	errs = append(errs, o.aiqCtx.Close())
	if o.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs = append(errs, o.metricsServer.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		o.logger.Warn("shutdown_incomplete", "error", err)
	}
	return pending
}

func (o *Orchestrator) tuiConfig() tui.Config {
	cfg := tui.Config{
		ConfigMode:    o.config.ConfigMode,
		TuningMode:    o.config.TuningMode,
		TargetFrames:  o.config.Frames,
		MetricsAddr:   o.config.MetricsAddr,
		StatsSource:   o.stats,
		MetricsSource: o.metrics,
		RateSource:    o.rate,
	}
	// Only assign a non-nil handler; a nil pointer in the interface
	// would not compare equal to nil.
	if o.recent != nil {
		cfg.WarningSource = o.recent
	}
	return cfg
}

func (o *Orchestrator) logProgress() {
	snap := o.stats.Snapshot()
	rates := o.rate.Stats()
	o.logger.Info("pipeline_progress",
		"submitted", snap.Submitted,
		"completed", snap.Completed,
		"in_flight", snap.InFlight,
		"skipped", snap.Skipped,
		"dropped", snap.Dropped,
		"rate", stats.FormatRate(snap.CompletionRate),
		"fps_1s", rates.Avg1s,
		"fps_30s", rates.Avg30s,
	)
}

// Manager callbacks. They run on scheduler and device goroutines.

func (o *Orchestrator) onBufferDone(_ int64, port buffer.Port, _ *buffer.Frame) {
	o.stats.BufferDone(int(port))
}

func (o *Orchestrator) onTaskDone(task manager.TaskData) {
	o.requester.OnTaskDone(task)
}

func (o *Orchestrator) onStatsReady(manager.StatsEvent) {
	o.stats.StatsReady()
}

func (o *Orchestrator) onMetadataReady(int64, map[buffer.Port]*buffer.Frame) {
	o.stats.MetadataReady()
}

func (o *Orchestrator) onFrameDropped(int64) {
	o.stats.FrameDropped()
}

func (o *Orchestrator) onTaskError(seq int64, err error) {
	o.stats.TaskError()
	o.logger.Debug("task_error", "sequence", seq, "error", err)
}

// Scheduler callbacks

func (o *Orchestrator) onStageRetry(name string, attempt int, delay time.Duration, err error) {
	o.logger.Debug("stage_retry_scheduled",
		"stage", name,
		"attempt", attempt,
		"delay", delay.String(),
		"error", err,
	)
}

func (o *Orchestrator) onStageError(name string, err error) {
	o.logger.Warn("stage_failed", "stage", name, "error", err)
}

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary(pending []int64) {
	snap := o.stats.Snapshot()
	o.final = &snap
	summary := o.metrics.GenerateSummary()

	cfg := stats.SummaryConfig{
		Duration:         time.Since(o.startTime),
		ConfigMode:       o.config.ConfigMode,
		TuningMode:       o.config.TuningMode,
		ConfigID:         o.manager.ConfigID(),
		TargetFrames:     o.config.Frames,
		MetricsAddr:      o.config.MetricsAddr,
		HWLatency:        summary.HWLatency,
		PeakInFlight:     summary.PeakInFlight,
		StaleCompletions: summary.StaleCompletions,
		SlotOverwrites:   summary.SlotOverwrites,
		PendingTasks:     pending,
	}
	if o.recent != nil {
		cfg.Warnings = o.recent.Counts()
	}
	fmt.Fprint(o.out, stats.FormatExitSummary(&snap, cfg))

	if o.config.Check {
		o.printMetrics()
	}
}

// printMetrics dumps the pipeline's own metric families.
func (o *Orchestrator) printMetrics() {
	families, err := metrics.Gather(o.registry, metrics.Prefix)
	if err != nil {
		o.logger.Warn("metrics_gather_failed", "error", err)
		return
	}
	fmt.Fprintln(o.out, "\nPipeline metrics:")
	if err := families.WriteText(o.out); err != nil {
		o.logger.Warn("metrics_dump_failed", "error", err)
	}
}

// MetricValue returns a pipeline metric summed over the series matching
// labels, or 0 when it cannot be gathered.
func (o *Orchestrator) MetricValue(name string, labels map[string]string) float64 {
	families, err := metrics.Gather(o.registry, metrics.Prefix)
	if err != nil {
		return 0
	}
	return families.Value(name, labels)
}

// Result returns the final statistics once Run returned, or nil.
func (o *Orchestrator) Result() *stats.Snapshot {
	return o.final
}

// Manager returns the pipe manager for external access.
func (o *Orchestrator) Manager() *manager.Manager {
	return o.manager
}

// FrameRate returns the rolling completed-frame rates.
func (o *Orchestrator) FrameRate() timeseries.RateStats {
	return o.rate.Stats()
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Registry returns the Prometheus registry the collector is registered on.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}
