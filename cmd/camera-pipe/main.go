// Package main provides the camera-pipe CLI entry point.
//
// camera-pipe drives a camera imaging pipeline graph: it configures the
// pipelines for a graph mode, feeds them paced sensor frames and reports
// task completion, hardware latency and pipeline health.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-camera-pipe/internal/config"
	"github.com/randomizedcoder/go-camera-pipe/internal/logging"
	"github.com/randomizedcoder/go-camera-pipe/internal/metrics"
	"github.com/randomizedcoder/go-camera-pipe/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/camera-pipe
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("camera-pipe %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	if cfg.Check {
		config.ApplyCheckMode(cfg)
	}

	// When TUI is enabled, logs only feed the dashboard's warning panel
	var w io.Writer = os.Stderr
	if cfg.TUIEnabled {
		w = io.Discard
	}
	logger, recent := logging.New(logging.Options{
		Writer:      w,
		Format:      cfg.LogFormat,
		Level:       "info",
		Verbose:     cfg.Verbose,
		RecentLines: logging.DefaultRecentLines,
		RecentLevel: slog.LevelWarn,
	})
	logging.SetDefault(logger)

	if cfg.Check {
		logger.Info("check_mode_enabled", "frames", cfg.Frames)
	}

	orch, err := orchestrator.New(cfg, logger, recent, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup error: %v\n", err)
		return 1
	}

	// Handle --print-graph mode
	if cfg.PrintGraph {
		desc, err := orch.Describe()
		orch.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Graph error: %v\n", err)
			return 1
		}
		fmt.Print(desc)
		return 0
	}

	logger.Info("starting",
		"version", version,
		"config_mode", cfg.ConfigMode,
		"tuning_mode", cfg.TuningMode,
		"device", cfg.Device,
		"input", cfg.Input,
		"outputs", cfg.Outputs,
		"fps", cfg.FPS,
		"frames", cfg.Frames,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	if err := orch.Run(context.Background()); err != nil {
		logger.Error("run_failed", "error", err)
		return 1
	}

	if cfg.Check {
		return checkResult(orch, cfg.Frames)
	}
	return 0
}

// checkResult reports whether every submitted check frame completed.
func checkResult(orch *orchestrator.Orchestrator, frames int) int {
	snap := orch.Result()
	if snap == nil || snap.Submitted == 0 {
		fmt.Fprintln(os.Stderr, "Check failed: no frames were submitted")
		return 1
	}
	if snap.Completed != snap.Submitted || snap.Dropped > 0 || snap.Errors > 0 {
		fmt.Fprintf(os.Stderr, "Check failed: %d/%d tasks completed (%d dropped, %d errors) of %d frames\n",
			snap.Completed, snap.Submitted, snap.Dropped, snap.Errors, frames)
		return 1
	}
	hwTasks := orch.MetricValue(metrics.Prefix+"hw_tasks_submitted_total", nil)
	fmt.Printf("Check passed: %d/%d frames completed, %.0f hardware tasks\n", snap.Completed, frames, hwTasks)
	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                         go-camera-pipe                            ║")
	fmt.Println("║        Camera Imaging Pipeline Graph Execution Engine             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Mode:        %s/%s (camera %d)\n", cfg.ConfigMode, cfg.TuningMode, cfg.CameraID)
	fmt.Printf("  Device:      %s\n", cfg.Device)
	fmt.Printf("  Input:       %s\n", cfg.Input)
	for _, o := range cfg.Outputs {
		fmt.Printf("  Output:      %s\n", o)
	}
	if cfg.Frames > 0 {
		fmt.Printf("  Frames:      %d at %.1f fps\n", cfg.Frames, cfg.FPS)
	} else {
		fmt.Printf("  Frames:      unbounded at %.1f fps\n", cfg.FPS)
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}
