package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// outputList is a custom flag type for repeatable -output flags. The first
// -output on the command line replaces the defaults.
type outputList struct {
	values *[]string
	set    bool
}

func (o *outputList) String() string {
	if o.values == nil {
		return ""
	}
	return strings.Join(*o.values, ", ")
}

func (o *outputList) Set(value string) error {
	if !o.set {
		*o.values = nil
		o.set = true
	}
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			*o.values = append(*o.values, v)
		}
	}
	return nil
}

// ParseFlags parses command-line flags and returns a Config.
// Returns an error if required arguments are missing or invalid.
func ParseFlags() (*Config, error) {
	return parseArgs(flag.CommandLine, os.Args[1:], os.Stderr)
}

func parseArgs(fs *flag.FlagSet, args []string, usage io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	outputs := &outputList{values: &cfg.Outputs}

	// Custom usage message
	fs.Usage = func() {
		fmt.Fprintf(usage, `camera-pipe - camera imaging pipeline runner

Usage:
  camera-pipe [flags]

Graph Flags:
`)
		// Print flags by category
		printFlagCategory(fs, usage, []string{"graph", "config-mode", "tuning-mode", "camera"})

		fmt.Fprintf(usage, "\nDevice:\n")
		printFlagCategory(fs, usage, []string{"device", "sim-latency", "poll-timeout", "frame-table"})

		fmt.Fprintf(usage, "\nStreams:\n")
		printFlagCategory(fs, usage, []string{"input", "output"})

		fmt.Fprintf(usage, "\nRequests:\n")
		printFlagCategory(fs, usage, []string{"frames", "fps", "duration", "max-in-flight", "zoom"})

		fmt.Fprintf(usage, "\nScheduler:\n")
		printFlagCategory(fs, usage, []string{"workers", "wait-timeout", "buffers", "backoff-initial", "backoff-max", "backoff-multiply"})

		fmt.Fprintf(usage, "\nObservability:\n")
		printFlagCategory(fs, usage, []string{"metrics", "v", "log-format", "tui"})

		fmt.Fprintf(usage, "\nDiagnostics:\n")
		printFlagCategory(fs, usage, []string{"print-graph", "check", "skip-preflight"})

		fmt.Fprintf(usage, `
Output streams:
  WxH:FOURCC[@STREAM][/EVERY] requests the output on every EVERY-th frame
  from pipeline stream STREAM (default stream 0, every frame).

Examples:
  # 300 frames at 30 fps through the simulated accelerator
  camera-pipe -frames 300

  # Preview every frame, full resolution every 4th
  camera-pipe -output 640x360:NV12@1 -output 1280x720:NV12@0/4

  # Dump the configured graph and exit
  camera-pipe --print-graph

`)
	}

	// Graph
	fs.StringVar(&cfg.GraphFile, "graph", cfg.GraphFile, "Platform graph YAML file (default: built-in)")
	fs.StringVar(&cfg.ConfigMode, "config-mode", cfg.ConfigMode, "Graph configuration mode")
	fs.StringVar(&cfg.TuningMode, "tuning-mode", cfg.TuningMode, "Tuning mode")
	fs.IntVar(&cfg.CameraID, "camera", cfg.CameraID, "Camera id")

	// Device
	fs.StringVar(&cfg.Device, "device", cfg.Device, `Accelerator: "sim" or a device node path`)
	fs.DurationVar(&cfg.SimLatency, "sim-latency", cfg.SimLatency, "Simulated hardware task latency")
	fs.DurationVar(&cfg.PollTimeout, "poll-timeout", cfg.PollTimeout, "Device event poll timeout")
	fs.IntVar(&cfg.FrameTableSize, "frame-table", cfg.FrameTableSize, "Frame-id slots per device node")

	// Streams
	fs.StringVar(&cfg.Input, "input", cfg.Input, "Sensor input stream WxH:FOURCC")
	fs.Var(outputs, "output", "Output stream WxH:FOURCC[@STREAM][/EVERY] (can repeat)")

	// Requests
	fs.IntVar(&cfg.Frames, "frames", cfg.Frames, "Frames to request (0 = until duration or signal)")
	fs.Float64Var(&cfg.FPS, "fps", cfg.FPS, "Sensor frame rate")
	fs.DurationVar(&cfg.Duration, "duration", cfg.Duration, "Run duration (0 = forever)")
	fs.IntVar(&cfg.MaxInFlight, "max-in-flight", cfg.MaxInFlight, "Buffers per application port")
	fs.Float64Var(&cfg.Zoom, "zoom", cfg.Zoom, "Digital zoom ratio")

	// Scheduler
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Scheduler worker goroutines")
	fs.DurationVar(&cfg.WaitTimeout, "wait-timeout", cfg.WaitTimeout, "Stage buffer wait timeout (0 = non-blocking)")
	fs.IntVar(&cfg.BufferCount, "buffers", cfg.BufferCount, "Intermediate buffers per producer port")
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "Initial retry delay after a recoverable stage error")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Maximum retry delay")
	fs.Float64Var(&cfg.BackoffMultiply, "backoff-multiply", cfg.BackoffMultiply, "Retry delay multiplier")

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Diagnostics (double-dash convention)
	fs.BoolVar(&cfg.PrintGraph, "print-graph", cfg.PrintGraph, "Print the configured pipelines and exit")
	fs.BoolVar(&cfg.Check, "check", cfg.Check, "Validate config and run 30 frames")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" {
					fmt.Fprintf(w, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(w)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
