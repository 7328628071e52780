package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// OutputSpec is a parsed -output value.
type OutputSpec struct {
	Info     buffer.Info
	StreamID int
	Every    int // request on every Nth frame; 1 = every frame
}

func (o OutputSpec) String() string {
	s := fmt.Sprintf("%s@%d", o.Info, o.StreamID)
	if o.Every > 1 {
		s += "/" + strconv.Itoa(o.Every)
	}
	return s
}

// ParseOutput parses "WxH:FOURCC[@STREAM][/EVERY]".
func ParseOutput(s string) (OutputSpec, error) {
	spec := OutputSpec{Every: 1}
	rest := strings.TrimSpace(s)

	if i := strings.LastIndexByte(rest, '/'); i >= 0 {
		n, err := strconv.Atoi(rest[i+1:])
		if err != nil || n < 1 {
			return OutputSpec{}, fmt.Errorf("output %q: period must be a positive integer", s)
		}
		spec.Every = n
		rest = rest[:i]
	}
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		n, err := strconv.Atoi(rest[i+1:])
		if err != nil || n < 0 {
			return OutputSpec{}, fmt.Errorf("output %q: stream must be a non-negative integer", s)
		}
		spec.StreamID = n
		rest = rest[:i]
	}
	info, err := buffer.ParseInfo(rest)
	if err != nil {
		return OutputSpec{}, fmt.Errorf("output %q: %w", s, err)
	}
	spec.Info = info
	return spec, nil
}

// OutputSpecs parses every configured output.
func (c *Config) OutputSpecs() ([]OutputSpec, error) {
	specs := make([]OutputSpec, 0, len(c.Outputs))
	for _, o := range c.Outputs {
		spec, err := ParseOutput(o)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.ConfigMode == "" {
		errs = append(errs, ValidationError{
			Field:   "config_mode",
			Message: "must not be empty",
		})
	}

	if cfg.CameraID < 0 {
		errs = append(errs, ValidationError{
			Field:   "camera_id",
			Message: "must not be negative",
		})
	}

	// Device is either the simulator or an absolute node path
	if cfg.Device != "sim" && !strings.HasPrefix(cfg.Device, "/") {
		errs = append(errs, ValidationError{
			Field:   "device",
			Message: fmt.Sprintf("must be 'sim' or an absolute device path (got %q)", cfg.Device),
		})
	}
	if cfg.SimLatency < 0 {
		errs = append(errs, ValidationError{
			Field:   "sim_latency",
			Message: "must not be negative",
		})
	}
	if cfg.PollTimeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "poll_timeout",
			Message: "must be positive",
		})
	}
	if cfg.FrameTableSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "frame_table_size",
			Message: "must be at least 1",
		})
	}

	// Streams
	if _, err := buffer.ParseInfo(cfg.Input); err != nil {
		errs = append(errs, ValidationError{
			Field:   "input",
			Message: err.Error(),
		})
	}
	if len(cfg.Outputs) == 0 {
		errs = append(errs, ValidationError{
			Field:   "outputs",
			Message: "at least one output stream is required",
		})
	}
	for _, o := range cfg.Outputs {
		if _, err := ParseOutput(o); err != nil {
			errs = append(errs, ValidationError{
				Field:   "outputs",
				Message: err.Error(),
			})
		}
	}

	// Requests
	if cfg.Frames < 0 {
		errs = append(errs, ValidationError{
			Field:   "frames",
			Message: "must not be negative",
		})
	}
	if cfg.FPS < 0 {
		errs = append(errs, ValidationError{
			Field:   "fps",
			Message: "must not be negative",
		})
	}
	if cfg.Duration < 0 {
		errs = append(errs, ValidationError{
			Field:   "duration",
			Message: "must not be negative",
		})
	}
	if cfg.MaxInFlight < 1 {
		errs = append(errs, ValidationError{
			Field:   "max_in_flight",
			Message: "must be at least 1",
		})
	}

	// Scheduler and stages
	if cfg.Workers < 1 {
		errs = append(errs, ValidationError{
			Field:   "workers",
			Message: "must be at least 1",
		})
	}
	if cfg.WaitTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "wait_timeout",
			Message: "must not be negative",
		})
	}
	if cfg.BufferCount < 1 {
		errs = append(errs, ValidationError{
			Field:   "buffer_count",
			Message: "must be at least 1",
		})
	}

	// Backoff settings
	if cfg.BackoffInitial <= 0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_initial",
			Message: "must be positive",
		})
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		errs = append(errs, ValidationError{
			Field:   "backoff_max",
			Message: "must be >= backoff_initial",
		})
	}
	if cfg.BackoffMultiply < 1.0 {
		errs = append(errs, ValidationError{
			Field:   "backoff_multiply",
			Message: "must be >= 1.0",
		})
	}

	if cfg.Zoom < 1 {
		errs = append(errs, ValidationError{
			Field:   "zoom",
			Message: fmt.Sprintf("must be >= 1.0 (got %.2f)", cfg.Zoom),
		})
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	if cfg.TUIEnabled && cfg.PrintGraph {
		errs = append(errs, ValidationError{
			Field:   "tui",
			Message: "cannot be combined with --print-graph",
		})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// CheckFrames is the number of frames requested in --check mode.
const CheckFrames = 30

// ApplyCheckMode modifies config for --check mode.
func ApplyCheckMode(cfg *Config) {
	cfg.Frames = CheckFrames
	cfg.Duration = 0
	cfg.TUIEnabled = false
	cfg.Verbose = true
}
