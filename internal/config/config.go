// Package config provides configuration management for go-camera-pipe.
package config

import "time"

// Config holds all configuration options for a pipeline run.
type Config struct {
	// Graph
	GraphFile  string `json:"graph_file"` // empty = built-in platform graph
	ConfigMode string `json:"config_mode"`
	TuningMode string `json:"tuning_mode"`
	CameraID   int    `json:"camera_id"`

	// Device
	Device         string        `json:"device"` // "sim" or a device node path
	SimLatency     time.Duration `json:"sim_latency"`
	PollTimeout    time.Duration `json:"poll_timeout"`
	FrameTableSize int           `json:"frame_table_size"`

	// Streams
	Input   string   `json:"input"`   // WxH:FOURCC
	Outputs []string `json:"outputs"` // WxH:FOURCC[@stream][/every]

	// Requests
	Frames      int           `json:"frames"` // 0 = until duration or signal
	FPS         float64       `json:"fps"`
	Duration    time.Duration `json:"duration"` // 0 = forever
	MaxInFlight int           `json:"max_in_flight"`

	// Scheduler and stages
	Workers         int           `json:"workers"`
	WaitTimeout     time.Duration `json:"wait_timeout"`
	BufferCount     int           `json:"buffer_count"`
	BackoffInitial  time.Duration `json:"backoff_initial"`
	BackoffMax      time.Duration `json:"backoff_max"`
	BackoffMultiply float64       `json:"backoff_multiply"`

	// Zoom
	Zoom float64 `json:"zoom"`

	// Observability
	MetricsAddr string `json:"metrics_addr"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	TUIEnabled  bool   `json:"tui_enabled"`

	// Diagnostic modes
	PrintGraph    bool `json:"print_graph"`
	Check         bool `json:"check"`
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Graph
		ConfigMode: "video",
		TuningMode: "normal",

		// Device
		Device:         "sim",
		SimLatency:     2 * time.Millisecond,
		PollTimeout:    50 * time.Millisecond,
		FrameTableSize: 16,

		// Streams
		Input:   "1280x720:BA10",
		Outputs: []string{"1280x720:NV12@0", "640x360:NV12@1"},

		// Requests
		FPS:         30,
		MaxInFlight: 4,

		// Scheduler and stages
		Workers:         2,
		WaitTimeout:     0,
		BufferCount:     4,
		BackoffInitial:  time.Millisecond,
		BackoffMax:      50 * time.Millisecond,
		BackoffMultiply: 2,

		Zoom: 1,

		// Observability
		MetricsAddr: "0.0.0.0:17092",
		LogFormat:   "json",
		TUIEnabled:  false,
	}
}
