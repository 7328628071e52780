package orchestrator

import (
	"fmt"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/config"
	"github.com/randomizedcoder/go-camera-pipe/internal/device"
	"github.com/randomizedcoder/go-camera-pipe/internal/graph"
	"github.com/randomizedcoder/go-camera-pipe/internal/manager"
	"github.com/randomizedcoder/go-camera-pipe/internal/pipeline"
)

// Application port numbering: the sensor input on InputPort, outputs from
// FirstOutputPort upwards in command-line order.
const (
	InputPort       buffer.Port = 1
	FirstOutputPort buffer.Port = 10
)

// streams is the application side of the port bindings.
type streams struct {
	input   buffer.Info
	outputs map[buffer.Port]manager.OutputConfig
	every   map[buffer.Port]int
}

func newStreams(cfg *config.Config) (*streams, error) {
	in, err := buffer.ParseInfo(cfg.Input)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	specs, err := cfg.OutputSpecs()
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no output streams")
	}

	s := &streams{
		input:   in,
		outputs: make(map[buffer.Port]manager.OutputConfig, len(specs)),
		every:   make(map[buffer.Port]int, len(specs)),
	}
	for i, spec := range specs {
		port := FirstOutputPort + buffer.Port(i)
		s.outputs[port] = manager.OutputConfig{Info: spec.Info, StreamID: int32(spec.StreamID)}
		s.every[port] = spec.Every
	}
	return s, nil
}

func (s *streams) inputs() map[buffer.Port]buffer.Info {
	return map[buffer.Port]buffer.Info{InputPort: s.input}
}

func (s *streams) outputInfos() map[buffer.Port]buffer.Info {
	out := make(map[buffer.Port]buffer.Info, len(s.outputs))
	for port, oc := range s.outputs {
		out[port] = oc.Info
	}
	return out
}

// driverFor returns the accelerator factory for the configured device.
func driverFor(cfg *config.Config) pipeline.DriverFunc {
	if cfg.Device == "sim" {
		latency := cfg.SimLatency
		return func(int32) (device.Driver, error) {
			return device.NewSimDriver(device.SimConfig{Latency: latency}), nil
		}
	}
	path := cfg.Device
	return func(int32) (device.Driver, error) {
		k, err := device.OpenKernel(path)
		if err != nil {
			return nil, err
		}
		return k, nil
	}
}

// loadPlatform reads the graph file, or the built-in platform graph when
// none is configured.
func loadPlatform(cfg *config.Config) (*graph.Platform, error) {
	if cfg.GraphFile == "" {
		return graph.Default(), nil
	}
	return graph.Load(cfg.GraphFile)
}
