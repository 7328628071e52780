// Package graph holds the platform graph data: for each configuration mode
// the per-stream stage lists and the connections between stage terminals.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
)

// NoStream marks a connection that is not bound to an application stream.
const NoStream int32 = -1

// StageDesc declares one stage of a stream graph.
type StageDesc struct {
	Name string `yaml:"name"`

	// Type selects the implementation ("hw", "sw-copy", "sw-scale", "sw-gpu").
	Type string `yaml:"type"`

	// ContextID is the device node context of a hardware stage.
	ContextID uint32 `yaml:"context_id"`

	// Kernels is the enabled kernel bitmap uploaded with the device graph.
	Kernels uint64 `yaml:"kernels"`
}

// Connection joins a source terminal to a sink terminal. An empty
// SourceStage marks an external input, an empty SinkStage an external
// output.
type Connection struct {
	SourceStage    string      `yaml:"source_stage"`
	SourceTerminal buffer.Port `yaml:"source_terminal"`
	SinkStage      string      `yaml:"sink_stage"`
	SinkTerminal   buffer.Port `yaml:"sink_terminal"`

	// Disabled connections describe terminals but carry no buffers.
	Disabled bool `yaml:"disabled"`

	Format string `yaml:"format"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`

	// StreamID is the application stream an external output belongs to.
	StreamID *int32 `yaml:"stream_id"`

	PayloadSize   uint32 `yaml:"payload_size"`
	StreamingMode uint8  `yaml:"streaming_mode"`
	FrameDelay    uint8  `yaml:"frame_delay"`
}

// Enabled reports whether the connection carries buffers.
func (c Connection) Enabled() bool { return !c.Disabled }

// IsInputEdge reports whether the connection enters the pipeline from outside.
func (c Connection) IsInputEdge() bool { return c.SourceStage == "" }

// IsOutputEdge reports whether the connection leaves the pipeline.
func (c Connection) IsOutputEdge() bool { return c.SinkStage == "" }

// IsStats reports whether the connection is a statistics terminal.
func (c Connection) IsStats() bool {
	return strings.EqualFold(c.Format, buffer.FormatStats.String())
}

// AppStream returns the application stream id of an output, or NoStream.
func (c Connection) AppStream() int32 {
	if c.StreamID == nil {
		return NoStream
	}
	return *c.StreamID
}

// Info returns the buffer geometry the connection carries.
func (c Connection) Info() (buffer.Info, error) {
	f, err := buffer.ParseFormat(c.Format)
	if err != nil {
		return buffer.Info{}, err
	}
	if c.IsStats() && c.PayloadSize > 0 {
		return buffer.Info{Width: int(c.PayloadSize), Height: 1, Format: f, Stride: int(c.PayloadSize), Size: int(c.PayloadSize)}, nil
	}
	return buffer.NewInfo(c.Width, c.Height, f), nil
}

// String renders the connection for logs and graph dumps.
func (c Connection) String() string {
	src, sink := c.SourceStage, c.SinkStage
	if src == "" {
		src = "<in>"
	}
	if sink == "" {
		sink = "<out>"
	}
	s := fmt.Sprintf("%s:%d -> %s:%d %dx%d:%s", src, c.SourceTerminal, sink, c.SinkTerminal, c.Width, c.Height, c.Format)
	if id := c.AppStream(); id != NoStream {
		s += fmt.Sprintf(" @%d", id)
	}
	if c.Disabled {
		s += " (disabled)"
	}
	return s
}

// StreamGraph is the stage graph of one pipeline.
type StreamGraph struct {
	StreamID int32 `yaml:"stream_id"`

	// Reprocess marks a pipeline fed from application YUV buffers rather
	// than the sensor.
	Reprocess bool `yaml:"reprocess"`

	Stages      []StageDesc  `yaml:"stages"`
	Connections []Connection `yaml:"connections"`
}

// Stage returns the stage named name.
func (g *StreamGraph) Stage(name string) (StageDesc, bool) {
	i := slices.IndexFunc(g.Stages, func(s StageDesc) bool { return s.Name == name })
	if i < 0 {
		return StageDesc{}, false
	}
	return g.Stages[i], true
}

// InputEdge returns the single enabled external input connection.
func (g *StreamGraph) InputEdge() (Connection, bool) {
	for _, c := range g.Connections {
		if c.Enabled() && c.IsInputEdge() {
			return c, true
		}
	}
	return Connection{}, false
}

// OutputEdges returns the enabled external output connections that reach
// an application stream. Statistics terminals are excluded.
func (g *StreamGraph) OutputEdges() []Connection {
	var out []Connection
	for _, c := range g.Connections {
		if c.Enabled() && c.IsOutputEdge() && !c.IsStats() {
			out = append(out, c)
		}
	}
	return out
}

// Config is the graph set for one configuration and tuning mode.
type Config struct {
	ConfigMode string        `yaml:"config_mode"`
	TuningMode string        `yaml:"tuning_mode"`
	Streams    []StreamGraph `yaml:"streams"`
}

// ActiveStreamIDs returns the ids of the sensor-fed streams.
func (c *Config) ActiveStreamIDs() []int32 {
	var ids []int32
	for _, s := range c.Streams {
		if !s.Reprocess {
			ids = append(ids, s.StreamID)
		}
	}
	return ids
}

// Stream returns the stream graph with the given id.
func (c *Config) Stream(id int32) (*StreamGraph, bool) {
	for i := range c.Streams {
		if c.Streams[i].StreamID == id {
			return &c.Streams[i], true
		}
	}
	return nil, false
}

// ReprocessStream returns the reprocessing stream graph, if any.
func (c *Config) ReprocessStream() (*StreamGraph, bool) {
	for i := range c.Streams {
		if c.Streams[i].Reprocess {
			return &c.Streams[i], true
		}
	}
	return nil, false
}

// Platform is the complete platform graph data.
type Platform struct {
	Configs []Config `yaml:"configs"`
}

// Lookup returns the graph set for a configuration and tuning mode.
func (p *Platform) Lookup(configMode, tuningMode string) (*Config, error) {
	for i := range p.Configs {
		c := &p.Configs[i]
		if c.ConfigMode == configMode && c.TuningMode == tuningMode {
			return c, nil
		}
	}
	return nil, fmt.Errorf("config mode %q tuning mode %q: %w", configMode, tuningMode, ErrNoConfig)
}

// Modes lists the available "config/tuning" pairs.
func (p *Platform) Modes() []string {
	modes := make([]string, 0, len(p.Configs))
	for _, c := range p.Configs {
		modes = append(modes, c.ConfigMode+"/"+c.TuningMode)
	}
	return modes
}
