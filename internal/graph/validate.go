package graph

import (
	"errors"
	"fmt"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/stage"
)

// ErrNoConfig is returned when no graph set matches the requested modes.
var ErrNoConfig = errors.New("no graph for mode")

// ValidationError represents a malformed graph entry.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks every configuration of the platform.
func (p *Platform) Validate() error {
	if len(p.Configs) == 0 {
		return ValidationError{Field: "configs", Message: "no configurations"}
	}
	var errs []error
	seen := make(map[string]bool)
	for i := range p.Configs {
		c := &p.Configs[i]
		key := c.ConfigMode + "/" + c.TuningMode
		if seen[key] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("configs[%d]", i),
				Message: fmt.Sprintf("duplicate mode %s", key),
			})
		}
		seen[key] = true
		errs = append(errs, c.Validate())
	}
	return errors.Join(errs...)
}

// Validate checks the streams of one configuration.
func (c *Config) Validate() error {
	prefix := c.ConfigMode + "/" + c.TuningMode
	if len(c.Streams) == 0 {
		return ValidationError{Field: prefix, Message: "no streams"}
	}
	var errs []error
	ids := make(map[int32]bool)
	reprocess := 0
	for i := range c.Streams {
		s := &c.Streams[i]
		if ids[s.StreamID] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.streams[%d]", prefix, i),
				Message: fmt.Sprintf("duplicate stream id %d", s.StreamID),
			})
		}
		ids[s.StreamID] = true
		if s.Reprocess {
			reprocess++
		}
		errs = append(errs, s.Validate())
	}
	if reprocess > 1 {
		errs = append(errs, ValidationError{Field: prefix, Message: "more than one reprocessing stream"})
	}
	return errors.Join(errs...)
}

type endpoint struct {
	stage string
	port  buffer.Port
}

// Validate checks one stream graph: stages are known, terminals belong to
// one stage, every enabled sink has exactly one source and vice versa, and
// there is exactly one input edge.
func (g *StreamGraph) Validate() error {
	prefix := fmt.Sprintf("stream[%d]", g.StreamID)
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: prefix + field, Message: fmt.Sprintf(format, args...)})
	}

	if len(g.Stages) == 0 {
		add(".stages", "no stages")
	}
	names := make(map[string]bool, len(g.Stages))
	contexts := make(map[uint32]string)
	for i, s := range g.Stages {
		field := fmt.Sprintf(".stages[%d]", i)
		switch {
		case s.Name == "":
			add(field, "empty name")
		case names[s.Name]:
			add(field, "duplicate stage %q", s.Name)
		}
		names[s.Name] = true
		if !stage.KnownType(s.Type) {
			add(field, "unknown type %q", s.Type)
		}
		if s.Type == stage.TypeHardware {
			if s.ContextID == 0 {
				add(field, "hardware stage %q needs a context_id", s.Name)
			} else if other, dup := contexts[s.ContextID]; dup {
				add(field, "context %d used by %q and %q", s.ContextID, other, s.Name)
			}
			contexts[s.ContextID] = s.Name
		}
	}

	owner := make(map[buffer.Port]string)
	claim := func(field, stageName string, port buffer.Port) {
		if stageName == "" {
			return
		}
		if prev, ok := owner[port]; ok && prev != stageName {
			add(field, "terminal %d belongs to %q and %q", port, prev, stageName)
			return
		}
		owner[port] = stageName
	}

	sinks := make(map[endpoint]int)
	sources := make(map[endpoint]int)
	inputs := 0
	for i, c := range g.Connections {
		field := fmt.Sprintf(".connections[%d]", i)
		if c.IsInputEdge() && c.IsOutputEdge() {
			add(field, "connection has neither source nor sink stage")
			continue
		}
		for _, name := range []string{c.SourceStage, c.SinkStage} {
			if name != "" && !names[name] {
				add(field, "unknown stage %q", name)
			}
		}
		claim(field, c.SourceStage, c.SourceTerminal)
		claim(field, c.SinkStage, c.SinkTerminal)

		if _, err := buffer.ParseFormat(c.Format); err != nil {
			add(field, "%v", err)
		}
		if !c.IsStats() && (c.Width <= 0 || c.Height <= 0) {
			add(field, "dimensions %dx%d must be positive", c.Width, c.Height)
		}
		if c.IsStats() && !c.IsOutputEdge() {
			add(field, "statistics terminal must be an output edge")
		}
		if c.StreamID != nil && !c.IsOutputEdge() {
			add(field, "stream_id is only valid on output edges")
		}

		if !c.Enabled() {
			continue
		}
		if c.IsInputEdge() {
			inputs++
		} else {
			sources[endpoint{c.SourceStage, c.SourceTerminal}]++
		}
		if !c.IsOutputEdge() {
			sinks[endpoint{c.SinkStage, c.SinkTerminal}]++
		}
	}

	for ep, n := range sinks {
		if n > 1 {
			add(".connections", "sink %s:%d has %d sources", ep.stage, ep.port, n)
		}
	}
	for ep, n := range sources {
		if n > 1 {
			add(".connections", "source %s:%d has %d sinks", ep.stage, ep.port, n)
		}
	}
	fed := make(map[string]bool)
	for ep := range sinks {
		fed[ep.stage] = true
	}
	for _, s := range g.Stages {
		if s.Name != "" && !fed[s.Name] {
			add(".stages", "stage %q has no enabled input", s.Name)
		}
	}
	if inputs != 1 {
		add(".connections", "want exactly one input edge, got %d", inputs)
	}
	return errors.Join(errs...)
}
