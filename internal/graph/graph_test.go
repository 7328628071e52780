package graph

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
)

func TestDefault_IsValid(t *testing.T) {
	p := Default()
	if got := len(p.Configs); got != 2 {
		t.Fatalf("configs: got %d, want 2", got)
	}
	c, err := p.Lookup("video", "normal")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	ids := c.ActiveStreamIDs()
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("ActiveStreamIDs: got %v, want [0 1]", ids)
	}
	rp, ok := c.ReprocessStream()
	if !ok || rp.StreamID != 2 {
		t.Errorf("ReprocessStream: got %v/%v, want stream 2", rp, ok)
	}

	s0, ok := c.Stream(0)
	if !ok {
		t.Fatal("stream 0 missing")
	}
	in, ok := s0.InputEdge()
	if !ok || in.SinkStage != "isa" || in.SinkTerminal != 1 {
		t.Errorf("InputEdge: got %v", in)
	}
	outs := s0.OutputEdges()
	if len(outs) != 1 || outs[0].AppStream() != 0 {
		t.Errorf("OutputEdges: got %v, want one edge to stream 0", outs)
	}
	if isa, ok := s0.Stage("isa"); !ok || isa.ContextID != 1 || isa.Kernels != 63 {
		t.Errorf("Stage(isa): got %+v, %v", isa, ok)
	}
}

func TestLookup_UnknownMode(t *testing.T) {
	_, err := Default().Lookup("video", "low-light")
	if !errors.Is(err, ErrNoConfig) {
		t.Errorf("got %v, want ErrNoConfig", err)
	}
}

func TestConnection_Info(t *testing.T) {
	tests := []struct {
		name string
		conn Connection
		want buffer.Info
	}{
		{
			name: "image",
			conn: Connection{Format: "NV12", Width: 640, Height: 360},
			want: buffer.NewInfo(640, 360, buffer.FormatNV12),
		},
		{
			name: "stats payload",
			conn: Connection{Format: "STAT", PayloadSize: 4096},
			want: buffer.Info{Width: 4096, Height: 1, Format: buffer.FormatStats, Stride: 4096, Size: 4096},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.conn.Info()
			if err != nil {
				t.Fatalf("Info: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestConnection_String(t *testing.T) {
	id := int32(3)
	c := Connection{SourceStage: "post", SourceTerminal: 5, Format: "NV12", Width: 8, Height: 4, StreamID: &id}
	if got, want := c.String(), "post:5 -> <out>:0 8x4:NV12 @3"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

const oneStream = `
configs:
  - config_mode: video
    tuning_mode: normal
    streams:
      - stream_id: 0
        stages:
%s
        connections:
%s
`

func build(stages, conns string) []byte {
	return []byte(fmt.Sprintf(oneStream, stages, conns))
}

func TestParse_Rejects(t *testing.T) {
	okStages := "          - {name: a, type: sw-copy}"
	okIn := "          - {sink_stage: a, sink_terminal: 1, format: NV12, width: 8, height: 8}"
	okOut := "          - {source_stage: a, source_terminal: 2, format: NV12, width: 8, height: 8, stream_id: 0}"

	tests := []struct {
		name    string
		stages  string
		conns   string
		wantMsg string
	}{
		{
			name:    "unknown type",
			stages:  "          - {name: a, type: jpeg}",
			conns:   okIn + "\n" + okOut,
			wantMsg: `unknown type "jpeg"`,
		},
		{
			name:    "hardware without context",
			stages:  "          - {name: a, type: hw}",
			conns:   okIn + "\n" + okOut,
			wantMsg: "needs a context_id",
		},
		{
			name:    "unknown stage",
			stages:  okStages,
			conns:   okIn + "\n" + "          - {source_stage: b, source_terminal: 2, format: NV12, width: 8, height: 8}",
			wantMsg: `unknown stage "b"`,
		},
		{
			name:    "two input edges",
			stages:  okStages,
			conns:   okIn + "\n" + "          - {sink_stage: a, sink_terminal: 3, format: NV12, width: 8, height: 8}\n" + okOut,
			wantMsg: "exactly one input edge, got 2",
		},
		{
			name:    "no input edge",
			stages:  okStages,
			conns:   okOut,
			wantMsg: "exactly one input edge, got 0",
		},
		{
			name:   "sink fed twice",
			stages: okStages + "\n          - {name: b, type: sw-copy}",
			conns: okIn + "\n" +
				"          - {source_stage: a, source_terminal: 2, sink_stage: b, sink_terminal: 3, format: NV12, width: 8, height: 8}\n" +
				"          - {source_stage: a, source_terminal: 4, sink_stage: b, sink_terminal: 3, format: NV12, width: 8, height: 8}",
			wantMsg: "sink b:3 has 2 sources",
		},
		{
			name:    "terminal shared by two stages",
			stages:  okStages + "\n          - {name: b, type: sw-copy}",
			conns:   okIn + "\n" + "          - {source_stage: a, source_terminal: 1, sink_stage: b, sink_terminal: 1, format: NV12, width: 8, height: 8}",
			wantMsg: `terminal 1 belongs to "a" and "b"`,
		},
		{
			name:    "bad dimensions",
			stages:  okStages,
			conns:   okIn + "\n" + "          - {source_stage: a, source_terminal: 2, format: NV12, width: 0, height: 8}",
			wantMsg: "dimensions 0x8 must be positive",
		},
		{
			name:    "stream id on input",
			stages:  okStages,
			conns:   "          - {sink_stage: a, sink_terminal: 1, format: NV12, width: 8, height: 8, stream_id: 1}\n" + okOut,
			wantMsg: "stream_id is only valid on output edges",
		},
		{
			name:    "unknown key",
			stages:  "          - {name: a, type: sw-copy, colour: blue}",
			conns:   okIn + "\n" + okOut,
			wantMsg: "colour",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(build(tc.stages, tc.conns))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tc.wantMsg)
			}
		})
	}
}

func TestParse_Minimal(t *testing.T) {
	p, err := Parse(build(
		"          - {name: a, type: sw-copy}",
		"          - {sink_stage: a, sink_terminal: 1, format: NV12, width: 8, height: 8}\n"+
			"          - {source_stage: a, source_terminal: 2, format: NV12, width: 8, height: 8, stream_id: 0}",
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := p.Modes(); len(got) != 1 || got[0] != "video/normal" {
		t.Errorf("Modes: got %v", got)
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	data, err := Marshal(Default())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "graph.yaml")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c, err := p.Lookup("still", "normal")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if s, ok := c.Stream(0); !ok || len(s.Stages) != 2 {
		t.Errorf("still stream 0: got %+v", s)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
