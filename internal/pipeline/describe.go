package pipeline

import (
	"fmt"
	"strings"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/stage"
)

// Describe renders the wired pipeline: stages with their negotiated ports,
// then the connection list.
func (p *Pipeline) Describe() string {
	var b strings.Builder
	kind := "sensor"
	if p.reprocess {
		kind = "reprocess"
	}
	fmt.Fprintf(&b, "stream %d (%s)\n", p.streamID, kind)

	for _, u := range p.units {
		fmt.Fprintf(&b, "  [%d] %s type=%s", u.Index, u.Desc.Name, u.Desc.Type)
		if u.Desc.Type == stage.TypeHardware {
			fmt.Fprintf(&b, " ctx=%d kernels=%#x", u.Desc.ContextID, u.Desc.Kernels)
		}
		if u.Producer >= 0 {
			fmt.Fprintf(&b, " producer=%s", p.units[u.Producer].Desc.Name)
		}
		b.WriteString("\n")

		in, out := u.Stage.FrameInfo()
		writePorts(&b, "in ", u.Inputs, in)
		writePorts(&b, "out", u.Outputs, out)
	}

	b.WriteString("  connections:\n")
	for _, c := range p.graph.Connections {
		fmt.Fprintf(&b, "    %s\n", c)
	}
	return b.String()
}

func writePorts(b *strings.Builder, dir string, ports []buffer.Port, infos map[buffer.Port]stage.StreamInfo) {
	for _, port := range ports {
		si := infos[port]
		edge := ""
		if si.External {
			edge = " edge"
		}
		fmt.Fprintf(b, "      %s %-3d %s stream=%d%s\n", dir, port, si.Info, si.StreamID, edge)
	}
}
