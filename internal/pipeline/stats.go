package pipeline

import (
	"fmt"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/stage"
)

// statsRecycler listens on a stage that owns statistics terminals. Every
// completed statistics buffer is reported and queued straight back on the
// same terminal.
type statsRecycler struct {
	p     *Pipeline
	stage stage.Stage
	ports map[buffer.Port]bool
}

// OnFrameAvailable implements queue.Listener.
func (r *statsRecycler) OnFrameAvailable(port buffer.Port, f *buffer.Frame) error {
	if !r.ports[port] {
		return nil
	}
	if fn := r.p.opts.OnStats; fn != nil {
		fn(r.p.streamID, f.Sequence(), f)
	}
	f.Ref()
	if err := r.stage.Qbuf(port, f); err != nil {
		f.Unref()
	}
	return nil
}

// installRecyclers attaches one recycler per stage with statistics
// terminals.
func (p *Pipeline) installRecyclers() {
	byUnit := make(map[int]*statsRecycler)
	for _, e := range p.stats {
		r, ok := byUnit[e.Unit]
		if !ok {
			r = &statsRecycler{p: p, stage: p.units[e.Unit].Stage, ports: make(map[buffer.Port]bool)}
			byUnit[e.Unit] = r
			p.recyclers = append(p.recyclers, r)
		}
		r.ports[e.Port] = true
	}
	for _, r := range p.recyclers {
		r.stage.AddFrameAvailableListener(r)
	}
}

// seedStats queues the statistics buffers. Buffers released by a previous
// Stop come back from the pool.
func (p *Pipeline) seedStats() error {
	for _, e := range p.stats {
		pool := p.statPools[e.Port]
		for range p.opts.BufferCount {
			f := pool.Get()
			if f == nil {
				break
			}
			if err := p.units[e.Unit].Stage.Qbuf(e.Port, f); err != nil {
				f.Unref()
				return fmt.Errorf("stream %d: seed stats port %d: %w", p.streamID, e.Port, err)
			}
		}
	}
	return nil
}
