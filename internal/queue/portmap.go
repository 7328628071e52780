package queue

import (
	"fmt"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
)

// MapListener translates a producer's output ports into a consumer's input
// ports. Ports without a mapping are ignored.
type MapListener struct {
	Target Listener
	Ports  map[buffer.Port]buffer.Port // producer port -> consumer port
}

// OnFrameAvailable implements Listener.
func (m *MapListener) OnFrameAvailable(port buffer.Port, f *buffer.Frame) error {
	p, ok := m.Ports[port]
	if !ok {
		return nil
	}
	return m.Target.OnFrameAvailable(p, f)
}

// MapProducer translates a consumer's input ports back into the producer's
// output ports when buffers are returned.
type MapProducer struct {
	Target Producer
	Ports  map[buffer.Port]buffer.Port // consumer port -> producer port
}

// Qbuf implements Producer.
func (m *MapProducer) Qbuf(port buffer.Port, f *buffer.Frame) error {
	p, ok := m.Ports[port]
	if !ok {
		return fmt.Errorf("return port %d: %w", port, ErrPortMismatch)
	}
	return m.Target.Qbuf(p, f)
}

// Invert returns the reverse of a one-to-one port map.
func Invert(m map[buffer.Port]buffer.Port) map[buffer.Port]buffer.Port {
	out := make(map[buffer.Port]buffer.Port, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}
