// Package device drives the processing-system accelerator: it uploads the
// per-stream topology, submits per-frame hardware tasks and decodes the
// asynchronous completion events back to pipeline sequence numbers.
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
)

var (
	// ErrNoGraph is returned when a task is submitted before AddGraph.
	ErrNoGraph = errors.New("device graph not open")

	// ErrGraphOpen is returned by AddGraph when a graph is already open.
	ErrGraphOpen = errors.New("device graph already open")

	// ErrUnknownContext is returned for a node context the graph does not declare.
	ErrUnknownContext = errors.New("unknown node context")

	// ErrTaskFailed wraps a non-zero error code reported by a completion event.
	ErrTaskFailed = errors.New("hardware task failed")

	// ErrClosed is returned by a driver after Close.
	ErrClosed = errors.New("device closed")

	// ErrBusy is a recoverable submission failure; the caller may retry.
	ErrBusy = errors.New("device busy")
)

// Handle is a device-visible buffer handle.
type Handle uint64

// Capability is the result of a capability query.
type Capability struct {
	Model         string
	DriverVersion uint32
	ProgramGroups uint32
}

// TerminalDesc describes one terminal of a hardware node.
type TerminalDesc struct {
	Terminal    buffer.Port
	PayloadSize uint32
	Output      bool
}

// NodeDesc describes one hardware node (a node context) in a graph.
type NodeDesc struct {
	ContextID uint32
	Name      string
	Kernels   uint64 // enabled kernel bitmap
	Terminals []TerminalDesc
}

// LinkDesc connects a source terminal to a sink terminal inside the graph.
type LinkDesc struct {
	SrcContext    uint32
	SrcTerminal   buffer.Port
	DstContext    uint32
	DstTerminal   buffer.Port
	StreamingMode uint8
	FrameDelay    uint8
}

// GraphDesc is the topology uploaded for one stream.
type GraphDesc struct {
	StreamID int32
	Nodes    []NodeDesc
	Links    []LinkDesc
}

// Contexts returns the node context ids declared by the graph.
func (g GraphDesc) Contexts() []uint32 {
	ids := make([]uint32, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		ids = append(ids, n.ContextID)
	}
	return ids
}

// Validate checks that contexts are unique and every link names a declared context.
func (g GraphDesc) Validate() error {
	if len(g.Nodes) == 0 {
		return errors.New("graph has no nodes")
	}
	seen := make(map[uint32]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if seen[n.ContextID] {
			return fmt.Errorf("duplicate node context %d", n.ContextID)
		}
		seen[n.ContextID] = true
	}
	var errs []error
	for i, l := range g.Links {
		if !seen[l.SrcContext] {
			errs = append(errs, fmt.Errorf("link %d source context %d: %w", i, l.SrcContext, ErrUnknownContext))
		}
		if !seen[l.DstContext] {
			errs = append(errs, fmt.Errorf("link %d sink context %d: %w", i, l.DstContext, ErrUnknownContext))
		}
	}
	return errors.Join(errs...)
}

// TerminalBuffer binds one terminal of a task to a registered buffer.
type TerminalBuffer struct {
	Terminal buffer.Port
	Handle   Handle
	Offset   uint32
}

// TaskDesc is one per-frame hardware task.
type TaskDesc struct {
	GraphID   uint32
	ContextID uint32
	FrameID   uint32
	Terminals []TerminalBuffer
}

// Event is a decoded completion event. It carries only the hardware frame
// id; resolving it to a sequence is the Node's job.
type Event struct {
	GraphID   uint32
	ContextID uint32
	FrameID   uint32
	Error     int32
}

// Driver is the kernel boundary. Every method is one blocking device-control
// call.
type Driver interface {
	QueryCapability() (Capability, error)
	GraphOpen(desc GraphDesc) (uint32, error)
	GraphClose(graphID uint32) error

	// GetBuffer exchanges user memory for a dma-buf fd.
	GetBuffer(data []byte) (int, error)
	// PutBuffer releases an fd obtained from GetBuffer.
	PutBuffer(fd int) error
	// MapBuffer makes an fd visible to the device.
	MapBuffer(fd int) (Handle, error)
	UnmapBuffer(h Handle) error

	TaskRequest(task TaskDesc) error

	// Poll waits up to timeout for a completion event. A timeout is
	// reported as (false, nil).
	Poll(timeout time.Duration) (bool, error)
	DequeueEvent() (Event, error)

	Close() error
}
