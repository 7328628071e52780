// Package buffer provides the reference-counted frame buffers that move
// between pipeline stages.
//
// A Frame is shared by the stage that produced it and every stage or
// listener currently holding a reference. The last Unref runs the release
// hook, which for pooled buffers hands the memory back to its pool.
package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Port names one data-flow endpoint (terminal) of a stage.
type Port uint32

// NoSequence marks a frame that has not been stamped yet.
const NoSequence int64 = -1

// MemoryKind identifies what backs a frame's pixels.
type MemoryKind int

const (
	// MemoryHeap is Go-allocated memory.
	MemoryHeap MemoryKind = iota

	// MemoryMmap is a memory-mapped device region.
	MemoryMmap

	// MemoryHandle is an externally supplied handle (dma-buf fd).
	MemoryHandle
)

// String returns a human-readable name for the memory kind.
func (k MemoryKind) String() string {
	switch k {
	case MemoryHeap:
		return "heap"
	case MemoryMmap:
		return "mmap"
	case MemoryHandle:
		return "handle"
	default:
		return "unknown"
	}
}

// Flags describe ownership and cache behaviour.
type Flags uint32

const (
	// FlagInternal marks buffers allocated by the pipeline itself.
	FlagInternal Flags = 1 << iota

	// FlagExternal marks buffers owned by the application.
	FlagExternal

	// FlagNeedsFlush asks the device layer to flush CPU caches before use.
	FlagNeedsFlush

	// FlagDMAExport marks buffers that may be exported as dma-buf.
	FlagDMAExport
)

// Frame is one reference-counted image buffer.
type Frame struct {
	info  Info
	kind  MemoryKind
	data  []byte
	fd    int
	flags atomic.Uint32

	seq         atomic.Int64
	settingsSeq atomic.Int64
	timestamp   atomic.Int64 // unix nanos

	refs        atomic.Int32
	releaseOnce sync.Once
	releaseMu   sync.Mutex
	release     func(*Frame)
}

func newFrame(info Info, kind MemoryKind, data []byte, fd int, flags Flags) *Frame {
	f := &Frame{
		info: info,
		kind: kind,
		data: data,
		fd:   fd,
	}
	f.flags.Store(uint32(flags))
	f.seq.Store(NoSequence)
	f.settingsSeq.Store(NoSequence)
	f.refs.Store(1)
	return f
}

// New allocates an internally owned heap frame sized for info.
func New(info Info) *Frame {
	return newFrame(info, MemoryHeap, make([]byte, info.Size), -1, FlagInternal)
}

// Wrap creates an application-owned frame around existing memory.
func Wrap(info Info, data []byte) *Frame {
	return newFrame(info, MemoryHeap, data, -1, FlagExternal)
}

// FromHandle creates an application-owned frame backed by a dma-buf fd.
func FromHandle(info Info, fd int) *Frame {
	return newFrame(info, MemoryHandle, nil, fd, FlagExternal|FlagDMAExport)
}

// FromMmap creates a frame over a memory-mapped device region.
func FromMmap(info Info, data []byte, fd int) *Frame {
	return newFrame(info, MemoryMmap, data, fd, FlagInternal|FlagNeedsFlush)
}

// Info returns the frame geometry.
func (f *Frame) Info() Info { return f.info }

// Kind returns the backing memory kind.
func (f *Frame) Kind() MemoryKind { return f.kind }

// Data returns the pixel memory. It is nil for handle-backed frames.
func (f *Frame) Data() []byte { return f.data }

// Handle returns the dma-buf fd, or -1.
func (f *Frame) Handle() int { return f.fd }

// Flags returns the current flag set.
func (f *Frame) Flags() Flags { return Flags(f.flags.Load()) }

// HasFlag reports whether every bit of flag is set.
func (f *Frame) HasFlag(flag Flags) bool { return f.Flags()&flag == flag }

// SetFlag sets the given bits.
func (f *Frame) SetFlag(flag Flags) {
	for {
		old := f.flags.Load()
		if f.flags.CompareAndSwap(old, old|uint32(flag)) {
			return
		}
	}
}

// IsInternal reports whether the pipeline owns the memory.
func (f *Frame) IsInternal() bool { return f.HasFlag(FlagInternal) }

// Sequence returns the frame sequence number.
func (f *Frame) Sequence() int64 { return f.seq.Load() }

// SetSequence stamps the frame sequence number.
func (f *Frame) SetSequence(seq int64) { f.seq.Store(seq) }

// SettingsSequence returns the sequence of the ISP settings bound to this frame.
func (f *Frame) SettingsSequence() int64 { return f.settingsSeq.Load() }

// SetSettingsSequence binds the frame to the settings of another sequence.
func (f *Frame) SetSettingsSequence(seq int64) { f.settingsSeq.Store(seq) }

// Timestamp returns the capture timestamp.
func (f *Frame) Timestamp() time.Time {
	ns := f.timestamp.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SetTimestamp records the capture timestamp.
func (f *Frame) SetTimestamp(t time.Time) { f.timestamp.Store(t.UnixNano()) }

// Validate checks the sequence invariants.
func (f *Frame) Validate() error {
	seq, settings := f.Sequence(), f.SettingsSequence()
	if settings != NoSequence && seq != NoSequence && settings > seq {
		return fmt.Errorf("settings sequence %d ahead of frame sequence %d", settings, seq)
	}
	if f.kind == MemoryHandle && f.fd < 0 {
		return fmt.Errorf("handle-backed frame without fd")
	}
	if f.kind != MemoryHandle && len(f.data) < f.info.Size {
		return fmt.Errorf("frame memory %d bytes, need %d", len(f.data), f.info.Size)
	}
	return nil
}

// SetReleaser installs the hook run when the last reference is dropped.
func (f *Frame) SetReleaser(fn func(*Frame)) {
	f.releaseMu.Lock()
	f.release = fn
	f.releaseMu.Unlock()
}

// Ref takes an additional reference and returns the frame for chaining.
func (f *Frame) Ref() *Frame {
	f.refs.Add(1)
	return f
}

// Unref drops one reference. It reports true when this call released the frame.
func (f *Frame) Unref() bool {
	n := f.refs.Add(-1)
	if n > 0 {
		return false
	}
	if n < 0 {
		f.refs.Store(0)
		return false
	}
	released := false
	f.releaseOnce.Do(func() {
		released = true
		f.releaseMu.Lock()
		fn := f.release
		f.releaseMu.Unlock()
		if fn != nil {
			fn(f)
		}
	})
	return released
}

// Refs returns the current reference count.
func (f *Frame) Refs() int32 { return f.refs.Load() }

// Reset revives a released frame for reuse by a pool.
func (f *Frame) Reset() {
	f.seq.Store(NoSequence)
	f.settingsSeq.Store(NoSequence)
	f.timestamp.Store(0)
	f.refs.Store(1)
	f.releaseOnce = sync.Once{}
}

// String summarizes the frame for logs.
func (f *Frame) String() string {
	return fmt.Sprintf("frame{%s %s seq=%d settings=%d refs=%d}",
		f.info, f.kind, f.Sequence(), f.SettingsSequence(), f.Refs())
}
