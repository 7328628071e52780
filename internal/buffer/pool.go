package buffer

import (
	"sync"
	"sync/atomic"
)

// Sequencer hands out unique, increasing sequence numbers for one physical
// source.
type Sequencer struct {
	next atomic.Int64
}

// NewSequencer starts numbering at first.
func NewSequencer(first int64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(first)
	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() int64 {
	return s.next.Add(1) - 1
}

// Pool recycles frames of one geometry. Frames taken from the pool return
// to it when their last reference is released.
type Pool struct {
	info Info

	mu    sync.Mutex
	free  []*Frame
	total int
	limit int
}

// NewPool creates a pool that allocates at most limit frames (0 = unbounded).
func NewPool(info Info, limit int) *Pool {
	return &Pool{info: info, limit: limit}
}

// Info returns the geometry served by the pool.
func (p *Pool) Info() Info { return p.info }

// Get returns a frame with one reference, or nil when the pool is exhausted.
func (p *Pool) Get() *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		f := p.free[n-1]
		p.free = p.free[:n-1]
		f.Reset()
		return f
	}
	if p.limit > 0 && p.total >= p.limit {
		return nil
	}
	p.total++
	f := New(p.info)
	f.SetReleaser(p.put)
	return f
}

func (p *Pool) put(f *Frame) {
	p.mu.Lock()
	p.free = append(p.free, f)
	p.mu.Unlock()
}

// Stats returns (allocated, free) frame counts.
func (p *Pool) Stats() (allocated, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, len(p.free)
}
