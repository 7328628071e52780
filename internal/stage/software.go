package stage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/randomizedcoder/go-camera-pipe/internal/buffer"
	"github.com/randomizedcoder/go-camera-pipe/internal/metrics"
)

// Software stage type tags.
const (
	TypeCopy  = "sw-copy"
	TypeScale = "sw-scale"
	TypeGPU   = "sw-gpu"
)

// ErrNoCPUAccess is returned when a transform needs memory a frame does
// not expose (handle-backed frames).
var ErrNoCPUAccess = errors.New("frame memory not CPU accessible")

// PostProcessor transforms one input frame into one output frame.
type PostProcessor interface {
	Name() string
	Process(in, out *buffer.Frame) error
}

// SoftwareStage performs the same rendezvous as a hardware stage but runs a
// PostProcessor synchronously inside Process.
type SoftwareStage struct {
	base

	procMu sync.Mutex // serializes the transform
	proc   PostProcessor
}

// NewSoftware creates a software stage running proc.
func NewSoftware(opts Options, typ string, proc PostProcessor) *SoftwareStage {
	return &SoftwareStage{
		base: newBase(opts, typ),
		proc: proc,
	}
}

// Processor returns the transform the stage runs.
func (s *SoftwareStage) Processor() PostProcessor { return s.proc }

// Process takes one full buffer set, runs the transform into every output
// and forwards the results.
func (s *SoftwareStage) Process(triggerID int64) error {
	if err := s.enterRunning(); err != nil {
		return err
	}
	inputs, outputs, err := s.acquire()
	if err != nil {
		return err
	}

	src := s.primary(inputs)
	seq := src.Sequence()
	stamp(src, outputs)

	s.procMu.Lock()
	var errs []error
	for _, port := range sortedKeys(outputs) {
		if err := s.proc.Process(src, outputs[port]); err != nil {
			errs = append(errs, fmt.Errorf("%s port %d: %w", s.proc.Name(), port, err))
		}
	}
	s.procMu.Unlock()

	if err := errors.Join(errs...); err != nil {
		s.metrics.StageProcessed(s.name, metrics.ResultError)
		s.logger.Warn("post_process_failed",
			"trigger", triggerID,
			"sequence", seq,
			"error", err,
		)
		if fn := s.eventHooks().OnError; fn != nil {
			fn(s.name, seq, err)
		}
		// Outputs are still forwarded so the request does not stall.
	} else {
		s.metrics.StageProcessed(s.name, metrics.ResultOK)
	}

	s.deliver(seq, inputs, outputs)
	return nil
}

// Stop drains the queue.
func (s *SoftwareStage) Stop() {
	s.stopQueue()
	s.logger.Debug("stage_stopped")
}

// =============================================================================
// Transforms
// =============================================================================

// CopyProcessor copies pixels between frames of the same shape.
type CopyProcessor struct{}

// Name implements PostProcessor.
func (CopyProcessor) Name() string { return "copy" }

// Process implements PostProcessor.
func (CopyProcessor) Process(in, out *buffer.Frame) error {
	if !in.Info().SameShape(out.Info()) {
		return fmt.Errorf("copy %s -> %s: shape mismatch", in.Info(), out.Info())
	}
	if in.Data() == nil || out.Data() == nil {
		return ErrNoCPUAccess
	}
	copy(out.Data(), in.Data())
	return nil
}

// ScaleProcessor resamples with nearest-neighbour. Formats must match.
type ScaleProcessor struct{}

// Name implements PostProcessor.
func (ScaleProcessor) Name() string { return "scale" }

// Process implements PostProcessor.
func (ScaleProcessor) Process(in, out *buffer.Frame) error {
	si, di := in.Info(), out.Info()
	if si.Format != di.Format {
		return fmt.Errorf("scale %s -> %s: format mismatch", si, di)
	}
	src, dst := in.Data(), out.Data()
	if src == nil || dst == nil {
		return ErrNoCPUAccess
	}
	if si.SameShape(di) && si.Stride == di.Stride {
		copy(dst, src)
		return nil
	}

	unitBytes, unitPixels := si.Format.Unit()
	scalePlane(dst, di.Stride, di.Width/unitPixels, di.Height,
		src, si.Stride, si.Width/unitPixels, si.Height, unitBytes)

	if si.Format.HasChromaPlane() {
		// Interleaved chroma: one 2-byte sample pair per 2x2 luma block.
		scalePlane(dst[di.Stride*di.Height:], di.Stride, di.Width/2, di.Height/2,
			src[si.Stride*si.Height:], si.Stride, si.Width/2, si.Height/2, 2)
	}
	return nil
}

// scalePlane copies units of unitBytes from a srcW x srcH grid onto a
// dstW x dstH grid by nearest-neighbour sampling.
func scalePlane(dst []byte, dstStride, dstW, dstH int, src []byte, srcStride, srcW, srcH, unitBytes int) {
	if dstW <= 0 || dstH <= 0 || srcW <= 0 || srcH <= 0 {
		return
	}
	for y := 0; y < dstH; y++ {
		sy := y * srcH / dstH
		srow := src[sy*srcStride:]
		drow := dst[y*dstStride:]
		for x := 0; x < dstW; x++ {
			sx := x * srcW / dstW
			copy(drow[x*unitBytes:x*unitBytes+unitBytes], srow[sx*unitBytes:sx*unitBytes+unitBytes])
		}
	}
}

// GPUProcessor delegates to an externally registered processor and falls
// back to nearest-neighbour scaling when none is registered.
type GPUProcessor struct {
	mu       sync.RWMutex
	external PostProcessor
	fallback ScaleProcessor
}

// Register installs the external processor.
func (g *GPUProcessor) Register(p PostProcessor) {
	g.mu.Lock()
	g.external = p
	g.mu.Unlock()
}

// Name implements PostProcessor.
func (g *GPUProcessor) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.external != nil {
		return "gpu:" + g.external.Name()
	}
	return "gpu:" + g.fallback.Name()
}

// Process implements PostProcessor.
func (g *GPUProcessor) Process(in, out *buffer.Frame) error {
	g.mu.RLock()
	p := g.external
	g.mu.RUnlock()
	if p == nil {
		return g.fallback.Process(in, out)
	}
	return p.Process(in, out)
}
