// Package aiq is the boundary to the imaging-algorithm collaborator that
// prepares per-frame hardware parameters and recomputes kernel
// resolutions for pan/tilt/zoom changes.
package aiq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
)

// ErrNotFound is returned by Context.Get for an unknown handle.
var ErrNotFound = errors.New("aic handle not found")

// PTZ is a normalized pan/tilt/zoom descriptor. Zoom is a ratio >= 1; Pan
// and Tilt are the crop centre as a fraction of the active array.
type PTZ struct {
	Zoom float64
	Pan  float64
	Tilt float64
}

// DefaultPTZ is the unzoomed, centred descriptor.
var DefaultPTZ = PTZ{Zoom: 1, Pan: 0.5, Tilt: 0.5}

// Equal reports whether two descriptors differ by less than eps in every
// component.
func (p PTZ) Equal(o PTZ, eps float64) bool {
	return math.Abs(p.Zoom-o.Zoom) < eps &&
		math.Abs(p.Pan-o.Pan) < eps &&
		math.Abs(p.Tilt-o.Tilt) < eps
}

func (p PTZ) String() string {
	return fmt.Sprintf("zoom=%.3f pan=%.3f tilt=%.3f", p.Zoom, p.Pan, p.Tilt)
}

// Settings are the per-request ISP settings handed to the collaborator.
type Settings struct {
	// Sequence is the sequence the settings were computed for.
	Sequence int64
	PTZ      PTZ

	// Values carries opaque tuning controls.
	Values map[string]float64
}

// AIC prepares hardware parameters for one camera.
type AIC interface {
	// RunAIC prepares the hardware parameters of streamID for seq. It must
	// be called before that stream's buffers for seq are queued.
	RunAIC(ctx context.Context, settings *Settings, seq int64, streamID int32) error

	// UpdateConfigurationResolutions recomputes the kernel resolutions of
	// one node context for a zoom change.
	UpdateConfigurationResolutions(ctx context.Context, contextID uint32, ptz PTZ, streamID int32) error
}

// Key identifies one AIC handle.
type Key struct {
	CameraID   int
	TuningMode string
}

func (k Key) String() string { return fmt.Sprintf("camera%d/%s", k.CameraID, k.TuningMode) }

// Factory builds an AIC handle for a key.
type Factory func(Key) (AIC, error)

// Context is an explicit registry of AIC handles keyed by camera and
// tuning mode. It is created by the caller and passed to the pipe manager.
//
// Thread-safe.
type Context struct {
	factory Factory

	mu      sync.Mutex
	handles map[Key]AIC
}

// NewContext creates an empty registry that builds handles with factory.
func NewContext(factory Factory) *Context {
	return &Context{factory: factory, handles: make(map[Key]AIC)}
}

// Create returns the handle for key, building it on first use.
func (c *Context) Create(key Key) (AIC, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[key]; ok {
		return h, nil
	}
	if c.factory == nil {
		return nil, fmt.Errorf("create %s: no factory", key)
	}
	h, err := c.factory(key)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", key, err)
	}
	c.handles[key] = h
	return h, nil
}

// Get returns an existing handle.
func (c *Context) Get(key Key) (AIC, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handles[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return h, nil
}

// Destroy removes a handle. Handles implementing io.Closer are closed.
func (c *Context) Destroy(key Key) error {
	c.mu.Lock()
	h, ok := c.handles[key]
	delete(c.handles, key)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if cl, ok := h.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// Close destroys every handle.
func (c *Context) Close() error {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.handles))
	for k := range c.handles {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := c.Destroy(k); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of live handles.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}
