package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/randomizedcoder/go-camera-pipe/internal/aiq"
)

// Rect is a crop region in sensor pixel coordinates.
type Rect struct {
	X, Y          int
	Width, Height int
}

// Zoom is a zoom request: either a crop region of the active pixel array
// or a centred zoom ratio. Crop takes precedence when set.
type Zoom struct {
	Ratio float64
	Crop  *Rect
}

// toPTZ converts a request into a normalized descriptor for an active
// array of aw x ah pixels.
func (z Zoom) toPTZ(aw, ah int, maxZoom float64) (aiq.PTZ, error) {
	if z.Crop == nil {
		if z.Ratio < 1 || z.Ratio > maxZoom {
			return aiq.PTZ{}, fmt.Errorf("ratio %.3f outside [1, %.1f]: %w", z.Ratio, maxZoom, ErrInvalidZoom)
		}
		return aiq.PTZ{Zoom: z.Ratio, Pan: 0.5, Tilt: 0.5}, nil
	}

	c := *z.Crop
	if aw <= 0 || ah <= 0 {
		return aiq.PTZ{}, fmt.Errorf("crop without a sensor array: %w", ErrInvalidZoom)
	}
	if c.Width <= 0 || c.Height <= 0 || c.X < 0 || c.Y < 0 || c.X+c.Width > aw || c.Y+c.Height > ah {
		return aiq.PTZ{}, fmt.Errorf("crop %dx%d+%d+%d outside %dx%d: %w", c.Width, c.Height, c.X, c.Y, aw, ah, ErrInvalidZoom)
	}
	// The tighter axis sets the ratio so the crop always fits.
	ratio := min(float64(aw)/float64(c.Width), float64(ah)/float64(c.Height))
	if ratio > maxZoom {
		return aiq.PTZ{}, fmt.Errorf("crop ratio %.3f above %.1f: %w", ratio, maxZoom, ErrInvalidZoom)
	}
	return aiq.PTZ{
		Zoom: ratio,
		Pan:  (float64(c.X) + float64(c.Width)/2) / float64(aw),
		Tilt: (float64(c.Y) + float64(c.Height)/2) / float64(ah),
	}, nil
}

// UpdateZoomSettings converts z into a pan/tilt/zoom descriptor and, when
// it differs from the current one, propagates it to every pipeline. A
// repeated identical request is a no-op.
func (m *Manager) UpdateZoomSettings(ctx context.Context, z Zoom) error {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	if !m.configured {
		return ErrNotConfigured
	}

	m.zoomMu.Lock()
	defer m.zoomMu.Unlock()
	ptz, err := z.toPTZ(m.activeArray.Width, m.activeArray.Height, m.cfg.MaxZoom)
	if err != nil {
		return err
	}
	if ptz.Equal(m.ptz, m.cfg.ZoomEpsilon) {
		m.logger.Debug("zoom_unchanged", "ptz", ptz.String())
		return nil
	}

	var errs []error
	for _, p := range m.pipes {
		if err := p.UpdateConfigurationSettingForPtz(ctx, ptz); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("update zoom: %w", err)
	}
	m.ptz = ptz
	m.metrics.ZoomUpdated()
	m.logger.Info("zoom_updated", "ptz", ptz.String())
	return nil
}

// PTZ returns the current pan/tilt/zoom descriptor.
func (m *Manager) PTZ() aiq.PTZ {
	m.zoomMu.Lock()
	defer m.zoomMu.Unlock()
	return m.ptz
}
