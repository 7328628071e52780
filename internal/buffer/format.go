package buffer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Format is a V4L2-style fourcc pixel format code.
type Format uint32

// fourcc packs four ASCII characters the way videodev2.h does.
func fourcc(a, b, c, d byte) Format {
	return Format(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// Supported pixel formats.
var (
	FormatNV12    = fourcc('N', 'V', '1', '2')
	FormatYUYV    = fourcc('Y', 'U', 'Y', 'V')
	FormatRGB24   = fourcc('R', 'G', 'B', '3')
	FormatSGRBG10 = fourcc('B', 'A', '1', '0')
	FormatStats   = fourcc('S', 'T', 'A', 'T')
)

// StrideAlignment is the line alignment required by the accelerator's DMA.
const StrideAlignment = 64

var formatNames = map[Format]string{
	FormatNV12:    "NV12",
	FormatYUYV:    "YUYV",
	FormatRGB24:   "RGB3",
	FormatSGRBG10: "BA10",
	FormatStats:   "STAT",
}

// String returns the four character code.
func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(f))
		}
	}
	return string(b)
}

// ParseFormat converts a fourcc string ("NV12") into a Format.
func ParseFormat(s string) (Format, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for f, name := range formatNames {
		if name == s {
			return f, nil
		}
	}
	if len(s) != 4 {
		return 0, fmt.Errorf("invalid fourcc %q", s)
	}
	return fourcc(s[0], s[1], s[2], s[3]), nil
}

// layout returns the storage cost of one pixel in the first plane and the
// ratio of the total image size to the first plane.
func (f Format) layout() (bpp float64, planes float64) {
	switch f {
	case FormatNV12:
		return 1, 1.5
	case FormatYUYV:
		return 2, 1
	case FormatRGB24:
		return 3, 1
	case FormatSGRBG10:
		return 2, 1
	case FormatStats:
		return 1, 1
	default:
		return 1, 1
	}
}

// Unit returns the smallest horizontally repeatable pixel group of the
// first plane: its size in bytes and the number of pixels it covers.
func (f Format) Unit() (bytes, pixels int) {
	switch f {
	case FormatYUYV:
		return 4, 2
	case FormatRGB24:
		return 3, 1
	case FormatSGRBG10:
		return 2, 1
	default:
		return 1, 1
	}
}

// HasChromaPlane reports whether a half-height interleaved chroma plane
// follows the first plane.
func (f Format) HasChromaPlane() bool {
	return f == FormatNV12
}

// Info describes the geometry and layout of one image.
type Info struct {
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
	Format Format `json:"format" yaml:"-"`
	Stride int    `json:"stride" yaml:"-"`
	Size   int    `json:"size" yaml:"-"`
}

// NewInfo fills in stride and size for the given geometry.
func NewInfo(width, height int, format Format) Info {
	bpp, planes := format.layout()
	stride := alignUp(int(float64(width)*bpp), StrideAlignment)
	return Info{
		Width:  width,
		Height: height,
		Format: format,
		Stride: stride,
		Size:   int(float64(stride*height) * planes),
	}
}

// SameShape reports whether two infos carry the same geometry and format.
// Stride and size are derived and do not participate.
func (i Info) SameShape(o Info) bool {
	return i.Width == o.Width && i.Height == o.Height && i.Format == o.Format
}

// String renders the info as WxH:FOURCC.
func (i Info) String() string {
	return fmt.Sprintf("%dx%d:%s", i.Width, i.Height, i.Format)
}

// ParseInfo parses "WxH:FOURCC", for example "1920x1080:NV12".
func ParseInfo(s string) (Info, error) {
	dims, fmtName, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Info{}, fmt.Errorf("stream %q: expected WxH:FOURCC", s)
	}
	ws, hs, ok := strings.Cut(strings.ToLower(dims), "x")
	if !ok {
		return Info{}, fmt.Errorf("stream %q: expected WxH", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return Info{}, fmt.Errorf("stream %q: width: %w", s, err)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return Info{}, fmt.Errorf("stream %q: height: %w", s, err)
	}
	if w <= 0 || h <= 0 {
		return Info{}, fmt.Errorf("stream %q: %w", s, errNonPositive)
	}
	f, err := ParseFormat(fmtName)
	if err != nil {
		return Info{}, fmt.Errorf("stream %q: %w", s, err)
	}
	return NewInfo(w, h, f), nil
}

var errNonPositive = errors.New("dimensions must be positive")

func alignUp(v, a int) int {
	return (v + a - 1) / a * a
}
