package stage

import (
	"errors"
	"fmt"

	"github.com/randomizedcoder/go-camera-pipe/internal/device"
)

// ErrUnknownType is returned for a stage type tag no constructor handles.
var ErrUnknownType = errors.New("unknown stage type")

// ErrNoNode is returned when a hardware stage is requested without a device node.
var ErrNoNode = errors.New("hardware stage requires a device node")

// Spec selects and parameterizes a concrete stage.
type Spec struct {
	Options

	// Type is one of TypeHardware, TypeCopy, TypeScale or TypeGPU.
	Type string

	// ContextID is the device node context of a hardware stage.
	ContextID uint32

	// GPU is the processor used by TypeGPU stages. Nil selects a fresh
	// GPUProcessor that scales until something is registered on it.
	GPU *GPUProcessor
}

// New constructs the stage named by spec.Type. node may be nil unless the
// stage is hardware-backed.
func New(spec Spec, node *device.Node) (Stage, error) {
	switch spec.Type {
	case TypeHardware:
		if node == nil {
			return nil, fmt.Errorf("%s: %w", spec.Name, ErrNoNode)
		}
		return NewHardware(spec.Options, node, spec.ContextID), nil
	case TypeCopy:
		return NewSoftware(spec.Options, TypeCopy, CopyProcessor{}), nil
	case TypeScale:
		return NewSoftware(spec.Options, TypeScale, ScaleProcessor{}), nil
	case TypeGPU:
		gpu := spec.GPU
		if gpu == nil {
			gpu = &GPUProcessor{}
		}
		return NewSoftware(spec.Options, TypeGPU, gpu), nil
	default:
		return nil, fmt.Errorf("%s: type %q: %w", spec.Name, spec.Type, ErrUnknownType)
	}
}

// KnownType reports whether New can build a stage of type typ.
func KnownType(typ string) bool {
	switch typ {
	case TypeHardware, TypeCopy, TypeScale, TypeGPU:
		return true
	}
	return false
}
