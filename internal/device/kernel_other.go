//go:build !linux

package device

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("kernel device driver requires linux")

// KernelDriver is only available on linux.
type KernelDriver struct{}

// OpenKernel always fails on this platform.
func OpenKernel(path string) (*KernelDriver, error) {
	return nil, errUnsupported
}

func (k *KernelDriver) QueryCapability() (Capability, error) {
	return Capability{}, errUnsupported
}

func (k *KernelDriver) GraphOpen(GraphDesc) (uint32, error) {
	return 0, errUnsupported
}

func (k *KernelDriver) GraphClose(uint32) error {
	return errUnsupported
}

func (k *KernelDriver) GetBuffer([]byte) (int, error) {
	return -1, errUnsupported
}

func (k *KernelDriver) PutBuffer(int) error {
	return errUnsupported
}

func (k *KernelDriver) MapBuffer(int) (Handle, error) {
	return 0, errUnsupported
}

func (k *KernelDriver) UnmapBuffer(Handle) error {
	return errUnsupported
}

func (k *KernelDriver) TaskRequest(TaskDesc) error {
	return errUnsupported
}

func (k *KernelDriver) Poll(time.Duration) (bool, error) {
	return false, errUnsupported
}

func (k *KernelDriver) DequeueEvent() (Event, error) {
	return Event{}, errUnsupported
}

func (k *KernelDriver) Close() error {
	return nil
}
