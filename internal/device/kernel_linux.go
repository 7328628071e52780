//go:build linux

package device

import (
	"bytes"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kernel descriptor limits.
const (
	maxNodeTerminals = 16
	maxTaskBuffers   = 32
)

// ioctl request encoding (asm-generic/ioctl.h).
const (
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | uintptr('A')<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// psysCapability mirrors the capability query descriptor.
type psysCapability struct {
	devModel      [32]byte   // offset 0
	programGroups uint32     // offset 32
	driverVersion uint32     // offset 36
	reserved      [16]uint32 // offset 40
}

// psysBuffer mirrors the buffer get/put descriptor.
type psysBuffer struct {
	length     uint64    // offset 0
	base       uint64    // offset 8, fd or user pointer
	dataOffset uint32    // offset 16
	bytesUsed  uint32    // offset 20
	flags      uint32    // offset 24
	reserved   [3]uint32 // offset 28
}

const (
	psysBufferUserPtr = 1 << 0
	psysBufferDMAFD   = 1 << 1
)

type psysTerminal struct {
	id          uint32 // offset 0
	payloadSize uint32 // offset 4
	output      uint32 // offset 8
	reserved    uint32 // offset 12
}

type psysNode struct {
	contextID uint32                         // offset 0
	numTerms  uint32                         // offset 4
	kernels   uint64                         // offset 8
	terminals [maxNodeTerminals]psysTerminal // offset 16
}

type psysLink struct {
	srcContext    uint32   // offset 0
	srcTerminal   uint32   // offset 4
	dstContext    uint32   // offset 8
	dstTerminal   uint32   // offset 12
	streamingMode uint8    // offset 16
	frameDelay    uint8    // offset 17
	reserved      [6]uint8 // offset 18
}

type psysGraphInfo struct {
	graphID  uint32 // offset 0, filled by the driver
	streamID int32  // offset 4
	numNodes uint32 // offset 8
	numLinks uint32 // offset 12
	nodes    uint64 // offset 16, user pointer to []psysNode
	links    uint64 // offset 24, user pointer to []psysLink
}

type psysTermBuffer struct {
	terminal uint32 // offset 0
	offset   uint32 // offset 4
	handle   uint64 // offset 8
}

type psysTaskRequest struct {
	graphID   uint32                         // offset 0
	contextID uint32                         // offset 4
	frameID   uint32                         // offset 8
	numBufs   uint32                         // offset 12
	buffers   [maxTaskBuffers]psysTermBuffer // offset 16
}

type psysEvent struct {
	graphID   uint32    // offset 0
	contextID uint32    // offset 4
	frameID   uint32    // offset 8
	errCode   int32     // offset 12
	reserved  [4]uint32 // offset 16
}

var (
	iocQueryCap   = ioc(iocRead, 1, unsafe.Sizeof(psysCapability{}))
	iocMapBuf     = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(int32(0)))
	iocUnmapBuf   = ioc(iocRead|iocWrite, 3, unsafe.Sizeof(int32(0)))
	iocGetBuf     = ioc(iocRead|iocWrite, 4, unsafe.Sizeof(psysBuffer{}))
	iocPutBuf     = ioc(iocRead|iocWrite, 5, unsafe.Sizeof(psysBuffer{}))
	iocDQEvent    = ioc(iocRead|iocWrite, 7, unsafe.Sizeof(psysEvent{}))
	iocGraphOpen  = ioc(iocRead|iocWrite, 8, unsafe.Sizeof(psysGraphInfo{}))
	iocGraphClose = ioc(iocRead|iocWrite, 9, unsafe.Sizeof(uint32(0)))
	iocTaskReq    = ioc(iocRead|iocWrite, 10, unsafe.Sizeof(psysTaskRequest{}))
)

// KernelDriver talks to the processing-system device node through ioctl.
type KernelDriver struct {
	path string

	mu     sync.Mutex
	fd     int
	closed bool
}

// OpenKernel opens the device node, e.g. /dev/ipu-psys0.
func OpenKernel(path string) (*KernelDriver, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &KernelDriver{path: path, fd: fd}, nil
}

func (k *KernelDriver) ioctl(req uintptr, arg unsafe.Pointer) error {
	k.mu.Lock()
	fd, closed := k.fd, k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		switch errno {
		case 0:
			return nil
		case unix.EINTR:
			continue
		case unix.EBUSY, unix.EAGAIN:
			return fmt.Errorf("ioctl %#x: %w", req, ErrBusy)
		default:
			return fmt.Errorf("ioctl %#x: %w", req, errno)
		}
	}
}

// QueryCapability implements Driver.
func (k *KernelDriver) QueryCapability() (Capability, error) {
	var c psysCapability
	if err := k.ioctl(iocQueryCap, unsafe.Pointer(&c)); err != nil {
		return Capability{}, err
	}
	model := c.devModel[:]
	if i := bytes.IndexByte(model, 0); i >= 0 {
		model = model[:i]
	}
	return Capability{
		Model:         string(model),
		DriverVersion: c.driverVersion,
		ProgramGroups: c.programGroups,
	}, nil
}

// GraphOpen implements Driver.
func (k *KernelDriver) GraphOpen(desc GraphDesc) (uint32, error) {
	if err := desc.Validate(); err != nil {
		return 0, err
	}
	nodes := make([]psysNode, len(desc.Nodes))
	for i, n := range desc.Nodes {
		if len(n.Terminals) > maxNodeTerminals {
			return 0, fmt.Errorf("node %s: %d terminals exceeds %d", n.Name, len(n.Terminals), maxNodeTerminals)
		}
		nodes[i].contextID = n.ContextID
		nodes[i].numTerms = uint32(len(n.Terminals))
		nodes[i].kernels = n.Kernels
		for j, t := range n.Terminals {
			nodes[i].terminals[j] = psysTerminal{id: uint32(t.Terminal), payloadSize: t.PayloadSize}
			if t.Output {
				nodes[i].terminals[j].output = 1
			}
		}
	}
	links := make([]psysLink, len(desc.Links))
	for i, l := range desc.Links {
		links[i] = psysLink{
			srcContext:    l.SrcContext,
			srcTerminal:   uint32(l.SrcTerminal),
			dstContext:    l.DstContext,
			dstTerminal:   uint32(l.DstTerminal),
			streamingMode: l.StreamingMode,
			frameDelay:    l.FrameDelay,
		}
	}

	// The kernel reads both arrays through user pointers embedded in the
	// descriptor, so they must stay put for the duration of the call.
	var pinner runtime.Pinner
	defer pinner.Unpin()
	info := psysGraphInfo{
		streamID: desc.StreamID,
		numNodes: uint32(len(nodes)),
		numLinks: uint32(len(links)),
	}
	if len(nodes) > 0 {
		pinner.Pin(&nodes[0])
		info.nodes = uint64(uintptr(unsafe.Pointer(&nodes[0])))
	}
	if len(links) > 0 {
		pinner.Pin(&links[0])
		info.links = uint64(uintptr(unsafe.Pointer(&links[0])))
	}
	if err := k.ioctl(iocGraphOpen, unsafe.Pointer(&info)); err != nil {
		return 0, fmt.Errorf("graph open: %w", err)
	}
	return info.graphID, nil
}

// GraphClose implements Driver.
func (k *KernelDriver) GraphClose(graphID uint32) error {
	id := graphID
	return k.ioctl(iocGraphClose, unsafe.Pointer(&id))
}

// GetBuffer implements Driver.
func (k *KernelDriver) GetBuffer(data []byte) (int, error) {
	if len(data) == 0 {
		return -1, fmt.Errorf("get buffer: empty memory")
	}
	var pinner runtime.Pinner
	defer pinner.Unpin()
	pinner.Pin(&data[0])

	b := psysBuffer{
		length: uint64(len(data)),
		base:   uint64(uintptr(unsafe.Pointer(&data[0]))),
		flags:  psysBufferUserPtr,
	}
	if err := k.ioctl(iocGetBuf, unsafe.Pointer(&b)); err != nil {
		return -1, fmt.Errorf("get buffer: %w", err)
	}
	// On return the driver replaces base with the exported dma-buf fd.
	return int(int32(b.base)), nil
}

// PutBuffer implements Driver.
func (k *KernelDriver) PutBuffer(fd int) error {
	b := psysBuffer{base: uint64(fd), flags: psysBufferDMAFD}
	if err := k.ioctl(iocPutBuf, unsafe.Pointer(&b)); err != nil {
		return fmt.Errorf("put buffer %d: %w", fd, err)
	}
	return unix.Close(fd)
}

// MapBuffer implements Driver. The fd itself serves as the device handle.
func (k *KernelDriver) MapBuffer(fd int) (Handle, error) {
	v := int32(fd)
	if err := k.ioctl(iocMapBuf, unsafe.Pointer(&v)); err != nil {
		return 0, fmt.Errorf("map buffer %d: %w", fd, err)
	}
	return Handle(uint32(fd)), nil
}

// UnmapBuffer implements Driver.
func (k *KernelDriver) UnmapBuffer(h Handle) error {
	v := int32(h)
	return k.ioctl(iocUnmapBuf, unsafe.Pointer(&v))
}

// TaskRequest implements Driver.
func (k *KernelDriver) TaskRequest(task TaskDesc) error {
	if len(task.Terminals) > maxTaskBuffers {
		return fmt.Errorf("task has %d buffers, limit %d", len(task.Terminals), maxTaskBuffers)
	}
	req := psysTaskRequest{
		graphID:   task.GraphID,
		contextID: task.ContextID,
		frameID:   task.FrameID,
		numBufs:   uint32(len(task.Terminals)),
	}
	for i, tb := range task.Terminals {
		req.buffers[i] = psysTermBuffer{
			terminal: uint32(tb.Terminal),
			offset:   tb.Offset,
			handle:   uint64(tb.Handle),
		}
	}
	return k.ioctl(iocTaskReq, unsafe.Pointer(&req))
}

// Poll implements Driver.
func (k *KernelDriver) Poll(timeout time.Duration) (bool, error) {
	k.mu.Lock()
	fd, closed := k.fd, k.closed
	k.mu.Unlock()
	if closed {
		return false, ErrClosed
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN | unix.POLLPRI}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", k.path, err)
	}
	if n == 0 {
		return false, nil
	}
	if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return false, fmt.Errorf("poll %s: revents %#x", k.path, fds[0].Revents)
	}
	return true, nil
}

// DequeueEvent implements Driver.
func (k *KernelDriver) DequeueEvent() (Event, error) {
	var e psysEvent
	if err := k.ioctl(iocDQEvent, unsafe.Pointer(&e)); err != nil {
		return Event{}, fmt.Errorf("dequeue event: %w", err)
	}
	return Event{
		GraphID:   e.graphID,
		ContextID: e.contextID,
		FrameID:   e.frameID,
		Error:     e.errCode,
	}, nil
}

// Close implements Driver. It is idempotent.
func (k *KernelDriver) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return unix.Close(k.fd)
}
