package gpu

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
)

// Device represents a compute device that hands out GPU-addressable memory
type Device interface {
	// Type returns the device type
	Type() DeviceType

	// Name returns a human-readable device name
	Name() string

	// Allocate allocates a buffer of the given size in bytes
	Allocate(size int64) (Buffer, error)

	// WrapHostMemory maps caller-owned host memory into the device
	// address space without copying it
	WrapHostMemory(host []byte) (Buffer, error)

	// Copy copies data from src to dst buffer
	Copy(dst, src Buffer, size int64) error

	// Sync waits for all pending operations to complete
	Sync() error

	// Free releases the device and all associated resources
	Free() error

	// MemoryUsage returns current device memory usage in bytes (used, total)
	MemoryUsage() (int64, int64)
}

// DeviceType represents the type of compute device
type DeviceType int

const (
	DeviceTypeCPU DeviceType = iota
	DeviceTypeGPU
)

func (dt DeviceType) String() string {
	switch dt {
	case DeviceTypeCPU:
		return "CPU"
	case DeviceTypeGPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

var (
	// ErrOutOfDeviceMemory means the device address space or capacity is exhausted
	ErrOutOfDeviceMemory = errors.New("gpu: out of device memory")
	// ErrInvalidSize is returned for zero or negative allocation sizes
	ErrInvalidSize = errors.New("gpu: invalid allocation size")
	// ErrDeviceClosed is returned by operations on a freed device
	ErrDeviceClosed = errors.New("gpu: device closed")
)

const (
	// gpuBaseAddress keeps address zero unused so a null GPU address is never valid
	gpuBaseAddress uint64 = 0x0001_0000

	PageSize4K  uint64 = 4 * 1024
	PageSize64K uint64 = 64 * 1024
)

// SimDevice is a device whose memory lives in host RAM. It keeps its own
// GPU virtual address space so command streams can reference buffers by
// address, the way real hardware does.
type SimDevice struct {
	name     string
	capacity int64
	pageSize uint64

	mu      sync.Mutex
	nextVA  uint64
	used    int64
	buffers map[uint64]*simBuffer
	closed  bool
}

// NewSimDevice creates a simulated device with the given capacity in bytes.
// pageSize controls GPU address alignment; 0 selects 4KB pages.
func NewSimDevice(name string, capacity int64, pageSize uint64) *SimDevice {
	if pageSize == 0 {
		pageSize = PageSize4K
	}
	return &SimDevice{
		name:     name,
		capacity: capacity,
		pageSize: pageSize,
		nextVA:   gpuBaseAddress,
		buffers:  make(map[uint64]*simBuffer),
	}
}

func (d *SimDevice) Type() DeviceType { return DeviceTypeGPU }
func (d *SimDevice) Name() string     { return d.name }

// PageSize returns the GPU address alignment
func (d *SimDevice) PageSize() uint64 { return d.pageSize }

func (d *SimDevice) Allocate(size int64) (Buffer, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidSize, "size %d", size)
	}
	return d.reserve(make([]byte, size), false)
}

func (d *SimDevice) WrapHostMemory(host []byte) (Buffer, error) {
	if len(host) == 0 {
		return nil, errors.Wrap(ErrInvalidSize, "empty host range")
	}
	return d.reserve(host, true)
}

func (d *SimDevice) reserve(data []byte, wrapped bool) (*simBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrDeviceClosed
	}

	size := int64(len(data))
	// Wrapped host memory does not consume device capacity
	if !wrapped && d.capacity > 0 && d.used+size > d.capacity {
		return nil, errors.Wrapf(ErrOutOfDeviceMemory, "need %d, available %d", size, d.capacity-d.used)
	}

	va := d.nextVA
	span := alignUp(uint64(size), d.pageSize)
	if va+span < va {
		return nil, errors.Wrap(ErrOutOfDeviceMemory, "virtual address space exhausted")
	}
	d.nextVA += span

	if !wrapped {
		d.used += size
	}
	buf := &simBuffer{device: d, data: data, gpuVA: va, wrapped: wrapped}
	d.buffers[va] = buf
	return buf, nil
}

func (d *SimDevice) release(b *simBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[b.gpuVA]; !ok {
		return
	}
	delete(d.buffers, b.gpuVA)
	if !b.wrapped {
		d.used -= int64(len(b.data))
	}
}

func (d *SimDevice) Copy(dst, src Buffer, size int64) error {
	if size > src.Size() || size > dst.Size() {
		return fmt.Errorf("copy of %d bytes exceeds buffer bounds (src %d, dst %d)", size, src.Size(), dst.Size())
	}
	copy(dst.HostView()[:size], src.HostView()[:size])
	return nil
}

func (d *SimDevice) Sync() error {
	// Simulated memory is always coherent
	return nil
}

func (d *SimDevice) Free() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.buffers = make(map[uint64]*simBuffer)
	d.used = 0
	return nil
}

func (d *SimDevice) MemoryUsage() (int64, int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used, d.capacity
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// simBuffer implements Buffer for SimDevice memory
type simBuffer struct {
	device  *SimDevice
	data    []byte
	gpuVA   uint64
	wrapped bool
	mu      sync.RWMutex
}

func (b *simBuffer) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.data))
}

func (b *simBuffer) GPUAddress() uint64 { return b.gpuVA }

func (b *simBuffer) HostView() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data
}

func (b *simBuffer) CopyToHost(dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(dst) < len(b.data) {
		return fmt.Errorf("destination buffer too small: %d < %d", len(dst), len(b.data))
	}
	copy(dst, b.data)
	return nil
}

func (b *simBuffer) CopyFromHost(src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) < len(src) {
		return fmt.Errorf("buffer too small: %d < %d", len(b.data), len(src))
	}
	copy(b.data, src)
	return nil
}

func (b *simBuffer) Free() error {
	b.device.release(b)
	return nil
}

func (b *simBuffer) Device() Device {
	return b.device
}
