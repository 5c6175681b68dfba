package gpu

// Buffer represents a GPU-addressable memory region
type Buffer interface {
	// Size returns the size of the buffer in bytes
	Size() int64

	// GPUAddress returns the virtual address the device sees
	GPUAddress() uint64

	// HostView returns the host-visible backing bytes.
	// For wrapped host memory this is the caller's slice.
	HostView() []byte

	// CopyToHost copies buffer data to host memory
	CopyToHost(dst []byte) error

	// CopyFromHost copies host memory to the buffer
	CopyFromHost(src []byte) error

	// Free releases the buffer
	Free() error

	// Device returns the device that owns this buffer
	Device() Device
}
