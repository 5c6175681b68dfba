// Package memory models GPU-visible allocations, the per-submission
// residency container, and the memory manager that owns them.
package memory

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/xupit3r/clrun/internal/gpu"
)

// MaxOsContexts bounds the number of engine contexts that can track usage
// of a single allocation.
const MaxOsContexts = 8

// AllocationType describes what an allocation backs
type AllocationType int

const (
	AllocationTypeUnknown AllocationType = iota
	AllocationTypeBuffer
	AllocationTypeBufferHostMemory
	AllocationTypeImage
	AllocationTypeSVM
	AllocationTypeCommandBuffer
	AllocationTypeLinearStream
	AllocationTypeTagBuffer
	AllocationTypeExternalHostPtr
)

func (t AllocationType) String() string {
	switch t {
	case AllocationTypeBuffer:
		return "Buffer"
	case AllocationTypeBufferHostMemory:
		return "BufferHostMemory"
	case AllocationTypeImage:
		return "Image"
	case AllocationTypeSVM:
		return "SVM"
	case AllocationTypeCommandBuffer:
		return "CommandBuffer"
	case AllocationTypeLinearStream:
		return "LinearStream"
	case AllocationTypeTagBuffer:
		return "TagBuffer"
	case AllocationTypeExternalHostPtr:
		return "ExternalHostPtr"
	default:
		return "Unknown"
	}
}

// usageInfo is the per engine context view of an allocation.
// Task count zero means the context never used it.
type usageInfo struct {
	taskCount     atomic.Uint32
	resident      atomic.Bool
	residencyPass atomic.Uint64
}

// GraphicsAllocation is one GPU-addressable memory region. It is owned by
// the MemoryManager; everything else only references it.
type GraphicsAllocation struct {
	id      uuid.UUID
	kind    AllocationType
	buf     gpu.Buffer
	hostPtr []byte
	pooled  bool

	// version changes whenever the host modifies the contents, so
	// capturing backends know when the memory must be written again
	version atomic.Uint64
	usage   [MaxOsContexts]usageInfo
	freed   atomic.Bool
}

func newAllocation(kind AllocationType, buf gpu.Buffer, hostPtr []byte, pooled bool) *GraphicsAllocation {
	a := &GraphicsAllocation{
		id:      uuid.New(),
		kind:    kind,
		buf:     buf,
		hostPtr: hostPtr,
		pooled:  pooled,
	}
	a.version.Store(1)
	return a
}

func (a *GraphicsAllocation) ID() uuid.UUID        { return a.id }
func (a *GraphicsAllocation) Type() AllocationType { return a.kind }
func (a *GraphicsAllocation) Size() int64          { return a.buf.Size() }
func (a *GraphicsAllocation) GPUAddress() uint64   { return a.buf.GPUAddress() }

// HostPtr returns the caller memory the allocation wraps, or nil when the
// allocation was not created from a host pointer.
func (a *GraphicsAllocation) HostPtr() []byte { return a.hostPtr }

// HostView returns the CPU-visible bytes backing the allocation.
func (a *GraphicsAllocation) HostView() []byte { return a.buf.HostView() }

// Buffer returns the underlying device buffer.
func (a *GraphicsAllocation) Buffer() gpu.Buffer { return a.buf }

// Contains reports whether [addr, addr+length) lies inside the allocation.
func (a *GraphicsAllocation) Contains(addr uint64, length uint64) bool {
	base := a.GPUAddress()
	end := base + uint64(a.Size())
	return addr >= base && addr+length <= end && addr+length >= addr
}

func (a *GraphicsAllocation) IsResident(osContext uint32) bool {
	return a.usage[osContext].resident.Load()
}

func (a *GraphicsAllocation) SetResident(osContext uint32, resident bool) {
	a.usage[osContext].resident.Store(resident)
}

// UpdateTaskCount records that submission taskCount on osContext uses the
// allocation.
func (a *GraphicsAllocation) UpdateTaskCount(taskCount uint32, osContext uint32) {
	a.usage[osContext].taskCount.Store(taskCount)
}

func (a *GraphicsAllocation) TaskCount(osContext uint32) uint32 {
	return a.usage[osContext].taskCount.Load()
}

// IsUsedByContext reports whether any submission on osContext referenced
// the allocation.
func (a *GraphicsAllocation) IsUsedByContext(osContext uint32) bool {
	return a.usage[osContext].taskCount.Load() != 0
}

// IsUsed reports whether any engine context ever used the allocation.
func (a *GraphicsAllocation) IsUsed() bool {
	for i := range a.usage {
		if a.usage[i].taskCount.Load() != 0 {
			return true
		}
	}
	return false
}

// ClaimResidencyPass returns true the first time it is called for a given
// pass on osContext, and false for every repeat. Residency processing uses
// it to skip duplicate container entries.
func (a *GraphicsAllocation) ClaimResidencyPass(osContext uint32, pass uint64) bool {
	u := &a.usage[osContext]
	for {
		prev := u.residencyPass.Load()
		if prev == pass {
			return false
		}
		if u.residencyPass.CompareAndSwap(prev, pass) {
			return true
		}
	}
}

// ContentVersion returns the current contents generation.
func (a *GraphicsAllocation) ContentVersion() uint64 {
	return a.version.Load()
}

// MarkContentsChanged bumps the contents generation after a host write.
func (a *GraphicsAllocation) MarkContentsChanged() {
	a.version.Add(1)
}

func (a *GraphicsAllocation) String() string {
	return fmt.Sprintf("%s[%s gpu=%#x size=%d]", a.kind, a.id.String()[:8], a.GPUAddress(), a.Size())
}
