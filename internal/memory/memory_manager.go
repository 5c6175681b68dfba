package memory

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xupit3r/clrun/internal/gpu"
	"github.com/xupit3r/clrun/internal/logging"
	"github.com/xupit3r/clrun/internal/refcount"
)

var (
	// ErrOutOfMemory is returned when backing storage cannot be created.
	// Callers treat it as a failed creation and may retry after freeing.
	ErrOutOfMemory = errors.New("memory: out of memory")
	// ErrInvalidOsContext is returned for engine context ids outside the
	// supported range or registered twice.
	ErrInvalidOsContext = errors.New("memory: invalid os context")
)

// CompletionSource reports how far an engine context has progressed.
// Command stream receivers implement it.
type CompletionSource interface {
	CompletedTaskCount() uint32
}

// EvictionHandler is told when an allocation is about to be freed so it
// can drop any residency bookkeeping for it.
type EvictionHandler interface {
	Evict(a *GraphicsAllocation)
}

// Config holds memory manager settings
type Config struct {
	PoolMaxBytes     int64
	DeferredDeletion bool
}

// AllocationProperties describes a requested allocation
type AllocationProperties struct {
	Type AllocationType
	Size int64
}

// MemoryManager owns every GraphicsAllocation. It hands out device memory,
// wraps host pointers, and frees allocations only once no engine context
// still has a pending submission that uses them.
type MemoryManager struct {
	device  gpu.Device
	pool    *gpu.BufferPool
	deleter *DeferredDeleter

	mu          sync.Mutex
	allocations map[uuid.UUID]*GraphicsAllocation
	contexts    [MaxOsContexts]CompletionSource
	evictors    []EvictionHandler
	waiting     []*GraphicsAllocation

	log *logrus.Entry
}

// NewMemoryManager creates a memory manager over device
func NewMemoryManager(device gpu.Device, cfg Config) *MemoryManager {
	mm := &MemoryManager{
		device:      device,
		pool:        gpu.NewBufferPool(device, cfg.PoolMaxBytes),
		allocations: make(map[uuid.UUID]*GraphicsAllocation),
		log:         logging.WithComponent("memory-manager"),
	}
	if cfg.DeferredDeletion {
		mm.deleter = NewDeferredDeleter()
	}
	return mm
}

// Device returns the device memory is allocated from
func (mm *MemoryManager) Device() gpu.Device { return mm.device }

// Pool returns the buffer pool used for command buffers
func (mm *MemoryManager) Pool() *gpu.BufferPool { return mm.pool }

// DeferredDeleter returns the background deleter, or nil when deferred
// deletion is disabled.
func (mm *MemoryManager) DeferredDeleter() *DeferredDeleter { return mm.deleter }

// Deleter returns the deleter objects should use for custom destruction.
func (mm *MemoryManager) Deleter() refcount.Deleter {
	if mm.deleter == nil {
		return nil
	}
	return mm.deleter
}

// RegisterOsContext associates an engine context id with the source of its
// completion progress.
func (mm *MemoryManager) RegisterOsContext(id uint32, src CompletionSource) error {
	if id >= MaxOsContexts {
		return errors.Wrapf(ErrInvalidOsContext, "id %d exceeds %d", id, MaxOsContexts-1)
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.contexts[id] != nil {
		return errors.Wrapf(ErrInvalidOsContext, "id %d already registered", id)
	}
	mm.contexts[id] = src
	return nil
}

// RegisterEvictionHandler adds h to the handlers told about frees.
func (mm *MemoryManager) RegisterEvictionHandler(h EvictionHandler) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.evictors = append(mm.evictors, h)
}

// AllocateGraphicsMemory creates a device allocation. Command buffers and
// linear streams are served from the buffer pool.
func (mm *MemoryManager) AllocateGraphicsMemory(props AllocationProperties) (*GraphicsAllocation, error) {
	pooled := props.Type == AllocationTypeCommandBuffer || props.Type == AllocationTypeLinearStream

	var (
		buf gpu.Buffer
		err error
	)
	if pooled {
		buf, err = mm.pool.Allocate(props.Size)
	} else {
		buf, err = mm.device.Allocate(props.Size)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "allocating %s of %d bytes", props.Type, props.Size), ErrOutOfMemory)
	}

	a := newAllocation(props.Type, buf, nil, pooled)
	mm.track(a)
	return a, nil
}

// AllocateForHostPtr wraps caller memory in an allocation without copying.
// The caller must keep hostPtr alive until the allocation is freed.
func (mm *MemoryManager) AllocateForHostPtr(hostPtr []byte) (*GraphicsAllocation, error) {
	buf, err := mm.device.WrapHostMemory(hostPtr)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "wrapping %d host bytes", len(hostPtr)), ErrOutOfMemory)
	}
	a := newAllocation(AllocationTypeExternalHostPtr, buf, hostPtr, false)
	mm.track(a)
	return a, nil
}

func (mm *MemoryManager) track(a *GraphicsAllocation) {
	mm.mu.Lock()
	mm.allocations[a.id] = a
	mm.mu.Unlock()
	mm.log.WithFields(logrus.Fields{"alloc": a.String()}).Debug("allocated")
}

// FreeGraphicsMemory releases a immediately. Freeing twice is a no-op.
func (mm *MemoryManager) FreeGraphicsMemory(a *GraphicsAllocation) {
	if a == nil || !a.freed.CompareAndSwap(false, true) {
		return
	}

	mm.mu.Lock()
	delete(mm.allocations, a.id)
	evictors := append([]EvictionHandler(nil), mm.evictors...)
	mm.mu.Unlock()

	for _, h := range evictors {
		h.Evict(a)
	}

	var err error
	if a.pooled {
		err = mm.pool.Release(a.buf)
	} else {
		err = a.buf.Free()
	}
	if err != nil {
		mm.log.WithError(err).WithField("alloc", a.String()).Warn("free failed")
	}
}

// CheckGPUUsageAndDestroy frees a now if no pending submission uses it,
// otherwise parks it until CleanAllocationList sees its work complete.
func (mm *MemoryManager) CheckGPUUsageAndDestroy(a *GraphicsAllocation) {
	if a == nil {
		return
	}
	mm.mu.Lock()
	if mm.stillInUseLocked(a) {
		mm.waiting = append(mm.waiting, a)
		mm.mu.Unlock()
		mm.log.WithField("alloc", a.String()).Debug("free deferred until completion")
		return
	}
	mm.mu.Unlock()
	mm.FreeGraphicsMemory(a)
}

// CleanAllocationList frees parked allocations whose submissions have
// completed and returns how many were freed.
func (mm *MemoryManager) CleanAllocationList() int {
	mm.mu.Lock()
	var ready []*GraphicsAllocation
	kept := mm.waiting[:0]
	for _, a := range mm.waiting {
		if mm.stillInUseLocked(a) {
			kept = append(kept, a)
		} else {
			ready = append(ready, a)
		}
	}
	for i := len(kept); i < len(mm.waiting); i++ {
		mm.waiting[i] = nil
	}
	mm.waiting = kept
	mm.mu.Unlock()

	for _, a := range ready {
		mm.FreeGraphicsMemory(a)
	}
	return len(ready)
}

// WaitingForCompletion returns the number of parked allocations.
func (mm *MemoryManager) WaitingForCompletion() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return len(mm.waiting)
}

// IsStillInUse reports whether a pending submission references a.
func (mm *MemoryManager) IsStillInUse(a *GraphicsAllocation) bool {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.stillInUseLocked(a)
}

func (mm *MemoryManager) stillInUseLocked(a *GraphicsAllocation) bool {
	for id, src := range mm.contexts {
		if src == nil {
			continue
		}
		tc := a.TaskCount(uint32(id))
		if tc != 0 && tc > src.CompletedTaskCount() {
			return true
		}
	}
	return false
}

// Allocations returns the number of live allocations.
func (mm *MemoryManager) Allocations() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return len(mm.allocations)
}

// Close drains deferred work and frees every remaining allocation.
func (mm *MemoryManager) Close() error {
	if mm.deleter != nil {
		mm.deleter.Drain()
	}

	mm.mu.Lock()
	remaining := make([]*GraphicsAllocation, 0, len(mm.allocations))
	for _, a := range mm.allocations {
		remaining = append(remaining, a)
	}
	mm.waiting = nil
	mm.mu.Unlock()

	for _, a := range remaining {
		mm.FreeGraphicsMemory(a)
	}
	return mm.pool.Clear()
}
