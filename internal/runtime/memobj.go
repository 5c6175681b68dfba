package runtime

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/xupit3r/clrun/internal/memory"
	"github.com/xupit3r/clrun/internal/refcount"
)

// MemFlags are buffer creation flags
type MemFlags uint64

const (
	MemReadWrite    MemFlags = 1 << 0
	MemWriteOnly    MemFlags = 1 << 1
	MemReadOnly     MemFlags = 1 << 2
	MemUseHostPtr   MemFlags = 1 << 3
	MemAllocHostPtr MemFlags = 1 << 4
	MemCopyHostPtr  MemFlags = 1 << 5
)

// MemObj is a buffer. It holds an internal reference on its context for
// its whole life.
type MemObj struct {
	refcount.Tracked[*MemObj]

	id    uuid.UUID
	ctx   *Context
	alloc *memory.GraphicsAllocation
	size  int64
	flags MemFlags
}

// CreateBuffer creates a buffer of size bytes. With MemUseHostPtr the
// buffer aliases hostPtr, which must stay valid until the buffer is
// destroyed. With MemCopyHostPtr the contents are initialized from
// hostPtr.
func (c *Context) CreateBuffer(flags MemFlags, size int64, hostPtr []byte) (*MemObj, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrInvalidValue, "buffer size %d", size)
	}
	useHost := flags&MemUseHostPtr != 0
	copyHost := flags&MemCopyHostPtr != 0
	if useHost && (copyHost || flags&MemAllocHostPtr != 0) {
		return nil, errors.Wrap(ErrInvalidValue, "use host ptr combined with alloc or copy")
	}
	if (useHost || copyHost) != (hostPtr != nil) {
		return nil, errors.Wrap(ErrInvalidValue, "host pointer does not match flags")
	}
	if hostPtr != nil && int64(len(hostPtr)) < size {
		return nil, errors.Wrapf(ErrInvalidValue, "host pointer of %d bytes for %d byte buffer", len(hostPtr), size)
	}

	var (
		alloc *memory.GraphicsAllocation
		err   error
	)
	if useHost {
		alloc, err = c.device.DefaultCSR().CreateAllocationAndHandleResidency(hostPtr, int(size))
	} else {
		kind := memory.AllocationTypeBuffer
		if flags&MemAllocHostPtr != 0 {
			kind = memory.AllocationTypeBufferHostMemory
		}
		alloc, err = c.memoryManager().AllocateGraphicsMemory(memory.AllocationProperties{Type: kind, Size: size})
	}
	if err != nil {
		return nil, err
	}
	if copyHost {
		if err := alloc.Buffer().CopyFromHost(hostPtr[:size]); err != nil {
			c.memoryManager().FreeGraphicsMemory(alloc)
			return nil, err
		}
		alloc.MarkContentsChanged()
	}

	m := &MemObj{
		id:    uuid.New(),
		ctx:   c,
		alloc: alloc,
		size:  size,
		flags: flags,
	}
	m.Init(m, true)
	c.IncRefInternal()
	return m, nil
}

func (m *MemObj) ID() uuid.UUID                          { return m.id }
func (m *MemObj) Size() int64                            { return m.size }
func (m *MemObj) Flags() MemFlags                        { return m.flags }
func (m *MemObj) Context() *Context                      { return m.ctx }
func (m *MemObj) Allocation() *memory.GraphicsAllocation { return m.alloc }

// MapCount returns the number of active mappings.
func (m *MemObj) MapCount() int {
	if h := m.ctx.maps.GetHandlerIfExists(m.id); h != nil {
		return h.Size()
	}
	return 0
}

// CustomDeleter routes destruction through the memory manager's
// background deleter when one is running.
func (m *MemObj) CustomDeleter() refcount.Deleter {
	return m.ctx.memoryManager().Deleter()
}

// Delete frees the allocation once the GPU is done with it and drops the
// context reference.
func (m *MemObj) Delete() {
	m.CheckDestroy()
	m.ctx.maps.RemoveHandler(m.id)
	m.ctx.memoryManager().CheckGPUUsageAndDestroy(m.alloc)
	m.ctx.Release()
}
