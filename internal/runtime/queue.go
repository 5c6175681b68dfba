package runtime

import (
	"context"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xupit3r/clrun/internal/csr"
	"github.com/xupit3r/clrun/internal/logging"
	"github.com/xupit3r/clrun/internal/mapops"
	"github.com/xupit3r/clrun/internal/memory"
	"github.com/xupit3r/clrun/internal/refcount"
)

// CommandQueue records commands into command buffers and flushes them
// to one engine, in order. Construction and flush of a submission happen
// under the queue mutex.
type CommandQueue struct {
	refcount.Tracked[*CommandQueue]

	ctx      *Context
	device   *Device
	receiver *csr.CommandStreamReceiver
	engine   csr.EngineType

	mu      sync.Mutex
	pending []*Event

	log *logrus.Entry
}

// NewCommandQueue creates a queue on engine of the context's device.
func NewCommandQueue(ctx *Context, engine csr.EngineType) (*CommandQueue, error) {
	if ctx == nil {
		return nil, errors.Wrap(ErrInvalidValue, "nil context")
	}
	receiver := ctx.device.CSR(engine)
	if receiver == nil {
		return nil, errors.Wrapf(ErrInvalidValue, "device has no %s engine", engine)
	}
	q := &CommandQueue{
		ctx:      ctx,
		device:   ctx.device,
		receiver: receiver,
		engine:   engine,
		log: logging.WithComponent("queue").WithFields(logrus.Fields{
			"context": ctx.id,
			"engine":  engine.String(),
		}),
	}
	q.Init(q, true)
	ctx.IncRefInternal()
	return q, nil
}

func (q *CommandQueue) Context() *Context                    { return q.ctx }
func (q *CommandQueue) Engine() csr.EngineType               { return q.engine }
func (q *CommandQueue) Receiver() *csr.CommandStreamReceiver { return q.receiver }

// submission is one command ready to be recorded and flushed.
type submission struct {
	cmd  CommandType
	mems []*MemObj
	// transient allocations are freed once the command completes
	transient []*memory.GraphicsAllocation
	size      int
	record    func(s *csr.LinearStream) error
}

func (q *CommandQueue) submit(sub submission) (*Event, error) {
	mm := q.device.mm
	defer func() {
		for _, a := range sub.transient {
			mm.CheckGPUUsageAndDestroy(a)
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	batch := csr.BatchBuffer{ContextID: q.ctx.id}
	if sub.record != nil {
		cb, err := mm.AllocateGraphicsMemory(memory.AllocationProperties{
			Type: memory.AllocationTypeCommandBuffer,
			Size: int64(sub.size + csr.SizeBatchBufferEnd),
		})
		if err != nil {
			return nil, err
		}
		defer mm.CheckGPUUsageAndDestroy(cb)

		stream := csr.NewLinearStream(cb)
		if err := sub.record(stream); err != nil {
			return nil, err
		}
		if err := csr.EmitBatchBufferEnd(stream); err != nil {
			return nil, err
		}
		batch.Allocation = cb
		batch.Used = stream.Used()
	}

	var residency memory.ResidencyContainer
	for _, m := range sub.mems {
		residency.Add(m.alloc)
	}
	residency.Add(sub.transient...)

	taskCount, err := q.receiver.Flush(batch, q.engine, residency)
	if err != nil {
		q.log.WithError(err).WithField("command", sub.cmd.String()).Warn("flush failed")
		return nil, err
	}

	e := newEvent(q, sub.cmd, taskCount, sub.mems)
	e.IncRefInternal()
	q.pending = append(q.pending, e)
	q.log.WithFields(logrus.Fields{
		"command":    sub.cmd.String(),
		"task_count": taskCount,
	}).Debug("enqueued")
	return e, nil
}

// prepare validates the wait list and waits for events of other engines.
// Events of this queue's engine are ordered already.
func (q *CommandQueue) prepare(ctx context.Context, waitList []*Event) error {
	q.retireCompleted()
	for _, ev := range waitList {
		if ev == nil {
			return errors.Wrap(ErrInvalidValue, "nil event in wait list")
		}
		if ev.receiver == q.receiver {
			continue
		}
		if err := ev.Wait(ctx); err != nil {
			return errors.Wrap(err, "waiting for dependency")
		}
	}
	return nil
}

func (q *CommandQueue) checkRange(mem *MemObj, offset, size int64) error {
	if mem == nil || mem.ctx != q.ctx {
		return errors.Wrap(ErrInvalidMemObject, "buffer belongs to another context")
	}
	if size <= 0 || offset < 0 || offset+size > mem.size {
		return errors.Wrapf(ErrInvalidValue, "range [%d, %d) outside %d byte buffer", offset, offset+size, mem.size)
	}
	return nil
}

func finish(ctx context.Context, e *Event, blocking bool) (*Event, error) {
	if !blocking {
		return e, nil
	}
	if err := e.Wait(ctx); err != nil {
		return e, err
	}
	return e, nil
}

// EnqueueWriteBuffer copies data into mem at offset. A non-blocking write
// reads data asynchronously; the caller must not modify it until the
// event completes.
func (q *CommandQueue) EnqueueWriteBuffer(ctx context.Context, mem *MemObj, blocking bool, offset int64, data []byte, waitList []*Event) (*Event, error) {
	if err := q.checkRange(mem, offset, int64(len(data))); err != nil {
		return nil, err
	}
	if err := q.prepare(ctx, waitList); err != nil {
		return nil, err
	}
	staging, err := q.receiver.CreateAllocationAndHandleResidency(data, len(data))
	if err != nil {
		return nil, err
	}
	dst := mem.alloc.GPUAddress() + uint64(offset)
	e, err := q.submit(submission{
		cmd:       CommandWriteBuffer,
		mems:      []*MemObj{mem},
		transient: []*memory.GraphicsAllocation{staging},
		size:      csr.SizeCopyBlt,
		record: func(s *csr.LinearStream) error {
			return csr.EmitCopyBlt(s, staging.GPUAddress(), dst, uint32(len(data)))
		},
	})
	if err != nil {
		return nil, err
	}
	return finish(ctx, e, blocking)
}

// EnqueueReadBuffer copies len(dst) bytes of mem at offset into dst.
func (q *CommandQueue) EnqueueReadBuffer(ctx context.Context, mem *MemObj, blocking bool, offset int64, dst []byte, waitList []*Event) (*Event, error) {
	if err := q.checkRange(mem, offset, int64(len(dst))); err != nil {
		return nil, err
	}
	if err := q.prepare(ctx, waitList); err != nil {
		return nil, err
	}
	staging, err := q.receiver.CreateAllocationAndHandleResidency(dst, len(dst))
	if err != nil {
		return nil, err
	}
	src := mem.alloc.GPUAddress() + uint64(offset)
	e, err := q.submit(submission{
		cmd:       CommandReadBuffer,
		mems:      []*MemObj{mem},
		transient: []*memory.GraphicsAllocation{staging},
		size:      csr.SizeCopyBlt,
		record: func(s *csr.LinearStream) error {
			return csr.EmitCopyBlt(s, src, staging.GPUAddress(), uint32(len(dst)))
		},
	})
	if err != nil {
		return nil, err
	}
	return finish(ctx, e, blocking)
}

// EnqueueKernel dispatches k over groups work groups. Every argument must
// be set.
func (q *CommandQueue) EnqueueKernel(ctx context.Context, k *Kernel, groups uint32, waitList []*Event) (*Event, error) {
	if k == nil || groups == 0 {
		return nil, errors.Wrap(ErrInvalidValue, "kernel and work size required")
	}
	bufs, inline, err := k.bindings()
	if err != nil {
		return nil, err
	}
	addrs := make([]uint64, len(bufs))
	for i, b := range bufs {
		if b.ctx != q.ctx {
			return nil, errors.Wrapf(ErrInvalidMemObject, "%s buffer argument from another context", k.Name())
		}
		addrs[i] = b.alloc.GPUAddress()
	}
	if err := q.prepare(ctx, waitList); err != nil {
		return nil, err
	}
	return q.submit(submission{
		cmd:  CommandNDRangeKernel,
		mems: bufs,
		size: csr.SizeWalker(len(addrs), len(inline)),
		record: func(s *csr.LinearStream) error {
			return csr.EmitWalker(s, csr.Walker{KernelID: k.index, Groups: groups, Surfaces: addrs, Inline: inline})
		},
	})
}

// EnqueueMapBuffer maps size bytes of mem at offset for host access and
// returns the mapped bytes. Mapping a range that intersects an active
// mapping fails with ErrMapFailure, unless both are read-only.
func (q *CommandQueue) EnqueueMapBuffer(ctx context.Context, mem *MemObj, blocking bool, flags mapops.MapFlags, offset, size int64, waitList []*Event) ([]byte, *Event, error) {
	if err := q.checkRange(mem, offset, size); err != nil {
		return nil, nil, err
	}
	if err := q.prepare(ctx, waitList); err != nil {
		return nil, nil, err
	}

	view := mem.alloc.HostView()[offset : offset+size : offset+size]
	ptr := uintptr(unsafe.Pointer(&view[0]))
	h := q.ctx.maps.GetHandler(mem.id)
	region := [3]uint64{uint64(size)}
	origin := [3]uint64{uint64(offset)}
	if !h.Add(ptr, uint64(size), flags, region, origin, 0) {
		return nil, nil, errors.Wrapf(ErrMapFailure, "[%d, %d) overlaps an active mapping", offset, offset+size)
	}

	e, err := q.submit(submission{cmd: CommandMapBuffer, mems: []*MemObj{mem}})
	if err != nil {
		h.Remove(ptr)
		return nil, nil, err
	}
	e, err = finish(ctx, e, blocking)
	return view, e, err
}

// EnqueueUnmap ends a mapping returned by EnqueueMapBuffer. Writes made
// through a writable mapping become visible to later commands.
func (q *CommandQueue) EnqueueUnmap(ctx context.Context, mem *MemObj, mapped []byte, waitList []*Event) (*Event, error) {
	if mem == nil || mem.ctx != q.ctx {
		return nil, errors.Wrap(ErrInvalidMemObject, "buffer belongs to another context")
	}
	if len(mapped) == 0 {
		return nil, errors.Wrap(ErrInvalidValue, "empty mapped pointer")
	}
	ptr := uintptr(unsafe.Pointer(&mapped[0]))
	h := q.ctx.maps.GetHandlerIfExists(mem.id)
	if h == nil {
		return nil, errors.Wrap(ErrInvalidValue, "buffer is not mapped")
	}
	info, ok := h.Find(ptr)
	if !ok {
		return nil, errors.Wrap(ErrInvalidValue, "pointer is not a mapping of this buffer")
	}
	if err := q.prepare(ctx, waitList); err != nil {
		return nil, err
	}

	if !info.ReadOnly {
		mem.alloc.MarkContentsChanged()
	}
	e, err := q.submit(submission{cmd: CommandUnmapMemObject, mems: []*MemObj{mem}})
	if err != nil {
		return nil, err
	}
	h.Remove(ptr)
	return e, nil
}

// EnqueueMarker returns an event that completes after every command
// enqueued before it.
func (q *CommandQueue) EnqueueMarker(ctx context.Context) (*Event, error) {
	if err := q.prepare(ctx, nil); err != nil {
		return nil, err
	}
	return q.submit(submission{cmd: CommandMarker})
}

// Finish blocks until every enqueued command has completed.
func (q *CommandQueue) Finish(ctx context.Context) error {
	tc := q.receiver.LatestSentTaskCount()
	var err error
	if tc > 0 {
		err = q.receiver.WaitForTaskCount(ctx, tc)
	}
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	q.retireCompleted()
	return err
}

// Close finishes outstanding work and drops the application reference.
func (q *CommandQueue) Close(ctx context.Context) error {
	err := q.Finish(ctx)
	q.ReleaseApi()
	return err
}

// Pending returns the number of commands not yet seen complete.
func (q *CommandQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// retireCompleted drops the queue's hold on every completed event.
func (q *CommandQueue) retireCompleted() {
	q.mu.Lock()
	var done []*Event
	kept := q.pending[:0]
	for _, e := range q.pending {
		if e.Status() == ExecSubmitted {
			kept = append(kept, e)
		} else {
			done = append(done, e)
		}
	}
	for i := len(kept); i < len(q.pending); i++ {
		q.pending[i] = nil
	}
	q.pending = kept
	q.mu.Unlock()

	for _, e := range done {
		e.Release()
	}
}

// Delete drops the context reference.
func (q *CommandQueue) Delete() {
	q.CheckDestroy()
	q.ctx.Release()
}
