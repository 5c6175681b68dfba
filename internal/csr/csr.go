// Package csr builds and submits command streams. A CommandStreamReceiver
// owns a linear stream and a completion tag for one engine context, makes
// every allocation a submission touches resident, and hands the result to
// exactly one backend: the device, an AUB validation dump, or a remote TBX
// target.
package csr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xupit3r/clrun/internal/hwinfo"
	"github.com/xupit3r/clrun/internal/logging"
	"github.com/xupit3r/clrun/internal/memory"
)

const tagBufferSize = 4096

var (
	// ErrClosed is returned by operations on a closed receiver
	ErrClosed = errors.New("csr: command stream receiver closed")
	// ErrInvalidBatch is returned when a batch buffer range is out of bounds
	ErrInvalidBatch = errors.New("csr: invalid batch buffer")
	// ErrInvalidHostPtr is returned for empty or short host pointers
	ErrInvalidHostPtr = errors.New("csr: invalid host pointer")
	// ErrTaskNotSubmitted is returned when waiting for work never flushed
	ErrTaskNotSubmitted = errors.New("csr: task count not submitted")
)

// BatchBuffer is the application command buffer a flush chains to.
type BatchBuffer struct {
	// Allocation holds the commands. It may be nil for a flush that only
	// synchronizes.
	Allocation  *memory.GraphicsAllocation
	StartOffset int
	Used        int

	// ContextID identifies the driver context that recorded the batch.
	// Preamble state is programmed once per context and engine.
	ContextID uint64
}

type preambleKey struct {
	context uint64
	engine  EngineType
}

// Stats counts receiver activity
type Stats struct {
	Flushes           uint64
	FailedSubmissions uint64
	Preambles         uint64
	StreamResets      uint64
	StreamWraps       uint64
	MakeResidentCalls uint64
}

// CommandStreamReceiver sequences submissions for one engine context.
// Callers serialize flushes per queue; the receiver's lock only guards its
// stream cursor and submission bookkeeping.
type CommandStreamReceiver struct {
	cfg     Config
	hw      *hwinfo.HardwareInfo
	helper  HWHelper
	mm      *memory.MemoryManager
	backend Backend

	mu        sync.Mutex
	stream    *LinearStream
	preambles map[preambleKey]bool
	residency memory.ResidencyContainer
	closed    bool

	tag        *memory.GraphicsAllocation
	finalTag   atomic.Uint32
	tagFreed   atomic.Bool
	latestSent atomic.Uint32
	pass       atomic.Uint64

	flushes, failed, preambleCount, resets, wraps, resident atomic.Uint64

	log *logrus.Entry
}

// Create builds the backend selected by cfg and a receiver over it.
func Create(cfg Config, hw *hwinfo.HardwareInfo, mm *memory.MemoryManager) (*CommandStreamReceiver, error) {
	cfg.withDefaults()
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	c, err := New(cfg, hw, mm, backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return c, nil
}

// New creates a receiver that submits to backend. When hw is nil the
// default product for cfg.Generation is used.
func New(cfg Config, hw *hwinfo.HardwareInfo, mm *memory.MemoryManager, backend Backend) (*CommandStreamReceiver, error) {
	cfg.withDefaults()
	if hw == nil {
		var err error
		if hw, err = hwinfo.ForGeneration(cfg.Generation); err != nil {
			return nil, err
		}
	}
	helper, err := LookupHelper(hw.Platform.Generation)
	if err != nil {
		return nil, err
	}

	tag, err := mm.AllocateGraphicsMemory(memory.AllocationProperties{Type: memory.AllocationTypeTagBuffer, Size: tagBufferSize})
	if err != nil {
		return nil, errors.Wrap(err, "allocating completion tag")
	}
	streamAlloc, err := mm.AllocateGraphicsMemory(memory.AllocationProperties{Type: memory.AllocationTypeLinearStream, Size: cfg.LinearStreamSize})
	if err != nil {
		mm.FreeGraphicsMemory(tag)
		return nil, errors.Wrap(err, "allocating linear stream")
	}

	c := &CommandStreamReceiver{
		cfg:       cfg,
		hw:        hw,
		helper:    helper,
		mm:        mm,
		backend:   backend,
		stream:    NewLinearStream(streamAlloc),
		preambles: make(map[preambleKey]bool),
		tag:       tag,
		log: logging.WithComponent("csr").WithFields(logrus.Fields{
			"backend":    backend.Kind().String(),
			"os_context": cfg.OsContext,
			"gen":        string(hw.Platform.Generation),
		}),
	}
	if err := mm.RegisterOsContext(cfg.OsContext, c); err != nil {
		mm.FreeGraphicsMemory(streamAlloc)
		mm.FreeGraphicsMemory(tag)
		return nil, err
	}
	mm.RegisterEvictionHandler(c)
	c.log.Debug("created")
	return c, nil
}

func (c *CommandStreamReceiver) Config() Config                     { return c.cfg }
func (c *CommandStreamReceiver) HardwareInfo() *hwinfo.HardwareInfo { return c.hw }
func (c *CommandStreamReceiver) Backend() Backend                   { return c.backend }
func (c *CommandStreamReceiver) MemoryManager() *memory.MemoryManager {
	return c.mm
}

// Stream returns the linear stream. It is exposed for inspection only.
func (c *CommandStreamReceiver) Stream() *LinearStream { return c.stream }

// TagAllocation returns the completion tag allocation.
func (c *CommandStreamReceiver) TagAllocation() *memory.GraphicsAllocation { return c.tag }

// Flush appends preamble (if this context and engine have not been
// programmed yet), a jump into batch, and a completion tag write to the
// linear stream, makes every allocation in residency resident, and
// submits the new bytes. It returns the task count the submission will
// write to the tag when it completes.
func (c *CommandStreamReceiver) Flush(batch BatchBuffer, engine EngineType, residency memory.ResidencyContainer) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if batch.Allocation != nil {
		if batch.StartOffset < 0 || batch.Used <= 0 || int64(batch.StartOffset+batch.Used) > batch.Allocation.Size() {
			return 0, errors.Wrapf(ErrInvalidBatch, "range [%d,%d) in %s", batch.StartOffset, batch.StartOffset+batch.Used, batch.Allocation)
		}
	}

	taskCount := c.latestSent.Load() + 1
	key := preambleKey{context: batch.ContextID, engine: engine}
	programPreamble := !c.preambles[key]

	need := c.submissionSize(programPreamble, batch, engine)
	if c.stream.Available() < need {
		if err := c.recycleStreamLocked(need); err != nil {
			return 0, err
		}
	}

	start := c.stream.Used()
	if programPreamble {
		if err := c.helper.ProgramPreamble(c.stream, engine, c.hw); err != nil {
			return 0, errors.Wrap(err, "programming preamble")
		}
		c.preambles[key] = true
		c.preambleCount.Add(1)
	}
	if err := c.emitEpilogue(batch, taskCount); err != nil {
		delete(c.preambles, key)
		return 0, err
	}
	end := c.stream.Used()
	c.stream.Allocation().MarkContentsChanged()

	c.residency.Reset()
	c.residency.Add(residency...)
	c.residency.Add(batch.Allocation, c.stream.Allocation(), c.tag)
	if err := c.ProcessResidency(c.residency); err != nil {
		delete(c.preambles, key)
		c.failed.Add(1)
		return 0, errors.Wrap(err, "processing residency")
	}

	sub := &Submission{
		Engine:     engine,
		OsContext:  c.cfg.OsContext,
		TaskCount:  taskCount,
		GPUAddress: c.stream.GPUAddressAt(start),
		Commands:   c.stream.Snapshot(start, end),
		TagAddress: c.tag.GPUAddress(),
		Residency:  c.residency.Unique(),
	}
	if err := c.backend.Submit(sub); err != nil {
		delete(c.preambles, key)
		c.failed.Add(1)
		c.log.WithError(err).WithField("task_count", taskCount).Warn("submission failed")
		return 0, errors.Wrapf(err, "submitting task %d", taskCount)
	}

	for _, a := range sub.Residency {
		a.UpdateTaskCount(taskCount, c.cfg.OsContext)
	}
	c.latestSent.Store(taskCount)
	c.flushes.Add(1)
	c.log.WithFields(logrus.Fields{
		"task_count": taskCount,
		"engine":     engine.String(),
		"bytes":      end - start,
		"resident":   len(sub.Residency),
	}).Debug("flushed")
	return taskCount, nil
}

func (c *CommandStreamReceiver) submissionSize(preamble bool, batch BatchBuffer, engine EngineType) int {
	n := SizePipeControl + SizeStoreDataImm + SizeBatchBufferEnd
	if preamble {
		n += c.helper.PreambleSize(engine, c.hw)
	}
	if batch.Allocation != nil {
		n += SizeBatchBufferStart
	}
	return n
}

func (c *CommandStreamReceiver) emitEpilogue(batch BatchBuffer, taskCount uint32) error {
	if batch.Allocation != nil {
		addr := batch.Allocation.GPUAddress() + uint64(batch.StartOffset)
		if err := EmitBatchBufferStart(c.stream, addr, uint32(batch.Used)); err != nil {
			return err
		}
	}
	if err := EmitPipeControl(c.stream, c.helper.FlushFlags(c.hw)); err != nil {
		return err
	}
	if err := EmitStoreDataImm(c.stream, c.tag.GPUAddress(), taskCount); err != nil {
		return err
	}
	return EmitBatchBufferEnd(c.stream)
}

// recycleStreamLocked makes room for need bytes. The current buffer is
// reset when nothing in flight still reads it and it is large enough;
// otherwise a new buffer replaces it and the old one is freed once its
// submissions complete.
func (c *CommandStreamReceiver) recycleStreamLocked(need int) error {
	cur := c.stream.Allocation()
	if c.stream.Capacity() >= need && !c.mm.IsStillInUse(cur) {
		c.stream.Reset()
		c.resets.Add(1)
		return nil
	}

	size := c.cfg.LinearStreamSize
	if int64(need) > size {
		size = int64(need)
	}
	alloc, err := c.mm.AllocateGraphicsMemory(memory.AllocationProperties{Type: memory.AllocationTypeLinearStream, Size: size})
	if err != nil {
		return errors.Wrap(err, "growing linear stream")
	}
	old := c.stream.Replace(alloc)
	c.wraps.Add(1)
	c.mm.CheckGPUUsageAndDestroy(old)
	c.log.WithFields(logrus.Fields{"old": old.String(), "new": alloc.String()}).Debug("linear stream wrapped")
	return nil
}

// ProcessResidency makes every allocation in container resident on the
// backend. Each allocation is handed to the backend once per call, however
// many times it is listed.
func (c *CommandStreamReceiver) ProcessResidency(container memory.ResidencyContainer) error {
	pass := c.pass.Add(1)
	osContext := c.cfg.OsContext
	for _, a := range container {
		if a == nil || !a.ClaimResidencyPass(osContext, pass) {
			continue
		}
		if err := c.backend.MakeResident(a, osContext); err != nil {
			return errors.Wrapf(err, "making %s resident", a)
		}
		a.SetResident(osContext, true)
		c.resident.Add(1)
	}
	return nil
}

// CreateAllocationAndHandleResidency wraps the first size bytes of hostPtr
// in an allocation. Backends that capture memory see it immediately.
func (c *CommandStreamReceiver) CreateAllocationAndHandleResidency(hostPtr []byte, size int) (*memory.GraphicsAllocation, error) {
	if size <= 0 || size > len(hostPtr) {
		return nil, errors.Wrapf(ErrInvalidHostPtr, "size %d with %d host bytes", size, len(hostPtr))
	}
	a, err := c.mm.AllocateForHostPtr(hostPtr[:size:size])
	if err != nil {
		return nil, err
	}
	if c.backend.CapturesMemory() {
		if err := c.backend.MakeResident(a, c.cfg.OsContext); err != nil {
			c.mm.FreeGraphicsMemory(a)
			return nil, errors.Wrap(err, "capturing host allocation")
		}
		a.SetResident(c.cfg.OsContext, true)
		c.resident.Add(1)
	}
	return a, nil
}

// CompletedTaskCount reads the completion tag.
func (c *CommandStreamReceiver) CompletedTaskCount() uint32 {
	if c.tagFreed.Load() {
		return c.finalTag.Load()
	}
	return readTag(c.tag)
}

func readTag(a *memory.GraphicsAllocation) uint32 {
	b := a.HostView()
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&b[0])))
}

// LatestSentTaskCount returns the task count of the last successful flush.
func (c *CommandStreamReceiver) LatestSentTaskCount() uint32 {
	return c.latestSent.Load()
}

// WaitForTaskCount blocks until the tag reaches taskCount, the engine
// hangs, or ctx is done. It polls; submitted work is never cancelled.
func (c *CommandStreamReceiver) WaitForTaskCount(ctx context.Context, taskCount uint32) error {
	if taskCount > c.latestSent.Load() {
		return errors.Wrapf(ErrTaskNotSubmitted, "task %d, latest %d", taskCount, c.latestSent.Load())
	}
	ticker := time.NewTicker(c.cfg.TagPollInterval)
	defer ticker.Stop()
	for {
		if c.backend.Hung(taskCount) {
			return errors.Wrapf(ErrGPUHang, "waiting for task %d", taskCount)
		}
		if c.CompletedTaskCount() >= taskCount {
			c.mm.CleanAllocationList()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// InvalidatePreamble forces the preamble to be programmed again on the
// next flush for contextID on engine.
func (c *CommandStreamReceiver) InvalidatePreamble(contextID uint64, engine EngineType) {
	c.mu.Lock()
	delete(c.preambles, preambleKey{context: contextID, engine: engine})
	c.mu.Unlock()
}

// Evict drops a from the backend. The memory manager calls it before
// freeing an allocation.
func (c *CommandStreamReceiver) Evict(a *memory.GraphicsAllocation) {
	c.backend.Evict(a)
	a.SetResident(c.cfg.OsContext, false)
}

func (c *CommandStreamReceiver) Stats() Stats {
	return Stats{
		Flushes:           c.flushes.Load(),
		FailedSubmissions: c.failed.Load(),
		Preambles:         c.preambleCount.Load(),
		StreamResets:      c.resets.Load(),
		StreamWraps:       c.wraps.Load(),
		MakeResidentCalls: c.resident.Load(),
	}
}

// Close drains the backend and frees the stream and tag.
func (c *CommandStreamReceiver) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.backend.Close()

	c.finalTag.Store(readTag(c.tag))
	c.tagFreed.Store(true)
	c.mm.FreeGraphicsMemory(c.stream.Allocation())
	c.mm.FreeGraphicsMemory(c.tag)
	c.log.WithField("stats", c.Stats()).Debug("closed")
	return err
}

// SubmissionStatus is the driver-level result of a submission
type SubmissionStatus int32

const (
	StatusSuccess          SubmissionStatus = 0
	StatusOutOfResources   SubmissionStatus = -5
	StatusOutOfHostMemory  SubmissionStatus = -6
	StatusInvalidValue     SubmissionStatus = -30
	StatusInvalidOperation SubmissionStatus = -59
)

func (s SubmissionStatus) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusOutOfResources:
		return "OUT_OF_RESOURCES"
	case StatusOutOfHostMemory:
		return "OUT_OF_HOST_MEMORY"
	case StatusInvalidValue:
		return "INVALID_VALUE"
	case StatusInvalidOperation:
		return "INVALID_OPERATION"
	default:
		return "UNKNOWN"
	}
}

// StatusOf maps an error from this package to a submission status.
func StatusOf(err error) SubmissionStatus {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, memory.ErrOutOfMemory):
		return StatusOutOfHostMemory
	case errors.Is(err, ErrInvalidBatch), errors.Is(err, ErrInvalidHostPtr), errors.Is(err, ErrTaskNotSubmitted):
		return StatusInvalidValue
	case errors.Is(err, ErrClosed), errors.Is(err, ErrBackendClosed):
		return StatusInvalidOperation
	default:
		return StatusOutOfResources
	}
}
