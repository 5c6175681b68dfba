package runtime

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/xupit3r/clrun/internal/csr"
	"github.com/xupit3r/clrun/internal/refcount"
)

// CommandType is the kind of command an event tracks
type CommandType int

const (
	CommandWriteBuffer CommandType = iota
	CommandReadBuffer
	CommandNDRangeKernel
	CommandMapBuffer
	CommandUnmapMemObject
	CommandMarker
)

func (c CommandType) String() string {
	switch c {
	case CommandWriteBuffer:
		return "write_buffer"
	case CommandReadBuffer:
		return "read_buffer"
	case CommandNDRangeKernel:
		return "ndrange_kernel"
	case CommandMapBuffer:
		return "map_buffer"
	case CommandUnmapMemObject:
		return "unmap_mem_object"
	default:
		return "marker"
	}
}

// ExecutionStatus is the state of an event. Negative values are errors.
type ExecutionStatus int32

const (
	ExecComplete  ExecutionStatus = 0
	ExecRunning   ExecutionStatus = 1
	ExecSubmitted ExecutionStatus = 2
	ExecQueued    ExecutionStatus = 3
	ExecFailed    ExecutionStatus = -5
)

// Event tracks one submitted command. Until the command completes it
// holds internal references on its queue and on every memory object the
// command touches, so neither is destroyed under the GPU.
type Event struct {
	refcount.Tracked[*Event]

	queue     *CommandQueue
	receiver  *csr.CommandStreamReceiver
	cmd       CommandType
	taskCount uint32
	retained  []*MemObj

	queuedAt uint64

	mu      sync.Mutex
	retired bool
	err     error
	endedAt uint64
}

func newEvent(q *CommandQueue, cmd CommandType, taskCount uint32, mems []*MemObj) *Event {
	e := &Event{
		queue:     q,
		receiver:  q.receiver,
		cmd:       cmd,
		taskCount: taskCount,
		retained:  mems,
		queuedAt:  q.device.timer.CPUTimestamp(),
	}
	e.Init(e, true)
	q.IncRefInternal()
	for _, m := range mems {
		m.IncRefInternal()
	}
	return e
}

func (e *Event) CommandType() CommandType { return e.cmd }
func (e *Event) TaskCount() uint32        { return e.taskCount }
func (e *Event) Queue() *CommandQueue     { return e.queue }

// Status polls the command's progress without blocking.
func (e *Event) Status() ExecutionStatus {
	e.mu.Lock()
	retired, failed := e.retired, e.err != nil
	e.mu.Unlock()
	switch {
	case failed:
		return ExecFailed
	case retired:
		return ExecComplete
	}

	if e.receiver.Backend().Hung(e.taskCount) {
		e.retire(errors.Wrapf(csr.ErrGPUHang, "task %d", e.taskCount))
		return ExecFailed
	}
	if e.receiver.CompletedTaskCount() >= e.taskCount {
		e.retire(nil)
		return ExecComplete
	}
	return ExecSubmitted
}

// Wait blocks until the command completes or ctx is done. A command lost
// to an engine hang completes with an error wrapping csr.ErrGPUHang.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	retired, err := e.retired, e.err
	e.mu.Unlock()
	if retired {
		return err
	}

	err = e.receiver.WaitForTaskCount(ctx, e.taskCount)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return err
	}
	e.retire(err)
	return err
}

// ProfilingInfo returns host timestamps, in nanoseconds, of when the
// command was queued and when it was seen complete. end is zero until
// then.
func (e *Event) ProfilingInfo() (queued, end uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queuedAt, e.endedAt
}

// retire drops the references taken for the command. Only the first call
// does anything.
func (e *Event) retire(err error) {
	e.mu.Lock()
	if e.retired {
		e.mu.Unlock()
		return
	}
	e.retired = true
	e.err = err
	e.endedAt = e.queue.device.timer.CPUTimestamp()
	mems := e.retained
	e.retained = nil
	e.mu.Unlock()

	for _, m := range mems {
		m.Release()
	}
	e.queue.Release()
}

func (e *Event) isRetired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retired
}

// Delete is called when the last reference goes away.
func (e *Event) Delete() {
	e.CheckDestroy()
}
