package csr

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/xupit3r/clrun/internal/memory"
)

// ErrPageFault is returned when a command touches an address that is not
// backed by a resident allocation.
var ErrPageFault = errors.New("csr: page fault")

const maxBatchDepth = 2

// executor interprets command streams against the set of allocations
// made resident on it. Backends that have no real hardware behind them
// use it to produce the side effects a GPU would: completion tag writes,
// copies, and residency faults.
type executor struct {
	mu    sync.RWMutex
	pages map[uuid.UUID]*memory.GraphicsAllocation

	executed atomic.Uint64
	faults   atomic.Uint64
}

func newExecutor() *executor {
	return &executor{pages: make(map[uuid.UUID]*memory.GraphicsAllocation)}
}

// mapAllocation makes a visible to the executor. Mapping twice is a no-op.
func (e *executor) mapAllocation(a *memory.GraphicsAllocation) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pages[a.ID()]; ok {
		return false
	}
	e.pages[a.ID()] = a
	return true
}

func (e *executor) unmapAllocation(a *memory.GraphicsAllocation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pages, a.ID())
}

func (e *executor) isMapped(a *memory.GraphicsAllocation) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.pages[a.ID()]
	return ok
}

// resolve returns the host bytes for [addr, addr+n).
func (e *executor) resolve(addr uint64, n uint64) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, a := range e.pages {
		if a.Contains(addr, n) {
			off := addr - a.GPUAddress()
			return a.HostView()[off : off+n], nil
		}
	}
	e.faults.Add(1)
	return nil, errors.Wrapf(ErrPageFault, "address %#x (+%d)", addr, n)
}

// writeDword stores v at addr. Aligned stores are atomic so the host can
// poll the location while the executor runs.
func (e *executor) writeDword(addr uint64, v uint32) error {
	b, err := e.resolve(addr, 4)
	if err != nil {
		return err
	}
	if uintptr(unsafe.Pointer(&b[0]))%4 != 0 {
		return errors.Wrapf(ErrMalformedCommand, "unaligned dword store at %#x", addr)
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), v)
	return nil
}

// run executes cmds until a batch buffer end or the end of the bytes.
func (e *executor) run(cmds []byte) error {
	e.executed.Add(1)
	return e.runBatch(cmds, 0)
}

func (e *executor) runBatch(b []byte, depth int) error {
	for len(b) > 0 {
		c, err := DecodeNext(b)
		if err != nil {
			return err
		}
		b = b[c.Size():]

		switch c.Op {
		case OpBatchBufferEnd:
			return nil

		case OpNoop, OpPipeControl, OpLoadRegisterImm, OpStateBaseAddress:
			// State programming has no observable effect here

		case OpStoreDataImm:
			if len(c.Payload) != 3 {
				return errors.Wrapf(ErrMalformedCommand, "%s with %d dwords", c.Op, len(c.Payload))
			}
			if err := e.writeDword(join(c.Payload[0], c.Payload[1]), c.Payload[2]); err != nil {
				return err
			}

		case OpBatchBufferStart:
			if len(c.Payload) != 3 {
				return errors.Wrapf(ErrMalformedCommand, "%s with %d dwords", c.Op, len(c.Payload))
			}
			if depth >= maxBatchDepth {
				return errors.Wrap(ErrMalformedCommand, "batch buffer nesting too deep")
			}
			target, err := e.resolve(join(c.Payload[0], c.Payload[1]), uint64(c.Payload[2]))
			if err != nil {
				return err
			}
			if err := e.runBatch(target, depth+1); err != nil {
				return err
			}

		case OpCopyBlt:
			if len(c.Payload) != 5 {
				return errors.Wrapf(ErrMalformedCommand, "%s with %d dwords", c.Op, len(c.Payload))
			}
			size := uint64(c.Payload[4])
			src, err := e.resolve(join(c.Payload[0], c.Payload[1]), size)
			if err != nil {
				return err
			}
			dst, err := e.resolve(join(c.Payload[2], c.Payload[3]), size)
			if err != nil {
				return err
			}
			copy(dst, src)

		case OpWalker:
			w, err := DecodeWalker(c)
			if err != nil {
				return err
			}
			for i, a := range w.Surfaces {
				if _, err := e.resolve(a, 1); err != nil {
					return errors.Wrapf(err, "walker surface %d", i)
				}
			}

		default:
			return errors.Wrapf(ErrMalformedCommand, "unknown opcode %#x", uint8(c.Op))
		}
	}
	return nil
}
