package csr

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/xupit3r/clrun/internal/memory"
)

// ErrStreamFull is returned when a linear stream lacks room for a command.
var ErrStreamFull = errors.New("csr: linear stream full")

// LinearStream is an append-only command buffer with a monotonic write
// cursor. The cursor only moves back to zero through Reset or Replace.
type LinearStream struct {
	mu    sync.Mutex
	alloc *memory.GraphicsAllocation
	buf   []byte
	used  int
}

// NewLinearStream creates a stream writing into alloc.
func NewLinearStream(alloc *memory.GraphicsAllocation) *LinearStream {
	return &LinearStream{alloc: alloc, buf: alloc.HostView()}
}

// GetSpace reserves n bytes and returns them for writing.
func (s *LinearStream) GetSpace(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSpaceLocked(n)
}

func (s *LinearStream) getSpaceLocked(n int) ([]byte, error) {
	if n < 0 || s.used+n > len(s.buf) {
		return nil, errors.Wrapf(ErrStreamFull, "need %d bytes, %d available", n, len(s.buf)-s.used)
	}
	out := s.buf[s.used : s.used+n]
	s.used += n
	return out, nil
}

// EmitCommand appends one encoded command. Either the whole command is
// written or nothing is.
func (s *LinearStream) EmitCommand(op Opcode, payload ...uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst, err := s.getSpaceLocked(4 * (1 + len(payload)))
	if err != nil {
		return errors.Wrapf(err, "emitting %s", op)
	}
	encode(dst, op, payload)
	return nil
}

func (s *LinearStream) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *LinearStream) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *LinearStream) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf) - s.used
}

// Allocation returns the backing allocation.
func (s *LinearStream) Allocation() *memory.GraphicsAllocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc
}

// GPUAddressAt returns the device address of offset in the stream.
func (s *LinearStream) GPUAddressAt(offset int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alloc.GPUAddress() + uint64(offset)
}

// Snapshot copies the bytes in [start, end).
func (s *LinearStream) Snapshot(start, end int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, end-start)
	copy(out, s.buf[start:end])
	return out
}

// Replace switches to a new backing allocation and resets the cursor.
// It returns the previous allocation.
func (s *LinearStream) Replace(alloc *memory.GraphicsAllocation) *memory.GraphicsAllocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.alloc
	s.alloc = alloc
	s.buf = alloc.HostView()
	s.used = 0
	return old
}

// Reset moves the cursor back to the start of the current buffer.
func (s *LinearStream) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used = 0
}
