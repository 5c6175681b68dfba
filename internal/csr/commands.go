package csr

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Opcode identifies a command in a command stream. Every command is a
// header dword (opcode in bits 31..24, payload length in dwords in bits
// 15..0) followed by its payload dwords, all little endian.
type Opcode uint8

const (
	OpNoop             Opcode = 0x00
	OpStateBaseAddress Opcode = 0x01
	OpBatchBufferEnd   Opcode = 0x0A
	OpStoreDataImm     Opcode = 0x20
	OpLoadRegisterImm  Opcode = 0x22
	OpBatchBufferStart Opcode = 0x31
	OpCopyBlt          Opcode = 0x43
	OpWalker           Opcode = 0x70
	OpPipeControl      Opcode = 0x7A
)

func (op Opcode) String() string {
	switch op {
	case OpNoop:
		return "NOOP"
	case OpStateBaseAddress:
		return "STATE_BASE_ADDRESS"
	case OpBatchBufferEnd:
		return "BATCH_BUFFER_END"
	case OpStoreDataImm:
		return "STORE_DATA_IMM"
	case OpLoadRegisterImm:
		return "LOAD_REGISTER_IMM"
	case OpBatchBufferStart:
		return "BATCH_BUFFER_START"
	case OpCopyBlt:
		return "COPY_BLT"
	case OpWalker:
		return "WALKER"
	case OpPipeControl:
		return "PIPE_CONTROL"
	default:
		return "UNKNOWN"
	}
}

// Pipe control flags
const (
	PipeControlCSStall        uint32 = 1 << 0
	PipeControlDCFlush        uint32 = 1 << 1
	PipeControlTextureInvalid uint32 = 1 << 2
	PipeControlStateInvalid   uint32 = 1 << 3
)

// Command sizes in bytes
const (
	SizeNoop             = 4
	SizeBatchBufferEnd   = 4
	SizePipeControl      = 8
	SizeLoadRegisterImm  = 12
	SizeStateBaseAddress = 12
	SizeStoreDataImm     = 16
	SizeBatchBufferStart = 16
	SizeCopyBlt          = 24
)

// SizeWalker returns the size of a walker with n argument surfaces and
// inline bytes of cross-thread data.
func SizeWalker(n, inline int) int {
	return 20 + 8*n + alignDword(inline)
}

func alignDword(n int) int { return (n + 3) &^ 3 }

// ErrMalformedCommand is returned when a command stream cannot be decoded.
var ErrMalformedCommand = errors.New("csr: malformed command")

// Command is one decoded command
type Command struct {
	Op      Opcode
	Payload []uint32
}

// Size returns the encoded size in bytes.
func (c Command) Size() int {
	return 4 * (1 + len(c.Payload))
}

func header(op Opcode, n int) uint32 {
	return uint32(op)<<24 | uint32(n)&0xFFFF
}

func lo(v uint64) uint32 { return uint32(v) }
func hi(v uint64) uint32 { return uint32(v >> 32) }

func join(l, h uint32) uint64 { return uint64(h)<<32 | uint64(l) }

func encode(dst []byte, op Opcode, payload []uint32) {
	binary.LittleEndian.PutUint32(dst, header(op, len(payload)))
	for i, v := range payload {
		binary.LittleEndian.PutUint32(dst[4+4*i:], v)
	}
}

// DecodeNext decodes the command at the start of b.
func DecodeNext(b []byte) (Command, error) {
	if len(b) < 4 {
		return Command{}, errors.Wrapf(ErrMalformedCommand, "truncated header (%d bytes)", len(b))
	}
	h := binary.LittleEndian.Uint32(b)
	op := Opcode(h >> 24)
	n := int(h & 0xFFFF)
	if len(b) < 4+4*n {
		return Command{}, errors.Wrapf(ErrMalformedCommand, "%s needs %d payload dwords, %d bytes left", op, n, len(b)-4)
	}
	payload := make([]uint32, n)
	for i := range payload {
		payload[i] = binary.LittleEndian.Uint32(b[4+4*i:])
	}
	return Command{Op: op, Payload: payload}, nil
}

// DecodeAll decodes every command in b.
func DecodeAll(b []byte) ([]Command, error) {
	var cmds []Command
	for len(b) > 0 {
		c, err := DecodeNext(b)
		if err != nil {
			return cmds, err
		}
		cmds = append(cmds, c)
		b = b[c.Size():]
	}
	return cmds, nil
}

// EmitNoop appends a no-op.
func EmitNoop(s *LinearStream) error {
	return s.EmitCommand(OpNoop)
}

// EmitPipeControl appends a pipe control with the given flags.
func EmitPipeControl(s *LinearStream, flags uint32) error {
	return s.EmitCommand(OpPipeControl, flags)
}

// EmitLoadRegisterImm appends a register write.
func EmitLoadRegisterImm(s *LinearStream, reg, value uint32) error {
	return s.EmitCommand(OpLoadRegisterImm, reg, value)
}

// EmitStateBaseAddress appends the base address for indirect state.
func EmitStateBaseAddress(s *LinearStream, base uint64) error {
	return s.EmitCommand(OpStateBaseAddress, lo(base), hi(base))
}

// EmitStoreDataImm appends a dword write of value to addr.
func EmitStoreDataImm(s *LinearStream, addr uint64, value uint32) error {
	return s.EmitCommand(OpStoreDataImm, lo(addr), hi(addr), value)
}

// EmitBatchBufferStart appends a jump into a second-level batch of length
// bytes at addr.
func EmitBatchBufferStart(s *LinearStream, addr uint64, length uint32) error {
	return s.EmitCommand(OpBatchBufferStart, lo(addr), hi(addr), length)
}

// EmitBatchBufferEnd terminates the current batch.
func EmitBatchBufferEnd(s *LinearStream) error {
	return s.EmitCommand(OpBatchBufferEnd)
}

// EmitCopyBlt appends a copy of size bytes from src to dst.
func EmitCopyBlt(s *LinearStream, src, dst uint64, size uint32) error {
	return s.EmitCommand(OpCopyBlt, lo(src), hi(src), lo(dst), hi(dst), size)
}

// Walker is a kernel dispatch. Surfaces are the addresses of buffer
// arguments; Inline carries the cross-thread data of by-value and local
// arguments.
type Walker struct {
	KernelID uint32
	Groups   uint32
	Surfaces []uint64
	Inline   []byte
}

// EmitWalker appends a kernel dispatch. The payload is kernel id, group
// count, surface count and inline byte count, then the surfaces, then the
// inline data padded to whole dwords.
func EmitWalker(s *LinearStream, w Walker) error {
	inline := make([]byte, alignDword(len(w.Inline)))
	copy(inline, w.Inline)
	payload := make([]uint32, 0, 4+2*len(w.Surfaces)+len(inline)/4)
	payload = append(payload, w.KernelID, w.Groups, uint32(len(w.Surfaces)), uint32(len(w.Inline)))
	for _, a := range w.Surfaces {
		payload = append(payload, lo(a), hi(a))
	}
	for i := 0; i < len(inline); i += 4 {
		payload = append(payload, binary.LittleEndian.Uint32(inline[i:]))
	}
	return s.EmitCommand(OpWalker, payload...)
}

// DecodeWalker unpacks a WALKER command.
func DecodeWalker(c Command) (Walker, error) {
	if c.Op != OpWalker {
		return Walker{}, errors.Wrapf(ErrMalformedCommand, "%s is not a walker", c.Op)
	}
	p := c.Payload
	if len(p) < 4 {
		return Walker{}, errors.Wrapf(ErrMalformedCommand, "%s with %d dwords", c.Op, len(p))
	}
	n, inline := int(p[2]), int(p[3])
	if len(p) != 4+2*n+alignDword(inline)/4 {
		return Walker{}, errors.Wrapf(ErrMalformedCommand, "%s with %d dwords for %d surfaces and %d inline bytes", c.Op, len(p), n, inline)
	}
	w := Walker{KernelID: p[0], Groups: p[1]}
	for i := 0; i < n; i++ {
		w.Surfaces = append(w.Surfaces, join(p[4+2*i], p[5+2*i]))
	}
	if inline > 0 {
		buf := make([]byte, alignDword(inline))
		for i, v := range p[4+2*n:] {
			binary.LittleEndian.PutUint32(buf[4*i:], v)
		}
		w.Inline = buf[:inline]
	}
	return w, nil
}
