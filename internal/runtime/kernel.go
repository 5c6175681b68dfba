package runtime

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/xupit3r/clrun/internal/program"
	"github.com/xupit3r/clrun/internal/refcount"
)

// LocalSize sets a __local argument to a scratch size in bytes.
type LocalSize uint32

type kernelArg struct {
	set   bool
	mem   *MemObj
	local uint32
	value []byte
}

// Kernel is a kernel of a built program with its argument bindings. It
// holds an internal reference on the program.
type Kernel struct {
	refcount.Tracked[*Kernel]

	prog  *program.Program
	info  program.KernelInfo
	index uint32

	mu   sync.Mutex
	args []kernelArg
}

// CreateKernel looks up name in a successfully built program.
func CreateKernel(p *program.Program, name string) (*Kernel, error) {
	if p == nil {
		return nil, errors.Wrap(ErrInvalidValue, "nil program")
	}
	if p.BuildStatus() != program.BuildSuccess {
		return nil, errors.Wrapf(ErrInvalidProgram, "build status %s", p.BuildStatus())
	}
	kernels := p.Kernels()
	for i, k := range kernels {
		if k.Name != name {
			continue
		}
		kern := &Kernel{
			prog:  p,
			info:  k,
			index: uint32(i),
			args:  make([]kernelArg, len(k.Args)),
		}
		kern.Init(kern, true)
		p.IncRefInternal()
		return kern, nil
	}
	return nil, errors.Wrapf(ErrInvalidKernelName, "%q", name)
}

func (k *Kernel) Name() string              { return k.info.Name }
func (k *Kernel) Info() program.KernelInfo  { return k.info }
func (k *Kernel) Program() *program.Program { return k.prog }
func (k *Kernel) NumArgs() int              { return len(k.info.Args) }

// SetArg binds argument i. Buffer arguments take a *MemObj, local
// arguments a LocalSize, and by-value arguments any fixed-size value whose
// encoding matches the declared size.
func (k *Kernel) SetArg(i int, value any) error {
	if i < 0 || i >= len(k.info.Args) {
		return errors.Wrapf(ErrInvalidArgIndex, "%s has %d arguments, got index %d", k.info.Name, len(k.info.Args), i)
	}
	decl := k.info.Args[i]
	var arg kernelArg

	switch decl.Qualifier {
	case program.AddressGlobal, program.AddressConstant:
		mem, ok := value.(*MemObj)
		if !ok || mem == nil {
			return errors.Wrapf(ErrInvalidArgValue, "argument %s needs a buffer", decl.Name)
		}
		arg.mem = mem
	case program.AddressLocal:
		size, ok := value.(LocalSize)
		if !ok || size == 0 {
			return errors.Wrapf(ErrInvalidArgValue, "argument %s needs a non-zero local size", decl.Name)
		}
		arg.local = uint32(size)
	default:
		if binary.Size(value) != int(decl.Size) {
			return errors.Wrapf(ErrInvalidArgValue, "argument %s is %d bytes", decl.Name, decl.Size)
		}
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, value); err != nil {
			return errors.Wrap(ErrInvalidArgValue, err.Error())
		}
		arg.value = buf.Bytes()
	}
	arg.set = true

	k.mu.Lock()
	k.args[i] = arg
	k.mu.Unlock()
	return nil
}

// bindings returns the buffer argument of every buffer slot, in order,
// and the cross-thread data of the remaining arguments: each by-value
// argument's bytes and each local size as a dword, every entry padded to a
// whole dword. It fails if any argument is unset.
func (k *Kernel) bindings() ([]*MemObj, []byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var (
		bufs   []*MemObj
		inline []byte
	)
	for i, a := range k.args {
		if !a.set {
			return nil, nil, errors.Wrapf(ErrInvalidKernelArgs, "%s argument %d (%s) not set", k.info.Name, i, k.info.Args[i].Name)
		}
		switch {
		case a.mem != nil:
			bufs = append(bufs, a.mem)
		case k.info.Args[i].Qualifier == program.AddressLocal:
			inline = binary.LittleEndian.AppendUint32(inline, a.local)
		default:
			inline = append(inline, a.value...)
		}
		for len(inline)%4 != 0 {
			inline = append(inline, 0)
		}
	}
	return bufs, inline, nil
}

// Delete drops the program reference.
func (k *Kernel) Delete() {
	k.CheckDestroy()
	k.prog.Release()
}
