package runtime

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/xupit3r/clrun/internal/csr"
	"github.com/xupit3r/clrun/internal/mapops"
	"github.com/xupit3r/clrun/internal/memory"
	"github.com/xupit3r/clrun/internal/program"
	"github.com/xupit3r/clrun/internal/refcount"
)

var (
	// ErrInvalidValue is returned for bad arguments
	ErrInvalidValue = errors.New("runtime: invalid value")
	// ErrInvalidMemObject is returned for memory objects of another context
	ErrInvalidMemObject = errors.New("runtime: invalid memory object")
	// ErrMapFailure is returned when a mapping overlaps an active one
	ErrMapFailure = errors.New("runtime: map failure")
	// ErrInvalidKernelArgs is returned when a kernel is enqueued with unset arguments
	ErrInvalidKernelArgs = errors.New("runtime: invalid kernel arguments")
	// ErrInvalidArgIndex is returned for argument indices past the end
	ErrInvalidArgIndex = errors.New("runtime: invalid argument index")
	// ErrInvalidArgValue is returned when an argument value does not fit
	ErrInvalidArgValue = errors.New("runtime: invalid argument value")
	// ErrInvalidProgram is returned when a kernel is created from an unbuilt program
	ErrInvalidProgram = errors.New("runtime: program not built")
	// ErrInvalidKernelName is returned when a program has no such kernel
	ErrInvalidKernelName = errors.New("runtime: invalid kernel name")
	// ErrCompilerNotAvailable is returned when source programs cannot be built
	ErrCompilerNotAvailable = errors.New("runtime: compiler not available")
)

// Status is an API result code
type Status int32

const (
	Success              Status = 0
	MapFailure           Status = -12
	InvalidValue         Status = -30
	InvalidContext       Status = -34
	InvalidMemObject     Status = -38
	InvalidProgram       Status = -44
	InvalidKernelName    Status = -46
	InvalidArgIndex      Status = -49
	InvalidArgValue      Status = -50
	InvalidKernelArgs    Status = -52
	CompilerNotAvailable Status = -3
)

// StatusOf maps an error from the runtime or the command stream receiver
// to an API status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrInvalidValue):
		return InvalidValue
	case errors.Is(err, ErrInvalidMemObject):
		return InvalidMemObject
	case errors.Is(err, ErrMapFailure):
		return MapFailure
	case errors.Is(err, ErrInvalidKernelArgs):
		return InvalidKernelArgs
	case errors.Is(err, ErrInvalidArgIndex):
		return InvalidArgIndex
	case errors.Is(err, ErrInvalidArgValue):
		return InvalidArgValue
	case errors.Is(err, ErrInvalidProgram):
		return InvalidProgram
	case errors.Is(err, ErrInvalidKernelName):
		return InvalidKernelName
	case errors.Is(err, ErrCompilerNotAvailable):
		return CompilerNotAvailable
	default:
		return Status(csr.StatusOf(err))
	}
}

var contextIDs atomic.Uint64

// Context groups the memory objects, programs and queues of one device.
type Context struct {
	refcount.Tracked[*Context]

	id     uint64
	device *Device
	maps   *mapops.Storage
}

// NewContext creates a context on device, owned by the caller.
func NewContext(device *Device) (*Context, error) {
	if device == nil {
		return nil, errors.Wrap(ErrInvalidValue, "nil device")
	}
	c := &Context{
		id:     contextIDs.Add(1),
		device: device,
		maps:   mapops.NewStorage(),
	}
	c.Init(c, true)
	return c, nil
}

func (c *Context) ID() uint64      { return c.id }
func (c *Context) Device() *Device { return c.device }

// MapOperations returns the mapping bookkeeping of the context's memory
// objects.
func (c *Context) MapOperations() *mapops.Storage { return c.maps }

// ReferenceCount reports the application's reference count. Internal
// holds by queues, buffers and events are not included.
func (c *Context) ReferenceCount() int32 {
	return c.RefApi()
}

func (c *Context) memoryManager() *memory.MemoryManager {
	return c.device.mm
}

// CreateProgramWithSource creates a program built by the device compiler.
func (c *Context) CreateProgramWithSource(source string) (*program.Program, error) {
	if c.device.compiler == nil {
		return nil, ErrCompilerNotAvailable
	}
	p, st := program.NewWithSource(c.device.compiler, source)
	if st != program.Success {
		return nil, errors.Wrapf(ErrInvalidValue, "creating program: %s", st)
	}
	return p, nil
}

// CreateProgramWithBinary creates a program from a previously built binary.
func (c *Context) CreateProgramWithBinary(bin []byte) (*program.Program, error) {
	p, st := program.NewWithBinary(bin)
	if st != program.Success {
		return nil, errors.Wrapf(ErrInvalidValue, "creating program: %s", st)
	}
	return p, nil
}

// Delete is called when the last reference goes away.
func (c *Context) Delete() {
	c.CheckDestroy()
}
