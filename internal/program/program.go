// Package program implements the program object: source or binary input,
// the build state machine, and the kernel metadata a successful build
// exposes.
package program

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xupit3r/clrun/internal/logging"
	"github.com/xupit3r/clrun/internal/refcount"
)

// BuildStatus is the state of the most recent build.
type BuildStatus int32

const (
	BuildSuccess    BuildStatus = 0
	BuildNotBuilt   BuildStatus = -1
	BuildError      BuildStatus = -2
	BuildInProgress BuildStatus = -3
)

func (s BuildStatus) String() string {
	switch s {
	case BuildSuccess:
		return "success"
	case BuildNotBuilt:
		return "not built"
	case BuildError:
		return "error"
	case BuildInProgress:
		return "in progress"
	default:
		return "unknown"
	}
}

// BinaryType describes what the program binary holds.
type BinaryType uint32

const (
	BinaryNone BinaryType = iota
	BinaryCompiledObject
	BinaryLibrary
	BinaryExecutable
)

func (t BinaryType) String() string {
	switch t {
	case BinaryCompiledObject:
		return "compiled object"
	case BinaryLibrary:
		return "library"
	case BinaryExecutable:
		return "executable"
	default:
		return "none"
	}
}

// Status is the result code of a program operation.
type Status int32

const (
	Success              Status = 0
	CompilerNotAvailable Status = -3
	OutOfHostMemory      Status = -6
	BuildProgramFailure  Status = -11
	InvalidValue         Status = -30
	InvalidBinary        Status = -42
	InvalidBuildOptions  Status = -43
	InvalidProgram       Status = -44
	InvalidOperation     Status = -59
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case CompilerNotAvailable:
		return "compiler not available"
	case OutOfHostMemory:
		return "out of host memory"
	case BuildProgramFailure:
		return "build program failure"
	case InvalidValue:
		return "invalid value"
	case InvalidBinary:
		return "invalid binary"
	case InvalidBuildOptions:
		return "invalid build options"
	case InvalidProgram:
		return "invalid program"
	case InvalidOperation:
		return "invalid operation"
	default:
		return "unknown"
	}
}

// ExitCode maps the status to a process exit code.
func (s Status) ExitCode() int {
	if s < 0 {
		return int(-s)
	}
	return int(s)
}

func statusOf(err error) Status {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrInvalidBuildOptions):
		return InvalidBuildOptions
	case errors.Is(err, ErrInvalidBinary):
		return InvalidBinary
	case errors.Is(err, ErrCompilerNotFound):
		return CompilerNotAvailable
	default:
		return BuildProgramFailure
	}
}

// BuildCallback is notified once at the end of every Build call.
type BuildCallback func(p *Program)

// Program is a reference-tracked program object.
type Program struct {
	refcount.Tracked[*Program]

	id       uuid.UUID
	compiler Compiler
	log      *logrus.Entry

	mu         sync.Mutex
	source     string
	options    string
	internal   string
	status     BuildStatus
	binaryType BinaryType
	binary     []byte
	buildLog   string
	kernels    []KernelInfo
}

// NewWithSource creates a program from OpenCL C source. The compiler is
// used by Build.
func NewWithSource(compiler Compiler, source string) (*Program, Status) {
	if compiler == nil || source == "" {
		return nil, InvalidValue
	}
	p := newProgram(compiler)
	p.source = source
	return p, Success
}

// NewWithBinary creates a program from a binary produced by an earlier
// build. The binary is validated up front.
func NewWithBinary(bin []byte) (*Program, Status) {
	if len(bin) == 0 {
		return nil, InvalidValue
	}
	img, err := ParseBinary(bin)
	if err != nil {
		logging.WithComponent("program").WithError(err).Debug("rejected program binary")
		return nil, InvalidBinary
	}
	p := newProgram(nil)
	p.binary = append([]byte(nil), bin...)
	p.binaryType = img.Type
	return p, Success
}

func newProgram(c Compiler) *Program {
	p := &Program{
		id:       uuid.New(),
		compiler: c,
		status:   BuildNotBuilt,
	}
	p.log = logging.WithComponent("program").WithField("program", p.id.String()[:8])
	p.Init(p, true)
	return p
}

// SetInternalOptions sets options passed to the compiler alongside the
// user's build options.
func (p *Program) SetInternalOptions(opts string) {
	p.mu.Lock()
	p.internal = opts
	p.mu.Unlock()
}

// Build runs the build state machine. A program already building rejects
// the call with InvalidOperation and keeps its state. The callback, when
// non-nil, runs exactly once before Build returns, whatever the outcome.
func (p *Program) Build(ctx context.Context, options string, callback BuildCallback) Status {
	// The build keeps the program alive through the callback even if the
	// application releases it meanwhile.
	p.IncRefInternal()
	defer p.Release()
	if callback != nil {
		defer callback(p)
	}

	p.mu.Lock()
	if p.status == BuildInProgress {
		p.mu.Unlock()
		p.log.Debug("build rejected: already in progress")
		return InvalidOperation
	}
	if p.source == "" && p.binary == nil {
		p.mu.Unlock()
		return InvalidProgram
	}
	p.status = BuildInProgress
	p.options = options
	args := TranslationArgs{Source: p.source, Options: options, InternalOptions: p.internal}
	bin := p.binary
	p.mu.Unlock()

	var (
		out *BuildOutput
		err error
	)
	if args.Source != "" {
		out, err = p.compiler.Build(ctx, args, cachingAllowed(options))
		if out != nil {
			bin = out.Binary
		}
	}

	var img Image
	if err == nil {
		img, err = ParseBinary(bin)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if out != nil {
		p.buildLog = out.Log
	}
	if err != nil {
		p.status = BuildError
		p.binaryType = BinaryNone
		p.kernels = nil
		if p.source != "" {
			p.binary = nil
		}
		if out == nil {
			p.buildLog = err.Error()
		}
		p.log.WithError(err).Debug("build failed")
		return statusOf(err)
	}
	p.binary = bin
	p.kernels = img.Kernels
	p.binaryType = BinaryExecutable
	p.status = BuildSuccess
	p.log.WithField("kernels", len(img.Kernels)).Debug("build succeeded")
	return Success
}

// cachingAllowed turns the compiler cache off for debug builds, whose
// output depends on more than the source and options.
func cachingAllowed(options string) bool {
	for _, w := range strings.Fields(options) {
		if w == "-g" {
			return false
		}
	}
	return true
}

func (p *Program) ID() uuid.UUID { return p.id }

// BuildStatus returns the state of the last build.
func (p *Program) BuildStatus() BuildStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Program) BinaryType() BinaryType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.binaryType
}

func (p *Program) BuildLog() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buildLog
}

func (p *Program) Options() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.options
}

func (p *Program) Source() string { return p.source }

// Binary returns a copy of the program binary, nil if there is none.
func (p *Program) Binary() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.binary == nil {
		return nil
	}
	return append([]byte(nil), p.binary...)
}

// Kernels returns the kernel metadata of the last successful build.
func (p *Program) Kernels() []KernelInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]KernelInfo(nil), p.kernels...)
}

// Kernel looks up a kernel by name.
func (p *Program) Kernel(name string) (KernelInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.kernels {
		if k.Name == name {
			return k, true
		}
	}
	return KernelInfo{}, false
}

// Delete releases the program's build products.
func (p *Program) Delete() {
	p.CheckDestroy()
	p.mu.Lock()
	p.binary = nil
	p.kernels = nil
	p.mu.Unlock()
	p.log.Debug("program destroyed")
}
