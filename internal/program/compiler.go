package program

//go:generate mockgen -source=compiler.go -destination=mock_compiler_test.go -package=program

import (
	"context"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/xupit3r/clrun/internal/logging"
	"github.com/xupit3r/clrun/internal/osinterface"
)

// CompilerLibraryName is the library the compiler is loaded from.
const CompilerLibraryName = "libclrun-compiler.so"

// CreateCompilerSymbol is the constructor exported by the compiler library.
const CreateCompilerSymbol = "CreateCompiler"

var (
	// ErrBuildFailure is returned by a compiler for source that does not build
	ErrBuildFailure = errors.New("program: build failure")
	// ErrInvalidBuildOptions is returned for malformed option strings
	ErrInvalidBuildOptions = errors.New("program: invalid build options")
	// ErrCompilerNotFound is returned when the compiler library is missing
	ErrCompilerNotFound = errors.New("program: compiler library not found")
)

// TranslationArgs is the input of one compilation.
type TranslationArgs struct {
	Source          string
	Options         string
	InternalOptions string
}

// BuildOutput is what a compiler produces. The log is filled in on failure
// too.
type BuildOutput struct {
	Binary []byte
	Log    string
}

// Compiler turns program source into a binary the runtime can parse.
type Compiler interface {
	Build(ctx context.Context, args TranslationArgs, enableCaching bool) (*BuildOutput, error)
}

// Loader opens libraries by name.
type Loader interface {
	Load(name string) osinterface.Library
}

func init() {
	err := osinterface.DefaultLoader().Register(CompilerLibraryName, map[string]any{
		CreateCompilerSymbol: func() Compiler { return NewReferenceCompiler() },
	})
	if err != nil {
		panic(err)
	}
}

// LoadCompiler opens the compiler library through loader and constructs a
// compiler from it.
func LoadCompiler(loader Loader) (Compiler, error) {
	lib := loader.Load(CompilerLibraryName)
	if lib == nil {
		return nil, ErrCompilerNotFound
	}
	ctor, ok := lib.GetProcAddress(CreateCompilerSymbol).(func() Compiler)
	if !ok {
		return nil, errors.Wrapf(ErrCompilerNotFound, "%s does not export %s", CompilerLibraryName, CreateCompilerSymbol)
	}
	return ctor(), nil
}

var (
	kernelPattern = regexp.MustCompile(`(?:__)?kernel\s+void\s+([A-Za-z_]\w*)\s*\(([^)]*)\)`)
	errorPattern  = regexp.MustCompile(`(?m)^\s*#\s*error\b(.*)$`)
	lineComment   = regexp.MustCompile(`//[^\n]*`)
	blockComment  = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

var scalarSizes = map[string]uint32{
	"char": 1, "uchar": 1, "bool": 1,
	"short": 2, "ushort": 2, "half": 2,
	"int": 4, "uint": 4, "float": 4,
	"long": 8, "ulong": 8, "double": 8, "size_t": 8,
	"int2": 8, "float2": 8, "int4": 16, "uint4": 16, "float4": 16,
	"sampler_t": 4,
}

const pointerSize = 8

// ReferenceCompiler extracts kernel signatures from OpenCL C source. It
// does not generate code; the binary it produces carries the metadata the
// runtime needs to create kernels and bind arguments.
type ReferenceCompiler struct {
	mu     sync.Mutex
	cache  map[[sha256.Size]byte]BuildOutput
	hits   int
	misses int
}

func NewReferenceCompiler() *ReferenceCompiler {
	return &ReferenceCompiler{cache: make(map[[sha256.Size]byte]BuildOutput)}
}

// Build compiles args. With caching enabled, identical inputs return the
// cached output without recompiling.
func (c *ReferenceCompiler) Build(ctx context.Context, args TranslationArgs, enableCaching bool) (*BuildOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var key [sha256.Size]byte
	if enableCaching {
		key = cacheKey(args)
		c.mu.Lock()
		out, ok := c.cache[key]
		if ok {
			c.hits++
		} else {
			c.misses++
		}
		c.mu.Unlock()
		if ok {
			return &BuildOutput{Binary: append([]byte(nil), out.Binary...), Log: out.Log}, nil
		}
	}

	out, err := compile(args)
	if err != nil {
		return out, err
	}
	logging.WithComponent("compiler").WithField("bytes", len(out.Binary)).Debug("compiled program")

	if enableCaching {
		c.mu.Lock()
		c.cache[key] = BuildOutput{Binary: append([]byte(nil), out.Binary...), Log: out.Log}
		c.mu.Unlock()
	}
	return out, nil
}

// CacheStats returns cache hits and misses.
func (c *ReferenceCompiler) CacheStats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func cacheKey(args TranslationArgs) [sha256.Size]byte {
	h := sha256.New()
	for _, s := range []string{args.Source, args.Options, args.InternalOptions} {
		fmt.Fprintf(h, "%d:%s", len(s), s)
	}
	var key [sha256.Size]byte
	copy(key[:], h.Sum(nil))
	return key
}

func compile(args TranslationArgs) (*BuildOutput, error) {
	if err := validateOptions(args.Options); err != nil {
		return &BuildOutput{Log: err.Error()}, err
	}

	src := blockComment.ReplaceAllString(args.Source, "")
	src = lineComment.ReplaceAllString(src, "")

	if m := errorPattern.FindAllStringSubmatch(src, -1); m != nil {
		var log strings.Builder
		for _, e := range m {
			fmt.Fprintf(&log, "error: %s\n", strings.TrimSpace(e[1]))
		}
		return &BuildOutput{Log: log.String()}, errors.Wrapf(ErrBuildFailure, "%d #error directives", len(m))
	}

	var log strings.Builder
	var kernels []KernelInfo
	seen := make(map[string]bool)
	for _, m := range kernelPattern.FindAllStringSubmatch(src, -1) {
		name := m[1]
		if seen[name] {
			fmt.Fprintf(&log, "error: redefinition of kernel '%s'\n", name)
			return &BuildOutput{Log: log.String()}, errors.Wrapf(ErrBuildFailure, "kernel %s defined twice", name)
		}
		seen[name] = true
		params, err := parseParams(m[2])
		if err != nil {
			fmt.Fprintf(&log, "error: kernel '%s': %v\n", name, err)
			return &BuildOutput{Log: log.String()}, errors.Wrap(ErrBuildFailure, err.Error())
		}
		kernels = append(kernels, KernelInfo{Name: name, Args: params})
	}
	if len(kernels) == 0 {
		log.WriteString("error: no kernels found in program source\n")
		return &BuildOutput{Log: log.String()}, errors.Wrap(ErrBuildFailure, "no kernels")
	}

	bin, err := EncodeBinary(Image{Type: BinaryExecutable, Kernels: kernels, Options: args.Options})
	if err != nil {
		return &BuildOutput{Log: err.Error()}, errors.Wrap(ErrBuildFailure, err.Error())
	}
	fmt.Fprintf(&log, "built %d kernel(s)\n", len(kernels))
	return &BuildOutput{Binary: bin, Log: log.String()}, nil
}

// validateOptions accepts dash options. -D and -I may take their value as
// the next word.
func validateOptions(options string) error {
	words := strings.Fields(options)
	for i := 0; i < len(words); i++ {
		w := words[i]
		if !strings.HasPrefix(w, "-") || w == "-" {
			return errors.Wrapf(ErrInvalidBuildOptions, "unexpected %q", w)
		}
		if w == "-D" || w == "-I" {
			if i+1 == len(words) {
				return errors.Wrapf(ErrInvalidBuildOptions, "%s needs an argument", w)
			}
			i++
		}
	}
	return nil
}

func parseParams(list string) ([]ArgInfo, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "void" {
		return nil, nil
	}
	var args []ArgInfo
	for _, p := range strings.Split(list, ",") {
		a, err := parseParam(p)
		if err != nil {
			return nil, err
		}
		args = append(args, a)
	}
	return args, nil
}

func parseParam(p string) (ArgInfo, error) {
	var a ArgInfo
	p = strings.ReplaceAll(p, "*", " * ")
	words := strings.Fields(p)
	if len(words) < 2 {
		return a, errors.Newf("malformed parameter %q", strings.TrimSpace(p))
	}
	a.Name = words[len(words)-1]

	var typ []string
	pointer := false
	for _, w := range words[:len(words)-1] {
		switch w {
		case "__global", "global":
			a.Qualifier = AddressGlobal
		case "__constant", "constant":
			a.Qualifier = AddressConstant
		case "__local", "local":
			a.Qualifier = AddressLocal
		case "__private", "private", "const", "restrict", "__restrict", "volatile":
		case "*":
			pointer = true
		default:
			typ = append(typ, w)
		}
	}
	if len(typ) == 0 {
		return a, errors.Newf("parameter %s has no type", a.Name)
	}
	a.TypeName = strings.Join(typ, " ")
	if pointer {
		a.TypeName += "*"
		a.Size = pointerSize
		if a.Qualifier == AddressPrivate {
			a.Qualifier = AddressGlobal
		}
		return a, nil
	}
	if a.Qualifier != AddressPrivate {
		return a, errors.Newf("parameter %s: %s qualifier needs a pointer", a.Name, a.Qualifier)
	}
	size, ok := scalarSizes[strings.TrimPrefix(a.TypeName, "unsigned ")]
	if !ok {
		return a, errors.Newf("parameter %s has unknown type %s", a.Name, a.TypeName)
	}
	a.Size = size
	return a, nil
}
