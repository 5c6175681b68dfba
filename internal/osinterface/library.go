package osinterface

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/xupit3r/clrun/internal/logging"
)

// Library is a loaded dynamic library
type Library interface {
	Name() string
	// GetProcAddress returns the symbol called name, or nil.
	GetProcAddress(name string) any
}

// LibraryLoader opens libraries by name. Libraries are registered in
// process by the packages that provide them, so loading never touches the
// filesystem.
type LibraryLoader struct {
	mu        sync.RWMutex
	libraries map[string]map[string]any
	loaded    map[string]int
}

func NewLibraryLoader() *LibraryLoader {
	return &LibraryLoader{
		libraries: make(map[string]map[string]any),
		loaded:    make(map[string]int),
	}
}

// Register makes a library with the given symbols loadable as name.
func (l *LibraryLoader) Register(name string, symbols map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.libraries[name]; dup {
		return errors.Newf("osinterface: library %q registered twice", name)
	}
	table := make(map[string]any, len(symbols))
	for k, v := range symbols {
		table[k] = v
	}
	l.libraries[name] = table
	return nil
}

// Load returns the library called name, or nil when none is registered.
func (l *LibraryLoader) Load(name string) Library {
	l.mu.Lock()
	defer l.mu.Unlock()
	symbols, ok := l.libraries[name]
	if !ok {
		logging.WithComponent("os").WithField("library", name).Debug("library not found")
		return nil
	}
	l.loaded[name]++
	return &library{name: name, symbols: symbols}
}

// LoadCount returns how many times name was loaded.
func (l *LibraryLoader) LoadCount(name string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded[name]
}

// Libraries lists registered library names, sorted.
func (l *LibraryLoader) Libraries() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.libraries))
	for n := range l.libraries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type library struct {
	name    string
	symbols map[string]any
}

func (l *library) Name() string { return l.name }

func (l *library) GetProcAddress(name string) any {
	return l.symbols[name]
}

var defaultLoader = NewLibraryLoader()

// DefaultLoader is the process-wide loader.
func DefaultLoader() *LibraryLoader { return defaultLoader }
