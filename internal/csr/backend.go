package csr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/xupit3r/clrun/internal/memory"
)

// BackendKind identifies where submissions go.
type BackendKind int

const (
	// BackendHardware submits to the device
	BackendHardware BackendKind = iota
	// BackendAUB simulates execution and writes a validation dump
	BackendAUB
	// BackendTBX forwards submissions to a remote execution target
	BackendTBX
)

func (k BackendKind) String() string {
	switch k {
	case BackendHardware:
		return "hw"
	case BackendAUB:
		return "aub"
	case BackendTBX:
		return "tbx"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownBackend is returned when a backend name is not recognized
	ErrUnknownBackend = errors.New("csr: unknown backend")
	// ErrBackendClosed is returned by submissions after Close
	ErrBackendClosed = errors.New("csr: backend closed")
	// ErrGPUHang is reported for work submitted after the engine faulted
	ErrGPUHang = errors.New("csr: gpu hang")
)

// ParseBackend maps a configuration string to a backend kind. The
// "_with_aub" suffix requests an additional AUB mirror of every submission.
func ParseBackend(name string) (kind BackendKind, withAUB bool, err error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if base, ok := strings.CutSuffix(name, "_with_aub"); ok {
		name, withAUB = base, true
	}
	switch name {
	case "", "hw", "hardware":
		kind = BackendHardware
	case "aub":
		kind = BackendAUB
		withAUB = false
	case "tbx":
		kind = BackendTBX
	default:
		return 0, false, errors.Wrapf(ErrUnknownBackend, "%q", name)
	}
	return kind, withAUB, nil
}

// Submission is one flush handed to a backend.
type Submission struct {
	Engine     EngineType
	OsContext  uint32
	TaskCount  uint32
	GPUAddress uint64
	Commands   []byte
	TagAddress uint64
	Residency  memory.ResidencyContainer
}

// Backend is the destination of command submissions. Exactly one backend
// is active per command stream receiver.
type Backend interface {
	Kind() BackendKind

	// CapturesMemory reports whether the backend records memory contents,
	// in which case host-pointer allocations are made resident as soon as
	// they are created.
	CapturesMemory() bool

	// MakeResident ensures a is visible to the device for the next
	// submission. It is called at most once per allocation per flush.
	MakeResident(a *memory.GraphicsAllocation, osContext uint32) error

	// Evict drops a from the backend's view of device memory.
	Evict(a *memory.GraphicsAllocation)

	// Submit executes or records the submission.
	Submit(sub *Submission) error

	// Hung reports whether the engine faulted at or before taskCount.
	Hung(taskCount uint32) bool

	Close() error
}

// NewBackend builds the backend selected by cfg.
func NewBackend(cfg Config) (Backend, error) {
	kind, withAUB, err := ParseBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	var primary Backend
	switch kind {
	case BackendHardware:
		primary = NewHardwareBackend(cfg.SubmissionQueueDepth)
	case BackendAUB:
		w, err := openAUBFile(cfg.AUBFile)
		if err != nil {
			return nil, err
		}
		primary = NewAUBBackend(w, true)
	case BackendTBX:
		primary, err = DialTBX(cfg.TBXAddress, cfg.TBXDialTimeout)
		if err != nil {
			return nil, err
		}
	}

	if !withAUB {
		return primary, nil
	}
	w, err := openAUBFile(cfg.AUBFile)
	if err != nil {
		primary.Close()
		return nil, err
	}
	return WithAUBDump(primary, NewAUBBackend(w, false)), nil
}

// openAUBFile creates the dump file. A "%s" in the name is replaced by a
// unique id; an empty name creates one in the temp directory.
func openAUBFile(name string) (*AUBWriter, error) {
	switch {
	case name == "":
		name = filepath.Join(os.TempDir(), fmt.Sprintf("clrun-%s.aub", uuid.NewString()))
	case strings.Contains(name, "%s"):
		name = fmt.Sprintf(name, uuid.NewString())
	}
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return nil, errors.Wrap(err, "creating aub directory")
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, errors.Wrap(err, "creating aub file")
	}
	return NewAUBWriter(f, f)
}
