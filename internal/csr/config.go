package csr

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xupit3r/clrun/internal/hwinfo"
)

// EngineType selects the hardware engine a submission runs on
type EngineType uint32

const (
	EngineRender EngineType = iota
	EngineCompute
	EngineCopy
	EngineVideo
)

func (e EngineType) String() string {
	switch e {
	case EngineRender:
		return "rcs"
	case EngineCompute:
		return "ccs"
	case EngineCopy:
		return "bcs"
	case EngineVideo:
		return "vcs"
	default:
		return "unknown"
	}
}

// ErrUnknownEngine is returned by ParseEngine
var ErrUnknownEngine = errors.New("csr: unknown engine")

// ParseEngine maps an engine name to its type.
func ParseEngine(name string) (EngineType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "rcs", "render":
		return EngineRender, nil
	case "ccs", "compute":
		return EngineCompute, nil
	case "bcs", "copy", "blitter":
		return EngineCopy, nil
	case "vcs", "video":
		return EngineVideo, nil
	}
	return 0, errors.Wrapf(ErrUnknownEngine, "%q", name)
}

// Config selects and sizes a command stream receiver. It is fixed at
// construction.
type Config struct {
	// Backend is one of hw, aub, tbx, hw_with_aub or tbx_with_aub
	Backend    string
	Generation hwinfo.Generation
	Engine     EngineType
	OsContext  uint32

	LinearStreamSize int64
	TagPollInterval  time.Duration

	AUBFile        string
	TBXAddress     string
	TBXDialTimeout time.Duration

	SubmissionQueueDepth int
}

// DefaultConfig returns a hardware configuration for the newest generation.
func DefaultConfig() Config {
	return Config{
		Backend:              "hw",
		Generation:           hwinfo.Gen12LP,
		Engine:               EngineRender,
		LinearStreamSize:     64 * 1024,
		TagPollInterval:      50 * time.Microsecond,
		TBXDialTimeout:       5 * time.Second,
		SubmissionQueueDepth: 16,
	}
}

func (c *Config) withDefaults() {
	def := DefaultConfig()
	if c.Generation == "" {
		c.Generation = def.Generation
	}
	if c.LinearStreamSize <= 0 {
		c.LinearStreamSize = def.LinearStreamSize
	}
	if c.TagPollInterval <= 0 {
		c.TagPollInterval = def.TagPollInterval
	}
	if c.TBXDialTimeout <= 0 {
		c.TBXDialTimeout = def.TBXDialTimeout
	}
	if c.SubmissionQueueDepth <= 0 {
		c.SubmissionQueueDepth = def.SubmissionQueueDepth
	}
}
