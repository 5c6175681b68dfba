// Package hwinfo describes the hardware a device runs on: its platform,
// feature and workaround tables, and topology.
package hwinfo

import (
	"github.com/cockroachdb/errors"
)

// Generation names a hardware family
type Generation string

const (
	Gen9    Generation = "gen9"
	Gen11   Generation = "gen11"
	Gen12LP Generation = "gen12lp"
)

// ErrUnknownGeneration is returned for generations with no product entry
var ErrUnknownGeneration = errors.New("hwinfo: unknown hardware generation")

// Platform identifies a product
type Platform struct {
	Name       string
	Generation Generation
	DeviceID   uint16
	Revision   uint16
}

// SystemInfo is the execution topology
type SystemInfo struct {
	SliceCount   uint32
	EUCount      uint32
	ThreadsPerEU uint32
	L3SizeKB     uint32
}

// Capabilities are limits derived from the product
type Capabilities struct {
	GPUAddressBits   uint32
	MaxMemAllocSize  uint64
	PreemptionLevels uint32
}

// HardwareInfo aggregates everything known about a device
type HardwareInfo struct {
	Platform     Platform
	Features     FeatureTable
	Workarounds  WorkaroundTable
	System       SystemInfo
	Capabilities Capabilities
}

// Clone returns a deep copy. The tables go through their field lists so
// a new entry is never silently left out.
func (hw *HardwareInfo) Clone() *HardwareInfo {
	out := &HardwareInfo{
		Platform:     hw.Platform,
		System:       hw.System,
		Capabilities: hw.Capabilities,
	}
	CopyFields(&out.Features, &hw.Features, FeatureFields())
	CopyFields(&out.Workarounds, &hw.Workarounds, WorkaroundFields())
	return out
}

// MaxHWThreads returns the number of hardware threads on the device.
func (hw *HardwareInfo) MaxHWThreads() uint32 {
	return hw.System.EUCount * hw.System.ThreadsPerEU
}

var products = map[Generation]HardwareInfo{
	Gen9: {
		Platform: Platform{Name: "skl", Generation: Gen9, DeviceID: 0x1912},
		Features: FeatureTable{
			FtrPPGTT:         true,
			FtrSVM:           true,
			FtrL3IACoherency: true,
		},
		Workarounds: WorkaroundTable{
			WaSendMIFlushBeforeVFE:      true,
			WaStateBaseAddressReprogram: true,
			WaDisableLSQCROPERFforOCL:   true,
		},
		System:       SystemInfo{SliceCount: 1, EUCount: 24, ThreadsPerEU: 7, L3SizeKB: 768},
		Capabilities: Capabilities{GPUAddressBits: 48, MaxMemAllocSize: 2 << 30, PreemptionLevels: 2},
	},
	Gen11: {
		Platform: Platform{Name: "icllp", Generation: Gen11, DeviceID: 0x8A52},
		Features: FeatureTable{
			FtrPPGTT:               true,
			FtrSVM:                 true,
			Ftr64KBPages:           true,
			FtrL3IACoherency:       true,
			FtrMidThreadPreemption: true,
		},
		Workarounds: WorkaroundTable{
			WaSendMIFlushBeforeVFE:        true,
			WaEnablePreemptionGranularity: true,
		},
		System:       SystemInfo{SliceCount: 1, EUCount: 64, ThreadsPerEU: 7, L3SizeKB: 3072},
		Capabilities: Capabilities{GPUAddressBits: 48, MaxMemAllocSize: 4 << 30, PreemptionLevels: 3},
	},
	Gen12LP: {
		Platform: Platform{Name: "tgllp", Generation: Gen12LP, DeviceID: 0x9A49},
		Features: FeatureTable{
			FtrPPGTT:                   true,
			FtrSVM:                     true,
			Ftr64KBPages:               true,
			FtrL3IACoherency:           true,
			FtrBlitterEngine:           true,
			FtrCCSRing:                 true,
			FtrRenderCompressedBuffers: true,
			FtrMidThreadPreemption:     true,
		},
		Workarounds: WorkaroundTable{
			WaPipeControlBeforeBatchEnd:     true,
			WaForceCSStallOnEngineSwitch:    true,
			WaRestrictFenceToCommandStreams: true,
		},
		System:       SystemInfo{SliceCount: 1, EUCount: 96, ThreadsPerEU: 7, L3SizeKB: 3840},
		Capabilities: Capabilities{GPUAddressBits: 48, MaxMemAllocSize: 4 << 30, PreemptionLevels: 3},
	},
}

// ForGeneration returns a private copy of the default product for gen.
func ForGeneration(gen Generation) (*HardwareInfo, error) {
	hw, ok := products[gen]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGeneration, "%q", gen)
	}
	return hw.Clone(), nil
}

// Generations lists every generation with a default product.
func Generations() []Generation {
	return []Generation{Gen9, Gen11, Gen12LP}
}

// Configure loads the default product for gen and applies feature and
// workaround overrides from settings. Keys are "FTR_<NAME>" and
// "WA_<NAME>" with the field name upper-cased.
func Configure(gen Generation, settings BoolSettings) (*HardwareInfo, error) {
	hw, err := ForGeneration(gen)
	if err != nil {
		return nil, err
	}
	if settings != nil {
		ApplyOverrides(&hw.Features, FeatureFields(), settings, "FTR_")
		ApplyOverrides(&hw.Workarounds, WorkaroundFields(), settings, "WA_")
	}
	return hw, nil
}
