package csr

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/xupit3r/clrun/internal/hwinfo"
)

// Registers programmed by the preamble
const (
	regEngineMode     uint32 = 0x229C
	regCacheMode      uint32 = 0x7004
	regPreemptControl uint32 = 0x2580
	regChickenL3      uint32 = 0xB118
)

// HWHelper holds the generation-specific parts of command programming.
type HWHelper interface {
	Generation() hwinfo.Generation

	// PreambleSize returns the bytes ProgramPreamble emits for engine.
	PreambleSize(engine EngineType, hw *hwinfo.HardwareInfo) int

	// ProgramPreamble emits the one-time state setup for a context on
	// engine.
	ProgramPreamble(s *LinearStream, engine EngineType, hw *hwinfo.HardwareInfo) error

	// FlushFlags returns the pipe control flags that end every submission.
	FlushFlags(hw *hwinfo.HardwareInfo) uint32
}

// HelperFactory creates the helper for one generation
type HelperFactory func() HWHelper

var (
	// ErrRegistryFrozen is returned when registering after the first lookup
	ErrRegistryFrozen = errors.New("csr: helper registry is frozen")
	// ErrNoHelper is returned for generations without a registered helper
	ErrNoHelper = errors.New("csr: no helper for hardware generation")
)

var registry = struct {
	mu        sync.RWMutex
	frozen    bool
	factories map[hwinfo.Generation]HelperFactory
}{factories: make(map[hwinfo.Generation]HelperFactory)}

// RegisterFactory adds the helper factory for gen. Registration happens
// during package initialization; once any helper has been looked up the
// registry is read-only.
func RegisterFactory(gen hwinfo.Generation, f HelperFactory) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.frozen {
		return errors.Wrapf(ErrRegistryFrozen, "registering %s", gen)
	}
	if _, dup := registry.factories[gen]; dup {
		return errors.Newf("csr: helper for %s registered twice", gen)
	}
	registry.factories[gen] = f
	return nil
}

func mustRegister(gen hwinfo.Generation, f HelperFactory) {
	if err := RegisterFactory(gen, f); err != nil {
		panic(err)
	}
}

// LookupHelper returns a helper for gen and freezes the registry.
func LookupHelper(gen hwinfo.Generation) (HWHelper, error) {
	registry.mu.RLock()
	f, ok := registry.factories[gen]
	frozen := registry.frozen
	registry.mu.RUnlock()
	if !frozen {
		registry.mu.Lock()
		registry.frozen = true
		registry.mu.Unlock()
	}
	if !ok {
		return nil, errors.Wrapf(ErrNoHelper, "%q", gen)
	}
	return f(), nil
}

// RegisteredGenerations lists generations with a helper, sorted.
func RegisteredGenerations() []hwinfo.Generation {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	gens := make([]hwinfo.Generation, 0, len(registry.factories))
	for g := range registry.factories {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens
}

func init() {
	mustRegister(hwinfo.Gen9, func() HWHelper { return gen9Helper{} })
	mustRegister(hwinfo.Gen11, func() HWHelper { return gen11Helper{} })
	mustRegister(hwinfo.Gen12LP, func() HWHelper { return gen12LPHelper{} })
}

// preambleBaseAddress is where indirect state lives in every context
const preambleBaseAddress uint64 = 0x1_0000_0000

type gen9Helper struct{}

func (gen9Helper) Generation() hwinfo.Generation { return hwinfo.Gen9 }

func (gen9Helper) PreambleSize(engine EngineType, hw *hwinfo.HardwareInfo) int {
	n := SizePipeControl + SizeLoadRegisterImm + SizeStateBaseAddress
	if hw.Workarounds.WaDisableLSQCROPERFforOCL {
		n += SizeLoadRegisterImm
	}
	if hw.Workarounds.WaStateBaseAddressReprogram {
		n += SizePipeControl
	}
	return n
}

func (gen9Helper) ProgramPreamble(s *LinearStream, engine EngineType, hw *hwinfo.HardwareInfo) error {
	if err := EmitPipeControl(s, PipeControlCSStall); err != nil {
		return err
	}
	if err := EmitLoadRegisterImm(s, regCacheMode, 0x0001_0001); err != nil {
		return err
	}
	if hw.Workarounds.WaDisableLSQCROPERFforOCL {
		if err := EmitLoadRegisterImm(s, regChickenL3, 0x0010_0010); err != nil {
			return err
		}
	}
	if hw.Workarounds.WaStateBaseAddressReprogram {
		if err := EmitPipeControl(s, PipeControlCSStall|PipeControlTextureInvalid); err != nil {
			return err
		}
	}
	return EmitStateBaseAddress(s, preambleBaseAddress)
}

func (gen9Helper) FlushFlags(hw *hwinfo.HardwareInfo) uint32 {
	return PipeControlCSStall | PipeControlDCFlush
}

type gen11Helper struct{}

func (gen11Helper) Generation() hwinfo.Generation { return hwinfo.Gen11 }

func (gen11Helper) PreambleSize(engine EngineType, hw *hwinfo.HardwareInfo) int {
	n := SizePipeControl + SizeLoadRegisterImm + SizeStateBaseAddress
	if hw.Workarounds.WaEnablePreemptionGranularity {
		n += SizeLoadRegisterImm
	}
	return n
}

func (gen11Helper) ProgramPreamble(s *LinearStream, engine EngineType, hw *hwinfo.HardwareInfo) error {
	if err := EmitPipeControl(s, PipeControlCSStall|PipeControlStateInvalid); err != nil {
		return err
	}
	if err := EmitLoadRegisterImm(s, regEngineMode, 1<<uint32(engine)); err != nil {
		return err
	}
	if hw.Workarounds.WaEnablePreemptionGranularity {
		level := uint32(0)
		if hw.Features.FtrMidThreadPreemption {
			level = 2
		}
		if err := EmitLoadRegisterImm(s, regPreemptControl, level); err != nil {
			return err
		}
	}
	return EmitStateBaseAddress(s, preambleBaseAddress)
}

func (gen11Helper) FlushFlags(hw *hwinfo.HardwareInfo) uint32 {
	return PipeControlCSStall | PipeControlDCFlush
}

type gen12LPHelper struct{}

func (gen12LPHelper) Generation() hwinfo.Generation { return hwinfo.Gen12LP }

func (gen12LPHelper) PreambleSize(engine EngineType, hw *hwinfo.HardwareInfo) int {
	n := SizeLoadRegisterImm + SizeStateBaseAddress
	if hw.Workarounds.WaForceCSStallOnEngineSwitch {
		n += SizePipeControl
	}
	if hw.Features.FtrMidThreadPreemption {
		n += SizeLoadRegisterImm
	}
	return n
}

func (gen12LPHelper) ProgramPreamble(s *LinearStream, engine EngineType, hw *hwinfo.HardwareInfo) error {
	if hw.Workarounds.WaForceCSStallOnEngineSwitch {
		if err := EmitPipeControl(s, PipeControlCSStall|PipeControlStateInvalid); err != nil {
			return err
		}
	}
	if err := EmitLoadRegisterImm(s, regEngineMode, 1<<uint32(engine)|1<<16); err != nil {
		return err
	}
	if hw.Features.FtrMidThreadPreemption {
		if err := EmitLoadRegisterImm(s, regPreemptControl, 2); err != nil {
			return err
		}
	}
	return EmitStateBaseAddress(s, preambleBaseAddress)
}

func (gen12LPHelper) FlushFlags(hw *hwinfo.HardwareInfo) uint32 {
	flags := PipeControlCSStall | PipeControlDCFlush
	if hw.Workarounds.WaPipeControlBeforeBatchEnd {
		flags |= PipeControlTextureInvalid
	}
	return flags
}
