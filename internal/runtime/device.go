// Package runtime composes the driver objects an application works with:
// devices, contexts, memory objects, programs, kernels, command queues and
// events. Everything shared across threads is reference tracked.
package runtime

import (
	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/xupit3r/clrun/internal/csr"
	"github.com/xupit3r/clrun/internal/gpu"
	"github.com/xupit3r/clrun/internal/hwinfo"
	"github.com/xupit3r/clrun/internal/logging"
	"github.com/xupit3r/clrun/internal/memory"
	"github.com/xupit3r/clrun/internal/osinterface"
	"github.com/xupit3r/clrun/internal/program"
)

// DeviceConfig configures a device
type DeviceConfig struct {
	CSR    csr.Config
	Memory memory.Config

	// Engines get one command stream receiver each, in order, with os
	// context ids counting up from CSR.OsContext. Empty means CSR.Engine.
	Engines []csr.EngineType

	// DeviceMemory caps device allocations; 0 means unlimited.
	DeviceMemory int64

	Settings osinterface.Settings
	Loader   program.Loader
}

// Device is one simulated GPU with its memory manager and engines.
type Device struct {
	hw       *hwinfo.HardwareInfo
	sim      *gpu.SimDevice
	mm       *memory.MemoryManager
	engines  []csr.EngineType
	csrs     map[csr.EngineType]*csr.CommandStreamReceiver
	compiler program.Compiler
	timer    *osinterface.Timer
	log      *logrus.Entry
}

// NewDevice creates a device from cfg.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	if cfg.CSR.Generation == "" {
		cfg.CSR.Generation = csr.DefaultConfig().Generation
	}
	var settings hwinfo.BoolSettings
	if cfg.Settings != nil {
		settings = cfg.Settings
	}
	hw, err := hwinfo.Configure(cfg.CSR.Generation, settings)
	if err != nil {
		return nil, err
	}

	pageSize := gpu.PageSize4K
	if hw.Features.Ftr64KBPages {
		pageSize = gpu.PageSize64K
	}
	sim := gpu.NewSimDevice(hw.Platform.Name, cfg.DeviceMemory, pageSize)
	mm := memory.NewMemoryManager(sim, cfg.Memory)
	if d := mm.DeferredDeleter(); d != nil {
		d.AddClient()
	}

	dev := &Device{
		hw:      hw,
		sim:     sim,
		mm:      mm,
		engines: cfg.Engines,
		csrs:    make(map[csr.EngineType]*csr.CommandStreamReceiver),
		timer:   osinterface.NewTimer(profilingTimerPeriod),
		log:     logging.WithComponent("device").WithField("platform", hw.Platform.Name),
	}
	if len(dev.engines) == 0 {
		dev.engines = []csr.EngineType{cfg.CSR.Engine}
	}

	for i, engine := range dev.engines {
		c := cfg.CSR
		c.Engine = engine
		c.OsContext = cfg.CSR.OsContext + uint32(i)
		receiver, err := csr.Create(c, hw, mm)
		if err != nil {
			dev.Close()
			return nil, errors.Wrapf(err, "creating %s command stream receiver", engine)
		}
		dev.csrs[engine] = receiver
	}

	loader := cfg.Loader
	if loader == nil {
		loader = osinterface.DefaultLoader()
	}
	if dev.compiler, err = program.LoadCompiler(loader); err != nil {
		dev.log.WithError(err).Warn("no compiler, only binary programs can be built")
	}

	dev.log.WithFields(logrus.Fields{
		"engines": len(dev.engines),
		"backend": cfg.CSR.Backend,
	}).Debug("device created")
	return dev, nil
}

// profilingTimerPeriod is the device timestamp period in nanoseconds.
const profilingTimerPeriod = 83.333

func (d *Device) HardwareInfo() *hwinfo.HardwareInfo  { return d.hw }
func (d *Device) MemoryManager() *memory.MemoryManager { return d.mm }
func (d *Device) Compiler() program.Compiler           { return d.compiler }
func (d *Device) Timer() *osinterface.Timer            { return d.timer }
func (d *Device) Name() string                         { return d.sim.Name() }

// Engines lists the device engines in creation order.
func (d *Device) Engines() []csr.EngineType {
	return append([]csr.EngineType(nil), d.engines...)
}

// CSR returns the receiver for engine, or nil.
func (d *Device) CSR(engine csr.EngineType) *csr.CommandStreamReceiver {
	return d.csrs[engine]
}

// DefaultCSR returns the receiver of the first engine.
func (d *Device) DefaultCSR() *csr.CommandStreamReceiver {
	return d.csrs[d.engines[0]]
}

// MemoryUsage returns device bytes in use and the capacity.
func (d *Device) MemoryUsage() (used, capacity int64) {
	return d.sim.MemoryUsage()
}

// Close shuts down every engine and frees all device memory. Objects
// created from the device must not be used afterwards.
func (d *Device) Close() error {
	var errs []error
	for _, engine := range d.engines {
		if c := d.csrs[engine]; c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, errors.Wrapf(err, "closing %s", engine))
			}
		}
	}
	if dd := d.mm.DeferredDeleter(); dd != nil {
		dd.RemoveClient()
	}
	if err := d.mm.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.sim.Free(); err != nil {
		errs = append(errs, err)
	}
	d.log.Debug("device closed")
	return errors.Join(errs...)
}
