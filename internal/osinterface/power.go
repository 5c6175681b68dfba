package osinterface

import (
	"os"
	"path/filepath"
	"strings"
)

// PowerSource is where the host draws power from
type PowerSource int

const (
	PowerUnknown PowerSource = iota
	PowerAC
	PowerBattery
)

func (p PowerSource) String() string {
	switch p {
	case PowerAC:
		return "ac"
	case PowerBattery:
		return "battery"
	default:
		return "unknown"
	}
}

var powerSupplyRoot = "/sys/class/power_supply"

// CurrentPowerSource reports whether the host is on mains power. Hosts
// without a power supply class report PowerUnknown.
func CurrentPowerSource() PowerSource {
	entries, err := os.ReadDir(powerSupplyRoot)
	if err != nil {
		return PowerUnknown
	}
	sawMains := false
	for _, e := range entries {
		dir := filepath.Join(powerSupplyRoot, e.Name())
		if readTrimmed(filepath.Join(dir, "type")) != "Mains" {
			continue
		}
		sawMains = true
		if readTrimmed(filepath.Join(dir, "online")) == "1" {
			return PowerAC
		}
	}
	if sawMains {
		return PowerBattery
	}
	return PowerUnknown
}

func readTrimmed(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
