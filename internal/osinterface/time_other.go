//go:build !linux

package osinterface

import (
	"time"
)

var processStart = time.Now()

func rawMonotonicNanos() uint64 {
	return uint64(time.Since(processStart).Nanoseconds())
}

func hostClockResolution() float64 { return 1 }

func systemUptime() (time.Duration, error) {
	return time.Since(processStart), nil
}
