//go:build linux

package osinterface

import (
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

func rawMonotonicNanos() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return uint64(time.Since(processStart).Nanoseconds())
	}
	return uint64(ts.Nano())
}

func hostClockResolution() float64 {
	var ts unix.Timespec
	if err := unix.ClockGetres(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		return 1
	}
	return float64(ts.Nano())
}

func systemUptime() (time.Duration, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, errors.Wrap(err, "sysinfo")
	}
	return time.Duration(info.Uptime) * time.Second, nil
}

var processStart = time.Now()
