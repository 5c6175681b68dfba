package osinterface

import (
	"time"
)

// Timestamps pairs a device timestamp with the host time it was read at.
type Timestamps struct {
	GPU uint64
	CPU uint64
}

// Timer reads host and device clocks. The device clock ticks every
// Period nanoseconds and is derived from the host raw monotonic clock.
type Timer struct {
	Period float64
}

// NewTimer creates a timer for a device clock with the given tick period
// in nanoseconds.
func NewTimer(period float64) *Timer {
	if period <= 0 {
		period = 1
	}
	return &Timer{Period: period}
}

// CPUTimestamp returns the raw monotonic host time in nanoseconds.
func (t *Timer) CPUTimestamp() uint64 {
	return rawMonotonicNanos()
}

// GPUCPUTimestamps samples both clocks at the same instant.
func (t *Timer) GPUCPUTimestamps() Timestamps {
	cpu := rawMonotonicNanos()
	return Timestamps{GPU: uint64(float64(cpu) / t.Period), CPU: cpu}
}

// HostResolution returns the host clock resolution in nanoseconds.
func (t *Timer) HostResolution() float64 {
	return hostClockResolution()
}

// Uptime returns how long the host has been running.
func Uptime() (time.Duration, error) {
	return systemUptime()
}
