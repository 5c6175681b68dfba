package osinterface

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/cpu"
)

// HostMemory describes system RAM
type HostMemory struct {
	TotalBytes     int64
	AvailableBytes int64
	UsedBytes      int64
}

// QueryHostMemory returns the current host memory figures.
func QueryHostMemory() (*HostMemory, error) {
	return queryHostMemory()
}

// DeviceMemoryBudget returns how much host memory a simulated device may
// claim: half of what is available, capped at limit when limit > 0.
func DeviceMemoryBudget(limit int64) int64 {
	info, err := QueryHostMemory()
	if err != nil || info.AvailableBytes <= 0 {
		return limit
	}
	budget := info.AvailableBytes / 2
	if limit > 0 && budget > limit {
		budget = limit
	}
	return budget
}

// FormatBytes formats bytes as a human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// Platform returns the host OS and architecture
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// CPUFeatures lists the SIMD extensions the host CPU supports.
func CPUFeatures() []string {
	var out []string
	add := func(has bool, name string) {
		if has {
			out = append(out, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasSSE42, "sse4.2")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasAVX512F, "avx512f")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasSVE, "sve")
	}
	return out
}
