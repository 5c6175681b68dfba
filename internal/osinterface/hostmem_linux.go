//go:build linux

package osinterface

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

var meminfoPath = "/proc/meminfo"

func queryHostMemory() (*HostMemory, error) {
	file, err := os.Open(meminfoPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", meminfoPath)
	}
	defer file.Close()

	var totalKB, availableKB int64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			totalKB = value
		case "MemAvailable":
			availableKB = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "reading %s", meminfoPath)
	}
	if totalKB == 0 {
		return nil, errors.New("osinterface: could not determine total memory")
	}

	total := totalKB * 1024
	available := availableKB * 1024
	return &HostMemory{
		TotalBytes:     total,
		AvailableBytes: available,
		UsedBytes:      total - available,
	}, nil
}
