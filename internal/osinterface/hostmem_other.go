//go:build !linux

package osinterface

import (
	"github.com/cockroachdb/errors"
)

func queryHostMemory() (*HostMemory, error) {
	return nil, errors.New("osinterface: host memory query not supported on this platform")
}
