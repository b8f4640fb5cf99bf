//go:build !linux

package bus

import (
	"errors"
	"fmt"
	"runtime"
)

var errResourceUnsupported = errors.New("bus: mapping PCI resources is not supported")

// MapResource is only implemented on Linux.
func MapResource(path string, base uint64, size int) (*Window, error) {
	return nil, fmt.Errorf("%w on %s (%s)", errResourceUnsupported, runtime.GOOS, path)
}
