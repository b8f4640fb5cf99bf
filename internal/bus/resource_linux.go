//go:build linux

package bus

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapResource maps size bytes of a sysfs PCI resource file (for example
// /sys/bus/pci/devices/0000:03:00.0/resource0) and serves it at base.
func MapResource(path string, base uint64, size int) (*Window, error) {
	if size <= 0 {
		return nil, fmt.Errorf("bus: map %s: invalid size %d", path, size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("bus: open resource: %w", err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("bus: mmap %s: %w", path, err)
	}
	w := NewWindow(base, mem)
	w.unmap = unix.Munmap
	return w, nil
}
