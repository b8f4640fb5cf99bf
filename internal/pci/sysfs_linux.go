//go:build linux

package pci

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultSysfsRoot is where Linux lists PCI functions.
const DefaultSysfsRoot = "/sys/bus/pci/devices"

// Sysfs reads configuration space through the Linux sysfs config files.
type Sysfs struct {
	Root string
}

func (s *Sysfs) root() string {
	if s.Root != "" {
		return s.Root
	}
	return DefaultSysfsRoot
}

// Path returns the sysfs directory of loc joined with name.
func (s *Sysfs) Path(loc Location, name string) string {
	dir := fmt.Sprintf("%04x:%02x:%02x.%x", loc.Domain, loc.Bus, loc.Device, loc.Function)
	return filepath.Join(s.root(), dir, name)
}

// ResourcePath returns the resource file that maps BAR n of loc.
func (s *Sysfs) ResourcePath(loc Location, n int) string {
	return s.Path(loc, fmt.Sprintf("resource%d", n))
}

// ReadConfig implements ConfigReader.
func (s *Sysfs) ReadConfig(loc Location, offset uint16, size uint8) (uint32, error) {
	if size == 0 || size > 4 {
		return 0, fmt.Errorf("pci: invalid config access size %d", size)
	}
	f, err := os.Open(s.Path(loc, "config"))
	if errors.Is(err, fs.ErrNotExist) {
		return maskValue(0xffff_ffff, size), nil
	}
	if err != nil {
		return 0, fmt.Errorf("pci: open config of %s: %w", loc, err)
	}
	defer f.Close()

	var buf [4]byte
	n, err := unix.Pread(int(f.Fd()), buf[:size], int64(offset))
	if err != nil {
		return 0, fmt.Errorf("pci: read config of %s at 0x%x: %w", loc, offset, err)
	}
	if n < int(size) {
		// Unprivileged readers only see the first 64 bytes.
		return maskValue(0xffff_ffff, size), nil
	}
	var value uint32
	for i := 0; i < int(size); i++ {
		value |= uint32(buf[i]) << (8 * i)
	}
	return value, nil
}

var (
	_ ConfigReader = (*Sysfs)(nil)
)
