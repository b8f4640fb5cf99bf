//go:build !linux

package pci

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// DefaultSysfsRoot is where Linux lists PCI functions.
const DefaultSysfsRoot = "/sys/bus/pci/devices"

var errSysfsUnsupported = errors.New("pci: sysfs configuration access is only available on linux")

// Sysfs reads configuration space through the Linux sysfs config files.
type Sysfs struct {
	Root string
}

// Path returns the sysfs directory of loc joined with name.
func (s *Sysfs) Path(loc Location, name string) string {
	dir := fmt.Sprintf("%04x:%02x:%02x.%x", loc.Domain, loc.Bus, loc.Device, loc.Function)
	root := s.Root
	if root == "" {
		root = DefaultSysfsRoot
	}
	return filepath.Join(root, dir, name)
}

// ResourcePath returns the resource file that maps BAR n of loc.
func (s *Sysfs) ResourcePath(loc Location, n int) string {
	return s.Path(loc, fmt.Sprintf("resource%d", n))
}

// ReadConfig implements ConfigReader.
func (s *Sysfs) ReadConfig(loc Location, offset uint16, size uint8) (uint32, error) {
	return 0, fmt.Errorf("%w (%s)", errSysfsUnsupported, runtime.GOOS)
}
