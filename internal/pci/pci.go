// Package pci locates MEN FPGA functions on a PCI domain and computes the
// bridge path that identifies each of them.
package pci

import (
	"errors"
	"fmt"
)

// Configuration space offsets used during discovery.
const (
	OffsetVendorID      = 0x00
	OffsetDeviceID      = 0x02
	OffsetHeaderType    = 0x0E
	OffsetBAR0          = 0x10
	OffsetPrimaryBus    = 0x18
	OffsetSecondaryBus  = 0x19
	OffsetInterruptLine = 0x3C

	BARCount  = 6
	BARStride = 4

	HeaderTypeMask   = 0x7F
	HeaderBridge     = 0x01
	HeaderMultiFunc  = 0x80
	VendorNotPresent = 0xFFFF
)

// Vendors whose functions may carry a Chameleon FPGA.
const (
	VendorMEN    = 0x1A88
	VendorAltera = 0x1172
)

// Search limits.
const (
	MaxBus      = 256
	MaxDevice   = 32
	MaxFunction = 8
	MaxHops     = 16
	MaxDomains  = 3
)

// DeviceIDs lists the FPGA device IDs that carry a Chameleon table.
var DeviceIDs = []uint16{
	0x4D45, 0x0002, 0x0003, 0x0004, 0x0005,
	0x0006, 0x0008, 0x0009, 0x000B, 0x000D,
	0x000E, 0x5104, 0x0010, 0x0013, 0x0001,
}

// KnownDevice reports whether id is in DeviceIDs.
func KnownDevice(id uint16) bool {
	for _, known := range DeviceIDs {
		if known == id {
			return true
		}
	}
	return false
}

var (
	ErrNoCandidates = errors.New("pci: no candidate devices found")
	ErrNoBridge     = errors.New("pci: no bridge found for bus")
	ErrUnknownPath  = errors.New("pci: unknown bus path")
	ErrBadPath      = errors.New("pci: malformed bus path")
)

// Location addresses one PCI function.
type Location struct {
	Domain   int
	Bus      int
	Device   int
	Function int
}

// String formats the location the way ParsePath accepts it.
func (l Location) String() string {
	return fmt.Sprintf("PCI%d:%d.%d.%d", l.Domain, l.Bus, l.Device, l.Function)
}

// ConfigReader reads configuration space. Functions that are not present
// read back as all ones.
type ConfigReader interface {
	ReadConfig(loc Location, offset uint16, size uint8) (uint32, error)
}

func read8(cfg ConfigReader, loc Location, off uint16) (uint8, error) {
	v, err := cfg.ReadConfig(loc, off, 1)
	return uint8(v), err
}

func read16(cfg ConfigReader, loc Location, off uint16) (uint16, error) {
	v, err := cfg.ReadConfig(loc, off, 2)
	return uint16(v), err
}

// InterruptLine reads the interrupt line register of loc.
func InterruptLine(cfg ConfigReader, loc Location) (int, error) {
	v, err := read8(cfg, loc, OffsetInterruptLine)
	if err != nil {
		return 0, fmt.Errorf("pci: read interrupt line of %s: %w", loc, err)
	}
	return int(v), nil
}

// BAR reads base address register n of loc with the flag bits masked off.
func BAR(cfg ConfigReader, loc Location, n int) (uint64, error) {
	if n < 0 || n >= BARCount {
		return 0, fmt.Errorf("pci: BAR index %d out of range", n)
	}
	v, err := cfg.ReadConfig(loc, OffsetBAR0+uint16(n*BARStride), 4)
	if err != nil {
		return 0, fmt.Errorf("pci: read BAR%d of %s: %w", n, loc, err)
	}
	if v&0x1 != 0 {
		return uint64(v &^ 0x3), nil
	}
	return uint64(v &^ 0xF), nil
}

func maskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return 0xffff_ffff
	}
}
