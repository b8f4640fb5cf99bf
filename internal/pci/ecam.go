package pci

import (
	"fmt"

	"github.com/tinyrange/z25/internal/bus"
)

// ECAM reads configuration space through memory mapped enhanced
// configuration windows, one per domain.
type ECAM struct {
	Acc bus.Accessor
	// Bases maps a domain number to the address of its window.
	Bases map[int]uint64
}

// ReadConfig implements ConfigReader.
func (e *ECAM) ReadConfig(loc Location, offset uint16, size uint8) (uint32, error) {
	base, ok := e.Bases[loc.Domain]
	if !ok {
		return 0, fmt.Errorf("pci: no ECAM window for domain %d", loc.Domain)
	}
	if loc.Bus < 0 || loc.Bus >= MaxBus || loc.Device < 0 || loc.Device >= MaxDevice ||
		loc.Function < 0 || loc.Function >= MaxFunction || offset >= 0x1000 {
		return maskValue(0xffff_ffff, size), nil
	}
	addr := base + (uint64(loc.Bus)<<20 | uint64(loc.Device)<<15 | uint64(loc.Function)<<12 | uint64(offset&^3))
	word := e.Acc.Read32(addr)
	return maskValue(word>>(8*(offset&3)), size), nil
}

var (
	_ ConfigReader = (*ECAM)(nil)
)
