package pci

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const configSpaceSize = 256

// Topology is an in-memory set of configuration spaces. It serves
// ConfigReader directly and ECAM-style MMIO through Window.
type Topology struct {
	mu       sync.Mutex
	config   map[Location][]byte
	readOnly map[Location]map[uint16]struct{}
}

// NewTopology returns an empty topology.
func NewTopology() *Topology {
	return &Topology{
		config:   make(map[Location][]byte),
		readOnly: make(map[Location]map[uint16]struct{}),
	}
}

// EndpointConfig builds a type 0 header.
func EndpointConfig(vendor, device uint16, multiFunction bool) []byte {
	cfg := make([]byte, configSpaceSize)
	binary.LittleEndian.PutUint16(cfg[OffsetVendorID:], vendor)
	binary.LittleEndian.PutUint16(cfg[OffsetDeviceID:], device)
	cfg[0x0B] = 0x11 // class: data acquisition / signal processing
	if multiFunction {
		cfg[OffsetHeaderType] = HeaderMultiFunc
	}
	return cfg
}

// BridgeConfig builds a type 1 header routing secondary..subordinate.
func BridgeConfig(vendor, device uint16, primary, secondary, subordinate uint8) []byte {
	cfg := make([]byte, configSpaceSize)
	binary.LittleEndian.PutUint16(cfg[OffsetVendorID:], vendor)
	binary.LittleEndian.PutUint16(cfg[OffsetDeviceID:], device)
	cfg[0x0A] = 0x04 // subclass: PCI-to-PCI
	cfg[0x0B] = 0x06 // class: bridge
	cfg[OffsetHeaderType] = HeaderBridge
	cfg[OffsetPrimaryBus] = primary
	cfg[OffsetSecondaryBus] = secondary
	cfg[0x1A] = subordinate
	return cfg
}

// Add installs cfg at loc. The identity and header type bytes become read
// only.
func (t *Topology) Add(loc Location, cfg []byte) error {
	if len(cfg) != configSpaceSize {
		return fmt.Errorf("pci: config space for %s must be %d bytes, got %d", loc, configSpaceSize, len(cfg))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.config[loc]; exists {
		return fmt.Errorf("pci: function already registered at %s", loc)
	}
	t.config[loc] = cfg
	t.setReadOnlyRangeLocked(loc, 0x00, 0x03)
	t.setReadOnlyRangeLocked(loc, 0x08, 0x0B)
	t.setReadOnlyRangeLocked(loc, OffsetHeaderType, OffsetHeaderType)
	return nil
}

// SetBAR programs BAR n of loc.
func (t *Topology) SetBAR(loc Location, n int, addr uint32) error {
	if n < 0 || n >= BARCount {
		return fmt.Errorf("pci: BAR index %d out of range", n)
	}
	return t.WriteConfig(loc, OffsetBAR0+uint16(n*BARStride), 4, addr)
}

// SetInterruptLine programs the interrupt line register of loc.
func (t *Topology) SetInterruptLine(loc Location, line uint8) error {
	return t.WriteConfig(loc, OffsetInterruptLine, 1, uint32(line))
}

func (t *Topology) setReadOnlyRangeLocked(loc Location, start, end uint16) {
	if t.readOnly[loc] == nil {
		t.readOnly[loc] = make(map[uint16]struct{})
	}
	for off := start; off <= end; off++ {
		t.readOnly[loc][off] = struct{}{}
	}
}

// ReadConfig implements ConfigReader. Absent functions and out of range
// offsets read as all ones.
func (t *Topology) ReadConfig(loc Location, offset uint16, size uint8) (uint32, error) {
	if size == 0 || size > 4 {
		return 0, fmt.Errorf("pci: invalid config access size %d", size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg, ok := t.config[loc]
	if !ok || int(offset)+int(size) > len(cfg) {
		return maskValue(0xffff_ffff, size), nil
	}
	var value uint32
	for i := uint8(0); i < size; i++ {
		value |= uint32(cfg[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

// WriteConfig stores value at loc, skipping read-only bytes. Writes to absent
// functions are dropped.
func (t *Topology) WriteConfig(loc Location, offset uint16, size uint8, value uint32) error {
	if size == 0 || size > 4 {
		return fmt.Errorf("pci: invalid config access size %d", size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg, ok := t.config[loc]
	if !ok || int(offset)+int(size) > len(cfg) {
		return nil
	}
	for i := uint8(0); i < size; i++ {
		off := offset + uint16(i)
		if _, ro := t.readOnly[loc][off]; ro {
			continue
		}
		cfg[off] = byte(value >> (8 * i))
	}
	return nil
}

// Window exposes one domain of the topology as an ECAM region mapped at
// base: bus<<20 | device<<15 | function<<12 | register.
func (t *Topology) Window(domain int, base uint64) *Window {
	return &Window{topo: t, domain: domain, base: base}
}

// Window is the ECAM view of a Topology domain.
type Window struct {
	topo   *Topology
	domain int
	base   uint64
}

// Size is the span of a full 256 bus ECAM window.
func (w *Window) Size() uint64 { return MaxBus << 20 }

func (w *Window) decode(offset uint64) (Location, uint16, bool) {
	if offset >= w.Size() {
		return Location{}, 0, false
	}
	loc := Location{
		Domain:   w.domain,
		Bus:      int((offset >> 20) & 0xff),
		Device:   int((offset >> 15) & 0x1f),
		Function: int((offset >> 12) & 0x7),
	}
	return loc, uint16(offset & 0xfff), true
}

// ReadMMIO serves config reads, splitting them into naturally aligned chunks.
func (w *Window) ReadMMIO(addr uint64, data []byte) error {
	if addr < w.base {
		return fmt.Errorf("pci: ECAM read below window %#x", addr)
	}
	cur := addr - w.base
	for cursor := 0; cursor < len(data); {
		loc, reg, ok := w.decode(cur)
		if !ok {
			return fmt.Errorf("pci: ECAM read outside window %#x", addr)
		}
		chunk := pickConfigAccessSize(reg, len(data)-cursor)
		value, err := w.topo.ReadConfig(loc, reg, chunk)
		if err != nil {
			return err
		}
		for i := 0; i < int(chunk); i++ {
			data[cursor+i] = byte(value >> (8 * i))
		}
		cursor += int(chunk)
		cur += uint64(chunk)
	}
	return nil
}

// WriteMMIO serves config writes.
func (w *Window) WriteMMIO(addr uint64, data []byte) error {
	if addr < w.base {
		return fmt.Errorf("pci: ECAM write below window %#x", addr)
	}
	cur := addr - w.base
	for cursor := 0; cursor < len(data); {
		loc, reg, ok := w.decode(cur)
		if !ok {
			return fmt.Errorf("pci: ECAM write outside window %#x", addr)
		}
		chunk := pickConfigAccessSize(reg, len(data)-cursor)
		var value uint32
		for i := 0; i < int(chunk); i++ {
			value |= uint32(data[cursor+i]) << (8 * i)
		}
		if err := w.topo.WriteConfig(loc, reg, chunk, value); err != nil {
			return err
		}
		cursor += int(chunk)
		cur += uint64(chunk)
	}
	return nil
}

func pickConfigAccessSize(reg uint16, remaining int) uint8 {
	if reg%4 == 0 && remaining >= 4 {
		return 4
	}
	if reg%2 == 0 && remaining >= 2 {
		return 2
	}
	return 1
}

var (
	_ ConfigReader = (*Topology)(nil)
)
