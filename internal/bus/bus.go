package bus

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
)

// Accessor performs register accesses at absolute bus addresses.
//
// Accesses are assumed infallible once an address has been handed out by
// discovery; an address nothing answers for reads back as all ones, the way
// a master abort does on PCI.
type Accessor interface {
	Read8(addr uint64) uint8
	Write8(addr uint64, value uint8)
	Read32(addr uint64) uint32
	Write32(addr uint64, value uint32)
}

// Region serves accesses inside one address window.
type Region interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type binding struct {
	base   uint64
	size   uint64
	region Region
}

// Map dispatches accesses to the region that covers them.
type Map struct {
	mu       sync.RWMutex
	bindings []binding

	// OnFault, when set, is called for accesses no region could serve.
	OnFault func(addr uint64, size int, write bool, err error)
}

// NewMap returns an empty address map.
func NewMap() *Map {
	return &Map{}
}

// Add maps region at [base, base+size).
func (m *Map) Add(base, size uint64, region Region) error {
	if region == nil {
		return fmt.Errorf("bus: region at 0x%x is nil", base)
	}
	if size == 0 {
		return fmt.Errorf("bus: region at 0x%x has zero size", base)
	}
	end := base + size
	if end < base {
		return fmt.Errorf("bus: region at 0x%x overflows", base)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings {
		if base < b.base+b.size && b.base < end {
			return fmt.Errorf("bus: region [0x%x,0x%x) overlaps [0x%x,0x%x)", base, end, b.base, b.base+b.size)
		}
	}
	m.bindings = append(m.bindings, binding{base: base, size: size, region: region})
	sort.Slice(m.bindings, func(i, j int) bool { return m.bindings[i].base < m.bindings[j].base })
	return nil
}

func (m *Map) lookup(addr uint64, n int) (Region, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := sort.Search(len(m.bindings), func(i int) bool {
		return m.bindings[i].base+m.bindings[i].size > addr
	})
	if idx == len(m.bindings) {
		return nil, false
	}
	b := m.bindings[idx]
	if addr < b.base || addr+uint64(n) > b.base+b.size {
		return nil, false
	}
	return b.region, true
}

func (m *Map) read(addr uint64, data []byte) {
	region, ok := m.lookup(addr, len(data))
	if !ok {
		m.fault(addr, len(data), false, fmt.Errorf("no region"))
		fill(data)
		return
	}
	if err := region.ReadMMIO(addr, data); err != nil {
		m.fault(addr, len(data), false, err)
		fill(data)
	}
}

func (m *Map) write(addr uint64, data []byte) {
	region, ok := m.lookup(addr, len(data))
	if !ok {
		m.fault(addr, len(data), true, fmt.Errorf("no region"))
		return
	}
	if err := region.WriteMMIO(addr, data); err != nil {
		m.fault(addr, len(data), true, err)
	}
}

func (m *Map) fault(addr uint64, size int, write bool, err error) {
	if m.OnFault != nil {
		m.OnFault(addr, size, write, err)
	}
}

// Read8 implements Accessor.
func (m *Map) Read8(addr uint64) uint8 {
	var buf [1]byte
	m.read(addr, buf[:])
	return buf[0]
}

// Write8 implements Accessor.
func (m *Map) Write8(addr uint64, value uint8) {
	m.write(addr, []byte{value})
}

// Read32 implements Accessor.
func (m *Map) Read32(addr uint64) uint32 {
	var buf [4]byte
	m.read(addr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// Write32 implements Accessor.
func (m *Map) Write32(addr uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	m.write(addr, buf[:])
}

func fill(data []byte) {
	for i := range data {
		data[i] = 0xff
	}
}

var (
	_ Accessor = (*Map)(nil)
)
