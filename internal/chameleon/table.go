// Package chameleon reads the Chameleon V2 function directory an FPGA
// publishes at the start of its first BAR.
package chameleon

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/z25/internal/bus"
	"github.com/tinyrange/z25/internal/pci"
)

const (
	MagicV2  = 0xABCE
	MagicV2b = 0xABCF

	headerSize  = 20
	generalSize = 16

	typeGeneral = 0x0
	typeBAR     = 0x3
	typeEnd     = 0xF

	// maxTableSize bounds a directory read from device memory.
	maxTableSize = 0x1000
)

var (
	ErrBadMagic  = errors.New("chameleon: bad table magic")
	ErrNotFound  = errors.New("chameleon: unit not found")
	ErrTruncated = errors.New("chameleon: table truncated")
)

// Header is the table preamble.
type Header struct {
	Revision uint8
	Model    uint8
	Minor    uint8
	BusType  uint8
	Magic    uint16
	File     string
}

// BAR is an entry of a BAR descriptor.
type BAR struct {
	Addr uint32
	Size uint32
}

// Unit is one general descriptor.
type Unit struct {
	DeviceID int
	Variant  int
	Revision int
	IRQ      int
	Instance int
	Group    int
	BAR      int
	Offset   uint32
	Size     uint32

	// Addr is the resolved bus address: the base of BAR plus Offset.
	Addr uint64
}

// Table is a decoded directory.
type Table struct {
	Header Header
	// BARs is set when the table carries its own BAR descriptor.
	BARs  []BAR
	Units []Unit
}

// Parse decodes a directory. Unit addresses are left relative to their BAR
// until Resolve is called.
func Parse(data []byte) (*Table, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, headerSize, len(data))
	}
	t := &Table{Header: Header{
		Revision: data[0],
		Model:    data[1],
		Minor:    data[2],
		BusType:  data[3],
		Magic:    binary.LittleEndian.Uint16(data[4:]),
		File:     strings.TrimRight(string(data[8:20]), "\x00 "),
	}}
	if t.Header.Magic != MagicV2 && t.Header.Magic != MagicV2b {
		return nil, fmt.Errorf("%w 0x%04x", ErrBadMagic, t.Header.Magic)
	}

	off := headerSize
	word := func(at int) (uint32, error) {
		if at+4 > len(data) {
			return 0, fmt.Errorf("%w at offset 0x%x", ErrTruncated, at)
		}
		return binary.LittleEndian.Uint32(data[at:]), nil
	}
	for {
		reg1, err := word(off)
		if err != nil {
			return nil, err
		}
		switch reg1 >> 28 {
		case typeGeneral:
			var w [3]uint32
			for i := range w {
				if w[i], err = word(off + 4 + 4*i); err != nil {
					return nil, err
				}
			}
			t.Units = append(t.Units, decodeGeneral(reg1, w[0], w[1], w[2]))
			off += generalSize
		case typeBAR:
			count := int(reg1 & 0x7)
			off += 4
			for i := 0; i < count; i++ {
				addr, err := word(off)
				if err != nil {
					return nil, err
				}
				size, err := word(off + 4)
				if err != nil {
					return nil, err
				}
				t.BARs = append(t.BARs, BAR{Addr: addr, Size: size})
				off += 8
			}
		case typeEnd:
			return t, nil
		default:
			return nil, fmt.Errorf("chameleon: unknown descriptor type 0x%x at offset 0x%x", reg1>>28, off)
		}
	}
}

func decodeGeneral(reg1, reg2, offset, size uint32) Unit {
	return Unit{
		IRQ:      int(reg1 & 0x1F),
		Revision: int(reg1 >> 5 & 0x3F),
		Variant:  int(reg1 >> 11 & 0x3F),
		DeviceID: int(reg1 >> 18 & 0x3FF),
		BAR:      int(reg2 & 0x7),
		Instance: int(reg2 >> 3 & 0x3F),
		Group:    int(reg2 >> 9 & 0x3F),
		Offset:   offset,
		Size:     size,
	}
}

// Resolve fills in Unit.Addr. The table's own BAR descriptor wins over the
// PCI BARs.
func (t *Table) Resolve(pciBARs []uint64) error {
	for i := range t.Units {
		u := &t.Units[i]
		var base uint64
		switch {
		case len(t.BARs) > 0:
			if u.BAR >= len(t.BARs) {
				return fmt.Errorf("chameleon: unit %d references BAR%d, table has %d", i, u.BAR, len(t.BARs))
			}
			base = uint64(t.BARs[u.BAR].Addr)
		default:
			if u.BAR >= len(pciBARs) {
				return fmt.Errorf("chameleon: unit %d references BAR%d, device has %d", i, u.BAR, len(pciBARs))
			}
			base = pciBARs[u.BAR]
		}
		u.Addr = base + uint64(u.Offset)
	}
	return nil
}

// Find returns every unit with the given device ID, in table order.
func (t *Table) Find(deviceID int) []Unit {
	var out []Unit
	for _, u := range t.Units {
		if u.DeviceID == deviceID {
			out = append(out, u)
		}
	}
	return out
}

// InstanceFind returns the n-th unit with the given device ID.
func (t *Table) InstanceFind(deviceID, n int) (Unit, error) {
	units := t.Find(deviceID)
	if n < 0 || n >= len(units) {
		return Unit{}, fmt.Errorf("%w: device %d instance %d", ErrNotFound, deviceID, n)
	}
	return units[n], nil
}

// ReadTable copies a directory out of device memory at base and parses it.
func ReadTable(mem bus.Accessor, base uint64) (*Table, error) {
	data := make([]byte, 0, 256)
	var word [4]byte
	for off := uint64(0); off < maxTableSize; off += 4 {
		binary.LittleEndian.PutUint32(word[:], mem.Read32(base+off))
		data = append(data, word[:]...)
		if off == 4 && !validMagic(data) {
			return nil, fmt.Errorf("%w 0x%04x at 0x%x", ErrBadMagic, binary.LittleEndian.Uint16(data[4:]), base)
		}
		if len(data) > headerSize && ended(data) {
			break
		}
	}
	return Parse(data)
}

func validMagic(data []byte) bool {
	m := binary.LittleEndian.Uint16(data[4:])
	return m == MagicV2 || m == MagicV2b
}

// ended reports whether data holds a complete directory.
func ended(data []byte) bool {
	off := headerSize
	for off+4 <= len(data) {
		reg1 := binary.LittleEndian.Uint32(data[off:])
		switch reg1 >> 28 {
		case typeGeneral:
			off += generalSize
		case typeBAR:
			off += 4 + 8*int(reg1&0x7)
		case typeEnd:
			return true
		default:
			// Let Parse report it.
			return true
		}
	}
	return false
}

// Open reads the directory of the FPGA function at loc. The table lives at
// BAR0; unit addresses are resolved against the function's BARs.
func Open(cfg pci.ConfigReader, mem bus.Accessor, loc pci.Location) (*Table, error) {
	bars := make([]uint64, pci.BARCount)
	for i := range bars {
		bar, err := pci.BAR(cfg, loc, i)
		if err != nil {
			return nil, err
		}
		bars[i] = bar
	}
	if bars[0] == 0 {
		return nil, fmt.Errorf("chameleon: BAR0 of %s is not assigned", loc)
	}
	t, err := ReadTable(mem, bars[0])
	if err != nil {
		return nil, fmt.Errorf("chameleon: %s: %w", loc, err)
	}
	if err := t.Resolve(bars); err != nil {
		return nil, err
	}
	return t, nil
}
