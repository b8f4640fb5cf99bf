package chameleon

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes t. Unit.Addr is ignored; units are placed by BAR and
// Offset. A zero magic is written as MagicV2.
func Encode(t *Table) ([]byte, error) {
	magic := t.Header.Magic
	if magic == 0 {
		magic = MagicV2
	}
	if len(t.Header.File) > 12 {
		return nil, fmt.Errorf("chameleon: file name %q longer than 12 bytes", t.Header.File)
	}
	if len(t.BARs) > 7 {
		return nil, fmt.Errorf("chameleon: %d BAR entries, at most 7 fit", len(t.BARs))
	}

	out := make([]byte, headerSize)
	out[0] = t.Header.Revision
	out[1] = t.Header.Model
	out[2] = t.Header.Minor
	out[3] = t.Header.BusType
	binary.LittleEndian.PutUint16(out[4:], magic)
	copy(out[8:20], t.Header.File)

	if len(t.BARs) > 0 {
		out = binary.LittleEndian.AppendUint32(out, typeBAR<<28|uint32(len(t.BARs)))
		for _, b := range t.BARs {
			out = binary.LittleEndian.AppendUint32(out, b.Addr)
			out = binary.LittleEndian.AppendUint32(out, b.Size)
		}
	}
	for i, u := range t.Units {
		if err := checkUnit(u); err != nil {
			return nil, fmt.Errorf("chameleon: unit %d: %w", i, err)
		}
		reg1 := uint32(u.IRQ) | uint32(u.Revision)<<5 | uint32(u.Variant)<<11 | uint32(u.DeviceID)<<18
		reg2 := uint32(u.BAR) | uint32(u.Instance)<<3 | uint32(u.Group)<<9
		out = binary.LittleEndian.AppendUint32(out, reg1)
		out = binary.LittleEndian.AppendUint32(out, reg2)
		out = binary.LittleEndian.AppendUint32(out, u.Offset)
		out = binary.LittleEndian.AppendUint32(out, u.Size)
	}
	out = binary.LittleEndian.AppendUint32(out, typeEnd<<28)
	return out, nil
}

func checkUnit(u Unit) error {
	fields := []struct {
		name  string
		value int
		max   int
	}{
		{"irq", u.IRQ, 0x1F},
		{"revision", u.Revision, 0x3F},
		{"variant", u.Variant, 0x3F},
		{"device id", u.DeviceID, 0x3FF},
		{"bar", u.BAR, 0x7},
		{"instance", u.Instance, 0x3F},
		{"group", u.Group, 0x3F},
	}
	for _, f := range fields {
		if f.value < 0 || f.value > f.max {
			return fmt.Errorf("%s %d out of range 0..%d", f.name, f.value, f.max)
		}
	}
	return nil
}
