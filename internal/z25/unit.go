package z25

import (
	"github.com/tinyrange/z25/internal/bus"
	"github.com/tinyrange/z25/internal/mz25"
)

// Unit is one UART core instance in the device table.
type Unit struct {
	index    int
	path     int
	instance int
	variant  mz25.Variant
	base     uint64
	irq      int
	vector   int
	present  uint8
	acc      bus.Accessor

	// slots has Variant.Slots() entries. Absent channels are nil.
	slots []*Channel
	group *InterruptGroup
}

// Index is the position of the unit in the device table.
func (u *Unit) Index() int { return u.index }

// Path is the index of the bus path the unit was found on.
func (u *Unit) Path() int { return u.path }

// Instance is the Chameleon instance number of the unit.
func (u *Unit) Instance() int { return u.instance }

func (u *Unit) Variant() mz25.Variant { return u.variant }

func (u *Unit) Base() uint64 { return u.base }

func (u *Unit) IRQ() int { return u.irq }

func (u *Unit) Vector() int { return u.vector }

// Present is the channel presence bitmap, bit n for channel n.
func (u *Unit) Present() uint8 { return u.present }

// Group returns the interrupt group, or nil before identities are assigned.
func (u *Unit) Group() *InterruptGroup { return u.group }

// Channel returns the channel in slot n, or nil when absent.
func (u *Unit) Channel(n int) *Channel {
	if n < 0 || n >= len(u.slots) {
		return nil
	}
	return u.slots[n]
}

// Channels returns the present channels in slot order.
func (u *Unit) Channels() []*Channel {
	var out []*Channel
	for _, ch := range u.slots {
		if ch != nil {
			out = append(out, ch)
		}
	}
	return out
}

// probePresent reads the IDIRQ presence bits.
func probePresent(acc bus.Accessor, base uint64) uint8 {
	return (acc.Read8(base+mz25.RegIDIRQ) & mz25.IdirqPresentMask) >> 4
}
