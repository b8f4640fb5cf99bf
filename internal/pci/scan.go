package pci

import (
	"fmt"
	"log/slog"
	"slices"
)

// Candidate is a function whose vendor ID matches a supported FPGA vendor.
type Candidate struct {
	Location
	VendorID uint16
	DeviceID uint16
}

// Scanner walks the configuration space of one domain.
type Scanner struct {
	Config ConfigReader
	Domain int

	// OnBus, when set, is called after each bus of a candidate sweep.
	OnBus func(bus int)

	Logger *slog.Logger
}

func (s *Scanner) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (s *Scanner) loc(bus, dev, fn int) Location {
	return Location{Domain: s.Domain, Bus: bus, Device: dev, Function: fn}
}

// present reads the vendor ID of loc and reports whether a function answers.
func (s *Scanner) present(loc Location) (uint16, bool, error) {
	vendor, err := read16(s.Config, loc, OffsetVendorID)
	if err != nil {
		return 0, false, fmt.Errorf("pci: read vendor of %s: %w", loc, err)
	}
	return vendor, vendor != VendorNotPresent, nil
}

// functions calls fn for every present function on bus, honoring the
// multi-function bit of function 0. Returning false from fn stops the walk.
func (s *Scanner) functions(bus int, visit func(loc Location, vendor uint16, header uint8) (bool, error)) error {
	for dev := 0; dev < MaxDevice; dev++ {
		for fn := 0; fn < MaxFunction; fn++ {
			loc := s.loc(bus, dev, fn)
			vendor, ok, err := s.present(loc)
			if err != nil {
				return err
			}
			if !ok {
				if fn == 0 {
					break
				}
				continue
			}
			header, err := read8(s.Config, loc, OffsetHeaderType)
			if err != nil {
				return fmt.Errorf("pci: read header type of %s: %w", loc, err)
			}
			more, err := visit(loc, vendor, header)
			if err != nil || !more {
				return err
			}
			if fn == 0 && header&HeaderMultiFunc == 0 {
				break
			}
		}
	}
	return nil
}

// Candidates returns every function on the domain whose vendor is MEN or
// Altera, in bus/device/function order.
func (s *Scanner) Candidates() ([]Candidate, error) {
	var found []Candidate
	for bus := 0; bus < MaxBus; bus++ {
		err := s.functions(bus, func(loc Location, vendor uint16, _ uint8) (bool, error) {
			if vendor != VendorMEN && vendor != VendorAltera {
				return true, nil
			}
			device, err := read16(s.Config, loc, OffsetDeviceID)
			if err != nil {
				return false, fmt.Errorf("pci: read device of %s: %w", loc, err)
			}
			found = append(found, Candidate{Location: loc, VendorID: vendor, DeviceID: device})
			s.log().Debug("pci: candidate", "loc", loc, "vendor", fmt.Sprintf("0x%04x", vendor), "device", fmt.Sprintf("0x%04x", device))
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		if s.OnBus != nil {
			s.OnBus(bus)
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w on domain %d", ErrNoCandidates, s.Domain)
	}
	return found, nil
}

// FindBridge returns the bus and device number of the PCI-to-PCI bridge
// whose secondary bus is bus. Only buses numbered below bus are searched.
func (s *Scanner) FindBridge(bus int) (parentBus, device int, err error) {
	for b := 0; b < bus; b++ {
		found := false
		err := s.functions(b, func(loc Location, _ uint16, header uint8) (bool, error) {
			if header&HeaderTypeMask != HeaderBridge {
				return true, nil
			}
			secondary, err := read8(s.Config, loc, OffsetSecondaryBus)
			if err != nil {
				return false, fmt.Errorf("pci: read secondary bus of %s: %w", loc, err)
			}
			if int(secondary) != bus {
				return true, nil
			}
			parentBus, device, found = loc.Bus, loc.Device, true
			return false, nil
		})
		if err != nil {
			return 0, 0, err
		}
		if found {
			return parentBus, device, nil
		}
	}
	return 0, 0, fmt.Errorf("%w %d on domain %d", ErrNoBridge, bus, s.Domain)
}

// ResolveBridgePath returns the device numbers of the bridges between the
// root bus and bus, root first. At most MaxHops bridges are followed.
func (s *Scanner) ResolveBridgePath(bus int) ([]int, error) {
	var hops []int
	for bus != 0 && len(hops) < MaxHops {
		parent, dev, err := s.FindBridge(bus)
		if err != nil {
			return nil, err
		}
		hops = append(hops, dev)
		bus = parent
	}
	slices.Reverse(hops)
	return hops, nil
}

// DevicePath returns the bridge path of loc with its own device number
// appended.
func (s *Scanner) DevicePath(loc Location) (BusPath, error) {
	hops, err := s.ResolveBridgePath(loc.Bus)
	if err != nil {
		return nil, err
	}
	return BusPath(append(hops, loc.Device)), nil
}
