// Package fpga simulates a MEN Chameleon FPGA as a PCI function: its config
// space, a Chameleon table at BAR0 and the UART units behind it.
package fpga

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/z25/internal/bus"
	"github.com/tinyrange/z25/internal/chameleon"
	"github.com/tinyrange/z25/internal/chipset"
	z25dev "github.com/tinyrange/z25/internal/devices/z25"
	"github.com/tinyrange/z25/internal/mz25"
	"github.com/tinyrange/z25/internal/pci"
)

const (
	// TableSize is the BAR0 window holding the Chameleon table. Units are
	// placed above it.
	TableSize = 0x1000

	defaultBARSize = 0x10000
)

// UnitSpec places one UART unit inside the FPGA.
type UnitSpec struct {
	Variant mz25.Variant
	// Offset from BAR0. Must be at or above TableSize.
	Offset   uint32
	Channels int
	// IRQ is the FPGA-internal interrupt number recorded in the table.
	IRQ        int
	Group      int
	AutoRTSCTS bool
}

// Config describes a simulated FPGA function.
type Config struct {
	Location pci.Location
	Vendor   uint16
	DeviceID uint16
	BAR0     uint32
	BARSize  uint64
	// InterruptLine is written to config offset 0x3C.
	InterruptLine uint8
	// ChameleonIRQs makes every unit drive its table IRQ plus IRQOffset
	// instead of InterruptLine.
	ChameleonIRQs bool
	IRQOffset     int
	File          string
	Units         []UnitSpec
}

// FPGA is a simulated Chameleon FPGA function.
type FPGA struct {
	cfg   Config
	table *bus.Window
	units []*z25dev.Unit
	log   *slog.Logger
}

// New builds the FPGA and its units. Unit interrupt lines are allocated
// from lines.
func New(cfg Config, lines *chipset.LineSet, log *slog.Logger) (*FPGA, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Vendor == 0 {
		cfg.Vendor = pci.VendorMEN
	}
	if cfg.DeviceID == 0 {
		cfg.DeviceID = pci.DeviceIDs[0]
	}
	if cfg.BARSize == 0 {
		cfg.BARSize = defaultBARSize
	}
	if cfg.BAR0 == 0 {
		return nil, fmt.Errorf("fpga: BAR0 not assigned")
	}

	f := &FPGA{cfg: cfg, log: log}
	tbl := &chameleon.Table{Header: chameleon.Header{Revision: 2, Model: 'A', File: cfg.File}}
	instances := make(map[mz25.Variant]int)
	for i, spec := range cfg.Units {
		if spec.Offset < TableSize || uint64(spec.Offset)+mz25.UnitSpan > cfg.BARSize {
			return nil, fmt.Errorf("fpga: unit %d offset 0x%x outside BAR0 unit area", i, spec.Offset)
		}
		irq := int(cfg.InterruptLine)
		if cfg.ChameleonIRQs {
			irq = spec.IRQ + cfg.IRQOffset
		}
		if irq < 0 || irq > 255 {
			return nil, fmt.Errorf("fpga: unit %d irq %d out of range", i, irq)
		}
		var line chipset.LineInterrupt
		if lines != nil {
			line = lines.AllocateLine(uint8(irq))
		}
		unit, err := z25dev.NewUnit(uint64(cfg.BAR0)+uint64(spec.Offset), z25dev.Options{
			Variant:    spec.Variant,
			Channels:   spec.Channels,
			AutoRTSCTS: spec.AutoRTSCTS,
			Line:       line,
		})
		if err != nil {
			return nil, fmt.Errorf("fpga: unit %d: %w", i, err)
		}
		f.units = append(f.units, unit)
		tbl.Units = append(tbl.Units, chameleon.Unit{
			DeviceID: spec.Variant.Module(),
			IRQ:      spec.IRQ,
			Instance: instances[spec.Variant],
			Group:    spec.Group,
			BAR:      0,
			Offset:   spec.Offset,
			Size:     mz25.UnitSpan,
		})
		instances[spec.Variant]++
	}

	data, err := chameleon.Encode(tbl)
	if err != nil {
		return nil, fmt.Errorf("fpga: encode table: %w", err)
	}
	if len(data) > TableSize {
		return nil, fmt.Errorf("fpga: table of %d bytes exceeds 0x%x", len(data), TableSize)
	}
	mem := make([]byte, TableSize)
	copy(mem, data)
	f.table = bus.NewWindow(uint64(cfg.BAR0), mem)
	return f, nil
}

// Location returns the PCI location of the function.
func (f *FPGA) Location() pci.Location { return f.cfg.Location }

// Units returns the emulated UART units in table order.
func (f *FPGA) Units() []*z25dev.Unit { return f.units }

// Unit returns unit n.
func (f *FPGA) Unit(n int) (*z25dev.Unit, error) {
	if n < 0 || n >= len(f.units) {
		return nil, fmt.Errorf("fpga: unit %d not present", n)
	}
	return f.units[n], nil
}

// Attach publishes the config space of the function in topo.
func (f *FPGA) Attach(topo *pci.Topology) error {
	loc := f.cfg.Location
	if err := topo.Add(loc, pci.EndpointConfig(f.cfg.Vendor, f.cfg.DeviceID, false)); err != nil {
		return fmt.Errorf("fpga: %w", err)
	}
	if err := topo.SetBAR(loc, 0, f.cfg.BAR0); err != nil {
		return fmt.Errorf("fpga: %w", err)
	}
	if err := topo.SetInterruptLine(loc, f.cfg.InterruptLine); err != nil {
		return fmt.Errorf("fpga: %w", err)
	}
	return nil
}

// Register maps the table window and every unit into b.
func (f *FPGA) Register(b *chipset.Builder, name string) error {
	if err := b.RegisterDevice(name, f); err != nil {
		return err
	}
	for i, u := range f.units {
		if err := b.RegisterDevice(fmt.Sprintf("%s.uart%d", name, i), u); err != nil {
			return err
		}
	}
	f.log.Debug("fpga: registered", "name", name, "loc", f.cfg.Location, "bar0", fmt.Sprintf("0x%x", f.cfg.BAR0), "units", len(f.units))
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (f *FPGA) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (f *FPGA) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (f *FPGA) Reset() error { return nil }

// SupportsMmio implements chipset.Device. Only the table window is served
// here; the units register themselves.
func (f *FPGA) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MmioRegion{{Address: f.table.Base(), Size: f.table.Size()}},
		Handler: f.table,
	}
}

// SupportsPollDevice implements chipset.Device.
func (f *FPGA) SupportsPollDevice() *chipset.PollDevice { return nil }

var (
	_ chipset.Device = (*FPGA)(nil)
)
