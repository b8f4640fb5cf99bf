package z25

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/z25/internal/bus"
	"github.com/tinyrange/z25/internal/chameleon"
	"github.com/tinyrange/z25/internal/mz25"
	"github.com/tinyrange/z25/internal/pci"
	"github.com/tinyrange/z25/internal/stream"
)

// Config configures a Handle.
type Config struct {
	// Domain is the PCI domain to scan, 0..MaxDomains.
	Domain int
	// PCI reads configuration space.
	PCI pci.ConfigReader
	// Memory reaches the FPGA BARs.
	Memory bus.Accessor

	// UsePCIIRQ takes unit interrupts from the PCI interrupt line instead
	// of the Chameleon table plus IRQOffset.
	UsePCIIRQ bool
	IRQOffset int
	// IRQBase is added to an IRQ to form its vector.
	IRQBase int
	// UARTFrequency is the UART input clock. Zero means 1.8432 MHz.
	UARTFrequency uint32

	// Controller connects and enables interrupts. Nil installs a
	// SoftwareController.
	Controller InterruptController
	// Registry hands out driver identities. Nil uses a CountingRegistry.
	Registry Registry
	// Name is the device name prefix. Empty means "/tyZ25_<path>".
	Name string

	// Channel returns the install settings for the channel with the given
	// handle-wide index. Nil uses DefaultChannelSettings.
	Channel func(index int) ChannelSettings

	// OnBus is called after each bus of the candidate scan.
	OnBus func(bus int)

	DebugLevel DebugLevel
	Logger     *slog.Logger
}

// PathInfo is one discovered FPGA function.
type PathInfo struct {
	Location pci.Location
	Path     pci.BusPath
	VendorID uint16
	DeviceID uint16
	// FirstUnit and Units locate the path's units in the device table.
	FirstUnit int
	Units     int
	Installed bool
}

// Handle is the driver state for one PCI domain.
type Handle struct {
	mu    sync.Mutex
	cfg   Config
	log   logger
	ctrl  InterruptController
	reg   Registry
	stats routerStats

	paths    []PathInfo
	units    []*Unit
	channels []*Channel
	groups   []*InterruptGroup
	closed   bool
}

// New validates cfg and returns an empty handle.
func New(cfg Config) (*Handle, error) {
	if cfg.Domain < 0 || cfg.Domain > MaxDomains {
		return nil, fmt.Errorf("%w: %d", ErrBadDomain, cfg.Domain)
	}
	if cfg.PCI == nil {
		return nil, fmt.Errorf("z25: no PCI configuration reader")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("z25: no memory accessor")
	}
	if cfg.UARTFrequency == 0 {
		cfg.UARTFrequency = mz25.StandardClock
	}
	h := &Handle{
		cfg: cfg,
		log: newLogger(cfg.Logger, cfg.DebugLevel),
	}
	h.ctrl = cfg.Controller
	if h.ctrl == nil {
		h.ctrl = NewSoftwareController(cfg.IRQBase, h.log.log)
	}
	h.reg = cfg.Registry
	if h.reg == nil {
		h.reg = &CountingRegistry{}
	}
	return h, nil
}

// Controller returns the interrupt controller in use.
func (h *Handle) Controller() InterruptController { return h.ctrl }

// DebugLevel returns the handle's debug level.
func (h *Handle) DebugLevel() DebugLevel { return h.log.level }

// Stats returns the interrupt router counters.
func (h *Handle) Stats() RouterStats { return h.stats.snapshot() }

// Discover scans the domain for FPGA functions with a known device ID and
// records their bus paths. Paths found by an earlier call are kept.
func (h *Handle) Discover(ctx context.Context) ([]PathInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sc := &pci.Scanner{
		Config: h.cfg.PCI,
		Domain: h.cfg.Domain,
		OnBus:  h.cfg.OnBus,
		Logger: h.discoveryLogger(),
	}
	cands, err := sc.Candidates()
	if err != nil {
		return nil, fmt.Errorf("z25: discover: %w", err)
	}

	var found []PathInfo
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !pci.KnownDevice(c.DeviceID) {
			h.log.debug(DebugDiscovery, 2, "z25: skipping unknown device", "loc", c.Location, "device", c.DeviceID)
			continue
		}
		if len(found) >= MaxPCIDevices {
			return nil, fmt.Errorf("%w: more than %d FPGA functions", ErrTableFull, MaxPCIDevices)
		}
		path, err := sc.DevicePath(c.Location)
		if err != nil {
			return nil, fmt.Errorf("z25: discover %s: %w", c.Location, err)
		}
		found = append(found, PathInfo{
			Location: c.Location,
			Path:     path,
			VendorID: c.VendorID,
			DeviceID: c.DeviceID,
		})
		h.log.debug(DebugDiscovery, 1, "z25: fpga", "loc", c.Location, "path", path)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("z25: discover: %w on domain %d", pci.ErrNoCandidates, h.cfg.Domain)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range found {
		if h.pathIndexLocked(p.Location) < 0 {
			if len(h.paths) >= MaxPCIDevices {
				return nil, fmt.Errorf("%w: more than %d FPGA functions", ErrTableFull, MaxPCIDevices)
			}
			h.paths = append(h.paths, p)
		}
	}
	return append([]PathInfo(nil), h.paths...), nil
}

func (h *Handle) discoveryLogger() *slog.Logger {
	if h.log.enabled(DebugDiscovery, 2) {
		return h.log.log
	}
	return nil
}

func (h *Handle) pathIndexLocked(loc pci.Location) int {
	for i, p := range h.paths {
		if p.Location == loc {
			return i
		}
	}
	return -1
}

// Paths returns the discovered paths.
func (h *Handle) Paths() []PathInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PathInfo(nil), h.paths...)
}

// ResolvePath maps a parsed path to a path index. A direct location that
// was not discovered is added.
func (h *Handle) ResolvePath(spec pci.PathSpec) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if spec.Direct != nil {
		if i := h.pathIndexLocked(*spec.Direct); i >= 0 {
			return i, nil
		}
		if len(h.paths) >= MaxPCIDevices {
			return 0, fmt.Errorf("%w: more than %d FPGA functions", ErrTableFull, MaxPCIDevices)
		}
		h.paths = append(h.paths, PathInfo{Location: *spec.Direct})
		return len(h.paths) - 1, nil
	}

	known := make([]pci.BusPath, len(h.paths))
	for i, p := range h.paths {
		known[i] = p.Path
	}
	i, err := pci.Lookup(known, spec.Hops)
	if err != nil {
		return 0, fmt.Errorf("z25: %w", err)
	}
	return i, nil
}

// FindUartUnits reads the Chameleon table of path and registers every
// UART instance in it. Registration stops quietly once the device table
// holds MaxUnits units. On error the table is left as it was on entry.
func (h *Handle) FindUartUnits(ctx context.Context, path int) (_ []*Unit, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	if path < 0 || path >= len(h.paths) {
		h.mu.Unlock()
		return nil, fmt.Errorf("z25: path index %d out of range", path)
	}
	info := h.paths[path]
	units, channels := len(h.units), len(h.channels)
	h.mu.Unlock()

	defer func() {
		if err != nil {
			h.truncate(path, info, units, channels)
		}
	}()

	tbl, err := chameleon.Open(h.cfg.PCI, h.cfg.Memory, info.Location)
	if err != nil {
		return nil, fmt.Errorf("z25: %w", err)
	}

	var pciIRQ int
	if h.cfg.UsePCIIRQ {
		if pciIRQ, err = pci.InterruptLine(h.cfg.PCI, info.Location); err != nil {
			return nil, fmt.Errorf("z25: %w", err)
		}
	}

	var added []*Unit
	for _, code := range mz25.Modules {
		for n := 0; ; n++ {
			cu, err := tbl.InstanceFind(code, n)
			if errors.Is(err, chameleon.ErrNotFound) {
				break
			} else if err != nil {
				return nil, fmt.Errorf("z25: %w", err)
			}
			if h.unitCount() >= MaxUnits {
				h.log.warn("z25: device table full, ignoring further units", "max", MaxUnits, "loc", info.Location)
				return added, nil
			}
			irq := cu.IRQ + h.cfg.IRQOffset
			if h.cfg.UsePCIIRQ {
				irq = pciIRQ
			}
			u, err := h.RegisterUnit(path, cu.Addr, irq, code)
			if err != nil {
				return nil, err
			}
			u.instance = cu.Instance
			added = append(added, u)
		}
	}
	if len(added) == 0 {
		return nil, fmt.Errorf("z25: no UART units on %s: %w", info.Location, chameleon.ErrNotFound)
	}
	return added, nil
}

// truncate drops units and channels registered after the table held units
// units and channels channels, and restores the bookkeeping of path.
func (h *Handle) truncate(path int, info PathInfo, units, channels int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, u := range h.units[units:] {
		h.log.debug(DebugDiscovery, 1, "z25: dropping unit", "index", u.index, "base", fmt.Sprintf("0x%x", u.base))
	}
	clear(h.units[units:])
	h.units = h.units[:units]
	clear(h.channels[channels:])
	h.channels = h.channels[:channels]
	h.paths[path].FirstUnit = info.FirstUnit
	h.paths[path].Units = info.Units
}

func (h *Handle) unitCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.units)
}

// RegisterUnit adds a unit to the device table. Basic and Legacy units get
// a channel for every bit set in the IDIRQ presence field; a unit with none
// is rejected.
func (h *Handle) RegisterUnit(path int, base uint64, irq int, module int) (*Unit, error) {
	variant, err := mz25.VariantFromModule(module)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if path < 0 || path >= len(h.paths) {
		return nil, fmt.Errorf("z25: path index %d out of range", path)
	}
	if len(h.units) >= MaxUnits {
		return nil, fmt.Errorf("%w: %d units", ErrTableFull, MaxUnits)
	}

	present := uint8(1)
	if variant != mz25.Extended {
		present = probePresent(h.cfg.Memory, base)
		if present == 0 {
			return nil, fmt.Errorf("%w: %s at 0x%x", ErrNoChannels, variant, base)
		}
	}

	u := &Unit{
		index:   len(h.units),
		path:    path,
		variant: variant,
		base:    base,
		irq:     irq,
		vector:  irq + h.cfg.IRQBase,
		present: present,
		acc:     h.cfg.Memory,
		slots:   make([]*Channel, variant.Slots()),
	}
	for slot := range u.slots {
		if present&(1<<slot) == 0 {
			continue
		}
		regs := mz25.NewChannel(h.cfg.Memory, mz25.Config{
			Base:     mz25.ChannelBase(base, variant, slot),
			UnitBase: base,
			Variant:  variant,
			Index:    slot,
			IRQ:      u.irq,
			Vector:   u.vector,
			Logger:   h.log.registerLogger(),
		})
		ch := &Channel{
			regs:  regs,
			unit:  u,
			slot:  slot,
			index: len(h.channels),
			log:   h.log,
		}
		u.slots[slot] = ch
		h.channels = append(h.channels, ch)
	}

	p := &h.paths[path]
	if p.Units == 0 {
		p.FirstUnit = u.index
	}
	p.Units++
	h.units = append(h.units, u)

	h.log.debug(DebugDiscovery, 1, "z25: unit", "index", u.index, "variant", variant, "base", fmt.Sprintf("0x%x", base), "irq", irq, "present", present)
	return u, nil
}

// Units returns the device table.
func (h *Handle) Units() []*Unit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Unit(nil), h.units...)
}

// Unit returns unit n, or nil.
func (h *Handle) Unit(n int) *Unit {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n < 0 || n >= len(h.units) {
		return nil
	}
	return h.units[n]
}

// Channels returns every present channel in index order.
func (h *Handle) Channels() []*Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Channel(nil), h.channels...)
}

// Lookup returns the installed channel with the given device name.
func (h *Handle) Lookup(name string) (*Channel, error) {
	for _, ch := range h.Channels() {
		if ch.Installed() && ch.Name() == name {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
}

// Groups returns the interrupt groups.
func (h *Handle) Groups() []*InterruptGroup {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*InterruptGroup(nil), h.groups...)
}

// AssignIdentities groups the units of path and registers one driver
// identity per group. Units already in a group are left alone.
func (h *Handle) AssignIdentities(path int) ([]*InterruptGroup, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var units []*Unit
	for _, u := range h.units {
		if u.path == path {
			units = append(units, u)
		}
	}
	groups, err := assignGroups(units, h.reg, func(u *Unit) string { return h.unitNameLocked(u) }, &h.stats, h.log)
	h.groups = append(h.groups, groups...)
	return groups, err
}

func (h *Handle) prefixLocked(path int) string {
	if h.cfg.Name != "" {
		return h.cfg.Name
	}
	return fmt.Sprintf("/tyZ25_%d", path)
}

// unitNameLocked names the identity of a unit's group.
func (h *Handle) unitNameLocked(u *Unit) string {
	return fmt.Sprintf("%s%d", h.prefixLocked(u.path), u.index)
}

// channelNameLocked is "<prefix>/<unit>" for Extended units and
// "<prefix><unit>/<channel>" otherwise.
func (h *Handle) channelNameLocked(ch *Channel) string {
	prefix := h.prefixLocked(ch.unit.path)
	if ch.unit.variant == mz25.Extended {
		return fmt.Sprintf("%s/%d", prefix, ch.unit.index)
	}
	return fmt.Sprintf("%s%d/%d", prefix, ch.unit.index, ch.slot)
}

// SetBaseBaud changes the UART clock of every channel of unit n and keeps
// each channel's baud rate. Zero selects 1.8432 MHz.
func (h *Handle) SetBaseBaud(freq uint32, n int) error {
	u := h.Unit(n)
	if u == nil {
		return fmt.Errorf("z25: unit %d out of range", n)
	}
	for _, ch := range u.Channels() {
		prev, err := ch.regs.ReadBaudRate()
		if err != nil {
			return err
		}
		if err := ch.regs.SetBaseClock(freq); err != nil {
			return err
		}
		if err := ch.regs.SetBaudRate(prev); err != nil {
			return err
		}
	}
	h.log.debug(DebugInit, 2, "z25: base clock", "unit", n, "hz", freq)
	return nil
}

// Install gives ch its consumer, programs its install state, connects its
// group's interrupt and enables the receive interrupt.
func (h *Handle) Install(ch *Channel, s ChannelSettings) error {
	if ch == nil {
		return mz25.ErrInvalidHandle
	}
	g := ch.unit.group
	if g == nil {
		return fmt.Errorf("%w: unit %d has no driver identity", ErrNotRegistered, ch.unit.index)
	}
	s = s.withDefaults()

	var cons *consumer
	switch s.Consumer {
	case StreamConsumer:
		st := s.Stream
		if st == nil {
			st = stream.New(s.RxBufferSize, s.TxBufferSize)
		}
		if k, ok := st.(starter); ok {
			k.SetStartup(func() { _ = ch.Startup() })
		}
		cons = newStreamConsumer(st)
	case CallbackConsumer:
		cons = newCallbackConsumer()
	default:
		return fmt.Errorf("z25: unknown consumer kind %d", int(s.Consumer))
	}

	if err := ch.initRegisters(s); err != nil {
		return err
	}

	h.mu.Lock()
	name := h.channelNameLocked(ch)
	h.mu.Unlock()

	ch.mu.Lock()
	ch.cons = cons
	ch.name = name
	ch.options = s.options()
	ch.installed = true
	ch.mu.Unlock()

	if err := g.connect(h.ctrl); err != nil {
		return err
	}
	if _, err := ch.regs.EnableInterrupt(mz25.IerRDAIEN); err != nil {
		return err
	}
	h.log.debug(DebugInit, 1, "z25: channel installed", "name", name, "consumer", cons.kind, "baud", s.BaudRate)
	return nil
}

func (h *Handle) settings(index int) ChannelSettings {
	if h.cfg.Channel != nil {
		return h.cfg.Channel(index)
	}
	return DefaultChannelSettings()
}

// InstallPath runs identity assignment, base clock setup and channel
// installation for every unit of path.
func (h *Handle) InstallPath(path int) error {
	if _, err := h.AssignIdentities(path); err != nil {
		return err
	}
	h.mu.Lock()
	info := h.paths[path]
	h.mu.Unlock()

	for n := info.FirstUnit; n < info.FirstUnit+info.Units; n++ {
		if err := h.SetBaseBaud(h.cfg.UARTFrequency, n); err != nil {
			return err
		}
		for _, ch := range h.Unit(n).Channels() {
			if err := h.Install(ch, h.settings(ch.index)); err != nil {
				return fmt.Errorf("z25: install unit %d channel %d: %w", n, ch.slot, err)
			}
		}
	}

	h.mu.Lock()
	h.paths[path].Installed = true
	h.mu.Unlock()
	return nil
}

// Close disables every channel, disconnects the interrupt groups and
// empties the tables. Interrupts for the handle's lines must already be
// quiet.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	channels, groups := h.channels, h.groups
	h.channels, h.groups, h.units, h.paths = nil, nil, nil, nil
	h.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if _, err := ch.regs.DisableInterrupt(0); err != nil {
			errs = append(errs, err)
		}
		if st := ch.Stream(); st != nil {
			if c, ok := st.(io.Closer); ok {
				errs = append(errs, c.Close())
			}
		}
		ch.mu.Lock()
		ch.installed = false
		ch.mu.Unlock()
	}
	if d, ok := h.ctrl.(disconnecter); ok {
		for _, g := range groups {
			if g.Connected() {
				errs = append(errs, d.Disconnect(g.vector, g))
			}
		}
	}
	return errors.Join(errs...)
}

// CreateDevice discovers the FPGAs of cfg.Domain, resolves path and
// installs every UART channel on it. On failure the handle is torn down.
//
// path is either a list of bridge hops ("0x1e 0x0e 0x00") or a direct
// location ("PCI0:2.0.0").
func CreateDevice(ctx context.Context, cfg Config, path string) (*Handle, error) {
	spec, err := pci.ParsePath(path)
	if err != nil {
		return nil, fmt.Errorf("z25: %w", err)
	}
	h, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := h.create(ctx, spec); err != nil {
		h.log.error("z25: create device failed", "path", path, "err", err)
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Handle) create(ctx context.Context, spec pci.PathSpec) error {
	if _, err := h.Discover(ctx); err != nil {
		if spec.Direct == nil {
			return err
		}
		h.log.debug(DebugDiscovery, 1, "z25: discovery failed, using direct location", "loc", spec.Direct, "err", err)
	}
	idx, err := h.ResolvePath(spec)
	if err != nil {
		return err
	}
	if _, err := h.FindUartUnits(ctx, idx); err != nil {
		return err
	}
	return h.InstallPath(idx)
}
