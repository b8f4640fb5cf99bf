package chipset

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/z25/internal/bus"
)

// Chipset owns a set of devices, the address map they decode and the
// interrupt lines they drive.
type Chipset struct {
	devices map[string]Device
	polls   []PollHandler
	mem     *bus.Map
	lines   *LineSet
}

// Builder registers devices and their intercepts before creating a Chipset.
type Builder struct {
	devices map[string]Device
	mem     *bus.Map
	lines   *LineSet
	polls   []PollHandler
	log     *slog.Logger
}

// NewBuilder returns an empty builder. Interrupt levels are forwarded to sink.
func NewBuilder(sink InterruptSink, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	mem := bus.NewMap()
	mem.OnFault = func(addr uint64, size int, write bool, err error) {
		log.Debug("chipset: unhandled access", "addr", fmt.Sprintf("0x%x", addr), "size", size, "write", write, "err", err)
	}
	return &Builder{
		devices: make(map[string]Device),
		mem:     mem,
		lines:   NewLineSet(sink),
		log:     log,
	}
}

// Lines returns the interrupt lines devices should allocate from.
func (b *Builder) Lines() *LineSet { return b.lines }

// Bus returns the address map devices are registered into.
func (b *Builder) Bus() *bus.Map { return b.mem }

// RegisterDevice adds a device and wires up its intercepts.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if name == "" {
		return fmt.Errorf("chipset: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("chipset: device %q already registered", name)
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.mem.Add(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("chipset: device %q: %w", name, err)
			}
		}
	}
	if poll := dev.SupportsPollDevice(); poll != nil && poll.Handler != nil {
		b.polls = append(b.polls, poll.Handler)
	}

	b.devices[name] = dev
	b.log.Debug("chipset: registered device", "name", name)
	return nil
}

// Build finalizes the builder.
func (b *Builder) Build() *Chipset {
	devices := make(map[string]Device, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}
	return &Chipset{
		devices: devices,
		polls:   append([]PollHandler(nil), b.polls...),
		mem:     b.mem,
		lines:   b.lines,
	}
}

// Bus returns the address map.
func (c *Chipset) Bus() *bus.Map { return c.mem }

// Lines returns the interrupt lines.
func (c *Chipset) Lines() *LineSet { return c.lines }

// Device returns a registered device by name.
func (c *Chipset) Device(name string) (Device, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Poll executes Poll on all poll-capable devices.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, handler := range c.polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
