package z25

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// InterruptHandler is connected at a vector.
type InterruptHandler interface {
	HandleInterrupt()
}

// InterruptController is the host's interrupt connect and enable
// capability.
type InterruptController interface {
	Connect(vector int, h InterruptHandler) error
	Enable(irq int) error
}

// disconnecter is implemented by controllers that can drop a handler.
type disconnecter interface {
	Disconnect(vector int, h InterruptHandler) error
}

// FuncController adapts a pair of functions to InterruptController.
type FuncController struct {
	ConnectFunc func(vector int, h InterruptHandler) error
	EnableFunc  func(irq int) error
}

func (f FuncController) Connect(vector int, h InterruptHandler) error {
	if f.ConnectFunc == nil {
		return fmt.Errorf("z25: no connect function")
	}
	return f.ConnectFunc(vector, h)
}

func (f FuncController) Enable(irq int) error {
	if f.EnableFunc == nil {
		return fmt.Errorf("z25: no enable function")
	}
	return f.EnableFunc(irq)
}

// SoftwareController is an interrupt controller for simulated lines. It
// implements chipset.InterruptSink: SetIRQ records the level and wakes Run.
// Handlers never run inside SetIRQ, since devices raise lines while
// holding their own locks.
//
// Lines are level triggered. vector = irq + base.
type SoftwareController struct {
	mu       sync.Mutex
	base     int
	handlers map[int][]InterruptHandler
	enabled  map[int]bool
	level    map[int]bool
	fired    map[int]uint64
	notify   chan struct{}
	log      *slog.Logger
}

// NewSoftwareController returns a controller mapping irq to irq+base.
func NewSoftwareController(base int, log *slog.Logger) *SoftwareController {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &SoftwareController{
		base:     base,
		handlers: make(map[int][]InterruptHandler),
		enabled:  make(map[int]bool),
		level:    make(map[int]bool),
		fired:    make(map[int]uint64),
		notify:   make(chan struct{}, 1),
		log:      log,
	}
}

// Base returns the vector offset.
func (c *SoftwareController) Base() int { return c.base }

func (c *SoftwareController) Connect(vector int, h InterruptHandler) error {
	if h == nil {
		return fmt.Errorf("z25: nil handler for vector %d", vector)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[vector] = append(c.handlers[vector], h)
	c.log.Debug("z25: soft controller connect", "vector", vector, "handlers", len(c.handlers[vector]))
	return nil
}

func (c *SoftwareController) Disconnect(vector int, h InterruptHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := c.handlers[vector]
	i := slices.Index(hs, h)
	if i < 0 {
		return fmt.Errorf("z25: handler not connected at vector %d", vector)
	}
	c.handlers[vector] = slices.Delete(hs, i, i+1)
	return nil
}

func (c *SoftwareController) Enable(irq int) error {
	c.mu.Lock()
	c.enabled[irq] = true
	high := c.level[irq]
	c.mu.Unlock()
	if high {
		c.wake()
	}
	return nil
}

// Disable masks irq.
func (c *SoftwareController) Disable(irq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.enabled, irq)
}

// Handlers returns the number of handlers connected at vector.
func (c *SoftwareController) Handlers(vector int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[vector])
}

// Enabled reports whether irq is unmasked.
func (c *SoftwareController) Enabled(irq int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled[irq]
}

// Level returns the last level reported for irq.
func (c *SoftwareController) Level(irq int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level[irq]
}

// Fired returns how many times irq was serviced.
func (c *SoftwareController) Fired(irq int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired[irq]
}

// SetIRQ implements chipset.InterruptSink.
func (c *SoftwareController) SetIRQ(line uint8, high bool) {
	c.mu.Lock()
	c.level[int(line)] = high
	c.mu.Unlock()
	if high {
		c.wake()
	}
}

func (c *SoftwareController) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Service runs the handlers connected for irq once, whatever its level.
// It returns the number of handlers run.
func (c *SoftwareController) Service(irq int) int {
	c.mu.Lock()
	if !c.enabled[irq] {
		c.mu.Unlock()
		return 0
	}
	hs := slices.Clone(c.handlers[irq+c.base])
	c.fired[irq]++
	c.mu.Unlock()

	for _, h := range hs {
		h.HandleInterrupt()
	}
	return len(hs)
}

// ServicePending services every enabled line that is high and returns how
// many lines were serviced.
func (c *SoftwareController) ServicePending() int {
	c.mu.Lock()
	var lines []int
	for irq, high := range c.level {
		if high && c.enabled[irq] && len(c.handlers[irq+c.base]) > 0 {
			lines = append(lines, irq)
		}
	}
	c.mu.Unlock()
	slices.Sort(lines)

	for _, irq := range lines {
		c.Service(irq)
	}
	return len(lines)
}

// Run services lines until ctx is done. Lines that stay high are serviced
// again on the next pass.
func (c *SoftwareController) Run(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.notify:
		case <-tick.C:
		}
		if c.ServicePending() > 0 && c.anyPending() {
			c.wake()
		}
	}
}

func (c *SoftwareController) anyPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for irq, high := range c.level {
		if high && c.enabled[irq] {
			return true
		}
	}
	return false
}
