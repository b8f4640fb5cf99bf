package z25

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/z25/internal/mz25"
)

// Registry hands out driver identity tokens, one per interrupt group.
type Registry interface {
	Register(name string) (int, error)
}

// CountingRegistry numbers registrations from one.
type CountingRegistry struct {
	last atomic.Int32
}

func (r *CountingRegistry) Register(string) (int, error) {
	return int(r.last.Add(1)), nil
}

// InterruptGroup bundles the units that share one driver identity and one
// interrupt connection. Basic and Legacy units form a group of one. Up to
// four consecutive Extended units on the same path and IRQ share a group.
type InterruptGroup struct {
	name   string
	token  int
	irq    int
	vector int
	units  []*Unit

	// mu serializes dispatch. The router is not reentrant per line.
	mu        sync.Mutex
	connected bool

	stats *routerStats
	log   logger
}

func (g *InterruptGroup) Name() string { return g.name }

// Token is the driver identity shared by every member.
func (g *InterruptGroup) Token() int { return g.token }

func (g *InterruptGroup) IRQ() int { return g.irq }

func (g *InterruptGroup) Vector() int { return g.vector }

// Units returns the members in table order.
func (g *InterruptGroup) Units() []*Unit { return append([]*Unit(nil), g.units...) }

// Connected reports whether the group's interrupt is connected.
func (g *InterruptGroup) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// accepts reports whether u can join the group.
func (g *InterruptGroup) accepts(u *Unit) bool {
	if u.variant != mz25.Extended || len(g.units) == 0 || len(g.units) >= maxGroupUnits {
		return false
	}
	last := g.units[len(g.units)-1]
	return last.variant == mz25.Extended && last.path == u.path && last.irq == u.irq
}

// connect attaches the group to its interrupt once.
func (g *InterruptGroup) connect(ctrl InterruptController) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connected {
		return nil
	}
	if err := ctrl.Connect(g.vector, g); err != nil {
		return fmt.Errorf("z25: connect vector %d: %w", g.vector, err)
	}
	if err := ctrl.Enable(g.irq); err != nil {
		return fmt.Errorf("z25: enable irq %d: %w", g.irq, err)
	}
	g.connected = true
	g.log.debug(DebugInit, 1, "z25: interrupt connected", "group", g.name, "irq", g.irq, "vector", g.vector)
	return nil
}

// assignGroups builds interrupt groups for units, which must be in table
// order, and registers one identity per group.
func assignGroups(units []*Unit, reg Registry, name func(*Unit) string, stats *routerStats, log logger) ([]*InterruptGroup, error) {
	var groups []*InterruptGroup
	var cur *InterruptGroup
	for _, u := range units {
		if u.group != nil {
			cur = nil
			continue
		}
		if cur != nil && cur.accepts(u) {
			cur.units = append(cur.units, u)
			u.group = cur
			continue
		}
		n := name(u)
		token, err := reg.Register(n)
		if err != nil {
			return groups, fmt.Errorf("z25: register %s: %w", n, err)
		}
		cur = &InterruptGroup{
			name:   n,
			token:  token,
			irq:    u.irq,
			vector: u.vector,
			units:  []*Unit{u},
			stats:  stats,
			log:    log,
		}
		u.group = cur
		groups = append(groups, cur)
		log.debug(DebugInit, 1, "z25: driver identity", "group", n, "token", token, "variant", u.variant)
	}
	return groups, nil
}
