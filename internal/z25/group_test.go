package z25

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/z25/internal/mz25"
)

type failingRegistry struct{}

func (failingRegistry) Register(name string) (int, error) {
	return 0, errors.New("registry full")
}

func testUnits(specs ...mz25.Variant) []*Unit {
	var units []*Unit
	for i, v := range specs {
		units = append(units, &Unit{index: i, variant: v, irq: 3, vector: 3})
	}
	return units
}

func unitName(u *Unit) string { return fmt.Sprintf("u%d", u.index) }

func groupSizes(groups []*InterruptGroup) []int {
	var n []int
	for _, g := range groups {
		n = append(n, len(g.Units()))
	}
	return n
}

func TestAssignGroups(t *testing.T) {
	E, B := mz25.Extended, mz25.Basic
	tests := []struct {
		name  string
		units []*Unit
		want  []int
	}{
		{"five extended", testUnits(E, E, E, E, E), []int{4, 1}},
		{"basic alone", testUnits(B, B), []int{1, 1}},
		{"basic breaks run", testUnits(E, E, B, E), []int{2, 1, 1}},
		{"legacy", testUnits(mz25.Legacy, E), []int{1, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups, err := assignGroups(tt.units, &CountingRegistry{}, unitName, &routerStats{}, logger{})
			if err != nil {
				t.Fatalf("assignGroups: %v", err)
			}
			got := groupSizes(groups)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("sizes = %v, want %v", got, tt.want)
			}
			for i, g := range groups {
				if g.Token() != i+1 {
					t.Fatalf("group %d token = %d", i, g.Token())
				}
				if g.Name() != unitName(g.Units()[0]) {
					t.Fatalf("group %d name = %q", i, g.Name())
				}
				for _, u := range g.Units() {
					if u.Group() != g {
						t.Fatalf("unit %d not linked to group %d", u.index, i)
					}
				}
			}
		})
	}
}

func TestAssignGroupsSplitsOnPathAndIRQ(t *testing.T) {
	units := testUnits(mz25.Extended, mz25.Extended, mz25.Extended)
	units[1].path = 1
	units[2].path = 1
	units[2].irq = 4
	groups, err := assignGroups(units, &CountingRegistry{}, unitName, &routerStats{}, logger{})
	if err != nil {
		t.Fatalf("assignGroups: %v", err)
	}
	if len(groups) != 3 {
		t.Fatalf("groups = %v", groupSizes(groups))
	}
}

func TestAssignGroupsSkipsAssigned(t *testing.T) {
	units := testUnits(mz25.Extended, mz25.Extended)
	if _, err := assignGroups(units[:1], &CountingRegistry{}, unitName, &routerStats{}, logger{}); err != nil {
		t.Fatalf("assignGroups: %v", err)
	}
	groups, err := assignGroups(units, &CountingRegistry{}, unitName, &routerStats{}, logger{})
	if err != nil {
		t.Fatalf("assignGroups: %v", err)
	}
	if len(groups) != 1 || groups[0].Units()[0] != units[1] {
		t.Fatalf("groups = %v", groupSizes(groups))
	}
}

func TestAssignGroupsRegistryError(t *testing.T) {
	_, err := assignGroups(testUnits(mz25.Basic), failingRegistry{}, unitName, &routerStats{}, logger{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

type countingHandler struct{ n int }

func (h *countingHandler) HandleInterrupt() { h.n++ }

func TestSoftwareController(t *testing.T) {
	c := NewSoftwareController(32, nil)
	h := &countingHandler{}
	if err := c.Connect(35, h); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(35, nil); err == nil {
		t.Fatalf("nil handler accepted")
	}

	c.SetIRQ(3, true)
	if n := c.ServicePending(); n != 0 || h.n != 0 {
		t.Fatalf("masked line serviced")
	}
	c.Enable(3)
	if n := c.Service(3); n != 1 || h.n != 1 {
		t.Fatalf("Service = %d, handler ran %d", n, h.n)
	}
	if !c.Level(3) || c.Fired(3) != 1 {
		t.Fatalf("level %v fired %d", c.Level(3), c.Fired(3))
	}

	c.Disable(3)
	if c.Enabled(3) || c.Service(3) != 0 {
		t.Fatalf("disabled line serviced")
	}
	if err := c.Disconnect(35, h); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := c.Disconnect(35, h); err == nil {
		t.Fatalf("second disconnect succeeded")
	}
	if c.Handlers(35) != 0 {
		t.Fatalf("handlers = %d", c.Handlers(35))
	}
}

func TestFuncController(t *testing.T) {
	var vec, irq int
	c := FuncController{
		ConnectFunc: func(v int, h InterruptHandler) error { vec = v; return nil },
		EnableFunc:  func(i int) error { irq = i; return nil },
	}
	g := &InterruptGroup{irq: 7, vector: 71}
	if err := g.connect(c); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if vec != 71 || irq != 7 || !g.Connected() {
		t.Fatalf("vec %d irq %d", vec, irq)
	}
	vec = 0
	g.connect(c)
	if vec != 0 {
		t.Fatalf("connected twice")
	}
}

func TestParseDebugLevel(t *testing.T) {
	tests := []struct {
		in   string
		want DebugLevel
	}{
		{"", 0},
		{"off", 0},
		{"init,irq,2", DebugInit | DebugIRQ | 2},
		{"3", 3},
		{"0x302", DebugInit | DebugIRQ | 2},
		{"all", DebugAll},
		{" ioctl , discovery ", DebugIoctl | DebugDiscovery},
	}
	for _, tt := range tests {
		got, err := ParseDebugLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseDebugLevel(%q) = 0x%x, %v; want 0x%x", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseDebugLevel("verbose"); err == nil {
		t.Fatalf("unknown area accepted")
	}
	if s := (DebugInit | DebugIRQ | 2).String(); s != "init,irq,2" {
		t.Fatalf("String = %q", s)
	}
	if s := DebugLevel(0).String(); s != "off" {
		t.Fatalf("String = %q", s)
	}
	if (DebugLevel(2)).Has(DebugVerbosityMask) {
		t.Fatalf("verbosity counted as an area")
	}
}
