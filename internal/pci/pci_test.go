package pci

import (
	"errors"
	"testing"

	"github.com/tinyrange/z25/internal/bus"
)

func mustAdd(t *testing.T, topo *Topology, loc Location, cfg []byte) {
	t.Helper()
	if err := topo.Add(loc, cfg); err != nil {
		t.Fatalf("add %s: %v", loc, err)
	}
}

// bridgedTopology places a MEN FPGA two bridges below the root:
// 0:1e.0 -> bus 1, 1:0e.0 -> bus 2, FPGA at 2:00.0.
func bridgedTopology(t *testing.T) *Topology {
	t.Helper()
	topo := NewTopology()
	mustAdd(t, topo, Location{Bus: 0, Device: 0}, EndpointConfig(0x8086, 0x1237, false))
	mustAdd(t, topo, Location{Bus: 0, Device: 0x1e}, BridgeConfig(0x8086, 0x244e, 0, 1, 2))
	mustAdd(t, topo, Location{Bus: 1, Device: 0x0e}, BridgeConfig(0x10b5, 0x8111, 1, 2, 2))
	mustAdd(t, topo, Location{Bus: 2, Device: 0}, EndpointConfig(VendorMEN, 0x4D45, false))
	return topo
}

func TestCandidates(t *testing.T) {
	topo := bridgedTopology(t)
	mustAdd(t, topo, Location{Bus: 0, Device: 3, Function: 0}, EndpointConfig(VendorAltera, 0x0004, true))
	mustAdd(t, topo, Location{Bus: 0, Device: 3, Function: 2}, EndpointConfig(VendorAltera, 0x0005, false))
	// Function 1 of a single function device must not be probed.
	mustAdd(t, topo, Location{Bus: 0, Device: 4, Function: 0}, EndpointConfig(0x8086, 0x1111, false))
	mustAdd(t, topo, Location{Bus: 0, Device: 4, Function: 1}, EndpointConfig(VendorMEN, 0x0006, false))

	var buses int
	s := &Scanner{Config: topo, OnBus: func(int) { buses++ }}
	got, err := s.Candidates()
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	want := []Candidate{
		{Location: Location{Bus: 0, Device: 3, Function: 0}, VendorID: VendorAltera, DeviceID: 0x0004},
		{Location: Location{Bus: 0, Device: 3, Function: 2}, VendorID: VendorAltera, DeviceID: 0x0005},
		{Location: Location{Bus: 2, Device: 0, Function: 0}, VendorID: VendorMEN, DeviceID: 0x4D45},
	}
	if len(got) != len(want) {
		t.Fatalf("candidates = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if buses != MaxBus {
		t.Fatalf("OnBus called %d times, want %d", buses, MaxBus)
	}
}

func TestCandidatesNone(t *testing.T) {
	topo := NewTopology()
	mustAdd(t, topo, Location{}, EndpointConfig(0x8086, 0x1237, false))
	s := &Scanner{Config: topo}
	got, err := s.Candidates()
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates", err)
	}
	if got != nil {
		t.Fatalf("candidates = %v, want nil", got)
	}
}

func TestFindBridge(t *testing.T) {
	s := &Scanner{Config: bridgedTopology(t)}
	bus, dev, err := s.FindBridge(2)
	if err != nil {
		t.Fatalf("FindBridge: %v", err)
	}
	if bus != 1 || dev != 0x0e {
		t.Fatalf("FindBridge(2) = %d/%#x, want 1/0xe", bus, dev)
	}
	if _, _, err := s.FindBridge(7); !errors.Is(err, ErrNoBridge) {
		t.Fatalf("FindBridge(7) err = %v, want ErrNoBridge", err)
	}
}

func TestResolveBridgePath(t *testing.T) {
	s := &Scanner{Config: bridgedTopology(t)}
	first, err := s.ResolveBridgePath(2)
	if err != nil {
		t.Fatalf("ResolveBridgePath: %v", err)
	}
	second, err := s.ResolveBridgePath(2)
	if err != nil {
		t.Fatalf("ResolveBridgePath: %v", err)
	}
	want := BusPath{0x1e, 0x0e}
	if !want.Equal(first) || !want.Equal(second) {
		t.Fatalf("paths = %v / %v, want %v", first, second, want)
	}

	root, err := s.ResolveBridgePath(0)
	if err != nil || len(root) != 0 {
		t.Fatalf("root path = %v, %v", root, err)
	}

	path, err := s.DevicePath(Location{Bus: 2, Device: 0})
	if err != nil {
		t.Fatalf("DevicePath: %v", err)
	}
	if !path.Equal(BusPath{0x1e, 0x0e, 0}) {
		t.Fatalf("DevicePath = %v", path)
	}
	if path.String() != "0x1e 0x0e 0x00" {
		t.Fatalf("String = %q", path.String())
	}
}

func TestResolveBridgePathHopLimit(t *testing.T) {
	topo := NewTopology()
	for b := 0; b < 20; b++ {
		mustAdd(t, topo, Location{Bus: b, Device: 1}, BridgeConfig(0x10b5, 0x8111, uint8(b), uint8(b+1), 20))
	}
	s := &Scanner{Config: topo}
	hops, err := s.ResolveBridgePath(20)
	if err != nil {
		t.Fatalf("ResolveBridgePath: %v", err)
	}
	if len(hops) != MaxHops {
		t.Fatalf("hops = %d, want %d", len(hops), MaxHops)
	}
}

func TestResolveBridgePathOrphan(t *testing.T) {
	topo := bridgedTopology(t)
	mustAdd(t, topo, Location{Bus: 9, Device: 2}, EndpointConfig(VendorMEN, 0x4D45, false))
	s := &Scanner{Config: topo}
	if _, err := s.DevicePath(Location{Bus: 9, Device: 2}); !errors.Is(err, ErrNoBridge) {
		t.Fatalf("err = %v, want ErrNoBridge", err)
	}
}

func TestParsePath(t *testing.T) {
	spec, err := ParsePath("0x1e 0x0e 0x00")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	if spec.Direct != nil || !spec.Hops.Equal(BusPath{0x1e, 0x0e, 0}) {
		t.Fatalf("spec = %+v", spec)
	}

	spec, err = ParsePath("0x1 0x2")
	if err != nil || !spec.Hops.Equal(BusPath{1, 2}) {
		t.Fatalf("short hops = %+v, %v", spec, err)
	}

	spec, err = ParsePath("PCI1:3.4.5")
	if err != nil {
		t.Fatalf("ParsePath direct: %v", err)
	}
	if spec.Direct == nil || *spec.Direct != (Location{Domain: 1, Bus: 3, Device: 4, Function: 5}) {
		t.Fatalf("direct = %+v", spec.Direct)
	}
	if spec.String() != "PCI1:3.4.5" {
		t.Fatalf("String = %q", spec.String())
	}

	for _, bad := range []string{"", "PCI1:3", "0xzz", "hello"} {
		if _, err := ParsePath(bad); !errors.Is(err, ErrBadPath) {
			t.Fatalf("ParsePath(%q) err = %v, want ErrBadPath", bad, err)
		}
	}
}

func TestLookup(t *testing.T) {
	paths := []BusPath{{0x1e, 0x00}, {0x1e, 0x0e, 0x00}}
	idx, err := Lookup(paths, BusPath{0x1e, 0x0e, 0x00})
	if err != nil || idx != 1 {
		t.Fatalf("Lookup = %d, %v", idx, err)
	}
	// A prefix of a discovered path is not a match.
	if _, err := Lookup(paths, BusPath{0x1e}); !errors.Is(err, ErrUnknownPath) {
		t.Fatalf("prefix lookup err = %v, want ErrUnknownPath", err)
	}
}

func TestTopologyReadOnlyAndBAR(t *testing.T) {
	topo := bridgedTopology(t)
	loc := Location{Bus: 2}
	if err := topo.WriteConfig(loc, OffsetVendorID, 2, 0x1234); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	if v, _ := topo.ReadConfig(loc, OffsetVendorID, 2); v != VendorMEN {
		t.Fatalf("vendor overwritten: 0x%x", v)
	}
	if err := topo.SetBAR(loc, 0, 0xA0000000); err != nil {
		t.Fatalf("SetBAR: %v", err)
	}
	if err := topo.SetInterruptLine(loc, 11); err != nil {
		t.Fatalf("SetInterruptLine: %v", err)
	}
	if bar, _ := BAR(topo, loc, 0); bar != 0xA0000000 {
		t.Fatalf("BAR0 = 0x%x", bar)
	}
	if irq, _ := InterruptLine(topo, loc); irq != 11 {
		t.Fatalf("interrupt line = %d", irq)
	}
	if v, _ := topo.ReadConfig(Location{Bus: 3}, 0, 4); v != 0xffffffff {
		t.Fatalf("absent function = 0x%x", v)
	}
}

func TestECAMThroughWindow(t *testing.T) {
	topo := bridgedTopology(t)
	const base = 0xE0000000
	m := bus.NewMap()
	w := topo.Window(0, base)
	if err := m.Add(base, w.Size(), w); err != nil {
		t.Fatalf("map ECAM: %v", err)
	}
	_ = topo.SetBAR(Location{Bus: 2}, 0, 0xA0000000)

	ecam := &ECAM{Acc: m, Bases: map[int]uint64{0: base}}
	s := &Scanner{Config: ecam}
	got, err := s.Candidates()
	if err != nil {
		t.Fatalf("Candidates over ECAM: %v", err)
	}
	if len(got) != 1 || got[0].DeviceID != 0x4D45 {
		t.Fatalf("candidates = %+v", got)
	}
	if v, _ := ecam.ReadConfig(Location{Bus: 0, Device: 0x1e}, OffsetSecondaryBus, 1); v != 1 {
		t.Fatalf("secondary bus over ECAM = %d", v)
	}
	if bar, _ := BAR(ecam, Location{Bus: 2}, 0); bar != 0xA0000000 {
		t.Fatalf("BAR0 over ECAM = 0x%x", bar)
	}
	if _, err := ecam.ReadConfig(Location{Domain: 2}, 0, 2); err == nil {
		t.Fatalf("expected error for domain without window")
	}
}

func TestKnownDevice(t *testing.T) {
	if !KnownDevice(0x4D45) || !KnownDevice(0x000b) || KnownDevice(0x1234) {
		t.Fatalf("unexpected device filter result")
	}
}
