package chipset

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/z25/internal/bus"
)

type irqEvent struct {
	line uint8
	high bool
}

type recordingSink struct {
	events []irqEvent
}

func (s *recordingSink) SetIRQ(line uint8, high bool) {
	s.events = append(s.events, irqEvent{line, high})
}

func TestLineSetSharedLine(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)
	a := lines.AllocateLine(5)
	b := lines.AllocateLine(5)

	a.SetLevel(true)
	b.SetLevel(true)
	a.SetLevel(false)
	if !lines.Level(5) {
		t.Fatalf("line dropped while b is high")
	}
	b.SetLevel(false)
	if lines.Level(5) {
		t.Fatalf("line high after both sources dropped")
	}

	want := []irqEvent{{5, true}, {5, false}}
	if len(sink.events) != len(want) {
		t.Fatalf("events = %v, want %v", sink.events, want)
	}
	for i := range want {
		if sink.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", sink.events, want)
		}
	}
}

func TestLineSetPulseAndLines(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)
	lines.AllocateLine(3).PulseInterrupt()
	if len(sink.events) != 2 || !sink.events[0].high || sink.events[1].high {
		t.Fatalf("events = %v", sink.events)
	}

	lines.AllocateLine(7).SetLevel(true)
	if got := lines.Lines(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("Lines = %v", got)
	}
	NewLineSet(nil).AllocateLine(1).SetLevel(true)
}

type testDevice struct {
	window *bus.Window
	polled int
	resets int
	failOn string
}

func (d *testDevice) Start() error { return nil }
func (d *testDevice) Stop() error  { return nil }

func (d *testDevice) Reset() error {
	d.resets++
	if d.failOn == "reset" {
		return errors.New("stuck")
	}
	return nil
}

func (d *testDevice) SupportsMmio() *MmioIntercept {
	if d.window == nil {
		return nil
	}
	return &MmioIntercept{
		Regions: []MmioRegion{{Address: d.window.Base(), Size: d.window.Size()}},
		Handler: d.window,
	}
}

func (d *testDevice) SupportsPollDevice() *PollDevice { return &PollDevice{Handler: d} }

func (d *testDevice) Poll(ctx context.Context) error {
	d.polled++
	return nil
}

func TestBuilder(t *testing.T) {
	b := NewBuilder(nil, nil)
	dev := &testDevice{window: bus.NewWindow(0x1000, make([]byte, 16))}
	if err := b.RegisterDevice("dev", dev); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	if err := b.RegisterDevice("dev", &testDevice{}); err == nil {
		t.Fatalf("duplicate name accepted")
	}
	if err := b.RegisterDevice("", &testDevice{}); err == nil {
		t.Fatalf("empty name accepted")
	}
	if err := b.RegisterDevice("nil", nil); err == nil {
		t.Fatalf("nil device accepted")
	}
	c := b.Build()

	c.Bus().Write8(0x1004, 0xAB)
	if got := c.Bus().Read8(0x1004); got != 0xAB {
		t.Fatalf("read back 0x%02x", got)
	}
	if err := c.Poll(context.Background()); err != nil || dev.polled != 1 {
		t.Fatalf("Poll: %v, polled %d", err, dev.polled)
	}
	if _, ok := c.Device("dev"); !ok {
		t.Fatalf("device not found")
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dev.failOn = "reset"
	if err := c.Reset(); err == nil || dev.resets != 1 {
		t.Fatalf("Reset: %v", err)
	}
}
