package z25

import (
	"bytes"
	"context"
	"testing"

	"github.com/tinyrange/z25/internal/bus"
	"github.com/tinyrange/z25/internal/chipset"
	"github.com/tinyrange/z25/internal/devices/fpga"
	z25dev "github.com/tinyrange/z25/internal/devices/z25"
	"github.com/tinyrange/z25/internal/mz25"
	"github.com/tinyrange/z25/internal/pci"
	"github.com/tinyrange/z25/internal/stream"
)

const rigIRQ = 5

// rig is one emulated unit mapped at a fixed base and wired to a soft
// interrupt controller, without PCI discovery.
type rig struct {
	h    *Handle
	ctrl *SoftwareController
	dev  *z25dev.Unit
	unit *Unit
	out  *bytes.Buffer
}

func newRig(t *testing.T, variant mz25.Variant, channels int, settings func(int) ChannelSettings) *rig {
	t.Helper()
	const base = 0xA0000000

	ctrl := NewSoftwareController(0, nil)
	lines := chipset.NewLineSet(ctrl)
	dev, err := z25dev.NewUnit(base, z25dev.Options{
		Variant:  variant,
		Channels: channels,
		Line:     lines.AllocateLine(rigIRQ),
	})
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	mem := bus.NewMap()
	if err := mem.Add(base, mz25.UnitSpan, dev); err != nil {
		t.Fatalf("Add: %v", err)
	}
	out := &bytes.Buffer{}
	if err := dev.SetOutput(0, out); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}

	h, err := New(Config{
		PCI:        pci.NewTopology(),
		Memory:     mem,
		Controller: ctrl,
		Channel:    settings,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	loc := pci.Location{Bus: 1}
	path, err := h.ResolvePath(pci.PathSpec{Direct: &loc})
	if err != nil {
		t.Fatalf("ResolvePath: %v", err)
	}
	unit, err := h.RegisterUnit(path, base, rigIRQ, variant.Module())
	if err != nil {
		t.Fatalf("RegisterUnit: %v", err)
	}
	if err := h.InstallPath(path); err != nil {
		t.Fatalf("InstallPath: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return &rig{h: h, ctrl: ctrl, dev: dev, unit: unit, out: out}
}

func (r *rig) buffer(t *testing.T, slot int) *stream.Buffer {
	t.Helper()
	buf, ok := r.unit.Channel(slot).Stream().(*stream.Buffer)
	if !ok {
		t.Fatalf("channel %d has no stream buffer", slot)
	}
	return buf
}

func (r *rig) regs(t *testing.T, slot int) z25dev.Registers {
	t.Helper()
	regs, err := r.dev.Registers(slot)
	if err != nil {
		t.Fatalf("Registers: %v", err)
	}
	return regs
}

// settle services the interrupt line until it drops.
func (r *rig) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if !r.ctrl.Level(rigIRQ) {
			return
		}
		r.ctrl.ServicePending()
	}
	t.Fatalf("interrupt line %d stuck high", rigIRQ)
}

type boardUnits []fpga.UnitSpec

// newBoard builds a two-bridge board with one FPGA at 2:0.0 and line 5.
func newBoard(t *testing.T, ctrl *SoftwareController, bar0 uint32, units boardUnits) *fpga.Board {
	t.Helper()
	board, err := fpga.NewBoard(fpga.BoardConfig{
		Bridges: []int{0x1e, 0x0e},
		Sink:    ctrl,
		FPGAs: []fpga.Config{{
			BAR0:          bar0,
			InterruptLine: rigIRQ,
			Units:         units,
		}},
	})
	if err != nil {
		t.Fatalf("NewBoard: %v", err)
	}
	return board
}

func boardConfig(board *fpga.Board, ctrl *SoftwareController) Config {
	return Config{
		PCI:        board.Topology,
		Memory:     board.Chipset.Bus(),
		UsePCIIRQ:  true,
		Controller: ctrl,
	}
}

func createOnBoard(t *testing.T, board *fpga.Board, ctrl *SoftwareController) *Handle {
	t.Helper()
	h, err := CreateDevice(context.Background(), boardConfig(board, ctrl), "0x1e 0x0e 0x00")
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}
