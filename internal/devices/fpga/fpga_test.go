package fpga

import (
	"testing"

	"github.com/tinyrange/z25/internal/chameleon"
	"github.com/tinyrange/z25/internal/chipset"
	"github.com/tinyrange/z25/internal/mz25"
	"github.com/tinyrange/z25/internal/pci"
)

type recordingSink struct {
	events []string
}

func (r *recordingSink) SetIRQ(line uint8, level bool) {
	state := "low"
	if level {
		state = "high"
	}
	r.events = append(r.events, string(rune('0'+line))+state)
}

func testBoard(t *testing.T, sink chipset.InterruptSink) *Board {
	t.Helper()
	board, err := NewBoard(BoardConfig{
		Bridges:  []int{0x1e, 0x0e},
		ECAMBase: DefaultECAMBase,
		Sink:     sink,
		FPGAs: []Config{{
			Location:      pci.Location{Device: 0},
			BAR0:          0xA0000000,
			InterruptLine: 5,
			Units: []UnitSpec{
				{Variant: mz25.Basic, Offset: 0x1000, IRQ: 2},
				{Variant: mz25.Basic, Offset: 0x1100, Channels: 2, IRQ: 3},
			},
		}},
	})
	if err != nil {
		t.Fatalf("NewBoard: %v", err)
	}
	return board
}

func TestBoardTopology(t *testing.T) {
	board := testBoard(t, nil)
	if board.LeafBus != 2 {
		t.Fatalf("leaf bus = %d, want 2", board.LeafBus)
	}
	s := &pci.Scanner{Config: board.Topology}
	cands, err := s.Candidates()
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(cands) != 1 || cands[0].Bus != 2 {
		t.Fatalf("candidates = %+v", cands)
	}
	path, err := s.DevicePath(cands[0].Location)
	if err != nil {
		t.Fatalf("DevicePath: %v", err)
	}
	if path.String() != "0x1e 0x0e 0x00" {
		t.Fatalf("path = %s", path)
	}
}

func TestBoardChameleonTable(t *testing.T) {
	board := testBoard(t, nil)
	loc := board.FPGAs[0].Location()
	tbl, err := chameleon.Open(board.Topology, board.Chipset.Bus(), loc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	units := tbl.Find(mz25.ModuleZ025)
	if len(units) != 2 {
		t.Fatalf("units = %d, want 2", len(units))
	}
	if units[1].Addr != 0xA0001100 || units[1].Instance != 1 || units[1].IRQ != 3 {
		t.Fatalf("unit 1 = %+v", units[1])
	}
	if idirq := board.Chipset.Bus().Read8(units[1].Addr + mz25.RegIDIRQ); idirq != 0x30 {
		t.Fatalf("IDIRQ = 0x%x, want 0x30", idirq)
	}
}

func TestBoardECAM(t *testing.T) {
	board := testBoard(t, nil)
	ecam := &pci.ECAM{Acc: board.Chipset.Bus(), Bases: map[int]uint64{0: DefaultECAMBase}}
	loc := board.FPGAs[0].Location()
	vendor, err := ecam.ReadConfig(loc, pci.OffsetVendorID, 2)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if vendor != pci.VendorMEN {
		t.Fatalf("vendor = 0x%x", vendor)
	}
	line, err := pci.InterruptLine(ecam, loc)
	if err != nil || line != 5 {
		t.Fatalf("interrupt line = %d, %v", line, err)
	}
}

func TestUnitLineSharing(t *testing.T) {
	sink := &recordingSink{}
	board := testBoard(t, sink)
	mem := board.Chipset.Bus()
	u0 := uint64(0xA0001000)
	u1 := uint64(0xA0001100)

	mem.Write8(u0+mz25.RegIER, mz25.IerTHREIEN)
	mem.Write8(u1+mz25.RegIER, mz25.IerTHREIEN)
	if !board.Lines().Level(5) {
		t.Fatalf("line 5 not asserted")
	}
	mem.Write8(u0+mz25.RegIER, 0)
	if !board.Lines().Level(5) {
		t.Fatalf("line 5 dropped while unit 1 still pending")
	}
	mem.Write8(u1+mz25.RegIER, 0)
	if board.Lines().Level(5) {
		t.Fatalf("line 5 still asserted")
	}
	if len(sink.events) != 2 || sink.events[0] != "5high" || sink.events[1] != "5low" {
		t.Fatalf("sink events = %v", sink.events)
	}
}

func TestChameleonIRQRouting(t *testing.T) {
	board, err := NewBoard(BoardConfig{
		FPGAs: []Config{{
			BAR0:          0xB0000000,
			ChameleonIRQs: true,
			IRQOffset:     16,
			Units:         []UnitSpec{{Variant: mz25.Extended, Offset: 0x2000, IRQ: 4}},
		}},
	})
	if err != nil {
		t.Fatalf("NewBoard: %v", err)
	}
	board.Chipset.Bus().Write8(0xB0002000+mz25.RegIER, mz25.IerTHREIEN)
	if !board.Lines().Level(20) {
		t.Fatalf("line 20 not asserted")
	}
}

func TestBadUnitOffset(t *testing.T) {
	_, err := New(Config{BAR0: 0xA0000000, Units: []UnitSpec{{Offset: 0x100}}}, nil, nil)
	if err == nil {
		t.Fatalf("expected error for unit inside table window")
	}
}
