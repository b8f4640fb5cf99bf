package fpga

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/z25/internal/chipset"
	"github.com/tinyrange/z25/internal/pci"
)

// DefaultECAMBase is where Board maps the configuration window.
const DefaultECAMBase = 0xE000_0000

// BoardConfig describes a simulated carrier: a chain of PCI bridges from the
// root bus with FPGAs on the last secondary bus.
type BoardConfig struct {
	Domain int
	// Bridges lists the device numbers of the bridge chain, root first.
	// Bridge i sits on bus i and forwards to bus i+1.
	Bridges []int
	FPGAs   []Config
	// ECAMBase maps the configuration space into the address map when set.
	ECAMBase uint64
	Sink     chipset.InterruptSink
	Logger   *slog.Logger
}

// Board is a simulated topology with its address map and interrupt lines.
type Board struct {
	Topology *pci.Topology
	Chipset  *chipset.Chipset
	FPGAs    []*FPGA
	// LeafBus is the bus the FPGAs sit on.
	LeafBus int
}

// NewBoard builds a board. FPGA locations are forced onto the leaf bus of
// the bridge chain and the configured domain.
func NewBoard(cfg BoardConfig) (*Board, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	topo := pci.NewTopology()
	for i, dev := range cfg.Bridges {
		loc := pci.Location{Domain: cfg.Domain, Bus: i, Device: dev}
		if err := topo.Add(loc, pci.BridgeConfig(0x8086, 0x244e, uint8(i), uint8(i+1), uint8(len(cfg.Bridges)))); err != nil {
			return nil, fmt.Errorf("fpga: bridge %d: %w", i, err)
		}
	}
	leaf := len(cfg.Bridges)

	b := chipset.NewBuilder(cfg.Sink, log)
	board := &Board{Topology: topo, LeafBus: leaf}
	for i, fc := range cfg.FPGAs {
		fc.Location.Domain = cfg.Domain
		fc.Location.Bus = leaf
		f, err := New(fc, b.Lines(), log)
		if err != nil {
			return nil, err
		}
		if err := f.Attach(topo); err != nil {
			return nil, err
		}
		if err := f.Register(b, fmt.Sprintf("fpga%d", i)); err != nil {
			return nil, err
		}
		board.FPGAs = append(board.FPGAs, f)
	}
	if cfg.ECAMBase != 0 {
		if err := b.RegisterDevice("ecam", &ecamDevice{base: cfg.ECAMBase, window: topo.Window(cfg.Domain, cfg.ECAMBase)}); err != nil {
			return nil, err
		}
	}
	board.Chipset = b.Build()
	return board, nil
}

// Lines returns the board's interrupt lines.
func (b *Board) Lines() *chipset.LineSet { return b.Chipset.Lines() }

type ecamDevice struct {
	base   uint64
	window *pci.Window
}

func (e *ecamDevice) Start() error { return nil }
func (e *ecamDevice) Stop() error  { return nil }
func (e *ecamDevice) Reset() error { return nil }

func (e *ecamDevice) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MmioRegion{{Address: e.base, Size: e.window.Size()}},
		Handler: e.window,
	}
}

func (e *ecamDevice) SupportsPollDevice() *chipset.PollDevice { return nil }
