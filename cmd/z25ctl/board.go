package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/z25/internal/config"
	"github.com/tinyrange/z25/internal/devices/fpga"
	z25dev "github.com/tinyrange/z25/internal/devices/z25"
	"github.com/tinyrange/z25/internal/mz25"
	"github.com/tinyrange/z25/internal/pci"
	"github.com/tinyrange/z25/internal/z25"
)

const (
	simBAR0 = 0x9000_0000
	simIRQ  = 5

	// Chameleon interrupt numbers of the simulated units.
	simBasicIRQ    = 2
	simExtendedIRQ = 1

	pollInterval = time.Millisecond
)

// simulation is a simulated FPGA board with the driver configuration that
// reaches it.
type simulation struct {
	board *fpga.Board
	ctrl  *z25.SoftwareController
	cfg   z25.Config
	path  string

	h      *z25.Handle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newSimulation builds a board matching the descriptor path: the hops
// before the last are bridges and the last is the FPGA device number. The
// FPGA carries one 16Z025 with four channels followed by extended 16Z125
// units.
func newSimulation(desc config.Descriptor, extended int) (*simulation, error) {
	path, err := desc.PathString()
	if err != nil {
		return nil, err
	}
	spec, err := pci.ParsePath(path)
	if err != nil {
		return nil, err
	}
	if spec.Direct != nil {
		return nil, fmt.Errorf("simulation needs a bus path, got location %s", spec.Direct)
	}
	cfg, err := desc.DriverConfig()
	if err != nil {
		return nil, err
	}
	cfg.Logger = slog.Default()

	units := []fpga.UnitSpec{{
		Variant:  mz25.Basic,
		Offset:   fpga.TableSize,
		Channels: 4,
		IRQ:      simBasicIRQ,
	}}
	for i := 0; i < extended; i++ {
		units = append(units, fpga.UnitSpec{
			Variant: mz25.Extended,
			Offset:  fpga.TableSize + uint32(i+1)*mz25.UnitSpan,
			IRQ:     simExtendedIRQ,
			Group:   1,
		})
	}

	ctrl := z25.NewSoftwareController(cfg.IRQBase, slog.Default())
	hops := spec.Hops
	board, err := fpga.NewBoard(fpga.BoardConfig{
		Domain:  cfg.Domain,
		Bridges: hops[:len(hops)-1],
		Sink:    ctrl,
		Logger:  slog.Default(),
		FPGAs: []fpga.Config{{
			Location:      pci.Location{Device: hops[len(hops)-1]},
			BAR0:          simBAR0,
			InterruptLine: simIRQ,
			ChameleonIRQs: !cfg.UsePCIIRQ,
			IRQOffset:     cfg.IRQOffset,
			File:          "z25ctl-sim",
			Units:         units,
		}},
	})
	if err != nil {
		return nil, err
	}

	cfg.PCI = board.Topology
	cfg.Memory = board.Chipset.Bus()
	cfg.Controller = ctrl
	return &simulation{board: board, ctrl: ctrl, cfg: cfg, path: path}, nil
}

// install creates the driver on the board and starts interrupt delivery
// and device polling until ctx is done.
func (s *simulation) install(ctx context.Context, desc config.Descriptor) error {
	h, err := z25.CreateDevice(ctx, s.cfg, s.path)
	if err != nil {
		return err
	}
	for _, p := range h.Paths() {
		if !p.Installed {
			continue
		}
		if err := desc.CheckID(p); err != nil {
			h.Close()
			return err
		}
	}
	s.h = h

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.ctrl.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(pollInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := s.board.Chipset.Poll(ctx); err != nil {
					slog.Warn("sim: poll", "err", err)
				}
			}
		}
	}()
	return nil
}

// device returns the emulated unit and port behind ch.
func (s *simulation) device(ch *z25.Channel) (*z25dev.Unit, int, error) {
	for _, f := range s.board.FPGAs {
		for _, u := range f.Units() {
			if u.Base() == ch.Unit().Base() {
				return u, ch.Slot(), nil
			}
		}
	}
	return nil, 0, fmt.Errorf("no emulated unit at 0x%x", ch.Unit().Base())
}

// channel returns the installed channel with handle-wide index n.
func (s *simulation) channel(n int) (*z25.Channel, error) {
	chs := s.h.Channels()
	if n < 0 || n >= len(chs) {
		return nil, fmt.Errorf("channel %d out of range, %d installed", n, len(chs))
	}
	return chs[n], nil
}

// close stops interrupt delivery and polling, then tears the driver down.
func (s *simulation) close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.h == nil {
		return nil
	}
	return s.h.Close()
}
