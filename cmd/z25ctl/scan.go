package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/z25/internal/bus"
	"github.com/tinyrange/z25/internal/pci"
	"github.com/tinyrange/z25/internal/z25"
)

type discoverFlags struct {
	domain     *int
	sysfs      *string
	sim        *bool
	config     *string
	debugLevel *string
	progress   *bool
}

func addDiscoverFlags(fs *flag.FlagSet) *discoverFlags {
	return &discoverFlags{
		domain:     fs.Int("domain", 0, "PCI domain to scan"),
		sysfs:      fs.String("sysfs", "", "sysfs PCI device directory (default /sys/bus/pci/devices)"),
		sim:        fs.Bool("sim", false, "Scan the simulated board instead of the host"),
		config:     fs.String("config", "", "Descriptor describing the simulated board"),
		debugLevel: fs.String("debug-level", "off", "Driver debug areas, e.g. discovery,2"),
		progress:   fs.Bool("progress", true, "Show scan progress"),
	}
}

// handle returns a driver handle for discovery only. Memory is left empty
// and filled by callers that touch BARs.
func (f *discoverFlags) handle(mem bus.Accessor) (*z25.Handle, *pci.Sysfs, error) {
	level, err := z25.ParseDebugLevel(*f.debugLevel)
	if err != nil {
		return nil, nil, err
	}
	cfg := z25.Config{
		Domain:     *f.domain,
		Memory:     mem,
		DebugLevel: level,
		Logger:     slog.Default(),
	}
	var sysfs *pci.Sysfs
	if *f.sim {
		desc, err := loadDescriptor(*f.config)
		if err != nil {
			return nil, nil, err
		}
		s, err := newSimulation(desc, 0)
		if err != nil {
			return nil, nil, err
		}
		cfg.PCI = s.board.Topology
		cfg.Domain = s.cfg.Domain
	} else {
		sysfs = &pci.Sysfs{Root: *f.sysfs}
		cfg.PCI = sysfs
	}

	if *f.progress {
		bar := progressbar.NewOptions(pci.MaxBus,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("scanning buses"),
			progressbar.OptionClearOnFinish(),
		)
		cfg.OnBus = func(int) { bar.Add(1) }
	}
	h, err := z25.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return h, sysfs, nil
}

func cmdScan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	df := addDiscoverFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, _, err := df.handle(bus.NewMap())
	if err != nil {
		return err
	}
	defer h.Close()

	paths, err := h.Discover(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tLOCATION\tVENDOR\tDEVICE\tPATH")
	for i, p := range paths {
		fmt.Fprintf(tw, "%d\t%s\t0x%04x\t0x%04x\t%s\n", i, p.Location, p.VendorID, p.DeviceID, p.Path)
	}
	return tw.Flush()
}

func cmdPaths(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("paths", flag.ContinueOnError)
	df := addDiscoverFlags(fs)
	*df.progress = false
	if err := fs.Parse(args); err != nil {
		return err
	}
	h, _, err := df.handle(bus.NewMap())
	if err != nil {
		return err
	}
	defer h.Close()

	paths, err := h.Discover(ctx)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p.Path)
	}
	return nil
}

func cmdProbe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ContinueOnError)
	df := addDiscoverFlags(fs)
	*df.progress = false
	path := fs.String("path", "", "Device path, as hex hops or PCId:b.d.f (default from -config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *df.sim {
		return fmt.Errorf("probe reads real hardware, use sim for the simulated board")
	}
	desc, err := loadDescriptor(*df.config)
	if err != nil {
		return err
	}
	if *path == "" {
		if *path, err = desc.PathString(); err != nil {
			return err
		}
	}
	spec, err := pci.ParsePath(*path)
	if err != nil {
		return err
	}

	mem := bus.NewMap()
	h, sysfs, err := df.handle(mem)
	if err != nil {
		return err
	}
	defer h.Close()

	if _, err := h.Discover(ctx); err != nil && spec.Direct == nil {
		return err
	}
	idx, err := h.ResolvePath(spec)
	if err != nil {
		return err
	}
	info := h.Paths()[idx]
	if err := desc.CheckID(info); err != nil {
		return err
	}

	bar0, err := pci.BAR(sysfs, info.Location, 0)
	if err != nil {
		return err
	}
	res := sysfs.ResourcePath(info.Location, 0)
	st, err := os.Stat(res)
	if err != nil {
		return fmt.Errorf("stat BAR0 resource: %w", err)
	}
	win, err := bus.MapResource(res, bar0, int(st.Size()))
	if err != nil {
		return err
	}
	defer win.Close()
	if err := mem.Add(bar0, win.Size(), win); err != nil {
		return err
	}

	units, err := h.FindUartUnits(ctx, idx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tVARIANT\tINSTANCE\tBASE\tIRQ\tCHANNELS")
	for _, u := range units {
		fmt.Fprintf(tw, "%d\t%s\t%d\t0x%x\t%d\t%d\n", u.Index(), u.Variant(), u.Instance(), u.Base(), u.IRQ(), len(u.Channels()))
	}
	return tw.Flush()
}
