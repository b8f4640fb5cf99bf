// Command z25ctl discovers MEN FPGA UARTs and drives a simulated board
// through the z25 driver.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/tinyrange/z25/internal/config"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = []command{
	{"scan", "list FPGA functions found on the PCI bus", cmdScan},
	{"paths", "print the bus path string of every FPGA function", cmdPaths},
	{"probe", "list the UART units of one FPGA function", cmdProbe},
	{"sim", "install the driver on a simulated board and transmit", cmdSim},
	{"term", "attach the terminal to a simulated channel", cmdTerm},
	{"template", "write a descriptor template", cmdTemplate},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "z25ctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("z25ctl", flag.ContinueOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	source := fs.Bool("log-source", false, "Add source locations to log records")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: z25ctl [flags] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		for _, c := range commands {
			fmt.Fprintf(os.Stderr, "  %-9s %s\n", c.name, c.usage)
		}
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: *source,
	})))

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return fmt.Errorf("command required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for _, c := range commands {
		if c.name == rest[0] {
			return c.run(ctx, rest[1:])
		}
	}
	return fmt.Errorf("unknown command %q", rest[0])
}

// loadDescriptor reads path, or returns the template for the simulated
// board when path is empty.
func loadDescriptor(path string) (config.Descriptor, error) {
	if path == "" {
		return config.Template(4), nil
	}
	return config.Load(path)
}

// stringSlice collects repeated string flags.
type stringSlice struct {
	values []string
}

func (s *stringSlice) String() string { return strings.Join(s.values, ", ") }

func (s *stringSlice) Set(value string) error {
	s.values = append(s.values, value)
	return nil
}
