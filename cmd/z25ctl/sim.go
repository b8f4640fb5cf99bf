package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/tinyrange/z25/internal/console"
	"github.com/tinyrange/z25/internal/stream"
	"github.com/tinyrange/z25/internal/z25"
)

type simFlags struct {
	config   *string
	channel  *int
	extended *int
	loop     *bool
	controls stringSlice
}

func addSimFlags(fs *flag.FlagSet) *simFlags {
	f := &simFlags{
		config:   fs.String("config", "", "Driver descriptor (default: simulated board template)"),
		channel:  fs.Int("channel", 0, "Handle-wide channel index"),
		extended: fs.Int("extended", 1, "Number of 16Z125 units next to the 16Z025"),
		loop:     fs.Bool("loop", false, "Loop the channel's transmitter back into its receiver"),
	}
	fs.Var(&f.controls, "ctl", "Control request NAME=VALUE applied after open (repeatable)")
	return f
}

// setup builds and installs the simulation and opens the selected channel.
func (f *simFlags) setup(ctx context.Context) (*simulation, *z25.Channel, *stream.Buffer, error) {
	desc, err := loadDescriptor(*f.config)
	if err != nil {
		return nil, nil, nil, err
	}
	sim, err := newSimulation(desc, *f.extended)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := sim.install(ctx, desc); err != nil {
		return nil, nil, nil, err
	}
	ch, err := sim.channel(*f.channel)
	if err != nil {
		sim.close()
		return nil, nil, nil, err
	}
	buf, ok := ch.Stream().(*stream.Buffer)
	if !ok {
		sim.close()
		return nil, nil, nil, fmt.Errorf("channel %s has no stream buffer", ch.Name())
	}
	if err := ch.Open(); err != nil {
		sim.close()
		return nil, nil, nil, err
	}
	if *f.loop {
		if err := ch.Registers().SetLoopback(true); err != nil {
			sim.close()
			return nil, nil, nil, err
		}
	}
	for _, c := range f.controls.values {
		v, err := applyControl(ch, c)
		if err != nil {
			sim.close()
			return nil, nil, nil, err
		}
		fmt.Fprintf(os.Stderr, "%s: %s = %d\n", ch.Name(), c, v)
	}
	return sim, ch, buf, nil
}

// applyControl runs one NAME=VALUE control request. A bare NAME passes 0.
func applyControl(ch *z25.Channel, s string) (int, error) {
	name, value, _ := strings.Cut(s, "=")
	req, err := z25.ParseRequest(strings.ToUpper(strings.TrimSpace(name)))
	if err != nil {
		return 0, err
	}
	arg := 0
	if value != "" {
		n, err := strconv.ParseInt(value, 0, 32)
		if err != nil {
			return 0, fmt.Errorf("control %s: %w", name, err)
		}
		arg = int(n)
	}
	return ch.Control(req, arg)
}

func cmdSim(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	sf := addSimFlags(fs)
	send := fs.String("send", "hello from z25ctl\r\n", "Text to transmit (Go escapes allowed)")
	showScreen := fs.Bool("screen", false, "Print the terminal screen instead of a transcript")
	cols := fs.Int("cols", console.DefaultCols, "Screen columns")
	rows := fs.Int("rows", console.DefaultRows, "Screen rows")
	timeout := fs.Duration("timeout", 2*time.Second, "Time allowed for the transfer")
	stats := fs.Bool("stats", false, "Print interrupt router counters")
	if err := fs.Parse(args); err != nil {
		return err
	}
	data := []byte(*send)
	if unq, err := strconv.Unquote(`"` + *send + `"`); err == nil {
		data = []byte(unq)
	}

	ctx, cancel := context.WithCancel(ctx)
	sim, ch, buf, err := sf.setup(ctx)
	if err != nil {
		cancel()
		return err
	}
	defer func() {
		cancel()
		sim.close()
	}()

	screen := console.NewScreen(*cols, *rows, nil)
	defer screen.Close()
	dev, port, err := sim.device(ch)
	if err != nil {
		return err
	}
	if err := dev.SetOutput(port, screen); err != nil {
		return err
	}

	xfer, done := context.WithTimeout(ctx, *timeout)
	defer done()
	if _, err := buf.WriteContext(xfer, data); err != nil {
		return fmt.Errorf("transmit: %w", err)
	}
	if err := buf.Drain(xfer); err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	if *sf.loop {
		got := make([]byte, 0, len(data))
		tmp := make([]byte, 256)
		for len(got) < len(data) {
			n, err := buf.ReadContext(xfer, tmp)
			if err != nil {
				return fmt.Errorf("receive after %d bytes: %w", len(got), err)
			}
			got = append(got, tmp[:n]...)
		}
		// Present the looped bytes as if a peer had echoed them.
		screen.Write(got)
	}

	if *showScreen {
		fmt.Println(screen.String())
	} else {
		fmt.Print(screen.Transcript())
	}
	if *stats {
		s := sim.h.Stats()
		fmt.Fprintf(os.Stderr, "interrupts=%d unclaimed=%d rx=%d tx=%d rx_discarded=%d\n",
			s.Interrupts, s.Unclaimed, s.RxBytes, s.TxBytes, s.RxDiscarded)
	}
	return ch.Close()
}

// escapeByte ends a term session (Ctrl-]).
const escapeByte = 0x1d

func cmdTerm(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("term", flag.ContinueOnError)
	sf := addSimFlags(fs)
	*sf.loop = true
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	sim, ch, buf, err := sf.setup(ctx)
	if err != nil {
		cancel()
		return err
	}
	defer func() {
		cancel()
		sim.close()
	}()

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}
	fmt.Fprintf(os.Stderr, "z25ctl: attached to %s, Ctrl-] to exit\r\n", ch.Name())

	// Receive side: driver stream to stdout.
	go func() {
		p := make([]byte, 256)
		for {
			n, err := buf.ReadContext(ctx, p)
			if n > 0 {
				os.Stdout.Write(p[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	// Transmit side: stdin into the driver until the escape byte or EOF.
	p := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(p)
		if n > 0 {
			chunk := p[:n]
			quit := false
			if i := bytes.IndexByte(chunk, escapeByte); i >= 0 {
				chunk, quit = chunk[:i], true
			}
			if _, werr := buf.WriteContext(ctx, chunk); werr != nil && !errors.Is(werr, context.Canceled) {
				return werr
			}
			if quit {
				break
			}
		}
		if err != nil {
			break
		}
	}
	return ch.Close()
}
