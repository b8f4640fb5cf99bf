// Package z25 emulates a MEN 16Z025/16Z125/16Z057 UART unit at register
// level: up to four channel blocks and the global IDIRQ register.
package z25

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/z25/internal/chipset"
	"github.com/tinyrange/z25/internal/mz25"
)

const (
	maxPorts = 4

	// Register block size decoded per channel.
	portRegisters = 8

	defaultDepth  = 64
	extendedDepth = 128

	lsrErrorMask = mz25.LsrOE | mz25.LsrPE | mz25.LsrFE | mz25.LsrBI

	// Bits a plain core keeps in MCR. RCFC sticks only when the core has
	// hardware handshaking.
	mcrMask = mz25.McrDTR | mz25.McrRTS | mz25.McrOUT1 | mz25.McrOUT2 | mz25.McrLOOP
)

// Options configures an emulated unit.
type Options struct {
	Variant mz25.Variant
	// Channels is the number of present channels for Basic and Legacy units.
	// Zero means four. Extended units always have one.
	Channels int
	// FIFODepth overrides the receive FIFO size.
	FIFODepth int
	// AutoRTSCTS makes MCR.RCFC writable.
	AutoRTSCTS bool
	// Line is asserted while any channel has a pending interrupt.
	Line chipset.LineInterrupt
}

// PortStats counts traffic on one channel.
type PortStats struct {
	TxBytes  uint64
	RxBytes  uint64
	Dropped  uint64
	Overruns uint64
}

type port struct {
	dll, dlh byte
	ier      byte
	fcr      byte
	lcr      byte
	mcr      byte
	lsr      byte
	acr      byte

	msrStatus byte
	msrDelta  byte
	// external modem inputs, used outside loopback
	inputs byte

	rx      []byte
	depth   int
	trigger int

	fifoEnabled bool
	thri        bool
	timeout     bool

	out io.Writer
	in  io.Reader

	stats PortStats
}

// Unit is one emulated UART core. It implements bus.Region over
// [base, base+mz25.UnitSpan) and chipset.Device.
type Unit struct {
	mu sync.Mutex

	base       uint64
	variant    mz25.Variant
	autoRTSCTS bool
	line       chipset.LineInterrupt
	level      bool

	ports []*port
}

// NewUnit creates a unit decoding at base.
func NewUnit(base uint64, opts Options) (*Unit, error) {
	n := opts.Channels
	if opts.Variant == mz25.Extended {
		n = 1
	} else if n == 0 {
		n = maxPorts
	}
	if n < 0 || n > maxPorts {
		return nil, fmt.Errorf("z25dev: %d channels out of range 1..%d", n, maxPorts)
	}
	depth := opts.FIFODepth
	if depth == 0 {
		depth = defaultDepth
		if opts.Variant == mz25.Extended {
			depth = extendedDepth
		}
	}
	line := opts.Line
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	u := &Unit{
		base:       base,
		variant:    opts.Variant,
		autoRTSCTS: opts.AutoRTSCTS,
		line:       line,
		ports:      make([]*port, n),
	}
	for i := range u.ports {
		u.ports[i] = &port{depth: depth}
	}
	u.resetLocked()
	return u, nil
}

// Base returns the unit base address.
func (u *Unit) Base() uint64 { return u.base }

// Variant returns the emulated core variant.
func (u *Unit) Variant() mz25.Variant { return u.variant }

// Channels returns the number of present channels.
func (u *Unit) Channels() int { return len(u.ports) }

// SetOutput directs the transmit stream of channel n to w.
func (u *Unit) SetOutput(n int, w io.Writer) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, err := u.portLocked(n)
	if err != nil {
		return err
	}
	p.out = w
	return nil
}

// SetInput makes Poll feed channel n from r.
func (u *Unit) SetInput(n int, r io.Reader) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, err := u.portLocked(n)
	if err != nil {
		return err
	}
	p.in = r
	return nil
}

// Inject delivers bytes to the receiver of channel n as if they arrived on
// the wire. It returns the number of bytes accepted into the FIFO.
func (u *Unit) Inject(n int, data []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, err := u.portLocked(n)
	if err != nil {
		return 0, err
	}
	accepted := 0
	for _, b := range data {
		if p.receiveLocked(b) {
			accepted++
		}
	}
	u.updateLocked()
	return accepted, nil
}

// InjectLineError latches LSR error bits (OE, PE, FE, BI) on channel n.
func (u *Unit) InjectLineError(n int, bits uint8) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, err := u.portLocked(n)
	if err != nil {
		return err
	}
	bits &= lsrErrorMask
	p.lsr |= bits
	if bits != 0 {
		p.lsr |= mz25.LsrRXFIFOER
	}
	u.updateLocked()
	return nil
}

// SetModemInputs drives the CTS, DSR, DCD and RI inputs of channel n.
func (u *Unit) SetModemInputs(n int, cts, dsr, dcd, ri bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, err := u.portLocked(n)
	if err != nil {
		return err
	}
	var in byte
	if cts {
		in |= mz25.MsrCTS
	}
	if dsr {
		in |= mz25.MsrDSR
	}
	if dcd {
		in |= mz25.MsrDCD
	}
	if ri {
		in |= mz25.MsrRI
	}
	p.inputs = in
	p.updateModemStatusLocked()
	u.updateLocked()
	return nil
}

// Registers is a snapshot of one channel's programmed state.
type Registers struct {
	Divisor uint16
	IER     uint8
	FCR     uint8
	LCR     uint8
	MCR     uint8
	LSR     uint8
	ACR     uint8
	// Trigger is the receive trigger level in bytes.
	Trigger int
	// Pending is the number of bytes waiting in the receive FIFO.
	Pending int
}

// Registers returns the current state of channel n without side effects.
func (u *Unit) Registers(n int) (Registers, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, err := u.portLocked(n)
	if err != nil {
		return Registers{}, err
	}
	return Registers{
		Divisor: uint16(p.dlh)<<8 | uint16(p.dll),
		IER:     p.ier,
		FCR:     p.fcr,
		LCR:     p.lcr,
		MCR:     p.mcr,
		LSR:     p.lsr,
		ACR:     p.acr,
		Trigger: p.trigger,
		Pending: len(p.rx),
	}, nil
}

// Stats returns the counters of channel n.
func (u *Unit) Stats(n int) (PortStats, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	p, err := u.portLocked(n)
	if err != nil {
		return PortStats{}, err
	}
	return p.stats, nil
}

// Pending reports whether the unit currently asserts its interrupt.
func (u *Unit) Pending() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.level
}

func (u *Unit) portLocked(n int) (*port, error) {
	if n < 0 || n >= len(u.ports) {
		return nil, fmt.Errorf("z25dev: channel %d not present on unit at 0x%x", n, u.base)
	}
	return u.ports[n], nil
}

// Start implements chipset.ChangeDeviceState.
func (u *Unit) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (u *Unit) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (u *Unit) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetLocked()
	u.updateLocked()
	return nil
}

func (u *Unit) resetLocked() {
	for _, p := range u.ports {
		out, in, depth := p.out, p.in, p.depth
		*p = port{
			out:    out,
			in:     in,
			depth:  depth,
			lsr:    mz25.LsrTHEP | mz25.LsrTXEP,
			inputs: mz25.MsrCTS | mz25.MsrDSR | mz25.MsrDCD,
		}
		p.trigger = 1
		p.updateModemStatusLocked()
		p.msrDelta = 0
	}
}

// SupportsMmio implements chipset.Device.
func (u *Unit) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.MmioRegion{{Address: u.base, Size: mz25.UnitSpan}},
		Handler: u,
	}
}

// SupportsPollDevice implements chipset.Device.
func (u *Unit) SupportsPollDevice() *chipset.PollDevice {
	return &chipset.PollDevice{Handler: u}
}

// Poll pulls pending input from the configured readers and arms the
// character timeout for channels holding bytes below their trigger level.
func (u *Unit) Poll(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, p := range u.ports {
		if p.in != nil && len(p.rx) < p.depth {
			buf := make([]byte, p.depth-len(p.rx))
			n, err := p.in.Read(buf)
			for _, b := range buf[:n] {
				p.receiveLocked(b)
			}
			if err != nil && err != io.EOF {
				return fmt.Errorf("z25dev: read input: %w", err)
			}
		}
		if len(p.rx) > 0 && len(p.rx) < p.trigger {
			p.timeout = true
		}
	}
	u.updateLocked()
	return nil
}

// ReadMMIO implements bus.Region.
func (u *Unit) ReadMMIO(addr uint64, data []byte) error {
	if addr < u.base || addr+uint64(len(data)) > u.base+mz25.UnitSpan {
		return fmt.Errorf("z25dev: address 0x%x out of bounds", addr)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range data {
		data[i] = u.readLocked(addr - u.base + uint64(i))
	}
	u.updateLocked()
	return nil
}

// WriteMMIO implements bus.Region.
func (u *Unit) WriteMMIO(addr uint64, data []byte) error {
	if addr < u.base || addr+uint64(len(data)) > u.base+mz25.UnitSpan {
		return fmt.Errorf("z25dev: address 0x%x out of bounds", addr)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, v := range data {
		u.writeLocked(addr-u.base+uint64(i), v)
	}
	u.updateLocked()
	return nil
}

func (u *Unit) decode(off uint64) (*port, uint64, bool) {
	idx := int(off / mz25.ChannelStride)
	reg := off % mz25.ChannelStride
	if idx >= len(u.ports) || reg >= portRegisters {
		return nil, 0, false
	}
	return u.ports[idx], reg, true
}

func (u *Unit) readLocked(off uint64) byte {
	if off == mz25.RegIDIRQ {
		return u.idirqLocked()
	}
	p, reg, ok := u.decode(off)
	if !ok {
		return 0xff
	}
	dlab := p.lcr&mz25.LcrDLAB != 0
	switch reg {
	case mz25.RegRHR:
		if dlab {
			return p.dll
		}
		return p.readRXLocked()
	case mz25.RegIER:
		if dlab {
			return p.dlh
		}
		return p.ier
	case mz25.RegIIR:
		return p.identLocked(true)
	case mz25.RegLCR:
		return p.lcr
	case mz25.RegMCR:
		return p.mcr
	case mz25.RegLSR:
		v := p.lsr
		p.lsr &^= lsrErrorMask | mz25.LsrRXFIFOER
		return v
	case mz25.RegMSR:
		v := p.msrStatus | p.msrDelta
		p.msrDelta = 0
		return v
	case mz25.RegACR:
		return p.acr
	}
	return 0
}

func (u *Unit) writeLocked(off uint64, v byte) {
	p, reg, ok := u.decode(off)
	if !ok {
		return
	}
	dlab := p.lcr&mz25.LcrDLAB != 0
	switch reg {
	case mz25.RegTHR:
		if dlab {
			p.dll = v
			return
		}
		p.transmitLocked(v)
	case mz25.RegIER:
		if dlab {
			p.dlh = v
			return
		}
		prev := p.ier
		p.ier = v & 0x0F
		if prev&mz25.IerTHREIEN == 0 && p.ier&mz25.IerTHREIEN != 0 {
			p.thri = true
		}
	case mz25.RegFCR:
		p.setFCRLocked(v)
	case mz25.RegLCR:
		p.lcr = v
	case mz25.RegMCR:
		mask := byte(mcrMask)
		if u.autoRTSCTS {
			mask |= mz25.McrRCFC
		}
		p.mcr = v & mask
		p.updateModemStatusLocked()
	case mz25.RegACR:
		p.acr = v
	}
}

func (u *Unit) idirqLocked() byte {
	var v byte
	for i, p := range u.ports {
		v |= 1 << (i + 4)
		if p.identLocked(false)&mz25.IirNotPending == 0 {
			v |= 1 << i
		}
	}
	return v
}

func (u *Unit) updateLocked() {
	level := false
	for _, p := range u.ports {
		if p.identLocked(false)&mz25.IirNotPending == 0 {
			level = true
			break
		}
	}
	u.level = level
	u.line.SetLevel(level)
}

// identLocked computes IIR. When consume is set, reading a THR empty
// cause acknowledges it.
func (p *port) identLocked(consume bool) byte {
	var fifo byte
	if p.fifoEnabled {
		fifo = 0xC0
	}
	cause := byte(mz25.IirNotPending)
	switch {
	case p.ier&mz25.IerRLSIEN != 0 && p.lsr&lsrErrorMask != 0:
		cause = mz25.IirLineStatus
	case p.ier&mz25.IerRDAIEN != 0 && len(p.rx) > 0 && len(p.rx) >= p.trigger:
		cause = mz25.IirReceive
	case p.ier&mz25.IerRDAIEN != 0 && len(p.rx) > 0 && p.timeout:
		cause = mz25.IirCharTimeout
	case p.ier&mz25.IerTHREIEN != 0 && p.thri:
		cause = mz25.IirTHREmpty
		if consume {
			p.thri = false
		}
	case p.ier&mz25.IerMSIEN != 0 && p.msrDelta != 0:
		cause = mz25.IirModemStatus
	}
	return fifo | cause
}

func (p *port) setFCRLocked(v byte) {
	if v&0x02 != 0 {
		p.rx = p.rx[:0]
		p.lsr &^= mz25.LsrDR
		p.timeout = false
	}
	p.fcr = v
	p.fifoEnabled = v&mz25.FcrFIFOEN != 0
	p.trigger = triggerLevel(v&0xC0, p.depth)
}

// triggerLevel maps an FCR trigger code to bytes for a FIFO of depth.
func triggerLevel(code byte, depth int) int {
	switch code {
	case mz25.FcrTrigger1:
		return depth / 16
	case mz25.FcrTrigger2:
		return depth * 15 / 32
	case mz25.FcrTrigger3:
		return depth * 29 / 32
	default:
		return 1
	}
}

func (p *port) receiveLocked(b byte) bool {
	if p.acr&mz25.AcrRXEN == 0 {
		p.stats.Dropped++
		return false
	}
	if len(p.rx) >= p.depth {
		p.lsr |= mz25.LsrOE
		p.stats.Overruns++
		return false
	}
	p.rx = append(p.rx, b)
	p.lsr |= mz25.LsrDR
	p.stats.RxBytes++
	return true
}

func (p *port) readRXLocked() byte {
	if len(p.rx) == 0 {
		return 0
	}
	b := p.rx[0]
	p.rx = p.rx[1:]
	if len(p.rx) == 0 {
		p.lsr &^= mz25.LsrDR
		p.timeout = false
	}
	return b
}

func (p *port) transmitLocked(b byte) {
	p.thri = false
	p.stats.TxBytes++
	if p.mcr&mz25.McrLOOP != 0 {
		p.receiveLocked(b)
	} else if p.out != nil {
		_, _ = p.out.Write([]byte{b})
	}
	// The shift register drains immediately.
	p.lsr |= mz25.LsrTHEP | mz25.LsrTXEP
	p.thri = true
}

func (p *port) updateModemStatusLocked() {
	var status byte
	if p.mcr&mz25.McrLOOP != 0 {
		if p.mcr&mz25.McrRTS != 0 {
			status |= mz25.MsrCTS
		}
		if p.mcr&mz25.McrDTR != 0 {
			status |= mz25.MsrDSR
		}
		if p.mcr&mz25.McrOUT1 != 0 {
			status |= mz25.MsrRI
		}
		if p.mcr&mz25.McrOUT2 != 0 {
			status |= mz25.MsrDCD
		}
	} else {
		status = p.inputs
	}
	changed := status ^ p.msrStatus
	if changed&mz25.MsrCTS != 0 {
		p.msrDelta |= mz25.MsrDCTS
	}
	if changed&mz25.MsrDSR != 0 {
		p.msrDelta |= mz25.MsrDDSR
	}
	if changed&mz25.MsrDCD != 0 {
		p.msrDelta |= mz25.MsrDDCD
	}
	// RI reports the trailing edge only.
	if changed&mz25.MsrRI != 0 && status&mz25.MsrRI == 0 {
		p.msrDelta |= mz25.MsrDRI
	}
	p.msrStatus = status
}

var (
	_ chipset.Device      = (*Unit)(nil)
	_ chipset.PollHandler = (*Unit)(nil)
)
