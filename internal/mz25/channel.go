// Package mz25 drives one channel of a MEN 16Z025/16Z125/16Z057 UART core.
//
// Every multi-register sequence runs with the channel's interrupt sources
// suspended and they are restored on return. The divisor latch is never left
// enabled across a call.
package mz25

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/z25/internal/bus"
)

var (
	// ErrInvalidHandle is returned for operations on a nil channel.
	ErrInvalidHandle = errors.New("mz25: invalid channel handle")
	// ErrUnsupported is returned when the core lacks automatic RTS/CTS.
	ErrUnsupported = errors.New("mz25: feature not supported by this core revision")
	// ErrInvalidArgument is returned for stop bit and parity values outside
	// their domain.
	ErrInvalidArgument = errors.New("mz25: invalid argument")
)

// Parity selects the parity mode. The values match the control request
// argument.
type Parity int

const (
	ParityNone Parity = 0
	ParityEven Parity = 1
	ParityOdd  Parity = 2
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityEven:
		return "even"
	case ParityOdd:
		return "odd"
	default:
		return fmt.Sprintf("Parity(%d)", int(p))
	}
}

// SerialMode is the raw value of the ACR register that selects the
// electrical interface.
type SerialMode uint8

const (
	ModeRS232      SerialMode = AcrRXEN
	ModeRS485Full  SerialMode = AcrRXEN | AcrDIFF
	ModeRS485Half  SerialMode = AcrRXEN | AcrDIFF | AcrHD
	modeFieldsMask            = AcrDIFF | AcrHD
)

func (m SerialMode) String() string {
	switch m & (AcrRXEN | modeFieldsMask) {
	case ModeRS232:
		return "rs232"
	case ModeRS485Full:
		return "rs485-fd"
	case ModeRS485Half:
		return "rs485-hd"
	default:
		return fmt.Sprintf("SerialMode(0x%02x)", uint8(m))
	}
}

// Direction selects which FIFO a trigger level applies to.
type Direction int

const (
	Receive Direction = iota
	Transmit
)

// Config describes where a channel lives.
type Config struct {
	// Base is the address of the channel register block.
	Base uint64
	// UnitBase is the address of the owning unit.
	UnitBase uint64
	Variant  Variant
	// Index is the channel number inside the unit.
	Index int
	IRQ   int
	// Vector is the interrupt vector the IRQ is connected at.
	Vector int
	// Clock is the UART input clock in Hz. Zero selects StandardClock.
	Clock uint32
	// Logger receives debug output. Nil discards it.
	Logger *slog.Logger
}

// Channel is the register model of one logical UART.
type Channel struct {
	mu  sync.Mutex
	acc bus.Accessor
	log *slog.Logger

	base     uint64
	unitBase uint64
	variant  Variant
	index    int
	irq      int
	vector   int

	clock    uint32
	divConst uint32

	baud      int
	dataBits  int
	stopBits  int
	parity    Parity
	rxTrigger int
	txTrigger int

	lineStatus uint8
	dlab       bool

	rts, dtr, out1, out2 bool
	autoRTSCTS           bool
	modemControl         bool

	cts, dsr, dcd bool
}

// NewChannel binds a register model to acc. Registers are not touched.
func NewChannel(acc bus.Accessor, cfg Config) *Channel {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &Channel{
		acc:       acc,
		log:       log,
		base:      cfg.Base,
		unitBase:  cfg.UnitBase,
		variant:   cfg.Variant,
		index:     cfg.Index,
		irq:       cfg.IRQ,
		vector:    cfg.Vector,
		baud:      DefaultBaudRate,
		dataBits:  8,
		stopBits:  1,
		rxTrigger: 1,
		txTrigger: 1,
	}
	c.setClockLocked(cfg.Clock)
	return c
}

func (c *Channel) read(off uint64) uint8 {
	return c.acc.Read8(c.base + off)
}

func (c *Channel) write(off uint64, v uint8) {
	c.acc.Write8(c.base+off, v)
}

// Base returns the channel register base.
func (c *Channel) Base() uint64 { return c.base }

// UnitBase returns the base address of the owning unit.
func (c *Channel) UnitBase() uint64 { return c.unitBase }

// Variant returns the core variant.
func (c *Channel) Variant() Variant { return c.variant }

// Index returns the channel number inside its unit.
func (c *Channel) Index() int { return c.index }

// IRQ returns the interrupt line of the channel.
func (c *Channel) IRQ() int { return c.irq }

// Vector returns the interrupt vector of the channel.
func (c *Channel) Vector() int { return c.vector }

// SetBaudRate programs the divisor latch. Rates outside (0, MaxBaudRate]
// are replaced with DefaultBaudRate.
func (c *Channel) SetBaudRate(value int) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if value <= 0 || value > MaxBaudRate {
		c.log.Info("mz25: baud rate out of range, using default", "base", c.base, "requested", value, "baud", DefaultBaudRate)
		value = DefaultBaudRate
	}
	divisor := (c.clock / (uint32(value) * c.divConst)) & 0xFFFF

	g := c.suspendLocked()
	defer g.restore()

	lcr := c.enterDLABLocked()
	defer c.leaveDLABLocked(lcr)

	c.write(RegDLL, uint8(divisor))
	c.write(RegDLH, uint8(divisor>>8))
	c.baud = value

	c.log.Debug("mz25: baud rate set", "base", c.base, "baud", value, "divisor", divisor)
	return nil
}

// ReadBaudRate reads the divisor latch back and recomputes the baud rate.
// The cached value is kept when the latch holds zero.
func (c *Channel) ReadBaudRate() (int, error) {
	if c == nil {
		return 0, ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.suspendLocked()
	defer g.restore()

	lcr := c.enterDLABLocked()
	defer c.leaveDLABLocked(lcr)

	divisor := uint32(c.read(RegDLL)) | uint32(c.read(RegDLH))<<8
	if divisor == 0 {
		c.log.Debug("mz25: divisor latch is zero", "base", c.base)
		return c.baud, nil
	}
	c.baud = int(c.clock / (divisor * c.divConst))
	return c.baud, nil
}

// enterDLABLocked saves LCR and exposes the divisor latch. The dummy read
// after setting DLAB is required before DLL/DLH become valid.
func (c *Channel) enterDLABLocked() uint8 {
	lcr := c.read(RegLCR)
	c.write(RegLCR, lcr|LcrDLAB)
	c.dlab = true
	_ = c.read(RegLCR)
	return lcr
}

func (c *Channel) leaveDLABLocked(lcr uint8) {
	c.write(RegLCR, lcr&^LcrDLAB)
	c.dlab = false
}

// clearDLABLocked drops a divisor latch left enabled.
func (c *Channel) clearDLABLocked() {
	if !c.dlab {
		return
	}
	c.write(RegLCR, c.read(RegLCR)&^LcrDLAB)
	c.dlab = false
}

func (c *Channel) updateLCRLocked(mask, value uint8) {
	g := c.suspendLocked()
	defer g.restore()

	c.clearDLABLocked()
	lcr := c.read(RegLCR)
	lcr = lcr&^mask | value
	c.write(RegLCR, lcr)
	c.log.Debug("mz25: line control", "base", c.base, "lcr", lcr)
}

// SetDataBits sets the word length. Values outside 5..8 select 8.
func (c *Channel) SetDataBits(n int) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if n < 5 || n > 8 {
		n = 8
	}
	c.dataBits = n
	c.updateLCRLocked(lcrWordMask, uint8(n-5))
	return nil
}

// SetStopBits sets one or two stop bits.
func (c *Channel) SetStopBits(n int) error {
	if c == nil {
		return ErrInvalidHandle
	}
	var field uint8
	switch n {
	case 1:
	case 2:
		field = LcrNOSTP
	default:
		return fmt.Errorf("%w: stop bits %d", ErrInvalidArgument, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopBits = n
	c.updateLCRLocked(LcrNOSTP, field)
	return nil
}

// SetParity selects the parity mode.
func (c *Channel) SetParity(p Parity) error {
	if c == nil {
		return ErrInvalidHandle
	}
	field, ok := parityField(p)
	if !ok {
		return fmt.Errorf("%w: parity %d", ErrInvalidArgument, int(p))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.parity = p
	c.updateLCRLocked(lcrParityMask, field)
	return nil
}

func parityField(p Parity) (uint8, bool) {
	switch p {
	case ParityNone:
		return 0, true
	case ParityEven:
		return LcrPEN | LcrPTYPE, true
	case ParityOdd:
		return LcrPEN, true
	default:
		return 0, false
	}
}

// SetSerialParameter writes the whole LCR at once and refreshes the cached
// line format from it.
func (c *Channel) SetSerialParameter(lcr uint8) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dataBits = int(lcr&lcrWordMask) + 5
	c.stopBits = 1
	if lcr&LcrNOSTP != 0 {
		c.stopBits = 2
	}
	switch lcr & lcrParityMask {
	case LcrPEN | LcrPTYPE:
		c.parity = ParityEven
	case LcrPEN:
		c.parity = ParityOdd
	default:
		c.parity = ParityNone
	}

	g := c.suspendLocked()
	defer g.restore()

	c.clearDLABLocked()
	c.write(RegLCR, lcr)
	c.log.Debug("mz25: serial parameter", "base", c.base, "lcr", lcr)
	return nil
}

// LineFormat returns the cached data bits, stop bits and parity.
func (c *Channel) LineFormat() (dataBits, stopBits int, parity Parity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataBits, c.stopBits, c.parity
}

// SetFIFOTriggerLevel stores a trigger level. Only the receive level is
// programmed into hardware; unknown receive levels fall back to 1 byte.
func (c *Channel) SetFIFOTriggerLevel(dir Direction, n int) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if dir != Receive {
		c.txTrigger = n
		return nil
	}

	c.rxTrigger = n
	var code uint8
	switch n {
	case 1:
		code = FcrTrigger0
	case 4, 8:
		code = FcrTrigger1
	case 30, 60:
		code = FcrTrigger2
	case 58, 116:
		code = FcrTrigger3
	default:
		code = FcrTrigger0
		c.rxTrigger = 1
	}

	g := c.suspendLocked()
	defer g.restore()

	c.write(RegFCR, code|FcrFIFOEN)
	c.log.Debug("mz25: fifo trigger", "base", c.base, "rx", c.rxTrigger, "fcr", code|FcrFIFOEN)
	return nil
}

// TriggerLevels returns the receive and transmit trigger levels.
func (c *Channel) TriggerLevels() (rx, tx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rxTrigger, c.txTrigger
}

// TxTrigger returns the number of bytes written per transmit interrupt.
func (c *Channel) TxTrigger() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txTrigger
}

// EnableInterrupt sets bits in IER and returns the previous value.
func (c *Channel) EnableInterrupt(mask uint8) (uint8, error) {
	if c == nil {
		return 0, ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enableLocked(mask), nil
}

// DisableInterrupt clears bits in IER and returns the previous value. A
// zero mask clears the whole register.
func (c *Channel) DisableInterrupt(mask uint8) (uint8, error) {
	if c == nil {
		return 0, ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disableLocked(mask), nil
}

func (c *Channel) enableLocked(mask uint8) uint8 {
	prev := c.read(RegIER)
	c.write(RegIER, prev|mask)
	return prev
}

func (c *Channel) disableLocked(mask uint8) uint8 {
	prev := c.read(RegIER)
	if mask == 0 {
		c.write(RegIER, 0)
	} else {
		c.write(RegIER, prev&^mask)
	}
	return prev
}

func (c *Channel) updateMCRLocked(bit uint8, on bool) uint8 {
	g := c.suspendLocked()
	defer g.restore()

	mcr := c.read(RegMCR)
	if on {
		mcr |= bit
	} else {
		mcr &^= bit
	}
	c.write(RegMCR, mcr)
	return mcr
}

// SetRTS drives the RTS output.
func (c *Channel) SetRTS(on bool) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateMCRLocked(McrRTS, on)
	c.rts = on
	return nil
}

// SetDTR drives the DTR output.
func (c *Channel) SetDTR(on bool) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateMCRLocked(McrDTR, on)
	c.dtr = on
	return nil
}

// SetOut1 drives the OUT1 output.
func (c *Channel) SetOut1(on bool) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateMCRLocked(McrOUT1, on)
	c.out1 = on
	return nil
}

// SetOut2 drives the OUT2 output.
func (c *Channel) SetOut2(on bool) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateMCRLocked(McrOUT2, on)
	c.out2 = on
	return nil
}

// SetLoopback routes the transmitter into the receiver and the modem
// outputs into the modem inputs.
func (c *Channel) SetLoopback(on bool) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateMCRLocked(McrLOOP, on)
	return nil
}

// EnableAutoRTSCTS switches hardware RTS/CTS handshaking. The bit is read
// back, and ErrUnsupported is returned when enabling did not stick.
func (c *Channel) EnableAutoRTSCTS(on bool) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.updateMCRLocked(McrRCFC, on)
	got := c.read(RegMCR)&McrRCFC != 0
	if on && !got {
		c.autoRTSCTS = false
		c.log.Warn("mz25: automatic RTS/CTS not available", "base", c.base)
		return ErrUnsupported
	}
	c.autoRTSCTS = on
	return nil
}

// ModemOutputs returns the cached RTS, DTR, OUT1 and OUT2 state.
func (c *Channel) ModemOutputs() (rts, dtr, out1, out2 bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rts, c.dtr, c.out1, c.out2
}

// AutoRTSCTS reports whether hardware handshaking is enabled.
func (c *Channel) AutoRTSCTS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoRTSCTS
}

// ReadCTS samples the CTS input.
func (c *Channel) ReadCTS() (bool, error) {
	if c == nil {
		return false, ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cts = c.read(RegMSR)&MsrCTS != 0
	return c.cts, nil
}

// ReadDSR samples the DSR input.
func (c *Channel) ReadDSR() (bool, error) {
	if c == nil {
		return false, ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dsr = c.read(RegMSR)&MsrDSR != 0
	return c.dsr, nil
}

// ReadDCD samples the DCD input.
func (c *Channel) ReadDCD() (bool, error) {
	if c == nil {
		return false, ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dcd = c.read(RegMSR)&MsrDCD != 0
	return c.dcd, nil
}

// ModemInputs returns the cached CTS, DSR and DCD samples.
func (c *Channel) ModemInputs() (cts, dsr, dcd bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cts, c.dsr, c.dcd
}

// ReadMSR returns the raw modem status register. Reading clears the
// change bits.
func (c *Channel) ReadMSR() (uint8, error) {
	if c == nil {
		return 0, ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(RegMSR), nil
}

// ReadMCR returns the raw modem control register.
func (c *Channel) ReadMCR() (uint8, error) {
	if c == nil {
		return 0, ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(RegMCR), nil
}

// SetSerialMode writes ACR.
func (c *Channel) SetSerialMode(mode SerialMode) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.suspendLocked()
	defer g.restore()

	c.write(RegACR, uint8(mode))
	c.log.Debug("mz25: serial mode", "base", c.base, "mode", mode)
	return nil
}

// SerialMode reads ACR.
func (c *Channel) SerialMode() (SerialMode, error) {
	if c == nil {
		return 0, ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.suspendLocked()
	defer g.restore()

	return SerialMode(c.read(RegACR)), nil
}

// DisableReceiver clears ACR.RXEN and leaves the other mode bits alone.
func (c *Channel) DisableReceiver() error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write(RegACR, c.read(RegACR)&^AcrRXEN)
	return nil
}

// SetBaseClock changes the input clock. The baud rate is not reprogrammed.
func (c *Channel) SetBaseClock(hz uint32) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setClockLocked(hz)
	return nil
}

func (c *Channel) setClockLocked(hz uint32) {
	if hz == 0 {
		hz = StandardClock
	}
	c.clock = hz
	if hz == StandardClock {
		c.divConst = 16
	} else {
		c.divConst = 32
	}
}

// Clock returns the input clock and its divisor constant.
func (c *Channel) Clock() (hz, divConst uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clock, c.divConst
}

// ControlModemTxInt gates the transmit interrupt on CTS: it is enabled only
// when CTS is asserted and has just changed.
func (c *Channel) ControlModemTxInt() error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	msr := c.read(RegMSR)
	if msr&MsrCTS != 0 && msr&MsrDCTS != 0 {
		c.enableLocked(IerTHREIEN)
	} else {
		c.disableLocked(IerTHREIEN)
	}
	return nil
}

// SetModemControl enables or disables the modem status and line status
// interrupts used for software handshaking.
func (c *Channel) SetModemControl(on bool) error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if on {
		c.enableLocked(IerMSIEN | IerRLSIEN)
	} else {
		c.disableLocked(IerMSIEN | IerRLSIEN)
	}
	c.modemControl = on
	return nil
}

// ModemControl reports whether modem control is enabled.
func (c *Channel) ModemControl() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modemControl
}

// CaptureLineStatus snapshots LSR. Reading LSR clears the error bits.
func (c *Channel) CaptureLineStatus() error {
	if c == nil {
		return ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lineStatus = c.read(RegLSR)
	return nil
}

// LineStatus returns the last captured LSR value.
func (c *Channel) LineStatus() (uint8, error) {
	if c == nil {
		return 0, ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lineStatus, nil
}

// Baud returns the cached baud rate.
func (c *Channel) Baud() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baud
}

// DLAB reports the software divisor latch flag.
func (c *Channel) DLAB() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dlab
}

// InterruptIdent reads IIR.
func (c *Channel) InterruptIdent() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(RegIIR)
}

// ReceiveReady reports LSR.DR.
func (c *Channel) ReceiveReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(RegLSR)&LsrDR != 0
}

// ReceiveByte reads RHR.
func (c *Channel) ReceiveByte() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(RegRHR)
}

// TransmitByte writes THR.
func (c *Channel) TransmitByte(b uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write(RegTHR, b)
}

// ReadIDIRQ reads the unit-global interrupt status register.
func (c *Channel) ReadIDIRQ() uint8 {
	return c.acc.Read8(c.unitBase + RegIDIRQ)
}
