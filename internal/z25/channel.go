package z25

import (
	"fmt"
	"sync"

	"github.com/tinyrange/z25/internal/mz25"
)

// ChannelSettings are applied when a channel is installed.
type ChannelSettings struct {
	BaudRate  int
	DataBits  int
	StopBits  int
	Parity    mz25.Parity
	RxTrigger int
	TxTrigger int
	// Mode is the electrical interface. The receiver enable bit is
	// managed by Open and Close and ignored here.
	Mode         mz25.SerialMode
	ModemControl bool

	Consumer ConsumerKind
	// Stream is the stream consumer. Nil creates one sized by the buffer
	// sizes below.
	Stream       Stream
	RxBufferSize int
	TxBufferSize int
}

// DefaultChannelSettings returns 115200 8N1 RS232 with the default FIFO
// levels and a stream consumer.
func DefaultChannelSettings() ChannelSettings {
	return ChannelSettings{
		BaudRate:     mz25.DefaultBaudRate,
		DataBits:     8,
		StopBits:     1,
		Parity:       mz25.ParityNone,
		RxTrigger:    DefaultRxTrigger,
		TxTrigger:    DefaultTxTrigger,
		Mode:         mz25.ModeRS232,
		RxBufferSize: DefaultBufferSize,
		TxBufferSize: DefaultBufferSize,
	}
}

func (s ChannelSettings) withDefaults() ChannelSettings {
	d := DefaultChannelSettings()
	if s.BaudRate == 0 {
		s.BaudRate = d.BaudRate
	}
	if s.DataBits == 0 {
		s.DataBits = d.DataBits
	}
	if s.StopBits == 0 {
		s.StopBits = d.StopBits
	}
	if s.RxTrigger == 0 {
		s.RxTrigger = d.RxTrigger
	}
	if s.TxTrigger == 0 {
		s.TxTrigger = d.TxTrigger
	}
	if s.Mode == 0 {
		s.Mode = d.Mode
	}
	if s.RxBufferSize == 0 {
		s.RxBufferSize = d.RxBufferSize
	}
	if s.TxBufferSize == 0 {
		s.TxBufferSize = d.TxBufferSize
	}
	return s
}

// options returns the hardware options word describing s.
func (s ChannelSettings) options() uint32 {
	opts := OptCREAD | csize(s.DataBits)
	if !s.ModemControl {
		opts |= OptCLOCAL
	}
	if s.StopBits == 2 {
		opts |= OptSTOPB
	}
	opts |= parityOptions(s.Parity)
	return opts
}

// Channel is one installed logical UART of a unit.
type Channel struct {
	regs  *mz25.Channel
	unit  *Unit
	slot  int
	index int
	log   logger

	mu        sync.Mutex
	name      string
	installed bool
	useCount  int
	options   uint32
	cons      *consumer
}

// Registers returns the register model of the channel.
func (c *Channel) Registers() *mz25.Channel { return c.regs }

// Unit returns the owning unit.
func (c *Channel) Unit() *Unit { return c.unit }

// Slot is the channel number inside its unit.
func (c *Channel) Slot() int { return c.slot }

// Index is the position of the channel across the whole handle.
func (c *Channel) Index() int { return c.index }

// Name is the device name assigned at install, or "" before.
func (c *Channel) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// Installed reports whether the channel has a consumer.
func (c *Channel) Installed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installed
}

// Kind returns the consumer kind. It is only meaningful once installed.
func (c *Channel) Kind() ConsumerKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cons == nil {
		return StreamConsumer
	}
	return c.cons.kind
}

// Stream returns the stream consumer, or nil for callback channels.
func (c *Channel) Stream() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cons == nil {
		return nil
	}
	return c.cons.stream
}

// UseCount returns the number of outstanding opens.
func (c *Channel) UseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useCount
}

// Options returns the hardware options word.
func (c *Channel) Options() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.options
}

func (c *Channel) consumer() *consumer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cons
}

// Open takes a reference. The first open enables the receiver.
func (c *Channel) Open() error {
	if c == nil {
		return mz25.ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.installed {
		return fmt.Errorf("%w: unit %d channel %d", ErrNotRegistered, c.unit.index, c.slot)
	}
	if c.useCount == 0 {
		mode, err := c.regs.SerialMode()
		if err != nil {
			return err
		}
		if err := c.regs.SetSerialMode(mode | mz25.AcrRXEN); err != nil {
			return err
		}
	}
	c.useCount++
	c.log.debug(DebugIoctl, 1, "z25: open", "channel", c.name, "uses", c.useCount)
	return nil
}

// Close drops a reference. The last close disables the receiver.
func (c *Channel) Close() error {
	if c == nil {
		return mz25.ErrInvalidHandle
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.useCount {
	case 0:
		return fmt.Errorf("%w: %s", ErrNotOpen, c.name)
	case 1:
		if err := c.regs.DisableReceiver(); err != nil {
			return err
		}
	}
	c.useCount--
	c.log.debug(DebugIoctl, 1, "z25: close", "channel", c.name, "uses", c.useCount)
	return nil
}

// Startup starts a transmit burst. With modem control on, the transmit
// interrupt follows CTS.
func (c *Channel) Startup() error {
	if c == nil {
		return mz25.ErrInvalidHandle
	}
	if c.regs.ModemControl() {
		return c.regs.ControlModemTxInt()
	}
	_, err := c.regs.EnableInterrupt(mz25.IerTHREIEN)
	return err
}

// InstallCallback installs a receive (ReceiveFunc) or transmit
// (TransmitFunc) callback on a callback channel. A nil fn removes it.
func (c *Channel) InstallCallback(typ CallbackType, fn any, arg any) error {
	if c == nil {
		return mz25.ErrInvalidHandle
	}
	cons := c.consumer()
	if cons == nil {
		return fmt.Errorf("%w: unit %d channel %d", ErrNotRegistered, c.unit.index, c.slot)
	}
	return cons.install(typ, fn, arg)
}

type initStep struct {
	what string
	fn   func() error
}

// initRegisters puts the channel into its install state: all interrupts
// off, 8N1 at the requested rate, FIFOs, RTS and DTR on. Non-default line
// settings are applied after that.
func (c *Channel) initRegisters(s ChannelSettings) error {
	r := c.regs
	steps := []initStep{
		{"disable interrupts", func() error { _, err := r.DisableInterrupt(0); return err }},
		{"line format", func() error { return r.SetSerialParameter(mz25.LcrWL0 | mz25.LcrWL1) }},
		{"baud rate", func() error { return r.SetBaudRate(s.BaudRate) }},
		{"rx trigger", func() error { return r.SetFIFOTriggerLevel(mz25.Receive, s.RxTrigger) }},
		{"tx trigger", func() error { return r.SetFIFOTriggerLevel(mz25.Transmit, s.TxTrigger) }},
		{"rts", func() error { return r.SetRTS(true) }},
		{"dtr", func() error { return r.SetDTR(true) }},
		{"out1", func() error { return r.SetOut1(false) }},
		{"out2", func() error { return r.SetOut2(false) }},
	}
	if s.DataBits != 8 {
		steps = append(steps, initStep{"data bits", func() error { return r.SetDataBits(s.DataBits) }})
	}
	if s.StopBits != 1 {
		steps = append(steps, initStep{"stop bits", func() error { return r.SetStopBits(s.StopBits) }})
	}
	if s.Parity != mz25.ParityNone {
		steps = append(steps, initStep{"parity", func() error { return r.SetParity(s.Parity) }})
	}
	if mode := s.Mode &^ mz25.AcrRXEN; mode != 0 {
		steps = append(steps, initStep{"serial mode", func() error { return r.SetSerialMode(mode) }})
	}
	if s.ModemControl {
		steps = append(steps, initStep{"modem control", func() error { return r.SetModemControl(true) }})
	}
	for _, st := range steps {
		if err := st.fn(); err != nil {
			return fmt.Errorf("z25: init %s: %w", st.what, err)
		}
	}
	return nil
}
