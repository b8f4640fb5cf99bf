package z25

import (
	"fmt"
	"sync"
)

// ConsumerKind selects how a channel delivers and sources bytes. It is fixed
// when the channel is installed.
type ConsumerKind int

const (
	// StreamConsumer buffers bytes in a Stream.
	StreamConsumer ConsumerKind = iota
	// CallbackConsumer hands each byte to an installed callback.
	CallbackConsumer
)

func (k ConsumerKind) String() string {
	switch k {
	case StreamConsumer:
		return "stream"
	case CallbackConsumer:
		return "callback"
	default:
		return fmt.Sprintf("ConsumerKind(%d)", int(k))
	}
}

// Stream is the buffered consumer of a channel. PushReceived and
// PullTransmit run in interrupt context and must not block.
type Stream interface {
	PushReceived(b byte)
	PullTransmit() (byte, bool)
}

// starter is implemented by streams that need to start the transmitter
// after data is queued.
type starter interface {
	SetStartup(fn func())
}

// ReceiveFunc is called for every received byte.
type ReceiveFunc func(arg any, b byte)

// TransmitFunc returns the next byte to send, or false when there is none.
type TransmitFunc func(arg any) (byte, bool)

// CallbackType keys InstallCallback.
type CallbackType int

const (
	CallbackReceive CallbackType = iota
	CallbackTransmit
)

// consumer is the tagged union of the two consumer kinds. stream is set
// only for StreamConsumer; the callback fields only for CallbackConsumer.
type consumer struct {
	kind   ConsumerKind
	stream Stream

	mu    sync.Mutex
	rx    ReceiveFunc
	rxArg any
	tx    TransmitFunc
	txArg any
}

func newStreamConsumer(s Stream) *consumer {
	return &consumer{kind: StreamConsumer, stream: s}
}

func newCallbackConsumer() *consumer {
	return &consumer{kind: CallbackConsumer}
}

// receive delivers b and reports whether anyone took it.
func (c *consumer) receive(b byte) bool {
	switch c.kind {
	case StreamConsumer:
		c.stream.PushReceived(b)
		return true
	case CallbackConsumer:
		c.mu.Lock()
		fn, arg := c.rx, c.rxArg
		c.mu.Unlock()
		if fn == nil {
			return false
		}
		fn(arg, b)
		return true
	}
	return false
}

// transmit returns the next byte to send.
func (c *consumer) transmit() (byte, bool) {
	switch c.kind {
	case StreamConsumer:
		return c.stream.PullTransmit()
	case CallbackConsumer:
		c.mu.Lock()
		fn, arg := c.tx, c.txArg
		c.mu.Unlock()
		if fn == nil {
			return 0, false
		}
		return fn(arg)
	}
	return 0, false
}

func (c *consumer) install(typ CallbackType, fn any, arg any) error {
	if c.kind != CallbackConsumer {
		return fmt.Errorf("%w: channel uses a %s consumer", ErrWrongConsumer, c.kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch typ {
	case CallbackReceive:
		switch f := fn.(type) {
		case ReceiveFunc:
			c.rx = f
		case func(any, byte):
			c.rx = f
		case nil:
			c.rx = nil
		default:
			return fmt.Errorf("%w: receive callback has type %T", ErrWrongConsumer, fn)
		}
		c.rxArg = arg
	case CallbackTransmit:
		switch f := fn.(type) {
		case TransmitFunc:
			c.tx = f
		case func(any) (byte, bool):
			c.tx = f
		case nil:
			c.tx = nil
		default:
			return fmt.Errorf("%w: transmit callback has type %T", ErrWrongConsumer, fn)
		}
		c.txArg = arg
	default:
		return fmt.Errorf("%w: callback type %d", ErrUnknownRequest, int(typ))
	}
	return nil
}
