// Package stream is the buffered byte stream a UART channel feeds in
// interrupt context and a reader drains from an ordinary goroutine.
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed Buffer.
var ErrClosed = errors.New("stream: closed")

// Stats counts traffic through a Buffer.
type Stats struct {
	Received    uint64
	Transmitted uint64
	// RxDropped counts bytes lost because the receive ring was full.
	RxDropped uint64
}

// Buffer holds a receive ring and a transmit ring.
//
// PushReceived and PullTransmit are the interrupt side. Read, Write and the
// Wait helpers are the consumer side.
type Buffer struct {
	mu sync.Mutex
	rx *ring
	tx *ring

	// readable and writable are coalesced readiness signals.
	readable chan struct{}
	writable chan struct{}

	kick   func()
	closed bool
	stats  Stats
}

// New returns a Buffer with the given ring sizes.
func New(rxSize, txSize int) *Buffer {
	return &Buffer{
		rx:       newRing(rxSize),
		tx:       newRing(txSize),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

// SetStartup installs the function called after Write queues data. The
// driver uses it to enable the transmit interrupt.
func (b *Buffer) SetStartup(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kick = fn
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// PushReceived queues a received byte. A full ring drops it.
func (b *Buffer) PushReceived(c byte) {
	b.mu.Lock()
	ok := !b.closed && b.rx.Put(c)
	if ok {
		b.stats.Received++
	} else {
		b.stats.RxDropped++
	}
	b.mu.Unlock()
	if ok {
		signal(b.readable)
	}
}

// PullTransmit returns the next byte to send, or false when the transmit
// ring is empty.
func (b *Buffer) PullTransmit() (byte, bool) {
	b.mu.Lock()
	c, ok := b.tx.Get()
	if ok {
		b.stats.Transmitted++
	}
	b.mu.Unlock()
	if ok {
		signal(b.writable)
	}
	return c, ok
}

// Buffered returns the number of received bytes waiting to be read.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rx.Used()
}

// Pending returns the number of bytes waiting to be transmitted.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tx.Used()
}

// Read copies received bytes into p without blocking.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for n < len(p) {
		c, ok := b.rx.Get()
		if !ok {
			break
		}
		p[n] = c
		n++
	}
	if n == 0 && b.closed {
		return 0, ErrClosed
	}
	return n, nil
}

// Write queues as much of p as fits and starts transmission. It returns the
// number of bytes queued.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	n := 0
	for _, c := range p {
		if !b.tx.Put(c) {
			break
		}
		n++
	}
	kick := b.kick
	b.mu.Unlock()

	if n > 0 && kick != nil {
		kick()
	}
	return n, nil
}

// WaitReadable blocks until data is available or ctx is done.
func (b *Buffer) WaitReadable(ctx context.Context) error {
	for {
		b.mu.Lock()
		used, closed := b.rx.Used(), b.closed
		b.mu.Unlock()
		if used > 0 {
			return nil
		}
		if closed {
			return ErrClosed
		}
		select {
		case <-b.readable:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadContext blocks until at least one byte is available, then reads up to
// len(p).
func (b *Buffer) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if n, err := b.Read(p); n > 0 || err != nil {
			return n, err
		}
		if err := b.WaitReadable(ctx); err != nil {
			return 0, err
		}
	}
}

// WriteContext queues all of p, waiting for the transmitter to drain the
// ring when it is full.
func (b *Buffer) WriteContext(ctx context.Context, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := b.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if total == len(p) {
			break
		}
		select {
		case <-b.writable:
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
	return total, nil
}

// Drain waits until the transmit ring is empty.
func (b *Buffer) Drain(ctx context.Context) error {
	for {
		if b.Pending() == 0 {
			return nil
		}
		select {
		case <-b.writable:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush discards both rings.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rx.Clear()
	b.tx.Clear()
}

// Stats returns the traffic counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close wakes any waiter and rejects further writes. Buffered received
// bytes stay readable.
func (b *Buffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	signal(b.readable)
	signal(b.writable)
	return nil
}
