package z25

import (
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/z25/internal/mz25"
)

// Cause is a decoded interrupt cause.
type Cause int

const (
	CauseNone Cause = iota
	CauseLineStatus
	CauseReceive
	CauseTransmit
	CauseModemStatus
)

func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseLineStatus:
		return "line-status"
	case CauseReceive:
		return "receive"
	case CauseTransmit:
		return "transmit"
	case CauseModemStatus:
		return "modem-status"
	default:
		return fmt.Sprintf("Cause(%d)", int(c))
	}
}

// ClassifyIIR decodes an IIR value. pending is false when bit 0 is set.
// FIFO status bits are ignored. Unknown cause codes yield CauseNone.
func ClassifyIIR(iir uint8) (cause Cause, pending bool) {
	if iir&mz25.IirNotPending != 0 {
		return CauseNone, false
	}
	switch iir & mz25.IirCauseMask {
	case mz25.IirLineStatus:
		return CauseLineStatus, true
	case mz25.IirReceive, mz25.IirCharTimeout:
		return CauseReceive, true
	case mz25.IirTHREmpty:
		return CauseTransmit, true
	case mz25.IirModemStatus:
		return CauseModemStatus, true
	default:
		return CauseNone, true
	}
}

// RouterStats counts interrupt dispatch.
type RouterStats struct {
	Interrupts  uint64
	Unclaimed   uint64
	LineStatus  uint64
	Receive     uint64
	Transmit    uint64
	ModemStatus uint64
	RxBytes     uint64
	RxDiscarded uint64
	TxBytes     uint64
}

type routerStats struct {
	interrupts  atomic.Uint64
	unclaimed   atomic.Uint64
	lineStatus  atomic.Uint64
	receive     atomic.Uint64
	transmit    atomic.Uint64
	modemStatus atomic.Uint64
	rxBytes     atomic.Uint64
	rxDiscarded atomic.Uint64
	txBytes     atomic.Uint64
}

func (s *routerStats) snapshot() RouterStats {
	return RouterStats{
		Interrupts:  s.interrupts.Load(),
		Unclaimed:   s.unclaimed.Load(),
		LineStatus:  s.lineStatus.Load(),
		Receive:     s.receive.Load(),
		Transmit:    s.transmit.Load(),
		ModemStatus: s.modemStatus.Load(),
		RxBytes:     s.rxBytes.Load(),
		RxDiscarded: s.rxDiscarded.Load(),
		TxBytes:     s.txBytes.Load(),
	}
}

// HandleInterrupt services every member unit. It implements
// InterruptHandler.
func (g *InterruptGroup) HandleInterrupt() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.stats.interrupts.Add(1)
	claimed := 0
	for _, u := range g.units {
		claimed += u.service(g.stats, g.log)
	}
	if claimed == 0 {
		g.stats.unclaimed.Add(1)
	}
}

// service finds the channels of u with a pending interrupt and dispatches
// them. It returns the number of channels that claimed the interrupt.
func (u *Unit) service(st *routerStats, log logger) int {
	if u.variant == mz25.Extended {
		if ch := u.Channel(0); ch != nil && ch.service(st, log) {
			return 1
		}
		return 0
	}

	idirq := u.acc.Read8(u.base + mz25.RegIDIRQ)
	pending := idirq & mz25.IdirqPendingMask
	if pending == 0 {
		return 0
	}
	log.debug(DebugIRQ, 2, "z25: idirq", "unit", u.index, "idirq", idirq)
	n := 0
	for slot := range u.slots {
		if pending&(1<<slot) == 0 || u.slots[slot] == nil {
			continue
		}
		if u.slots[slot].service(st, log) {
			n++
		}
	}
	return n
}

// service reads IIR once and runs the matching handler. It reports false
// when the channel had nothing pending.
func (c *Channel) service(st *routerStats, log logger) bool {
	iir := c.regs.InterruptIdent()
	cause, pending := ClassifyIIR(iir)
	if !pending {
		return false
	}
	log.debug(DebugIRQ, 3, "z25: dispatch", "unit", c.unit.index, "channel", c.slot, "iir", iir, "cause", cause)

	switch cause {
	case CauseLineStatus:
		st.lineStatus.Add(1)
		_ = c.regs.CaptureLineStatus()
	case CauseReceive:
		st.receive.Add(1)
		c.drainReceive(st)
	case CauseTransmit:
		st.transmit.Add(1)
		c.fillTransmit(st)
	case CauseModemStatus:
		st.modemStatus.Add(1)
		_ = c.regs.ControlModemTxInt()
	}
	return true
}

// drainReceive empties the receive FIFO into the consumer.
func (c *Channel) drainReceive(st *routerStats) {
	cons := c.consumer()
	for c.regs.ReceiveReady() {
		b := c.regs.ReceiveByte()
		if cons != nil && cons.receive(b) {
			st.rxBytes.Add(1)
		} else {
			st.rxDiscarded.Add(1)
		}
	}
}

// fillTransmit writes up to the transmit trigger level. When the consumer
// runs dry the transmit interrupt is switched off, ending the burst.
func (c *Channel) fillTransmit(st *routerStats) {
	cons := c.consumer()
	n := c.regs.TxTrigger()
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		var b byte
		ok := false
		if cons != nil {
			b, ok = cons.transmit()
		}
		if !ok {
			_, _ = c.regs.DisableInterrupt(mz25.IerTHREIEN)
			return
		}
		c.regs.TransmitByte(b)
		st.txBytes.Add(1)
	}
}
