package z25

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/tinyrange/z25/internal/mz25"
)

// testIRQLine captures interrupt line state changes
type testIRQLine struct {
	mu     sync.Mutex
	level  bool
	events []bool
}

func (t *testIRQLine) SetLevel(level bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) == 0 || t.level != level {
		t.events = append(t.events, level)
	}
	t.level = level
}

func (t *testIRQLine) PulseInterrupt() {
	t.SetLevel(true)
	t.SetLevel(false)
}

func (t *testIRQLine) getLevel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

const base = 0xA0001000

func newTestUnit(t *testing.T, opts Options) (*Unit, *testIRQLine) {
	t.Helper()
	line := &testIRQLine{}
	opts.Line = line
	u, err := NewUnit(base, opts)
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	return u, line
}

func write(t *testing.T, u *Unit, off uint64, v byte) {
	t.Helper()
	if err := u.WriteMMIO(base+off, []byte{v}); err != nil {
		t.Fatalf("write 0x%x: %v", off, err)
	}
}

func read(t *testing.T, u *Unit, off uint64) byte {
	t.Helper()
	var buf [1]byte
	if err := u.ReadMMIO(base+off, buf[:]); err != nil {
		t.Fatalf("read 0x%x: %v", off, err)
	}
	return buf[0]
}

func TestDivisorLatch(t *testing.T) {
	u, _ := newTestUnit(t, Options{})
	ch := uint64(2 * mz25.ChannelStride)
	write(t, u, ch+mz25.RegLCR, mz25.LcrDLAB|0x03)
	write(t, u, ch+mz25.RegDLL, 12)
	write(t, u, ch+mz25.RegDLH, 0)
	write(t, u, ch+mz25.RegLCR, 0x03)
	write(t, u, ch+mz25.RegIER, mz25.IerRDAIEN)

	regs, err := u.Registers(2)
	if err != nil {
		t.Fatalf("Registers: %v", err)
	}
	if regs.Divisor != 12 || regs.LCR != 0x03 || regs.IER != mz25.IerRDAIEN {
		t.Fatalf("registers = %+v", regs)
	}
	if other, _ := u.Registers(0); other.Divisor != 0 {
		t.Fatalf("channel 0 divisor = %d, want untouched", other.Divisor)
	}
}

func TestReceiveTriggerAndTimeout(t *testing.T) {
	u, line := newTestUnit(t, Options{})
	write(t, u, mz25.RegACR, mz25.AcrRXEN)
	write(t, u, mz25.RegFCR, mz25.FcrTrigger1|mz25.FcrFIFOEN)
	write(t, u, mz25.RegIER, mz25.IerRDAIEN)

	if regs, _ := u.Registers(0); regs.Trigger != 4 {
		t.Fatalf("trigger = %d, want 4", regs.Trigger)
	}

	if _, err := u.Inject(0, []byte("abc")); err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if line.getLevel() {
		t.Fatalf("interrupt asserted below trigger level")
	}
	if err := u.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := read(t, u, mz25.RegIIR) & 0x0F; got != mz25.IirCharTimeout {
		t.Fatalf("IIR = 0x%x, want char timeout", got)
	}
	if !line.getLevel() {
		t.Fatalf("interrupt not asserted after timeout")
	}

	_, _ = u.Inject(0, []byte("d"))
	if got := read(t, u, mz25.RegIIR) & 0x0F; got != mz25.IirReceive {
		t.Fatalf("IIR = 0x%x, want receive", got)
	}

	var got []byte
	for read(t, u, mz25.RegLSR)&mz25.LsrDR != 0 {
		got = append(got, read(t, u, mz25.RegRHR))
	}
	if string(got) != "abcd" {
		t.Fatalf("received %q, want abcd", got)
	}
	if line.getLevel() {
		t.Fatalf("interrupt still asserted after drain")
	}
}

func TestReceiverDisabledDrops(t *testing.T) {
	u, _ := newTestUnit(t, Options{})
	n, err := u.Inject(1, []byte("xy"))
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if n != 0 {
		t.Fatalf("accepted %d bytes with RXEN clear", n)
	}
	if st, _ := u.Stats(1); st.Dropped != 2 {
		t.Fatalf("dropped = %d, want 2", st.Dropped)
	}
}

func TestOverrunLineStatus(t *testing.T) {
	u, _ := newTestUnit(t, Options{FIFODepth: 2})
	write(t, u, mz25.RegACR, mz25.AcrRXEN)
	write(t, u, mz25.RegIER, mz25.IerRLSIEN)
	_, _ = u.Inject(0, []byte("abc"))

	if got := read(t, u, mz25.RegIIR) & 0x0F; got != mz25.IirLineStatus {
		t.Fatalf("IIR = 0x%x, want line status", got)
	}
	lsr := read(t, u, mz25.RegLSR)
	if lsr&mz25.LsrOE == 0 {
		t.Fatalf("LSR = 0x%x, want OE", lsr)
	}
	if read(t, u, mz25.RegLSR)&mz25.LsrOE != 0 {
		t.Fatalf("OE not cleared by LSR read")
	}
}

func TestTransmitAndTHREmpty(t *testing.T) {
	u, line := newTestUnit(t, Options{})
	var out bytes.Buffer
	if err := u.SetOutput(0, &out); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}
	write(t, u, mz25.RegIER, mz25.IerTHREIEN)
	if !line.getLevel() {
		t.Fatalf("THR empty not raised when enabling THREIEN")
	}
	if got := read(t, u, mz25.RegIIR) & 0x0F; got != mz25.IirTHREmpty {
		t.Fatalf("IIR = 0x%x, want THR empty", got)
	}
	if line.getLevel() {
		t.Fatalf("THR empty not acknowledged by IIR read")
	}
	write(t, u, mz25.RegTHR, 'h')
	write(t, u, mz25.RegTHR, 'i')
	if out.String() != "hi" {
		t.Fatalf("out = %q", out.String())
	}
	if !line.getLevel() {
		t.Fatalf("THR empty not raised after transmit")
	}
	write(t, u, mz25.RegIER, 0)
	if line.getLevel() {
		t.Fatalf("line high with IER clear")
	}
}

func TestLoopback(t *testing.T) {
	u, _ := newTestUnit(t, Options{})
	write(t, u, mz25.RegACR, mz25.AcrRXEN)
	write(t, u, mz25.RegMCR, mz25.McrLOOP|mz25.McrRTS)
	write(t, u, mz25.RegTHR, 'z')
	if read(t, u, mz25.RegLSR)&mz25.LsrDR == 0 {
		t.Fatalf("looped byte not received")
	}
	if b := read(t, u, mz25.RegRHR); b != 'z' {
		t.Fatalf("RHR = %q", b)
	}
	msr := read(t, u, mz25.RegMSR)
	if msr&mz25.MsrCTS == 0 || msr&mz25.MsrDSR != 0 {
		t.Fatalf("MSR = 0x%x, want CTS from RTS only", msr)
	}
}

func TestModemInputsDelta(t *testing.T) {
	u, _ := newTestUnit(t, Options{})
	write(t, u, mz25.RegIER, mz25.IerMSIEN)
	if err := u.SetModemInputs(0, false, true, true, false); err != nil {
		t.Fatalf("SetModemInputs: %v", err)
	}
	if got := read(t, u, mz25.RegIIR) & 0x0F; got != mz25.IirModemStatus {
		t.Fatalf("IIR = 0x%x, want modem status", got)
	}
	msr := read(t, u, mz25.RegMSR)
	if msr&mz25.MsrDCTS == 0 || msr&mz25.MsrCTS != 0 {
		t.Fatalf("MSR = 0x%x, want DCTS with CTS low", msr)
	}
	if read(t, u, mz25.RegMSR)&0x0F != 0 {
		t.Fatalf("delta bits not cleared by read")
	}
}

func TestRCFCCapability(t *testing.T) {
	plain, _ := newTestUnit(t, Options{})
	write(t, plain, mz25.RegMCR, mz25.McrRCFC|mz25.McrRTS)
	if got := read(t, plain, mz25.RegMCR); got != mz25.McrRTS {
		t.Fatalf("MCR = 0x%x, RCFC should not stick", got)
	}
	auto, _ := newTestUnit(t, Options{AutoRTSCTS: true})
	write(t, auto, mz25.RegMCR, mz25.McrRCFC)
	if got := read(t, auto, mz25.RegMCR); got != mz25.McrRCFC {
		t.Fatalf("MCR = 0x%x, want RCFC", got)
	}
}

func TestIDIRQ(t *testing.T) {
	u, _ := newTestUnit(t, Options{Channels: 3})
	if got := read(t, u, mz25.RegIDIRQ); got != 0x70 {
		t.Fatalf("IDIRQ = 0x%x, want 0x70", got)
	}
	ch2 := uint64(2 * mz25.ChannelStride)
	write(t, u, ch2+mz25.RegIER, mz25.IerTHREIEN)
	if got := read(t, u, mz25.RegIDIRQ); got != 0x74 {
		t.Fatalf("IDIRQ = 0x%x, want 0x74", got)
	}
	if got := read(t, u, 3*mz25.ChannelStride+mz25.RegLSR); got != 0xff {
		t.Fatalf("absent channel read 0x%x, want 0xff", got)
	}
}

func TestExtendedSinglePort(t *testing.T) {
	u, _ := newTestUnit(t, Options{Variant: mz25.Extended, Channels: 4})
	if u.Channels() != 1 {
		t.Fatalf("channels = %d, want 1", u.Channels())
	}
	write(t, u, mz25.RegFCR, mz25.FcrTrigger3|mz25.FcrFIFOEN)
	if regs, _ := u.Registers(0); regs.Trigger != 116 {
		t.Fatalf("trigger = %d, want 116", regs.Trigger)
	}
}

func TestOutOfBounds(t *testing.T) {
	u, _ := newTestUnit(t, Options{})
	if err := u.ReadMMIO(base+mz25.UnitSpan, make([]byte, 1)); err == nil {
		t.Fatalf("expected error past unit span")
	}
	if _, err := u.Registers(4); err == nil {
		t.Fatalf("expected error for channel 4")
	}
	if _, err := NewUnit(base, Options{Channels: 5}); err == nil {
		t.Fatalf("expected error for 5 channels")
	}
}

func TestPollInput(t *testing.T) {
	u, _ := newTestUnit(t, Options{})
	write(t, u, mz25.RegACR, mz25.AcrRXEN)
	if err := u.SetInput(0, bytes.NewReader([]byte("ok"))); err != nil {
		t.Fatalf("SetInput: %v", err)
	}
	if err := u.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if regs, _ := u.Registers(0); regs.Pending != 2 {
		t.Fatalf("pending = %d, want 2", regs.Pending)
	}
}
