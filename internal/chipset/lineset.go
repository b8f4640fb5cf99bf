package chipset

import "sync"

// LineSet wires shared interrupt lines to a sink. Several sources may drive
// the same line; the line is high while any of them is.
type LineSet struct {
	mu sync.Mutex

	sink  InterruptSink
	lines map[uint8]*lineState
}

// NewLineSet builds a LineSet that forwards level changes to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint8]*lineState),
	}
}

// AllocateLine returns a new source handle for the given IRQ line.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.stateLocked(irq)
	h := &lineHandle{owner: l, irq: irq, id: state.next}
	state.next++
	return h
}

// Level reports the current level of irq.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[irq]
	return state != nil && len(state.high) > 0
}

// Lines returns the lines that are currently high.
func (l *LineSet) Lines() []uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []uint8
	for irq, state := range l.lines {
		if len(state.high) > 0 {
			out = append(out, irq)
		}
	}
	return out
}

type lineState struct {
	high map[int]struct{}
	next int
}

func (l *LineSet) stateLocked(irq uint8) *lineState {
	state := l.lines[irq]
	if state == nil {
		state = &lineState{high: make(map[int]struct{})}
		l.lines[irq] = state
	}
	return state
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
	id    int
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, h.id, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

func (l *LineSet) setLevel(irq uint8, source int, high bool) {
	l.mu.Lock()
	state := l.stateLocked(irq)
	was := len(state.high) > 0
	if high {
		state.high[source] = struct{}{}
	} else {
		delete(state.high, source)
	}
	now := len(state.high) > 0
	l.mu.Unlock()

	if was != now {
		l.sink.SetIRQ(irq, now)
	}
}

func (l *LineSet) pulse(irq uint8) {
	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}
