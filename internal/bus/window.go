package bus

import (
	"fmt"
	"sync"
)

// Window is a plain memory region, either RAM owned by the process or a
// mapped device resource.
type Window struct {
	mu   sync.Mutex
	base uint64
	mem  []byte

	unmap func([]byte) error
}

// NewWindow wraps mem as a region starting at base.
func NewWindow(base uint64, mem []byte) *Window {
	return &Window{base: base, mem: mem}
}

// Base returns the first bus address served by the window.
func (w *Window) Base() uint64 { return w.base }

// Size returns the window length in bytes.
func (w *Window) Size() uint64 { return uint64(len(w.mem)) }

// Bytes exposes the backing memory. Callers must not retain it past Close.
func (w *Window) Bytes() []byte { return w.mem }

// ReadMMIO implements Region.
func (w *Window) ReadMMIO(addr uint64, data []byte) error {
	off, err := w.offset(addr, len(data))
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	copy(data, w.mem[off:off+len(data)])
	return nil
}

// WriteMMIO implements Region.
func (w *Window) WriteMMIO(addr uint64, data []byte) error {
	off, err := w.offset(addr, len(data))
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	copy(w.mem[off:off+len(data)], data)
	return nil
}

// Close releases a mapped window. It is a no-op for plain memory.
func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unmap == nil || w.mem == nil {
		return nil
	}
	err := w.unmap(w.mem)
	w.mem = nil
	w.unmap = nil
	if err != nil {
		return fmt.Errorf("bus: unmap window at 0x%x: %w", w.base, err)
	}
	return nil
}

func (w *Window) offset(addr uint64, n int) (int, error) {
	if addr < w.base || addr+uint64(n) > w.base+uint64(len(w.mem)) {
		return 0, fmt.Errorf("bus: access 0x%x+%d outside window 0x%x+%d", addr, n, w.base, len(w.mem))
	}
	return int(addr - w.base), nil
}

var (
	_ Region = (*Window)(nil)
)
