package stream

// ring is a fixed-capacity byte FIFO. It is not safe for concurrent use.
type ring struct {
	buf  []byte
	head int
	n    int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}
	return &ring{buf: make([]byte, size)}
}

func (r *ring) Size() int { return len(r.buf) }

func (r *ring) Used() int { return r.n }

// Put stores a byte. If the ring is already full, it returns false.
func (r *ring) Put(b byte) bool {
	if r.n == len(r.buf) {
		return false
	}
	r.buf[(r.head+r.n)%len(r.buf)] = b
	r.n++
	return true
}

// Get returns the oldest byte. If the ring is empty, it returns (0, false).
func (r *ring) Get() (byte, bool) {
	if r.n == 0 {
		return 0, false
	}
	b := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.n--
	return b, true
}

func (r *ring) Clear() {
	r.head = 0
	r.n = 0
}
