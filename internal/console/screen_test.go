package console

import (
	"bytes"
	"sync"
	"testing"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func TestScreenLines(t *testing.T) {
	s := NewScreen(20, 5, nil)
	defer s.Close()

	s.Write([]byte("login: \x1b[1mroot\x1b[0m\r\n"))
	s.Write([]byte("# ls\r\n"))

	lines := s.Lines()
	if len(lines) != 5 {
		t.Fatalf("rows = %d", len(lines))
	}
	if lines[0] != "login: root" {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if lines[1] != "# ls" {
		t.Fatalf("line 1 = %q", lines[1])
	}
	if got := s.String(); got != "login: root\n# ls" {
		t.Fatalf("String = %q", got)
	}
	if x, y := s.Cursor(); x != 0 || y != 2 {
		t.Fatalf("cursor = %d,%d", x, y)
	}
}

func TestScreenOverwrite(t *testing.T) {
	s := NewScreen(10, 2, nil)
	defer s.Close()

	s.Write([]byte("12345\r"))
	s.Write([]byte("ab"))
	if got := s.Lines()[0]; got != "ab345" {
		t.Fatalf("line = %q", got)
	}
}

func TestScreenTranscript(t *testing.T) {
	s := NewScreen(0, 0, nil)
	defer s.Close()

	if c, r := s.Size(); c != DefaultCols || r != DefaultRows {
		t.Fatalf("size = %dx%d", c, r)
	}
	s.Write([]byte("a\x1b[31mb\x1b[0mc"))
	if got := s.Transcript(); got != "abc" {
		t.Fatalf("transcript = %q", got)
	}
	if got := string(s.Raw()); got != "a\x1b[31mb\x1b[0mc" {
		t.Fatalf("raw = %q", got)
	}
}

func TestScreenSuppressesCursorReport(t *testing.T) {
	replies := &lockedBuffer{}
	s := NewScreen(80, 24, replies)
	s.Write([]byte("\x1b[6n\x1b[c"))
	s.Close()

	if n := replies.Len(); n != 0 {
		t.Fatalf("got %d reply bytes", n)
	}
}
