// Package console renders what a UART channel transmits into a terminal
// grid, for headless capture of a simulated serial console.
package console

import (
	"bytes"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

const (
	DefaultCols = 80
	DefaultRows = 24
)

// Screen is an io.Writer that feeds a VT emulator and records the raw
// byte stream.
type Screen struct {
	emu *vt.SafeEmulator

	mu  sync.Mutex
	raw bytes.Buffer

	replies   io.Writer
	done      chan struct{}
	closeOnce sync.Once
}

// NewScreen returns a cols x rows screen. Terminal replies to queries that
// are not suppressed go to replies, which may be nil.
func NewScreen(cols, rows int, replies io.Writer) *Screen {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	emu := vt.NewSafeEmulator(cols, rows)
	suppressQueries(emu)

	s := &Screen{
		emu:     emu,
		replies: replies,
		done:    make(chan struct{}),
	}
	go s.drainReplies()
	return s
}

// suppressQueries stops the emulator from answering status and attribute
// queries. A serial peer would receive the answers as input.
func suppressQueries(emu *vt.SafeEmulator) {
	// CSI 5 n, CSI 6 n
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && (n == 5 || n == 6)
	})
	// CSI ? 6 n
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	// CSI c, CSI > c
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

func (s *Screen) drainReplies() {
	defer close(s.done)
	buf := make([]byte, 256)
	for {
		n, err := s.emu.Read(buf)
		if n > 0 && s.replies != nil {
			s.replies.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// Write implements io.Writer.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.raw.Write(p)
	s.mu.Unlock()
	return s.emu.Write(p)
}

// Size returns the grid size.
func (s *Screen) Size() (cols, rows int) {
	return s.emu.Width(), s.emu.Height()
}

// Cursor returns the cursor cell.
func (s *Screen) Cursor() (x, y int) {
	pos := s.emu.CursorPosition()
	return pos.X, pos.Y
}

// Lines returns the visible rows with trailing blanks removed.
func (s *Screen) Lines() []string {
	cols, rows := s.Size()
	lines := make([]string, rows)
	var sb strings.Builder
	for y := 0; y < rows; y++ {
		sb.Reset()
		for x := 0; x < cols; {
			cell := s.emu.CellAt(x, y)
			w := 1
			content := " "
			if cell != nil {
				if cell.Content != "" {
					content = cell.Content
				}
				if cell.Width > 1 {
					w = cell.Width
				}
			}
			sb.WriteString(content)
			x += w
		}
		lines[y] = strings.TrimRight(sb.String(), " ")
	}
	return lines
}

// String returns the screen contents down to the last non-blank row.
func (s *Screen) String() string {
	lines := s.Lines()
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// Raw returns every byte written so far.
func (s *Screen) Raw() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.raw.Bytes())
}

// Transcript returns the written stream with escape sequences removed.
func (s *Screen) Transcript() string {
	return ansi.Strip(string(s.Raw()))
}

// Close stops the emulator and waits for the reply drain to finish.
func (s *Screen) Close() error {
	s.closeOnce.Do(func() {
		s.emu.Close()
		<-s.done
	})
	return nil
}
