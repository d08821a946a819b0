// Package vtscreen is a headless terminal surface built on vt10x. It is the
// rendering capability behind the output ledger: it accepts arbitrary
// chunks of terminal output (including chunks that split a UTF-8 sequence),
// tracks the visible screen, and can serialize that screen back into bytes
// that recreate it on another terminal.
package vtscreen

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/hinshun/vt10x"
)

// Screen is safe for concurrent use.
type Screen struct {
	mu      sync.Mutex
	vt      vt10x.Terminal
	pending []byte // trailing bytes of an incomplete UTF-8 sequence
}

func New(cols, rows int) *Screen {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return &Screen{vt: vt10x.New(vt10x.WithSize(cols, rows))}
}

// Write feeds terminal output to the screen. It always consumes all of p;
// an incomplete trailing rune is held until the next Write.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(p)
	if len(s.pending) > 0 {
		buf := make([]byte, 0, len(s.pending)+len(p))
		buf = append(buf, s.pending...)
		p = append(buf, p...)
		s.pending = nil
	}
	if k := incompleteTail(p); k > 0 {
		s.pending = append([]byte(nil), p[len(p)-k:]...)
		p = p[:len(p)-k]
	}
	if len(p) > 0 {
		if _, err := s.vt.Write(p); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// incompleteTail returns the length of a UTF-8 sequence at the end of p
// that needs more bytes to complete, or 0.
func incompleteTail(p []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(p); i++ {
		b := p[len(p)-i]
		if utf8.RuneStart(b) {
			if b >= utf8.RuneSelf && !utf8.FullRune(p[len(p)-i:]) {
				return i
			}
			return 0
		}
	}
	return 0
}

// Pending returns bytes held back from the last Write.
func (s *Screen) Pending() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.pending...)
}

// Resize changes the screen dimensions. Non-positive sizes are ignored.
func (s *Screen) Resize(cols, rows int) {
	if cols < 1 || rows < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Resize(cols, rows)
}

func (s *Screen) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Lock()
	defer s.vt.Unlock()
	return s.vt.Size()
}

func (s *Screen) Cursor() (x, y int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Lock()
	defer s.vt.Unlock()
	c := s.vt.Cursor()
	return c.X, c.Y
}

func (s *Screen) CursorVisible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Lock()
	defer s.vt.Unlock()
	return s.vt.CursorVisible()
}

func (s *Screen) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Lock()
	defer s.vt.Unlock()
	return s.vt.Title()
}

func (s *Screen) Mode() vt10x.ModeFlag {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Lock()
	defer s.vt.Unlock()
	return s.vt.Mode()
}

// Cell returns the glyph at (x, y). Out-of-range positions return a blank.
func (s *Screen) Cell(x, y int) vt10x.Glyph {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Lock()
	defer s.vt.Unlock()
	cols, rows := s.vt.Size()
	if x < 0 || y < 0 || x >= cols || y >= rows {
		return vt10x.Glyph{Char: ' ', FG: vt10x.DefaultFG, BG: vt10x.DefaultBG}
	}
	return s.vt.Cell(x, y)
}

// Text returns the visible characters, one line per row with trailing
// blanks and trailing empty rows removed.
func (s *Screen) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Lock()
	defer s.vt.Unlock()

	cols, rows := s.vt.Size()
	lines := make([]string, rows)
	var row []rune
	for y := 0; y < rows; y++ {
		row = row[:0]
		for x := 0; x < cols; x++ {
			c := s.vt.Cell(x, y).Char
			if c == 0 {
				c = ' '
			}
			row = append(row, c)
		}
		lines[y] = strings.TrimRight(string(row), " ")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
