package vtscreen

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/hinshun/vt10x"
)

// Glyph attribute bits as stored by vt10x.
const (
	attrReverse   = 1 << 0
	attrUnderline = 1 << 1
	attrBold      = 1 << 2
	attrGfx       = 1 << 3
	attrItalic    = 1 << 4
	attrBlink     = 1 << 5

	styleMask = attrReverse | attrUnderline | attrBold | attrItalic | attrBlink
)

type style struct {
	mode   int16
	fg, bg vt10x.Color
}

var defaultStyle = style{fg: vt10x.DefaultFG, bg: vt10x.DefaultBG}

// cellStyle recovers the pen that produced g. vt10x stores reverse video
// cells with their colors already swapped.
func cellStyle(g vt10x.Glyph) style {
	st := style{mode: g.Mode & styleMask, fg: g.FG, bg: g.BG}
	if st.mode&attrReverse != 0 {
		st.fg, st.bg = st.bg, st.fg
	}
	return st
}

func penStyle(g vt10x.Glyph) style {
	return style{mode: g.Mode & styleMask, fg: g.FG, bg: g.BG}
}

func (st style) sgr(b *bytes.Buffer) {
	b.WriteString("\x1b[0")
	if st.mode&attrBold != 0 {
		b.WriteString(";1")
	}
	if st.mode&attrItalic != 0 {
		b.WriteString(";3")
	}
	if st.mode&attrUnderline != 0 {
		b.WriteString(";4")
	}
	if st.mode&attrBlink != 0 {
		b.WriteString(";5")
	}
	if st.mode&attrReverse != 0 {
		b.WriteString(";7")
	}
	writeColor(b, st.fg, 30, 90, 38)
	writeColor(b, st.bg, 40, 100, 48)
	b.WriteByte('m')
}

func writeColor(b *bytes.Buffer, c vt10x.Color, base, bright, extended int) {
	switch {
	case c < 8:
		b.WriteByte(';')
		b.WriteString(strconv.Itoa(base + int(c)))
	case c < 16:
		b.WriteByte(';')
		b.WriteString(strconv.Itoa(bright + int(c) - 8))
	case c < 256:
		fmt.Fprintf(b, ";%d;5;%d", extended, c)
	case c < 1<<24:
		fmt.Fprintf(b, ";%d;2;%d;%d;%d", extended, (c>>16)&0xff, (c>>8)&0xff, c&0xff)
	}
	// DefaultFG, DefaultBG and anything above are the terminal default.
}

func blank(g vt10x.Glyph) bool {
	return (g.Char == ' ' || g.Char == 0) && cellStyle(g) == defaultStyle
}

// Render serializes the screen into bytes that, written to a terminal of
// the same size, reproduce its visible contents, cursor position, pen,
// title, default tab stops and the modes vt10x exposes. Scrollback, the
// inactive screen buffer and saved cursor state are not part of the output.
func (s *Screen) Render() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vt.Lock()
	defer s.vt.Unlock()

	cols, rows := s.vt.Size()
	mode := s.vt.Mode()
	cur := s.vt.Cursor()

	var b bytes.Buffer
	if mode&vt10x.ModeAltScreen != 0 {
		b.WriteString("\x1b[?1049h")
	}
	b.WriteString("\x1b(B\x1b[0m\x1b[r\x1b[?6l\x1b[?7h\x1b[H\x1b[2J")
	// vt10x hides tab stops; restore the default every-8 layout.
	b.WriteString("\x1b[3g")
	for x := 8; x < cols; x += 8 {
		fmt.Fprintf(&b, "\x1b[1;%dH\x1bH", x+1)
	}

	pen := defaultStyle
	for y := 0; y < rows; y++ {
		last := cols - 1
		for last >= 0 && blank(s.vt.Cell(last, y)) {
			last--
		}
		if last < 0 {
			continue
		}
		fmt.Fprintf(&b, "\x1b[%d;1H", y+1)
		for x := 0; x <= last; x++ {
			g := s.vt.Cell(x, y)
			if st := cellStyle(g); st != pen {
				st.sgr(&b)
				pen = st
			}
			c := g.Char
			if c == 0 {
				c = ' '
			}
			b.WriteRune(c)
		}
	}

	penStyle(cur.Attr).sgr(&b)
	if cur.Attr.Mode&attrGfx != 0 {
		b.WriteString("\x1b(0")
	}
	if title := s.vt.Title(); title != "" {
		b.WriteString("\x1b]0;")
		b.WriteString(title)
		b.WriteByte('\a')
	}
	writeModes(&b, mode)
	fmt.Fprintf(&b, "\x1b[%d;%dH", cur.Y+1, cur.X+1)
	return b.Bytes()
}

func writeModes(b *bytes.Buffer, mode vt10x.ModeFlag) {
	set := func(flag vt10x.ModeFlag, seq string) {
		if mode&flag != 0 {
			b.WriteString(seq)
		}
	}
	set(vt10x.ModeAppCursor, "\x1b[?1h")
	set(vt10x.ModeReverse, "\x1b[?5h")
	set(vt10x.ModeHide, "\x1b[?25l")
	set(vt10x.ModeMouseX10, "\x1b[?9h")
	set(vt10x.ModeMouseButton, "\x1b[?1000h")
	set(vt10x.ModeMouseMotion, "\x1b[?1002h")
	set(vt10x.ModeMouseMany, "\x1b[?1003h")
	set(vt10x.ModeFocus, "\x1b[?1004h")
	set(vt10x.ModeMouseSgr, "\x1b[?1006h")
	set(vt10x.ModeInsert, "\x1b[4h")
	set(vt10x.ModeCRLF, "\x1b[20h")
	set(vt10x.ModeAppKeypad, "\x1b=")
	if mode&vt10x.ModeWrap == 0 {
		b.WriteString("\x1b[?7l")
	}
}

// Diff compares the visible state of two screens and describes the first
// difference, or returns "" when they match.
func Diff(a, b *Screen) string {
	ac, ar := a.Size()
	bc, br := b.Size()
	if ac != bc || ar != br {
		return fmt.Sprintf("size %dx%d != %dx%d", ac, ar, bc, br)
	}
	for y := 0; y < ar; y++ {
		for x := 0; x < ac; x++ {
			ga, gb := a.Cell(x, y), b.Cell(x, y)
			if ga.Char != gb.Char || cellStyle(ga) != cellStyle(gb) {
				return fmt.Sprintf("cell (%d,%d): %q %+v != %q %+v", x, y, ga.Char, cellStyle(ga), gb.Char, cellStyle(gb))
			}
		}
	}
	ax, ay := a.Cursor()
	bx, by := b.Cursor()
	if ax != bx || ay != by {
		return fmt.Sprintf("cursor (%d,%d) != (%d,%d)", ax, ay, bx, by)
	}
	if a.CursorVisible() != b.CursorVisible() {
		return "cursor visibility differs"
	}
	if a.Title() != b.Title() {
		return fmt.Sprintf("title %q != %q", a.Title(), b.Title())
	}
	return ""
}
