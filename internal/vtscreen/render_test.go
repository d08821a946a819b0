package vtscreen

import (
	"strings"
	"testing"
)

// renderInto replays src's rendering onto a fresh screen of the same size.
func renderInto(t *testing.T, src *Screen) *Screen {
	t.Helper()
	cols, rows := src.Size()
	dst := New(cols, rows)
	if _, err := dst.Write(src.Render()); err != nil {
		t.Fatalf("Write render: %v", err)
	}
	return dst
}

func TestRenderReproducesScreen(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"plain", "hello\r\nworld"},
		{"colors", "\x1b[31mred\x1b[0m \x1b[1;32mbold green\x1b[0m \x1b[44mblue bg\x1b[0m"},
		{"bright and 256", "\x1b[91mbright\x1b[0m \x1b[38;5;202morange\x1b[48;5;17m navy\x1b[0m"},
		{"truecolor", "\x1b[38;2;10;20;30mrgb\x1b[48;2;200;100;50m bg\x1b[0m"},
		{"reverse", "\x1b[7mrev\x1b[27m normal \x1b[1;7;33mboldrev\x1b[0m"},
		{"attributes", "\x1b[3mit\x1b[23m \x1b[4mul\x1b[24m \x1b[5mblink\x1b[0m"},
		{"erase with bg", "\x1b[41m\x1b[2J\x1b[Hfilled"},
		{"cursor moves", "abc\x1b[5;10Hxyz\x1b[2;3H"},
		{"full width line", strings.Repeat("x", 20) + "\r\nnext"},
		{"line drawing", "\x1b(0lqqk\x1b(B done"},
		{"unicode", "héllo wörld €"},
		{"hidden cursor", "top\x1b[?25l"},
		{"title", "\x1b]0;my shell\x07prompt$ "},
		{"scrolling", strings.Repeat("line\r\n", 12) + "last"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := New(20, 8)
			src.Write([]byte(tt.input))
			dst := renderInto(t, src)
			if d := Diff(src, dst); d != "" {
				t.Errorf("rendered screen differs: %s", d)
			}
		})
	}
}

func TestRenderRestoresPen(t *testing.T) {
	src := New(20, 4)
	src.Write([]byte("\x1b[1;35mstill "))
	dst := renderInto(t, src)

	// Text written after replay must pick up the same attributes.
	src.Write([]byte("magenta"))
	dst.Write([]byte("magenta"))
	if d := Diff(src, dst); d != "" {
		t.Errorf("pen not restored: %s", d)
	}
}

func TestRenderModes(t *testing.T) {
	src := New(20, 4)
	src.Write([]byte("\x1b[?1h\x1b=\x1b[?7l\x1b[?1000h"))
	dst := renderInto(t, src)
	if src.Mode() != dst.Mode() {
		t.Errorf("mode %b != %b", src.Mode(), dst.Mode())
	}
}

func TestRenderAltScreen(t *testing.T) {
	src := New(20, 4)
	src.Write([]byte("shell prompt\x1b[?1049h\x1b[Hvim buffer"))
	dst := renderInto(t, src)
	if d := Diff(src, dst); d != "" {
		t.Errorf("alt screen differs: %s", d)
	}
	if got := dst.Text(); got != "vim buffer" {
		t.Errorf("Text = %q", got)
	}
}

func TestRenderSkipsBlankTail(t *testing.T) {
	src := New(80, 24)
	src.Write([]byte("x"))
	out := string(src.Render())
	if strings.Count(out, " ") > 0 {
		t.Errorf("blank cells should not be painted: %q", out)
	}
}

func TestDiffDetectsChanges(t *testing.T) {
	a, b := New(10, 2), New(10, 2)
	if d := Diff(a, b); d != "" {
		t.Fatalf("fresh screens differ: %s", d)
	}
	a.Write([]byte("x"))
	if Diff(a, b) == "" {
		t.Error("expected content difference")
	}
	b.Write([]byte("x"))
	b.Resize(11, 2)
	if Diff(a, b) == "" {
		t.Error("expected size difference")
	}
}
