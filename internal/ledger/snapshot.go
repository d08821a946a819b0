package ledger

import (
	"fmt"
	"io"
)

// Surface is anything a snapshot can be replayed onto: a headless screen,
// a websocket viewer, a local terminal.
type Surface interface {
	io.Writer
	Resize(cols, rows int)
}

// Snapshot is an immutable copy of a ledger's replayable state.
type Snapshot struct {
	// Seq is the sequence number of the last entry included.
	Seq uint64
	// Cols and Rows are the canonical size at snapshot time.
	Cols, Rows int

	BaseCols, BaseRows int
	// Base recreates the base screen: its rendering, any incomplete UTF-8
	// sequence it is holding, then any evicted escape sequence that the
	// retained entries complete.
	Base    []byte
	Entries []Entry
	// Truncated reports that output older than the retention window has
	// been folded into Base.
	Truncated bool
}

// Snapshot captures the ledger without modifying it.
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := l.base.Render()
	base = append(base, l.base.Pending()...)
	base = append(base, l.baseTail...)
	bc, br := l.base.Size()
	cols, rows := l.live.Size()
	return &Snapshot{
		Seq:       l.seq,
		Cols:      cols,
		Rows:      rows,
		BaseCols:  bc,
		BaseRows:  br,
		Base:      base,
		Entries:   append([]Entry(nil), l.entries...),
		Truncated: l.evicted > 0,
	}
}

// Replay writes the snapshot to dst in order. When it returns without
// error dst shows the canonical screen as of the snapshot.
func (s *Snapshot) Replay(dst Surface) error {
	dst.Resize(s.BaseCols, s.BaseRows)
	if _, err := dst.Write(s.Base); err != nil {
		return fmt.Errorf("replay base: %w", err)
	}
	for _, e := range s.Entries {
		switch e.Kind {
		case EntryData:
			if _, err := dst.Write(e.Data); err != nil {
				return fmt.Errorf("replay entry %d: %w", e.Seq, err)
			}
		case EntryResize:
			dst.Resize(e.Cols, e.Rows)
		}
	}
	return nil
}

// Bytes returns the total output bytes Replay will write.
func (s *Snapshot) Bytes() int {
	n := len(s.Base)
	for _, e := range s.Entries {
		n += len(e.Data)
	}
	return n
}
