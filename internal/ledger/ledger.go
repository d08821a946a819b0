package ledger

import (
	"log"
	"sync"

	"github.com/gluk-w/claworc/ptyreplica/internal/vtscreen"
)

// DefaultRetention bounds the bytes of output kept in the entry log.
const DefaultRetention = 1024 * 1024

type EntryKind uint8

const (
	EntryData EntryKind = iota + 1
	EntryResize
)

func (k EntryKind) String() string {
	switch k {
	case EntryData:
		return "data"
	case EntryResize:
		return "resize"
	default:
		return "unknown"
	}
}

// Entry is one recorded event. Data is never modified after it is recorded
// and may be shared between snapshots.
type Entry struct {
	Seq  uint64
	Kind EntryKind
	Data []byte
	Cols int
	Rows int
}

// Stats describes the ledger's bookkeeping.
type Stats struct {
	Seq           uint64 `json:"seq"`
	Entries       int    `json:"entries"`
	RetainedBytes int    `json:"retained_bytes"`
	Retention     int    `json:"retention"`
	Evicted       uint64 `json:"evicted"`
	Cols          int    `json:"cols"`
	Rows          int    `json:"rows"`
}

type Ledger struct {
	mu sync.Mutex

	live *vtscreen.Screen
	base *vtscreen.Screen
	// baseTail is evicted output that ends inside an escape sequence. It
	// has not been written to base and replays after the base rendering.
	baseTail []byte

	entries   []Entry
	retained  int
	retention int
	seq       uint64
	evicted   uint64
}

// New creates an empty ledger with the given canonical size. A retention
// of zero or less selects DefaultRetention.
func New(cols, rows, retention int) *Ledger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ledger{
		live:      vtscreen.New(cols, rows),
		base:      vtscreen.New(cols, rows),
		retention: retention,
	}
}

// Append records a chunk of output and applies it to the canonical screen.
// It returns the chunk's sequence number. Empty chunks are ignored and
// return the current sequence number.
func (l *Ledger) Append(p []byte) uint64 {
	if len(p) == 0 {
		return l.Seq()
	}
	data := append([]byte(nil), p...)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.live.Write(data)
	l.seq++
	l.entries = append(l.entries, Entry{Seq: l.seq, Kind: EntryData, Data: data})
	l.retained += len(data)
	l.evict()
	return l.seq
}

// Resize changes the canonical size and records the change so that replay
// reflows output at the sizes it was produced with. It reports whether the
// size changed. Consecutive resizes collapse into one entry.
func (l *Ledger) Resize(cols, rows int) bool {
	if cols < 1 || rows < 1 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if c, r := l.live.Size(); c == cols && r == rows {
		return false
	}
	l.live.Resize(cols, rows)
	l.seq++
	if n := len(l.entries); n > 0 && l.entries[n-1].Kind == EntryResize {
		l.entries[n-1] = Entry{Seq: l.seq, Kind: EntryResize, Cols: cols, Rows: rows}
		return true
	}
	l.entries = append(l.entries, Entry{Seq: l.seq, Kind: EntryResize, Cols: cols, Rows: rows})
	return true
}

// evict folds the oldest entries into the base screen until the retained
// bytes fit the retention limit. Callers hold l.mu.
func (l *Ledger) evict() {
	if l.retained <= l.retention {
		return
	}
	if l.evicted == 0 {
		log.Printf("[ledger] retention of %d bytes exceeded, folding oldest output into base screen", l.retention)
	}
	for l.retained > l.retention && len(l.entries) > 0 {
		e := l.entries[0]
		switch e.Kind {
		case EntryData:
			l.foldIntoBase(e.Data)
			l.retained -= len(e.Data)
		case EntryResize:
			l.base.Resize(e.Cols, e.Rows)
		}
		l.entries[0] = Entry{}
		l.entries = l.entries[1:]
		l.evicted++
	}
}

// foldIntoBase writes evicted output to the base screen, holding back a
// trailing escape sequence that is not complete yet. Callers hold l.mu.
func (l *Ledger) foldIntoBase(p []byte) {
	buf := append(l.baseTail, p...)
	n := groundPrefix(buf)
	if len(buf)-n > maxPendingSequence {
		n = len(buf)
	}
	l.base.Write(buf[:n])
	l.baseTail = append([]byte(nil), buf[n:]...)
}

// Reset discards all recorded output and starts over at the given size.
func (l *Ledger) Reset(cols, rows int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.live = vtscreen.New(cols, rows)
	l.base = vtscreen.New(cols, rows)
	l.baseTail = nil
	l.entries = nil
	l.retained = 0
	l.evicted = 0
	// seq keeps counting so stale sequence numbers are never reused.
}

func (l *Ledger) Size() (cols, rows int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live.Size()
}

func (l *Ledger) Cursor() (x, y int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live.Cursor()
}

// Text returns the canonical screen's visible text.
func (l *Ledger) Text() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live.Text()
}

// Compare describes the first visible difference between the canonical
// screen and s, or returns "" when they match.
func (l *Ledger) Compare(s *vtscreen.Screen) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return vtscreen.Diff(l.live, s)
}

func (l *Ledger) Title() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live.Title()
}

// Seq returns the sequence number of the most recent entry.
func (l *Ledger) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	cols, rows := l.live.Size()
	return Stats{
		Seq:           l.seq,
		Entries:       len(l.entries),
		RetainedBytes: l.retained,
		Retention:     l.retention,
		Evicted:       l.evicted,
		Cols:          cols,
		Rows:          rows,
	}
}
