// Package recording captures timestamped terminal I/O of a replicated
// session for audit and later playback.
package recording

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// Entry is a single timestamped event. The format is inspired by
// asciinema v2.
type Entry struct {
	// Elapsed is the time since the recording started, in seconds.
	Elapsed float64 `json:"elapsed"`
	// Type is "o" for output, "i" for input.
	Type string `json:"type"`
	Data string `json:"data"`
}

// Recording is safe for concurrent use. It satisfies replica.Recorder.
type Recording struct {
	mu         sync.Mutex
	entries    []Entry
	startTime  time.Time
	maxEntries int
	dropped    int
	noInput    bool
}

// Option configures a Recording.
type Option func(*Recording)

// WithoutInput records output only.
func WithoutInput() Option {
	return func(r *Recording) { r.noInput = true }
}

// New creates a recording. If maxEntries <= 0 there is no limit.
func New(maxEntries int, opts ...Option) *Recording {
	r := &Recording{startTime: time.Now(), maxEntries: maxEntries}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recording) RecordOutput(data []byte) { r.add("o", data) }

func (r *Recording) RecordInput(data []byte) {
	if r.noInput {
		return
	}
	r.add("i", data)
}

func (r *Recording) add(typ string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxEntries > 0 && len(r.entries) >= r.maxEntries {
		r.dropped++
		return
	}
	r.entries = append(r.entries, Entry{
		Elapsed: time.Since(r.startTime).Seconds(),
		Type:    typ,
		Data:    string(data),
	})
}

// Entries returns a copy of all recorded entries.
func (r *Recording) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Recording) EntryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Dropped returns how many events were discarded at capacity.
func (r *Recording) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset discards all entries and restarts the clock.
func (r *Recording) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	r.dropped = 0
	r.startTime = time.Now()
}

// ExportJSON returns the entries as a JSON array.
func (r *Recording) ExportJSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.entries)
}

type castHeader struct {
	Version   int   `json:"version"`
	Width     int   `json:"width"`
	Height    int   `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// ExportCast returns the recording as an asciicast v2 file: a header line
// followed by one [elapsed, type, data] array per event.
func (r *Recording) ExportCast(cols, rows int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(castHeader{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: r.startTime.Unix(),
	}); err != nil {
		return nil, err
	}
	for _, e := range r.entries {
		if err := enc.Encode([]any{e.Elapsed, e.Type, e.Data}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Transcript returns the recorded output with escape sequences removed.
func (r *Recording) Transcript() string {
	r.mu.Lock()
	var sb strings.Builder
	for _, e := range r.entries {
		if e.Type == "o" {
			sb.WriteString(e.Data)
		}
	}
	r.mu.Unlock()

	text := ansi.Strip(sb.String())
	return strings.ReplaceAll(text, "\r\n", "\n")
}
