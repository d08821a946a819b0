// Package ledger records everything a remote terminal has printed so that
// a viewer attaching at any moment can be brought to exactly the state the
// terminal is in now.
//
// A Ledger keeps three things:
//
//   - a live headless screen (see vtscreen) that every chunk and resize is
//     applied to, giving the canonical size, cursor and visible contents;
//   - an ordered log of entries, each either a chunk of output bytes or a
//     resize, numbered by a monotonically increasing sequence number;
//   - a base screen holding the effect of entries that have been evicted
//     from the log once it grew past its retention limit.
//
// A Snapshot is the rendered base screen followed by the retained entries.
// Replaying it onto a fresh surface reproduces the live screen exactly as
// long as nothing has been evicted. After eviction the visible screen is
// still reproduced; output older than the retention window (scrollback, the
// inactive alternate buffer, saved cursor positions) is lost.
//
// Appending and snapshotting are safe for concurrent use, but callers that
// need "snapshot, then everything after it" semantics (viewer attachment)
// must serialize both through a single owner. The replica package does
// this with its session event loop.
package ledger
