// Package replica keeps a single remote interactive shell session alive on
// the client and lets viewers come and go.
//
// # Architecture
//
// A Session owns everything: the transport connection, the output ledger,
// the attached viewer and the unread flag. All of that state is touched
// only from the Session's event loop goroutine; public methods post a
// closure to the loop and wait for it to run. Background goroutines (the
// dialer, the per-connection reader and writer) never touch state
// directly, they post results back to the loop tagged with a connection
// generation so that results from a superseded connection are dropped.
//
// Because the loop is the only writer, "record to the ledger, then tee to
// the attached viewer" and "snapshot the ledger, replay it, then start
// delivering live output" are each a single step, so a viewer never misses
// or duplicates output.
//
// # Lifecycle
//
//  1. NewSession starts the loop in the Disconnected state with an empty
//     ledger at the configured size.
//  2. Connect dials the remote host. Concurrent calls share one dial; a
//     call while Connected only sends a keepalive ping.
//  3. Data frames are recorded and forwarded to the viewer, or mark the
//     session unread if nobody is watching. An exit frame appends an exit
//     marker and ends the session: input is no longer forwarded.
//  4. Disconnect (or transport loss) returns to Disconnected. The ledger
//     is kept, so viewers attaching later still see the full history.
//  5. Reset discards everything and starts a new logical session; Close
//     stops the loop for good.
//
// # Viewers
//
// At most one viewer is attached at a time. Attach replays the ledger onto
// the viewer before any live output and returns an Attachment; only that
// handle can send input or resizes, and detaching a stale handle is a
// no-op.
package replica
