// Package ptyhost is a development remote host: it serves the PTY session
// websocket that the replicator connects to, spawning an allow-listed shell
// in a pseudo-terminal per connection.
//
// Protocol, per connection:
//  1. The handshake query carries shell, cols, rows, pixel_width,
//     pixel_height and token.
//  2. Terminal output is sent as {"t":"data","data":[...]} text frames.
//  3. Client frames: data (keystrokes), size (resize), exit (hang up the
//     shell).
//  4. When the shell exits, {"t":"exit","msg":"<code>"} is sent and the
//     websocket is closed normally.
//
// Closing the websocket kills the shell; the host keeps no state between
// connections.
package ptyhost
