package replica

import (
	"github.com/gluk-w/claworc/ptyreplica/internal/ptyproto"
	"github.com/gluk-w/claworc/ptyreplica/internal/termlimits"
)

// SendInput forwards bytes to the remote process. It does nothing unless
// the session is connected and the process has not exited.
func (s *Session) SendInput(p []byte) {
	s.do(func() { s.forwardInput(p) })
}

// SendResize updates the canonical size and, while connected, tells the
// remote host. Sizes are clamped to termlimits.MaxTermCols x MaxTermRows. The ledger follows the size even when disconnected so the
// next handshake uses it.
func (s *Session) SendResize(cols, rows, pixelWidth, pixelHeight int) {
	s.do(func() { s.forwardResize(cols, rows, pixelWidth, pixelHeight) })
}

// RequestExit asks the remote host to terminate the process.
func (s *Session) RequestExit() {
	s.do(func() {
		if s.canForward() {
			s.send(ptyproto.ExitFrame())
		}
	})
}

func (s *Session) canForward() bool {
	return s.tracker.get() == StateConnected && s.conn != nil && !s.ended
}

func (s *Session) forwardInput(p []byte) {
	if len(p) == 0 || !s.canForward() {
		return
	}
	data := append([]byte(nil), p...)
	if s.cfg.Recorder != nil {
		s.cfg.Recorder.RecordInput(data)
	}
	s.send(ptyproto.DataFrame(data))
}

func (s *Session) forwardResize(cols, rows, pixelWidth, pixelHeight int) {
	cols, rows, ok := termlimits.ClampSize(cols, rows)
	if !ok {
		return
	}
	size := ptyproto.NewSize(cols, rows, pixelWidth, pixelHeight)
	s.pixels = size
	s.ledger.Resize(int(size.Cols), int(size.Rows))
	if s.canForward() {
		s.send(ptyproto.SizeFrame(size))
	}
}
