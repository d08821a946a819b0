package replica

import (
	"fmt"
	"log"

	"github.com/google/uuid"
)

// Attachment is the handle of the viewer currently attached to a Session.
// Once detached, every method on it is a no-op.
type Attachment struct {
	id string
	s  *Session
	v  Viewer
}

func (a *Attachment) ID() string { return a.id }

// Attach makes v the active viewer. The ledger is replayed onto v before
// any live output reaches it, and the unread flag is cleared. It fails
// with ErrAlreadyAttached while another attachment is active.
func (s *Session) Attach(v Viewer) (*Attachment, error) {
	var (
		a   *Attachment
		err error
	)
	doErr := s.do(func() {
		if s.viewer != nil {
			err = ErrAlreadyAttached
			return
		}
		snap := s.ledger.Snapshot()
		if rerr := snap.Replay(v); rerr != nil {
			err = fmt.Errorf("replay to viewer: %w", rerr)
			return
		}
		a = &Attachment{id: uuid.New().String(), s: s, v: v}
		s.viewer = a
		s.unread = false
		log.Printf("[replica] session %s: viewer %s attached (replayed %d bytes, seq %d)",
			s.id, a.id, snap.Bytes(), snap.Seq)
	})
	if doErr != nil {
		return nil, doErr
	}
	return a, err
}

// Detach releases the attachment. Detaching a stale attachment does
// nothing.
func (s *Session) Detach(a *Attachment) {
	if a == nil {
		return
	}
	s.do(func() {
		if s.viewer != a {
			return
		}
		s.viewer = nil
		log.Printf("[replica] session %s: viewer %s detached", s.id, a.id)
	})
}

// Detach releases this attachment.
func (a *Attachment) Detach() { a.s.Detach(a) }

// Active reports whether this attachment is still the session's viewer.
func (a *Attachment) Active() bool {
	var active bool
	a.s.do(func() { active = a.s.viewer == a })
	return active
}

// Input forwards keystrokes from this viewer. Ignored unless the
// attachment is active.
func (a *Attachment) Input(p []byte) {
	a.s.do(func() {
		if a.s.viewer == a {
			a.s.forwardInput(p)
		}
	})
}

// Resize forwards a size change from this viewer. Ignored unless the
// attachment is active.
func (a *Attachment) Resize(cols, rows, pixelWidth, pixelHeight int) {
	a.s.do(func() {
		if a.s.viewer == a {
			a.s.forwardResize(cols, rows, pixelWidth, pixelHeight)
		}
	})
}
