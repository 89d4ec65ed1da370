package bridge

import "sync"

// Session represents one connected websocket session bound to an identity.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - Identity is fixed at construction and never re-associated.
type Session struct {
	ID       string
	Identity string
	Send     chan Frame

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a Session with a bounded send queue.
func NewSession(identity, id string, sendQueueSize int) *Session {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Session{
		ID:       id,
		Identity: identity,
		Send:     make(chan Frame, sendQueueSize),
		done:     make(chan struct{}),
	}
}

// Done returns a channel that is closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals the session goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
