package balsession

import (
	"net"
	"sync"

	"github.com/alxayo/fcm-gateway/internal/messagemanager"
)

// MaxPendingAllowed is the per-BAL pending-ack window (§3: 100 per BAL).
const MaxPendingAllowed = 100

// State is the BAL session's authentication status.
type State string

const (
	StateUnauthenticated State = "UNAUTHENTICATED"
	StateAuthenticated    State = "AUTHENTICATED"
)

// Session is a configured BAL endpoint: a session_id known a priori from
// config, with zero or one attached transport connection and one owned
// MessageManager that survives disconnects.
type Session struct {
	ID      string
	Manager *messagemanager.MessageManager

	mu    sync.Mutex
	state State
	conn  net.Conn
}

// NewSession creates a Session in state UNAUTHENTICATED with no attached
// connection.
func NewSession(id string) *Session {
	return &Session{
		ID:      id,
		Manager: messagemanager.New(id, MaxPendingAllowed),
		state:   StateUnauthenticated,
	}
}

// Attach promotes the session to AUTHENTICATED with the given transport.
func (s *Session) Attach(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.state = StateAuthenticated
	s.mu.Unlock()
}

// Detach demotes the session back to UNAUTHENTICATED, retaining the
// MessageManager so pending messages can be replayed on reconnect.
func (s *Session) Detach() {
	s.mu.Lock()
	s.conn = nil
	s.state = StateUnauthenticated
	s.mu.Unlock()
}

// State returns the current authentication state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send writes a frame to the attached connection. Returns an error if the
// session has no attached transport.
func (s *Session) Send(frame any) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNotConnected(s.ID)
	}
	return writeFrame(conn, frame)
}

type notConnectedError struct{ sessionID string }

func (e *notConnectedError) Error() string {
	return "bal session " + e.sessionID + ": no attached transport"
}

func errNotConnected(sessionID string) error { return &notConnectedError{sessionID: sessionID} }
