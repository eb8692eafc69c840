package server

import "github.com/kartikbazzad/nexadb/security"

// connState is the per-connection lifecycle state.
type connState int

const (
	stateNew connState = iota
	stateAuthenticated
	stateClosed
)

// Session holds per-connection state: identity, connection state machine,
// and the in-flight SCRAM handshake fields the two-step CONNECT needs.
type Session struct {
	ID    string
	User  *security.User
	state connState

	// pendingUsername is set after CONNECT step 1 (challenge issued) and
	// consumed on step 2 (proof verification).
	pendingUsername string
}

func newSession() *Session {
	return &Session{state: stateNew}
}

func (s *Session) authenticated() bool {
	return s.state == stateAuthenticated && s.User != nil
}
