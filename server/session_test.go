package server

import (
	"testing"

	"github.com/kartikbazzad/nexadb/security"
)

func TestNewSessionStartsUnauthenticated(t *testing.T) {
	sess := newSession()
	if sess.authenticated() {
		t.Fatal("a fresh session should not be authenticated")
	}
	if sess.state != stateNew {
		t.Fatalf("expected stateNew, got %v", sess.state)
	}
	// ID is assigned during the CONNECT handshake, not at construction.
	if sess.ID != "" {
		t.Fatalf("expected empty id before CONNECT, got %q", sess.ID)
	}
}

func TestSessionAuthenticatedRequiresUserAndState(t *testing.T) {
	sess := newSession()
	sess.state = stateAuthenticated
	if sess.authenticated() {
		t.Fatal("authenticated() should require a non-nil User even if state says authenticated")
	}
	sess.User = &security.User{Username: "root"}
	if !sess.authenticated() {
		t.Fatal("expected authenticated() to be true once state and User are both set")
	}
}

func TestSessionClosedStateIsNeverAuthenticated(t *testing.T) {
	sess := newSession()
	sess.User = &security.User{Username: "root"}
	sess.state = stateClosed
	if sess.authenticated() {
		t.Fatal("a closed session must not report authenticated")
	}
}
