package server

import (
	"net"
	"testing"
	"time"

	nexadb "github.com/kartikbazzad/nexadb"
	"github.com/kartikbazzad/nexadb/security"
	"github.com/kartikbazzad/nexadb/wire"
)

func openTestDB(t *testing.T) *nexadb.Server {
	t.Helper()
	opts := nexadb.DefaultOptions(t.TempDir())
	opts.AuditLogPath = ""
	db, err := nexadb.Open(opts)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// loopbackServe drives one connection through TCPServer.handleConnection in
// the background, mirroring what acceptLoop would do for an accepted
// net.Conn, without binding a real listener.
func loopbackServe(s *TCPServer) (client net.Conn, done chan struct{}) {
	serverSide, clientSide := net.Pipe()
	done = make(chan struct{})
	go func() {
		s.handleConnection(serverSide)
		close(done)
	}()
	return clientSide, done
}

func TestDispatchPingBeforeAuth(t *testing.T) {
	db := openTestDB(t)
	s := New(Config{}, db)

	client, done := loopbackServe(s)
	defer client.Close()

	if err := wire.WriteMessage(client, wire.TypePing, nil); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	header, err := wire.ReadHeader(client)
	if err != nil {
		t.Fatalf("read pong header: %v", err)
	}
	if header.Type != wire.TypePong {
		t.Fatalf("expected PONG, got %v", header.Type)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConnection did not exit after client close")
	}
}

func TestDispatchConnectHandshakeThenAuthorizedRequest(t *testing.T) {
	db := openTestDB(t)
	s := New(Config{}, db)

	client, done := loopbackServe(s)
	defer client.Close()

	if err := wire.WriteMessage(client, wire.TypeConnect, wire.ConnectRequest{Username: "root"}); err != nil {
		t.Fatalf("write connect step1: %v", err)
	}
	header, err := wire.ReadHeader(client)
	if err != nil {
		t.Fatalf("read challenge header: %v", err)
	}
	if header.Type == wire.TypeError {
		t.Fatalf("expected a challenge, got an ERROR frame")
	}
	var challenge wire.AuthChallenge
	if err := wire.ReadBody(client, header.Length, &challenge); err != nil {
		t.Fatalf("read challenge body: %v", err)
	}

	proof, err := security.ComputeClientProof("nexadb", string(challenge.Salt), challenge.Iterations, authMessage)
	if err != nil {
		t.Fatalf("compute proof: %v", err)
	}

	req := wire.ConnectRequest{Username: "root", Proof: proof, SessionID: challenge.SessionID}
	if err := wire.WriteMessage(client, wire.TypeConnect, req); err != nil {
		t.Fatalf("write connect step2: %v", err)
	}
	header2, err := wire.ReadHeader(client)
	if err != nil {
		t.Fatalf("read connect success header: %v", err)
	}
	if header2.Type == wire.TypeError {
		var errReply wire.ErrorReply
		wire.ReadBody(client, header2.Length, &errReply)
		t.Fatalf("expected CONNECT to succeed, got error %s: %s", errReply.Code, errReply.Message)
	}
	var success wire.ConnectSuccess
	if err := wire.ReadBody(client, header2.Length, &success); err != nil {
		t.Fatalf("read connect success body: %v", err)
	}
	if success.Username != "root" {
		t.Fatalf("expected username root, got %q", success.Username)
	}

	createReq := wire.CreateRequest{
		RequestMeta: wire.RequestMeta{Database: "shop", Collection: "orders"},
		Document:    map[string]interface{}{"total": 10},
	}
	if err := wire.WriteMessage(client, wire.TypeCreate, createReq); err != nil {
		t.Fatalf("write create: %v", err)
	}
	header3, err := wire.ReadHeader(client)
	if err != nil {
		t.Fatalf("read create reply header: %v", err)
	}
	if header3.Type == wire.TypeError {
		var errReply wire.ErrorReply
		wire.ReadBody(client, header3.Length, &errReply)
		t.Fatalf("expected CREATE to succeed once authenticated, got error %s: %s", errReply.Code, errReply.Message)
	}
	var success2 wire.SuccessReply
	if err := wire.ReadBody(client, header3.Length, &success2); err != nil {
		t.Fatalf("read create reply body: %v", err)
	}
	if success2.ID == "" {
		t.Fatal("expected a generated document id")
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConnection did not exit after client close")
	}
}

func TestDispatchRejectsUnauthenticatedOperation(t *testing.T) {
	db := openTestDB(t)
	s := New(Config{}, db)

	client, done := loopbackServe(s)
	defer client.Close()

	req := wire.ReadRequest{RequestMeta: wire.RequestMeta{Database: "shop", Collection: "orders"}, ID: "x"}
	if err := wire.WriteMessage(client, wire.TypeRead, req); err != nil {
		t.Fatalf("write read: %v", err)
	}
	header, err := wire.ReadHeader(client)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header.Type != wire.TypeError {
		t.Fatalf("expected ERROR for unauthenticated request, got %v", header.Type)
	}
	var errReply wire.ErrorReply
	if err := wire.ReadBody(client, header.Length, &errReply); err != nil {
		t.Fatalf("read error body: %v", err)
	}
	if errReply.Code != "Unauthorized" {
		t.Fatalf("expected Unauthorized error code, got %q", errReply.Code)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConnection did not exit after client close")
	}
}
