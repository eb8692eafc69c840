package client_test

import (
	"testing"
	"time"

	nexadb "github.com/kartikbazzad/nexadb"
	"github.com/kartikbazzad/nexadb/client"
	"github.com/kartikbazzad/nexadb/server"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	opts := nexadb.DefaultOptions(t.TempDir())
	opts.AuditLogPath = ""
	db, err := nexadb.Open(opts)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := server.New(server.Config{Addr: "127.0.0.1:0"}, db)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv.Addr().String()
}

func connectAsRoot(t *testing.T, addr string) *client.Client {
	t.Helper()
	cl, err := client.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	if err := cl.Login("root", "nexadb"); err != nil {
		t.Fatalf("login: %v", err)
	}
	return cl
}

func TestClientLoginAndPing(t *testing.T) {
	addr := startTestServer(t)
	cl := connectAsRoot(t, addr)
	if err := cl.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestClientInsertFindUpdateDelete(t *testing.T) {
	addr := startTestServer(t)
	cl := connectAsRoot(t, addr)
	coll := cl.Database("shop").Collection("orders")

	id, err := coll.Insert(map[string]interface{}{"status": "pending"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}

	got, err := coll.FindByID(id)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if got["status"] != "pending" {
		t.Fatalf("expected status=pending, got %v", got["status"])
	}

	if err := coll.Patch(id, map[string]interface{}{"status": "shipped"}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	got, err = coll.FindByID(id)
	if err != nil {
		t.Fatalf("find after patch: %v", err)
	}
	if got["status"] != "shipped" {
		t.Fatalf("expected status=shipped after patch, got %v", got["status"])
	}

	if err := coll.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := coll.FindByID(id); err == nil {
		t.Fatal("expected an error reading a deleted document")
	}
}

func TestClientFindQuery(t *testing.T) {
	addr := startTestServer(t)
	cl := connectAsRoot(t, addr)
	coll := cl.Database("shop").Collection("orders")

	coll.Insert(map[string]interface{}{"total": 10})
	coll.Insert(map[string]interface{}{"total": 50})
	coll.Insert(map[string]interface{}{"total": 100})

	results, err := coll.FindQuery(map[string]interface{}{"total": map[string]interface{}{"$gte": 50}})
	if err != nil {
		t.Fatalf("find query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(results))
	}
}

func TestClientLoginWithWrongPasswordFails(t *testing.T) {
	addr := startTestServer(t)
	cl, err := client.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cl.Close()

	if err := cl.Login("root", "not-the-password"); err == nil {
		t.Fatal("expected login with the wrong password to fail")
	}
}

func TestClientConcurrentConnections(t *testing.T) {
	addr := startTestServer(t)
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			cl, err := client.Connect(addr)
			if err != nil {
				done <- err
				return
			}
			defer cl.Close()
			if err := cl.Login("root", "nexadb"); err != nil {
				done <- err
				return
			}
			done <- cl.Ping()
		}()
	}
	for i := 0; i < 4; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("concurrent client failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for concurrent clients")
		}
	}
}
