package nexadb

import (
	"testing"

	"github.com/kartikbazzad/nexadb/hnsw"
)

func openTestServer(t *testing.T) *Server {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.AuditLogPath = ""
	srv, err := Open(opts)
	if err != nil {
		t.Fatalf("open server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestCollectionInsertFindByID(t *testing.T) {
	srv := openTestServer(t)
	db := srv.Database("shop")
	coll, err := db.CreateCollection("orders")
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	doc := Document{"customer": "ada", "total": 42}
	if err := coll.Insert(nil, doc); err != nil {
		t.Fatalf("insert: %v", err)
	}
	id := doc.GetID()
	if id == "" {
		t.Fatal("expected generated id")
	}

	got, err := coll.FindByID(nil, id)
	if err != nil {
		t.Fatalf("find by id: %v", err)
	}
	if got["customer"] != "ada" {
		t.Errorf("expected customer=ada, got %v", got["customer"])
	}
}

func TestCollectionUpdateAndPatch(t *testing.T) {
	srv := openTestServer(t)
	coll, _ := srv.Database("shop").CreateCollection("orders")

	doc := Document{"status": "pending"}
	coll.Insert(nil, doc)
	id := doc.GetID()

	updated := Document{"status": "shipped"}
	if err := coll.Update(nil, id, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := coll.FindByID(nil, id)
	if got["status"] != "shipped" {
		t.Errorf("expected status=shipped, got %v", got["status"])
	}

	if err := coll.Patch(nil, id, map[string]interface{}{"status": "delivered"}); err != nil {
		t.Fatalf("patch: %v", err)
	}
	got, _ = coll.FindByID(nil, id)
	if got["status"] != "delivered" {
		t.Errorf("expected status=delivered after patch, got %v", got["status"])
	}
}

func TestCollectionDelete(t *testing.T) {
	srv := openTestServer(t)
	coll, _ := srv.Database("shop").CreateCollection("orders")

	doc := Document{"a": 1}
	coll.Insert(nil, doc)
	id := doc.GetID()

	if err := coll.Delete(nil, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := coll.FindByID(nil, id); err == nil {
		t.Error("expected error finding deleted document")
	}
}

func TestCollectionFindByIndexedField(t *testing.T) {
	srv := openTestServer(t)
	coll, _ := srv.Database("shop").CreateCollection("orders")

	coll.Insert(nil, Document{"status": "active"})
	coll.Insert(nil, Document{"status": "active"})
	coll.Insert(nil, Document{"status": "closed"})

	docs, err := coll.Find("status", "active")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 active orders, got %d", len(docs))
	}
}

func TestCollectionFindQueryComparison(t *testing.T) {
	srv := openTestServer(t)
	coll, _ := srv.Database("shop").CreateCollection("orders")

	coll.Insert(nil, Document{"total": 10})
	coll.Insert(nil, Document{"total": 50})
	coll.Insert(nil, Document{"total": 100})

	docs, err := coll.FindQuery(nil, map[string]interface{}{"total": map[string]interface{}{"$gte": 50}})
	if err != nil {
		t.Fatalf("find query: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(docs))
	}
}

func TestCollectionAggregateGroupSum(t *testing.T) {
	srv := openTestServer(t)
	coll, _ := srv.Database("shop").CreateCollection("orders")

	coll.Insert(nil, Document{"region": "east", "total": 10})
	coll.Insert(nil, Document{"region": "east", "total": 20})
	coll.Insert(nil, Document{"region": "west", "total": 5})

	pipeline := []map[string]interface{}{
		{"$group": map[string]interface{}{
			"_id":   "$region",
			"total": map[string]interface{}{"$sum": "$total"},
		}},
	}
	results, err := coll.Aggregate(nil, pipeline)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	sums := map[string]float64{}
	for _, r := range results {
		sums[r["_id"].(string)] = r["total"].(float64)
	}
	if sums["east"] != 30 || sums["west"] != 5 {
		t.Fatalf("unexpected group sums: %v", sums)
	}
}

func TestCollectionVectorSearch(t *testing.T) {
	srv := openTestServer(t)
	coll, _ := srv.Database("shop").CreateCollection("products")

	if err := coll.EnsureVectorIndex("embedding", 2, hnsw.DefaultParams()); err != nil {
		t.Fatalf("ensure vector index: %v", err)
	}

	coll.Insert(nil, Document{"name": "a", "embedding": []interface{}{0.0, 0.0}})
	coll.Insert(nil, Document{"name": "b", "embedding": []interface{}{1.0, 0.0}})
	coll.Insert(nil, Document{"name": "c", "embedding": []interface{}{10.0, 10.0}})

	results, err := coll.VectorSearch("embedding", []float32{0, 0}, 2, 0)
	if err != nil {
		t.Fatalf("vector search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 nearest neighbors, got %d", len(results))
	}
}

func TestDatabaseDropCollection(t *testing.T) {
	srv := openTestServer(t)
	db := srv.Database("shop")
	coll, _ := db.CreateCollection("temp")
	coll.Insert(nil, Document{"x": 1})

	if err := db.DropCollection("temp"); err != nil {
		t.Fatalf("drop collection: %v", err)
	}
	if _, err := db.GetCollection("temp"); err == nil {
		t.Error("expected error getting dropped collection")
	}
}

func TestSecurityRootBootstrap(t *testing.T) {
	srv := openTestServer(t)
	user, err := srv.Security.GetUser("root")
	if err != nil {
		t.Fatalf("expected bootstrap root user, got error: %v", err)
	}
	if user.Username != "root" {
		t.Errorf("expected username root, got %s", user.Username)
	}
}
