package nexadb

import (
	"testing"

	"github.com/kartikbazzad/nexadb/storage"
)

func openTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	eng, err := storage.Open(storage.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestMaintainIndexesOnWrite(t *testing.T) {
	eng := openTestEngine(t)

	doc := Document{"_id": "d1", "status": "active"}
	if err := maintainIndexesOnWrite(eng, "app", "users", []string{"status"}, nil, doc); err != nil {
		t.Fatalf("insert index: %v", err)
	}

	ids, err := scanIndexEqual(eng, "app", "users", "status", "active")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(ids) != 1 || ids[0] != "d1" {
		t.Fatalf("expected [d1], got %v", ids)
	}

	updated := Document{"_id": "d1", "status": "inactive"}
	if err := maintainIndexesOnWrite(eng, "app", "users", []string{"status"}, doc, updated); err != nil {
		t.Fatalf("update index: %v", err)
	}

	ids, _ = scanIndexEqual(eng, "app", "users", "status", "active")
	if len(ids) != 0 {
		t.Errorf("expected no entries for stale value, got %v", ids)
	}
	ids, _ = scanIndexEqual(eng, "app", "users", "status", "inactive")
	if len(ids) != 1 || ids[0] != "d1" {
		t.Fatalf("expected [d1] for new value, got %v", ids)
	}
}

func TestScanIndexRange(t *testing.T) {
	eng := openTestEngine(t)

	for i, age := range []int{20, 30, 40} {
		doc := Document{"_id": string(rune('a' + i)), "age": age}
		if err := maintainIndexesOnWrite(eng, "app", "people", []string{"age"}, nil, doc); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	ids, err := scanIndexRange(eng, "app", "people", "age", 25, nil)
	if err != nil {
		t.Fatalf("range scan: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids with age >= 25, got %v", ids)
	}
}
