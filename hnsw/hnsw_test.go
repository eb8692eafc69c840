package hnsw

import "testing"

func TestInsertAndSearch(t *testing.T) {
	ix := New(2, DefaultParams())

	vectors := map[string][]float32{
		"a": {0, 0},
		"b": {1, 0},
		"c": {10, 10},
		"d": {10, 11},
	}
	for id, v := range vectors {
		if err := ix.Insert(id, v); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	got, err := ix.Search([]float32{0, 0}, 2, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	found := map[string]bool{}
	for _, id := range got {
		found[id] = true
	}
	if !found["a"] || !found["b"] {
		t.Errorf("expected nearest neighbors a and b, got %v", got)
	}
}

func TestDimensionMismatch(t *testing.T) {
	ix := New(3, DefaultParams())
	if err := ix.Insert("x", []float32{1, 2}); err == nil {
		t.Errorf("expected dimension mismatch error")
	}
}

func TestDelete(t *testing.T) {
	ix := New(2, DefaultParams())
	_ = ix.Insert("a", []float32{0, 0})
	_ = ix.Insert("b", []float32{1, 1})
	ix.Delete("a")
	if _, ok := ix.idToNode["a"]; ok {
		t.Errorf("expected id map entry for deleted node to be removed")
	}
	if ix.Len() != 2 {
		t.Fatalf("expected underlying node slice to remain len 2 after tombstone delete, got %d", ix.Len())
	}
}
