package query

import "testing"

func TestParseAndMatch(t *testing.T) {
	q1 := map[string]interface{}{"role": "admin"}
	ast1, err := Parse(q1)
	if err != nil {
		t.Fatalf("Failed to parse q1: %v", err)
	}

	doc1 := map[string]interface{}{"role": "admin", "age": 30}
	doc2 := map[string]interface{}{"role": "user", "age": 25}

	if !ast1.Matches(doc1) {
		t.Errorf("Doc1 should match q1")
	}
	if ast1.Matches(doc2) {
		t.Errorf("Doc2 should not match q1")
	}

	q2 := map[string]interface{}{"age": map[string]interface{}{"$gt": 25}}
	ast2, err := Parse(q2)
	if err != nil {
		t.Fatal(err)
	}
	if !ast2.Matches(doc1) {
		t.Errorf("Doc1 (30) > 25")
	}
	if ast2.Matches(doc2) {
		t.Errorf("Doc2 (25) is not > 25")
	}

	q3 := map[string]interface{}{
		"role": "admin",
		"age":  map[string]interface{}{"$gt": 20},
	}
	ast3, err := Parse(q3)
	if err != nil {
		t.Fatal(err)
	}
	if !ast3.Matches(doc1) {
		t.Errorf("Doc1 should match q3")
	}
	if ast3.Matches(doc2) {
		t.Errorf("Doc2 mismatch role")
	}
}

func TestOperators(t *testing.T) {
	doc := map[string]interface{}{"tags": "blue", "score": 42, "note": "hello world"}

	cases := []struct {
		name string
		q    map[string]interface{}
		want bool
	}{
		{"nin-hit", map[string]interface{}{"tags": map[string]interface{}{"$nin": []interface{}{"red", "green"}}}, true},
		{"nin-miss", map[string]interface{}{"tags": map[string]interface{}{"$nin": []interface{}{"blue"}}}, false},
		{"exists-true", map[string]interface{}{"score": map[string]interface{}{"$exists": true}}, true},
		{"exists-false", map[string]interface{}{"missing": map[string]interface{}{"$exists": false}}, true},
		{"regex", map[string]interface{}{"note": map[string]interface{}{"$regex": "^hello"}}, true},
		{"gte", map[string]interface{}{"score": map[string]interface{}{"$gte": 42}}, true},
		{"lte-false", map[string]interface{}{"score": map[string]interface{}{"$lte": 41}}, false},
	}
	for _, tc := range cases {
		node, err := Parse(tc.q)
		if err != nil {
			t.Fatalf("%s: parse error: %v", tc.name, err)
		}
		if got := node.Matches(doc); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
