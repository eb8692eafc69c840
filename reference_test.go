package nexadb

import (
	"errors"
	"testing"
	"time"
)

func postsSchemaRefUsers(onDelete string) string {
	ref := `{"collection": "users"}`
	if onDelete != "" {
		ref = `{"collection": "users", "on_delete": "` + onDelete + `"}`
	}
	return `{"type":"object","properties":{"author_id":{"type":"string","x-nexadb-ref":` + ref + `}}}`
}

func TestParseReferenceRules_Valid(t *testing.T) {
	rules, err := parseReferenceRules("posts", postsSchemaRefUsers("restrict"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	r := rules[0]
	if r.SourceCollection != "posts" || r.SourceField != "author_id" || r.TargetCollection != "users" || r.TargetField != "_id" || r.OnDelete != "restrict" {
		t.Fatalf("unexpected rule: %+v", r)
	}
}

func TestParseReferenceRules_DefaultOnDelete(t *testing.T) {
	rules, err := parseReferenceRules("posts", postsSchemaRefUsers(""))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rules[0].OnDelete != onDeleteSetNull {
		t.Fatalf("expected default on_delete=set_null, got %s", rules[0].OnDelete)
	}
}

func TestParseReferenceRules_EmptySchema(t *testing.T) {
	rules, err := parseReferenceRules("posts", "")
	if err != nil || rules != nil {
		t.Fatalf("expected nil, nil for empty schema, got %v, %v", rules, err)
	}
}

func TestParseReferenceRules_UnsupportedOnDelete(t *testing.T) {
	_, err := parseReferenceRules("posts", postsSchemaRefUsers("nonsense"))
	if !errors.Is(err, ErrInvalidReferenceSchema) {
		t.Fatalf("expected ErrInvalidReferenceSchema, got %v", err)
	}
}

func TestReference_InsertSucceedsWithExistingTarget(t *testing.T) {
	srv := openTestServer(t)
	db := srv.Database("blog")
	users, _ := db.CreateCollection("users")
	posts, _ := db.CreateCollection("posts")
	if err := posts.SetSchema(postsSchemaRefUsers("restrict")); err != nil {
		t.Fatalf("set schema: %v", err)
	}

	u := Document{"_id": "u1", "name": "ada"}
	if err := users.Insert(nil, u); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	if err := posts.Insert(nil, Document{"_id": "p1", "author_id": "u1"}); err != nil {
		t.Fatalf("insert post with existing reference: %v", err)
	}
}

func TestReference_InsertFailsWhenTargetMissing(t *testing.T) {
	srv := openTestServer(t)
	db := srv.Database("blog")
	db.CreateCollection("users")
	posts, _ := db.CreateCollection("posts")
	if err := posts.SetSchema(postsSchemaRefUsers("restrict")); err != nil {
		t.Fatalf("set schema: %v", err)
	}

	err := posts.Insert(nil, Document{"_id": "p1", "author_id": "missing"})
	if !errors.Is(err, ErrReferenceTargetNotFound) {
		t.Fatalf("expected ErrReferenceTargetNotFound, got %v", err)
	}
}

func TestReference_UpdateFailsWhenTargetMissing(t *testing.T) {
	srv := openTestServer(t)
	db := srv.Database("blog")
	users, _ := db.CreateCollection("users")
	posts, _ := db.CreateCollection("posts")
	if err := posts.SetSchema(postsSchemaRefUsers("restrict")); err != nil {
		t.Fatalf("set schema: %v", err)
	}
	users.Insert(nil, Document{"_id": "u1"})
	posts.Insert(nil, Document{"_id": "p1", "author_id": "u1"})

	err := posts.Update(nil, "p1", Document{"author_id": "ghost"})
	if !errors.Is(err, ErrReferenceTargetNotFound) {
		t.Fatalf("expected ErrReferenceTargetNotFound, got %v", err)
	}
}

func TestReference_PatchFailsWhenTargetMissing(t *testing.T) {
	srv := openTestServer(t)
	db := srv.Database("blog")
	users, _ := db.CreateCollection("users")
	posts, _ := db.CreateCollection("posts")
	if err := posts.SetSchema(postsSchemaRefUsers("restrict")); err != nil {
		t.Fatalf("set schema: %v", err)
	}
	users.Insert(nil, Document{"_id": "u1"})
	posts.Insert(nil, Document{"_id": "p1", "author_id": "u1"})

	err := posts.Patch(nil, "p1", map[string]interface{}{"author_id": "ghost"})
	if !errors.Is(err, ErrReferenceTargetNotFound) {
		t.Fatalf("expected ErrReferenceTargetNotFound, got %v", err)
	}
}

func TestReference_DeleteRestrictBlocksWhenDependentsExist(t *testing.T) {
	srv := openTestServer(t)
	db := srv.Database("blog")
	users, _ := db.CreateCollection("users")
	posts, _ := db.CreateCollection("posts")
	if err := posts.SetSchema(postsSchemaRefUsers("restrict")); err != nil {
		t.Fatalf("set schema: %v", err)
	}
	users.Insert(nil, Document{"_id": "u1"})
	posts.Insert(nil, Document{"_id": "p1", "author_id": "u1"})

	err := users.Delete(nil, "u1")
	if !errors.Is(err, ErrReferenceRestrictViolation) {
		t.Fatalf("expected ErrReferenceRestrictViolation, got %v", err)
	}
	if _, err := users.FindByID(nil, "u1"); err != nil {
		t.Fatalf("expected user to survive a blocked delete, got %v", err)
	}
}

func TestReference_DeleteSetNullNullsDependentFields(t *testing.T) {
	srv := openTestServer(t)
	db := srv.Database("blog")
	users, _ := db.CreateCollection("users")
	posts, _ := db.CreateCollection("posts")
	if err := posts.SetSchema(postsSchemaRefUsers("set_null")); err != nil {
		t.Fatalf("set schema: %v", err)
	}
	users.Insert(nil, Document{"_id": "u1"})
	posts.Insert(nil, Document{"_id": "p1", "author_id": "u1"})

	if err := users.Delete(nil, "u1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	got, err := posts.FindByID(nil, "p1")
	if err != nil {
		t.Fatalf("find post: %v", err)
	}
	if got["author_id"] != nil {
		t.Fatalf("expected author_id nulled out, got %v", got["author_id"])
	}
}

func TestReference_DeleteCascadeDeletesDependents(t *testing.T) {
	srv := openTestServer(t)
	db := srv.Database("blog")
	users, _ := db.CreateCollection("users")
	posts, _ := db.CreateCollection("posts")
	if err := posts.SetSchema(postsSchemaRefUsers("cascade")); err != nil {
		t.Fatalf("set schema: %v", err)
	}
	users.Insert(nil, Document{"_id": "u1"})
	posts.Insert(nil, Document{"_id": "p1", "author_id": "u1"})
	posts.Insert(nil, Document{"_id": "p2", "author_id": "u1"})

	if err := users.Delete(nil, "u1"); err != nil {
		t.Fatalf("delete user: %v", err)
	}
	if _, err := posts.FindByID(nil, "p1"); err == nil {
		t.Error("expected p1 to be cascade-deleted")
	}
	if _, err := posts.FindByID(nil, "p2"); err == nil {
		t.Error("expected p2 to be cascade-deleted")
	}
}

func TestReference_CascadeCycleGuard(t *testing.T) {
	srv := openTestServer(t)
	db := srv.Database("social")
	a, _ := db.CreateCollection("a")
	b, _ := db.CreateCollection("b")

	aSchema := `{"type":"object","properties":{"b_id":{"type":"string","x-nexadb-ref":{"collection":"b","on_delete":"cascade"}}}}`
	bSchema := `{"type":"object","properties":{"a_id":{"type":"string","x-nexadb-ref":{"collection":"a","on_delete":"cascade"}}}}`

	a.Insert(nil, Document{"_id": "a1"})
	b.Insert(nil, Document{"_id": "b1", "a_id": "a1"})
	if err := a.SetSchema(aSchema); err != nil {
		t.Fatalf("set schema a: %v", err)
	}
	if err := b.SetSchema(bSchema); err != nil {
		t.Fatalf("set schema b: %v", err)
	}
	if err := a.Update(nil, "a1", Document{"b_id": "b1"}); err != nil {
		t.Fatalf("link a1->b1: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.Delete(nil, "a1") }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cascade delete should terminate without error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cascade delete did not terminate: cycle guard failed")
	}
}

func TestReference_NoReferencesUnchanged(t *testing.T) {
	srv := openTestServer(t)
	coll, _ := srv.Database("plain").CreateCollection("things")
	coll.Insert(nil, Document{"_id": "t1", "name": "widget"})
	if err := coll.Delete(nil, "t1"); err != nil {
		t.Fatalf("delete with no reference schema should succeed: %v", err)
	}
}
