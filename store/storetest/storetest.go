// Package storetest provides a reusable conformance suite for store.Store
// implementations. Backend packages call RunStoreTests from their own tests
// so every backend agrees on query and mutation semantics.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/girderhq/girder/store"
)

// Factory builds a fresh, empty store for a single test.
type Factory func(t *testing.T) store.Store

// RunStoreTests runs the full conformance suite against the given factory.
func RunStoreTests(t *testing.T, factory Factory) {
	t.Run("InsertAssignsID", func(t *testing.T) { testInsertAssignsID(t, factory) })
	t.Run("InsertKeepsID", func(t *testing.T) { testInsertKeepsID(t, factory) })
	t.Run("FindEquality", func(t *testing.T) { testFindEquality(t, factory) })
	t.Run("FindOperators", func(t *testing.T) { testFindOperators(t, factory) })
	t.Run("FindOneNotFound", func(t *testing.T) { testFindOneNotFound(t, factory) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, factory) })
	t.Run("Remove", func(t *testing.T) { testRemove(t, factory) })
	t.Run("Count", func(t *testing.T) { testCount(t, factory) })
	t.Run("CollectionIsolation", func(t *testing.T) { testCollectionIsolation(t, factory) })
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testInsertAssignsID(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := testCtx(t)

	docs, err := s.Insert(ctx, "things", store.Document{"name": "a"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("inserted %d docs, want 1", len(docs))
	}
	if id, _ := docs[0]["id"].(string); id == "" {
		t.Error("insert did not assign an id")
	}
}

func testInsertKeepsID(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := testCtx(t)

	docs, err := s.Insert(ctx, "things", store.Document{"id": "fixed", "name": "a"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if docs[0]["id"] != "fixed" {
		t.Errorf("id = %v, want fixed", docs[0]["id"])
	}
	got, err := s.FindOne(ctx, "things", store.Query{"id": "fixed"})
	if err != nil {
		t.Fatalf("findone: %v", err)
	}
	if got["name"] != "a" {
		t.Errorf("name = %v, want a", got["name"])
	}
}

func testFindEquality(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := testCtx(t)

	seed(t, ctx, s, "things",
		store.Document{"name": "a", "rank": 1},
		store.Document{"name": "b", "rank": 2},
		store.Document{"name": "b", "rank": 3},
	)

	got, err := s.Find(ctx, "things", store.Query{"name": "b"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("found %d docs, want 2", len(got))
	}

	all, err := s.Find(ctx, "things", nil)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("found %d docs, want 3", len(all))
	}
}

func testFindOperators(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := testCtx(t)

	seed(t, ctx, s, "things",
		store.Document{"name": "a", "rank": 1},
		store.Document{"name": "b", "rank": 5},
		store.Document{"name": "c", "rank": 9},
	)

	got, err := s.Find(ctx, "things", store.Query{"rank": map[string]any{"$lt": 5}})
	if err != nil {
		t.Fatalf("find $lt: %v", err)
	}
	if len(got) != 1 || got[0]["name"] != "a" {
		t.Errorf("$lt 5 matched %v, want only a", got)
	}

	got, err = s.Find(ctx, "things", store.Query{"rank": map[string]any{"$gte": 5}})
	if err != nil {
		t.Fatalf("find $gte: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("$gte 5 matched %d docs, want 2", len(got))
	}
}

func testFindOneNotFound(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := testCtx(t)

	_, err := s.FindOne(ctx, "things", store.Query{"id": "missing"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func testUpdate(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := testCtx(t)

	seed(t, ctx, s, "things",
		store.Document{"id": "x", "name": "a", "rank": 1},
		store.Document{"id": "y", "name": "a", "rank": 2},
	)

	n, err := s.Update(ctx, "things", store.Query{"name": "a"}, store.Document{"rank": 7})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if n != 2 {
		t.Errorf("updated %d docs, want 2", n)
	}

	doc, err := s.FindOne(ctx, "things", store.Query{"id": "x"})
	if err != nil {
		t.Fatalf("findone: %v", err)
	}
	if !store.Matches(doc, store.Query{"rank": 7}) {
		t.Errorf("rank not updated: %v", doc["rank"])
	}
	if doc["name"] != "a" {
		t.Errorf("untouched field changed: %v", doc["name"])
	}
}

func testRemove(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := testCtx(t)

	seed(t, ctx, s, "things",
		store.Document{"id": "x", "stale": true},
		store.Document{"id": "y", "stale": false},
	)

	n, err := s.Remove(ctx, "things", store.Query{"stale": true})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d docs, want 1", n)
	}
	if _, err := s.FindOne(ctx, "things", store.Query{"id": "x"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("removed doc still present (err=%v)", err)
	}
}

func testCount(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := testCtx(t)

	seed(t, ctx, s, "things",
		store.Document{"kind": "a"},
		store.Document{"kind": "a"},
		store.Document{"kind": "b"},
	)

	n, err := s.Count(ctx, "things", store.Query{"kind": "a"})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func testCollectionIsolation(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := testCtx(t)

	seed(t, ctx, s, "alpha", store.Document{"id": "1"})
	seed(t, ctx, s, "beta", store.Document{"id": "1"})

	n, err := s.Remove(ctx, "alpha", nil)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n != 1 {
		t.Errorf("removed %d docs from alpha, want 1", n)
	}
	if _, err := s.FindOne(ctx, "beta", store.Query{"id": "1"}); err != nil {
		t.Errorf("beta document disturbed: %v", err)
	}
}

func seed(t *testing.T, ctx context.Context, s store.Store, collection string, docs ...store.Document) {
	t.Helper()
	if _, err := s.Insert(ctx, collection, docs...); err != nil {
		t.Fatalf("seed %s: %v", collection, err)
	}
}
