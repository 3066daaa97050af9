// Package memorystore provides an in-memory implementation of the
// store.Store contract. State is process-local, which makes it suitable for
// tests and single-node deployments only.
package memorystore

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/girderhq/girder/store"
)

// Store implements store.Store over nested maps guarded by a RWMutex.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]store.Document
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{collections: make(map[string]map[string]store.Document)}
}

func (s *Store) Find(ctx context.Context, collection string, q store.Query) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Document
	for _, doc := range s.collections[collection] {
		if store.Matches(doc, q) {
			out = append(out, cloneDoc(doc))
		}
	}
	return out, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, q store.Query) (store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, doc := range s.collections[collection] {
		if store.Matches(doc, q) {
			return cloneDoc(doc), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) Insert(ctx context.Context, collection string, docs ...store.Document) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]store.Document)
		s.collections[collection] = coll
	}

	out := make([]store.Document, 0, len(docs))
	for _, doc := range docs {
		stored := cloneDoc(doc)
		id, _ := stored["id"].(string)
		if id == "" {
			id = uuid.NewString()
			stored["id"] = id
		}
		coll[id] = stored
		out = append(out, cloneDoc(stored))
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, collection string, q store.Query, patch store.Document) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, doc := range s.collections[collection] {
		if !store.Matches(doc, q) {
			continue
		}
		for k, v := range patch {
			if k == "id" {
				continue
			}
			doc[k] = v
		}
		n++
	}
	return n, nil
}

func (s *Store) Remove(ctx context.Context, collection string, q store.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[collection]
	var n int64
	for id, doc := range coll {
		if store.Matches(doc, q) {
			delete(coll, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Count(ctx context.Context, collection string, q store.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, doc := range s.collections[collection] {
		if store.Matches(doc, q) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Close() error { return nil }

func cloneDoc(doc store.Document) store.Document {
	out := make(store.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

var _ store.Store = (*Store)(nil)
