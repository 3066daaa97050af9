// Package store defines the persistent document-store contract consumed by
// the session registry and the built-in collection resource. Only the
// find/insert/update/remove/count surface is specified here; the storage
// engine behind it is an external concern.
package store

import (
	"context"
	"errors"
	"reflect"
)

// Document is a single stored object. Every persisted document carries a
// string "id" field; Insert assigns one when absent.
type Document = map[string]any

// Query selects documents by field equality. A value may instead be an
// operator object using the keys "$lt", "$lte", "$gt", "$gte" or "$ne" for
// range and inequality matching.
type Query = map[string]any

// ErrNotFound is returned by FindOne when no document matches.
var ErrNotFound = errors.New("store: document not found")

// Store is the document-store contract. Implementations must be safe for
// concurrent use. All methods honor context cancellation on their blocking
// paths.
type Store interface {
	// Find returns every document in collection matching q. An empty or nil
	// query matches all documents.
	Find(ctx context.Context, collection string, q Query) ([]Document, error)

	// FindOne returns a single matching document or ErrNotFound.
	FindOne(ctx context.Context, collection string, q Query) (Document, error)

	// Insert stores the given documents, assigning ids where missing, and
	// returns them with ids populated.
	Insert(ctx context.Context, collection string, docs ...Document) ([]Document, error)

	// Update applies patch to every document matching q and reports how many
	// documents were modified. Patch fields overwrite document fields; it is
	// not a deep merge.
	Update(ctx context.Context, collection string, q Query, patch Document) (int64, error)

	// Remove deletes every document matching q and reports how many were
	// removed.
	Remove(ctx context.Context, collection string, q Query) (int64, error)

	// Count reports how many documents match q.
	Count(ctx context.Context, collection string, q Query) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

// Matches reports whether doc satisfies q. It implements the shared query
// semantics so every backend agrees on matching behavior.
func Matches(doc Document, q Query) bool {
	for field, want := range q {
		got, ok := doc[field]
		if op, isOp := want.(map[string]any); isOp {
			if !matchOps(got, ok, op) {
				return false
			}
			continue
		}
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func matchOps(got any, present bool, ops map[string]any) bool {
	for op, operand := range ops {
		switch op {
		case "$ne":
			if present && looseEqual(got, operand) {
				return false
			}
		case "$lt", "$lte", "$gt", "$gte":
			if !present {
				return false
			}
			cmp, ok := compare(got, operand)
			if !ok {
				return false
			}
			switch op {
			case "$lt":
				if cmp >= 0 {
					return false
				}
			case "$lte":
				if cmp > 0 {
					return false
				}
			case "$gt":
				if cmp <= 0 {
					return false
				}
			case "$gte":
				if cmp < 0 {
					return false
				}
			}
		default:
			// Unknown operators never match; better to return nothing than
			// to silently ignore a malformed query.
			return false
		}
	}
	return true
}

// looseEqual compares scalars across the numeric types JSON round-trips
// produce (int64 vs float64 in particular).
func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, bool) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
