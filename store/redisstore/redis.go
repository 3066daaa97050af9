// Package redisstore implements the store.Store contract on Redis. Each
// collection is a hash keyed by document id with JSON-encoded values.
// Queries are evaluated client-side with the shared store.Matches semantics,
// which keeps every backend's matching behavior identical; session and
// room rows are small enough that a full hash scan per query is acceptable.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/girderhq/girder/store"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client to use. If nil, a default localhost client
	// is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys. Defaults to "girder:store:".
	KeyPrefix string
}

// Store implements store.Store over Redis hashes.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a Redis-backed store.
func New(cfg Config) *Store {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "girder:store:"
	}
	return &Store{client: client, keyPrefix: prefix}
}

func (s *Store) collectionKey(collection string) string {
	return s.keyPrefix + "coll:" + collection
}

func (s *Store) Find(ctx context.Context, collection string, q store.Query) ([]store.Document, error) {
	rows, err := s.client.HGetAll(ctx, s.collectionKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("scan collection %s: %w", collection, err)
	}

	var out []store.Document
	for id, raw := range rows {
		var doc store.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			// Skip rows another writer corrupted rather than failing the
			// whole query.
			continue
		}
		if _, ok := doc["id"]; !ok {
			doc["id"] = id
		}
		if store.Matches(doc, q) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *Store) FindOne(ctx context.Context, collection string, q store.Query) (store.Document, error) {
	// Fast path: direct id lookup avoids scanning the hash.
	if id, ok := q["id"].(string); ok && len(q) == 1 {
		raw, err := s.client.HGet(ctx, s.collectionKey(collection), id).Result()
		if err == redis.Nil {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
		}
		var doc store.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		return doc, nil
	}

	docs, err := s.Find(ctx, collection, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, store.ErrNotFound
	}
	return docs[0], nil
}

func (s *Store) Insert(ctx context.Context, collection string, docs ...store.Document) ([]store.Document, error) {
	key := s.collectionKey(collection)
	out := make([]store.Document, 0, len(docs))

	pipe := s.client.Pipeline()
	for _, doc := range docs {
		stored := make(store.Document, len(doc)+1)
		for k, v := range doc {
			stored[k] = v
		}
		id, _ := stored["id"].(string)
		if id == "" {
			id = uuid.NewString()
			stored["id"] = id
		}
		raw, err := json.Marshal(stored)
		if err != nil {
			return nil, fmt.Errorf("encode document for %s: %w", collection, err)
		}
		pipe.HSet(ctx, key, id, raw)
		out = append(out, stored)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert into %s: %w", collection, err)
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, collection string, q store.Query, patch store.Document) (int64, error) {
	docs, err := s.Find(ctx, collection, q)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	key := s.collectionKey(collection)
	pipe := s.client.Pipeline()
	for _, doc := range docs {
		for k, v := range patch {
			if k == "id" {
				continue
			}
			doc[k] = v
		}
		id, _ := doc["id"].(string)
		raw, err := json.Marshal(doc)
		if err != nil {
			return 0, fmt.Errorf("encode document %s/%s: %w", collection, id, err)
		}
		pipe.HSet(ctx, key, id, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("update %s: %w", collection, err)
	}
	return int64(len(docs)), nil
}

func (s *Store) Remove(ctx context.Context, collection string, q store.Query) (int64, error) {
	docs, err := s.Find(ctx, collection, q)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if id, ok := doc["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	if err := s.client.HDel(ctx, s.collectionKey(collection), ids...).Err(); err != nil {
		return 0, fmt.Errorf("remove from %s: %w", collection, err)
	}
	return int64(len(ids)), nil
}

func (s *Store) Count(ctx context.Context, collection string, q store.Query) (int64, error) {
	if len(q) == 0 {
		n, err := s.client.HLen(ctx, s.collectionKey(collection)).Result()
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", collection, err)
		}
		return n, nil
	}
	docs, err := s.Find(ctx, collection, q)
	if err != nil {
		return 0, err
	}
	return int64(len(docs)), nil
}

func (s *Store) Close() error { return s.client.Close() }

var _ store.Store = (*Store)(nil)
