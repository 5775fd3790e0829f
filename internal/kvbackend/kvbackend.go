// Package kvbackend implements the embedded key-value storage backend
// (spec §2 item 12, §4.1): a single bbolt file on disk, scoped by tenant and
// bucket, used both as an alternative backend for a subset of sub-stores and
// as a migration endpoint alongside the centralized relational backend.
// Grounded on the teacher pack's cuemby-warren BoltStore, which uses one
// bucket per entity kind with JSON-marshaled values keyed by id.
package kvbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// Backend wraps a single bbolt database file. Buckets are created lazily,
// one per (tenant, scope) pair for capability.KV callers and one per
// (tenant, component) pair for the typed migration stores below.
type Backend struct {
	db *bolt.DB
}

func Open(dataDir string) (*Backend, error) {
	path := filepath.Join(dataDir, "llmspell-storage.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, storerrors.Transient("kvbackend.open", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func bucketName(tenant models.Tenant, scope string) []byte {
	return []byte(fmt.Sprintf("%s/%s", tenant, scope))
}

// KVStore implements capability.KV over one Backend, scoping keys by
// tenant and a caller-chosen scope string (spec §4.1).
type KVStore struct {
	backend *Backend
}

var _ capability.KV = (*KVStore)(nil)

func NewKVStore(b *Backend) *KVStore {
	return &KVStore{backend: b}
}

func (s *KVStore) Get(ctx context.Context, tenant models.Tenant, scope, key string) ([]byte, bool, error) {
	var value []byte
	err := s.backend.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(tenant, scope))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		value = make([]byte, len(raw))
		copy(value, raw)
		return nil
	})
	if err != nil {
		return nil, false, storerrors.Transient("kvbackend.get", err)
	}
	return value, value != nil, nil
}

func (s *KVStore) Put(ctx context.Context, tenant models.Tenant, scope, key string, value []byte) error {
	err := s.backend.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(tenant, scope))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), value)
	})
	if err != nil {
		return storerrors.Transient("kvbackend.put", err)
	}
	return nil
}

func (s *KVStore) Delete(ctx context.Context, tenant models.Tenant, scope, key string) error {
	err := s.backend.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(tenant, scope))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	if err != nil {
		return storerrors.Transient("kvbackend.delete", err)
	}
	return nil
}

// List returns every key in scope over a channel, materialized up front
// since bbolt cursors are invalid once their transaction closes.
func (s *KVStore) List(ctx context.Context, tenant models.Tenant, scope string) (<-chan string, error) {
	var keys []string
	err := s.backend.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(tenant, scope))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, storerrors.Transient("kvbackend.list", err)
	}
	sort.Strings(keys)

	out := make(chan string, len(keys))
	for _, k := range keys {
		out <- k
	}
	close(out)
	return out, nil
}

// JSONStore is a generic MigrationSource/MigrationTarget over one bucket
// per (tenant, component), storing JSON-marshaled records keyed by an
// id extracted from each record. It lets the embedded KV backend stand in
// for any of the ten relational sub-stores during a migration (spec §4.17).
type JSONStore[T any] struct {
	backend   *Backend
	component string
	idOf      func(T) string
}

var _ capability.MigrationSource[models.Session] = (*JSONStore[models.Session])(nil)
var _ capability.MigrationTarget[models.Session] = (*JSONStore[models.Session])(nil)

// NewJSONStore builds a typed KV-backed migration endpoint. idOf extracts
// the record's natural key, used both as the bbolt key and as the migration
// cursor.
func NewJSONStore[T any](b *Backend, component string, idOf func(T) string) *JSONStore[T] {
	return &JSONStore[T]{backend: b, component: component, idOf: idOf}
}

func (s *JSONStore[T]) bucketName(tenant models.Tenant) []byte {
	return []byte(fmt.Sprintf("%s/%s", tenant, s.component))
}

func (s *JSONStore[T]) Put(ctx context.Context, tenant models.Tenant, rec T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return storerrors.Permanent(s.component+".put", "marshal", err)
	}
	err = s.backend.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(s.bucketName(tenant))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(s.idOf(rec)), data)
	})
	if err != nil {
		return storerrors.Transient(s.component+".put", err)
	}
	return nil
}

func (s *JSONStore[T]) Get(ctx context.Context, tenant models.Tenant, id string) (*T, error) {
	var rec T
	found := false
	err := s.backend.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucketName(tenant))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return nil, storerrors.Permanent(s.component+".get", "unmarshal", err)
	}
	if !found {
		return nil, storerrors.NotFound(s.component+".get", id)
	}
	return &rec, nil
}

func (s *JSONStore[T]) Count(ctx context.Context, tenant models.Tenant) (int64, error) {
	var n int64
	err := s.backend.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucketName(tenant))
		if bucket == nil {
			return nil
		}
		n = int64(bucket.Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, storerrors.Transient(s.component+".count", err)
	}
	return n, nil
}

func (s *JSONStore[T]) Bounds(ctx context.Context, tenant models.Tenant) (string, string, error) {
	var min, max string
	err := s.backend.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucketName(tenant))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		if k, _ := c.First(); k != nil {
			min = string(k)
		}
		if k, _ := c.Last(); k != nil {
			max = string(k)
		}
		return nil
	})
	if err != nil {
		return "", "", storerrors.Transient(s.component+".bounds", err)
	}
	return min, max, nil
}

// NextBatch walks keys in lexicographic order starting after cursor,
// mirroring the relational sub-stores' keyset-pagination contract.
func (s *JSONStore[T]) NextBatch(ctx context.Context, tenant models.Tenant, cursor string, size int) (capability.Batch[T], error) {
	var recs []T
	var lastKey string
	err := s.backend.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(s.bucketName(tenant))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		var k, v []byte
		if cursor == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(cursor))
			if k != nil && string(k) == cursor {
				k, v = c.Next()
			}
		}
		for ; k != nil && len(recs) < size; k, v = c.Next() {
			var rec T
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			lastKey = string(k)
		}
		return nil
	})
	if err != nil {
		return capability.Batch[T]{}, storerrors.Permanent(s.component+".next_batch", "unmarshal", err)
	}

	batch := capability.Batch[T]{Records: recs, Cursor: lastKey}
	if len(recs) < size {
		batch.Done = true
	}
	return batch, nil
}

func (s *JSONStore[T]) WriteBatch(ctx context.Context, tenant models.Tenant, records []T) error {
	err := s.backend.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(s.bucketName(tenant))
		if err != nil {
			return err
		}
		for _, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(s.idOf(rec)), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storerrors.Transient(s.component+".write_batch", err)
	}
	return nil
}
