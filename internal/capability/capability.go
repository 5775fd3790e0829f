// Package capability defines the small, composable interfaces that every
// sub-store implements a subset of (spec §4.1 and §9 "Polymorphism shape").
// The storage facade in internal/store composes concrete sub-stores by the
// capabilities they expose rather than through one fat interface.
package capability

import (
	"context"
	"time"

	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// KV is the key-value capability: scoped get/put/delete/list.
type KV interface {
	Get(ctx context.Context, tenant models.Tenant, scope, key string) ([]byte, bool, error)
	Put(ctx context.Context, tenant models.Tenant, scope, key string, value []byte) error
	Delete(ctx context.Context, tenant models.Tenant, scope, key string) error
	List(ctx context.Context, tenant models.Tenant, scope string) (<-chan string, error)
}

// Vector is the embedding-search capability (spec §4.1, §4.6).
type Vector interface {
	Upsert(ctx context.Context, rec models.VectorRecord) error
	Get(ctx context.Context, tenant models.Tenant, id string) (*models.VectorRecord, error)
	Delete(ctx context.Context, tenant models.Tenant, id string) error
	Search(ctx context.Context, tenant models.Tenant, scope string, query []float32, k int, filter map[string]any) ([]models.ScoredID, error)
}

// Graph is the bi-temporal knowledge-graph capability (spec §4.1, §4.7).
type Graph interface {
	UpsertEntity(ctx context.Context, e models.Entity) error
	UpsertRelationship(ctx context.Context, r models.Relationship) error
	QueryCurrent(ctx context.Context, tenant models.Tenant, filter models.GraphFilter) ([]models.Entity, error)
	QueryAsOf(ctx context.Context, tenant models.Tenant, validTime, txTime time.Time, filter models.GraphFilter) ([]models.Entity, error)
}

// TemporalSeries is the append-only, range-queryable event log capability
// (spec §4.1, §4.13).
type TemporalSeries interface {
	Append(ctx context.Context, rec models.EventRecord) error
	ReadRange(ctx context.Context, tenant models.Tenant, from, to time.Time, filter models.EventFilter, max int) (<-chan models.EventRecord, error)
}

// ContentAddressed is the deduplicating artifact-store capability (spec
// §4.1, §4.12).
type ContentAddressed interface {
	PutContent(ctx context.Context, tenant models.Tenant, bytes []byte) ([32]byte, error)
	GetContent(ctx context.Context, tenant models.Tenant, hash [32]byte) ([]byte, bool, error)
	PutMetadata(ctx context.Context, meta models.ArtifactMetadata) (string, error)
	GetMetadata(ctx context.Context, tenant models.Tenant, artifactID string) (*models.ArtifactMetadata, error)
	DeleteMetadata(ctx context.Context, tenant models.Tenant, artifactID string) error
}

// Batch is a lazily-produced, ordered slice of records with a resumable
// cursor, used by MigrationSource/MigrationTarget.
type Batch[T any] struct {
	Records  []T
	Cursor   string // opaque; source echoes it back on NextBatch
	Done     bool
}

// MigrationSource exposes a stable-order enumeration of a sub-store's
// records for the migration engine to stream out of (spec §4.1, §4.17).
type MigrationSource[T any] interface {
	Count(ctx context.Context, tenant models.Tenant) (int64, error)
	Bounds(ctx context.Context, tenant models.Tenant) (minKey, maxKey string, err error)
	NextBatch(ctx context.Context, tenant models.Tenant, cursor string, size int) (Batch[T], error)
}

// MigrationTarget accepts one batch per WriteBatch call; implementations
// open and commit a transaction of their own for each batch, so a caller
// cannot enlist the write in a wider transaction (spec §4.1, §4.17).
type MigrationTarget[T any] interface {
	WriteBatch(ctx context.Context, tenant models.Tenant, records []T) error
}
