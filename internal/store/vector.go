package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	"github.com/lexlapax/llmspell-storage/internal/config"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// VectorStore implements capability.Vector for one fixed embedding
// dimension (spec §3.1, §4.6). The four dimension variants (384, 768, 1536,
// 3072) share this implementation, parameterized by table name and
// dimension; only the 3072 variant lacks an HNSW index and falls back to
// exact scan.
type VectorStore struct {
	pool    *pool.Pool
	table   string
	dim     models.VectorDimension
	vecCfg  config.Vector
}

var _ capability.Vector = (*VectorStore)(nil)
var _ capability.MigrationSource[models.VectorRecord] = (*VectorStore)(nil)
var _ capability.MigrationTarget[models.VectorRecord] = (*VectorStore)(nil)

// metadataKeyPattern allowlists JSONB metadata keys accepted by Search's
// filter map before they are interpolated into a metadata->>'key' column
// expression; squirrel only parameterizes the value side of sq.Eq, so an
// unvalidated key would let a caller-supplied string inject SQL.
var metadataKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func tableForDim(dim models.VectorDimension) string {
	return fmt.Sprintf("llmspell.vector_embeddings_%d", int(dim))
}

func NewVectorStore(p *pool.Pool, dim models.VectorDimension, vecCfg config.Vector) *VectorStore {
	return &VectorStore{pool: p, table: tableForDim(dim), dim: dim, vecCfg: vecCfg}
}

// Upsert inserts or replaces a vector record. Fails Permanent if the vector
// is empty or the wrong length for this store's dimension (spec §4.6 edge
// case).
func (s *VectorStore) Upsert(ctx context.Context, rec models.VectorRecord) error {
	if len(rec.Vector) == 0 || len(rec.Vector) != int(s.dim) {
		return storerrors.Permanent("vector.upsert", "wrong_vector_length",
			fmt.Errorf("expected %d dims, got %d", s.dim, len(rec.Vector)))
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return storerrors.Permanent("vector.upsert", "invalid_metadata", err)
	}

	query, args, err := sq.Insert(s.table).
		Columns("id", "tenant_id", "scope", "embedding", "metadata", "created_at", "updated_at").
		Values(rec.ID, string(rec.Tenant), rec.Scope, pgvector.NewVector(rec.Vector), metadata, sq.Expr("now()"), sq.Expr("now()")).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			scope = EXCLUDED.scope,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			updated_at = now()`).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return storerrors.Permanent("vector.upsert", "build_query", err)
	}

	return withTenantConn(ctx, s.pool, rec.Tenant, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, query, args...)
		return classifyWriteErr("vector.upsert", err)
	})
}

func (s *VectorStore) Get(ctx context.Context, t models.Tenant, id string) (*models.VectorRecord, error) {
	query, args, err := sq.Select("id", "tenant_id", "scope", "embedding", "metadata", "created_at", "updated_at").
		From(s.table).Where(sq.Eq{"id": id}).PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return nil, storerrors.Permanent("vector.get", "build_query", err)
	}

	var rec models.VectorRecord
	err = withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		var vec pgvector.Vector
		var metadata []byte
		row := conn.QueryRow(ctx, query, args...)
		scanErr := row.Scan(&rec.ID, (*string)(&rec.Tenant), &rec.Scope, &vec, &metadata, &rec.CreatedAt, &rec.UpdatedAt)
		if scanErr == pgx.ErrNoRows {
			return storerrors.NotFound("vector.get", id)
		}
		if scanErr != nil {
			return storerrors.Transient("vector.get", scanErr)
		}
		rec.Vector = vec.Slice()
		return json.Unmarshal(metadata, &rec.Metadata)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *VectorStore) Delete(ctx context.Context, t models.Tenant, id string) error {
	query, args, err := sq.Delete(s.table).Where(sq.Eq{"id": id}).PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return storerrors.Permanent("vector.delete", "build_query", err)
	}
	return withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, query, args...)
		return classifyWriteErr("vector.delete", err)
	})
}

// Search implements the ordering contract of spec §4.6/§4.1: top-k by
// descending cosine similarity, ties broken by ascending id. The 3072-dim
// table has no HNSW index so the planner naturally falls back to exact
// scan; a row-count guard refuses the query (Permanent) above
// ExactScanRowLimit rather than accepting unbounded latency silently (see
// DESIGN.md Open Question resolution).
func (s *VectorStore) Search(ctx context.Context, t models.Tenant, scope string, query []float32, k int, filter map[string]any) ([]models.ScoredID, error) {
	if len(query) != int(s.dim) {
		return nil, storerrors.Permanent("vector.search", "wrong_vector_length",
			fmt.Errorf("expected %d dims, got %d", s.dim, len(query)))
	}

	qvec := pgvector.NewVector(query)

	builder := sq.Select("id").
		Column(sq.Expr("1 - (embedding <=> ?) AS score", qvec)).
		From(s.table).PlaceholderFormat(sq.Dollar)

	if scope != "" {
		builder = builder.Where(sq.Eq{"scope": scope})
	}
	for key, val := range filter {
		if !metadataKeyPattern.MatchString(key) {
			return nil, storerrors.Permanent("vector.search", "invalid_filter_key",
				fmt.Errorf("metadata filter key %q must match %s", key, metadataKeyPattern.String()))
		}
		builder = builder.Where(sq.Eq{fmt.Sprintf("metadata->>'%s'", key): fmt.Sprintf("%v", val)})
	}
	builder = builder.OrderBy("score DESC", "id ASC").Limit(uint64(k))

	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, storerrors.Permanent("vector.search", "build_query", err)
	}
	if s.dim == models.Dim3072 {
		var rowCount int64
		countErr := withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
			return conn.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s WHERE tenant_id = current_setting('app.current_tenant_id', true)", s.table)).Scan(&rowCount)
		})
		if countErr == nil && rowCount > int64(s.vecCfg.ExactScanRowLimit) {
			return nil, storerrors.Permanent("vector.search", "exact_scan_row_limit_exceeded",
				fmt.Errorf("%d rows exceeds limit %d for exact-scan-only dimension", rowCount, s.vecCfg.ExactScanRowLimit))
		}
	}

	var results []models.ScoredID
	err = withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("vector.search", err)
		}
		defer rows.Close()
		for rows.Next() {
			var sid models.ScoredID
			if err := rows.Scan(&sid.ID, &sid.Score); err != nil {
				return storerrors.Permanent("vector.search", "scan", err)
			}
			results = append(results, sid)
		}
		return rows.Err()
	})
	return results, err
}

// MigrationSource / MigrationTarget -----------------------------------------

func (s *VectorStore) Count(ctx context.Context, t models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", s.table)).Scan(&n)
	})
	return n, err
}

func (s *VectorStore) Bounds(ctx context.Context, t models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, fmt.Sprintf("SELECT coalesce(min(id::text), ''), coalesce(max(id::text), '') FROM %s", s.table)).Scan(&min, &max)
	})
	return min, max, err
}

func (s *VectorStore) NextBatch(ctx context.Context, t models.Tenant, cursor string, size int) (capability.Batch[models.VectorRecord], error) {
	builder := sq.Select("id", "tenant_id", "scope", "embedding", "metadata", "created_at", "updated_at").
		From(s.table).OrderBy("id ASC").Limit(uint64(size) + 1).PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		builder = builder.Where(sq.Gt{"id": cursor})
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return capability.Batch[models.VectorRecord]{}, storerrors.Permanent("vector.next_batch", "build_query", err)
	}

	var batch capability.Batch[models.VectorRecord]
	err = withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("vector.next_batch", err)
		}
		defer rows.Close()
		for rows.Next() {
			var rec models.VectorRecord
			var vec pgvector.Vector
			var metadata []byte
			if err := rows.Scan(&rec.ID, (*string)(&rec.Tenant), &rec.Scope, &vec, &metadata, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
				return storerrors.Permanent("vector.next_batch", "scan", err)
			}
			rec.Vector = vec.Slice()
			_ = json.Unmarshal(metadata, &rec.Metadata)
			batch.Records = append(batch.Records, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return capability.Batch[models.VectorRecord]{}, err
	}

	if len(batch.Records) > size {
		batch.Records = batch.Records[:size]
		batch.Cursor = batch.Records[size-1].ID
	} else {
		batch.Done = true
		if len(batch.Records) > 0 {
			batch.Cursor = batch.Records[len(batch.Records)-1].ID
		}
	}
	return batch, nil
}

func (s *VectorStore) WriteBatch(ctx context.Context, t models.Tenant, records []models.VectorRecord) error {
	return withTenantTx(ctx, s.pool, t, func(tx pgx.Tx) error {
		for _, rec := range records {
			metadata, err := json.Marshal(rec.Metadata)
			if err != nil {
				return storerrors.Permanent("vector.write_batch", "invalid_metadata", err)
			}
			_, err = tx.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %s (id, tenant_id, scope, embedding, metadata, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (id) DO UPDATE SET
					scope = EXCLUDED.scope, embedding = EXCLUDED.embedding,
					metadata = EXCLUDED.metadata, updated_at = EXCLUDED.updated_at
			`, s.table), rec.ID, string(rec.Tenant), rec.Scope, pgvector.NewVector(rec.Vector), metadata, rec.CreatedAt, rec.UpdatedAt)
			if err != nil {
				return classifyWriteErr("vector.write_batch", err)
			}
		}
		return nil
	})
}
