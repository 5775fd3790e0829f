package store

import (
	"context"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// PatternStore implements the procedural-pattern sub-store (spec §3.4,
// §4.8). It has no dedicated capability trait in §4.1; callers use its
// concrete Record/Query methods directly, the way the teacher's
// ConfigurationStore exposes Get/Save rather than implementing KV.
type PatternStore struct {
	pool *pool.Pool
}

func NewPatternStore(p *pool.Pool) *PatternStore {
	return &PatternStore{pool: p}
}

// Record upserts (tenant, scope, key, value): increments frequency,
// refreshes last_seen, and leaves first_seen untouched on conflict (spec
// §4.8).
func (s *PatternStore) Record(ctx context.Context, tenant models.Tenant, scope, key, value string) error {
	return withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO llmspell.procedural_patterns (tenant_id, scope, key, value, first_seen, last_seen, frequency)
			VALUES ($1, $2, $3, $4, now(), now(), 1)
			ON CONFLICT (tenant_id, scope, key, value) DO UPDATE SET
				frequency = llmspell.procedural_patterns.frequency + 1,
				last_seen = now()
		`, string(tenant), scope, key, value)
		return classifyWriteErr("pattern.record", err)
	})
}

// Query returns patterns at or above minFreq for (scope, key). Passing
// models.LearnedThreshold as minFreq selects only "learned" patterns (spec
// §3.4 — a query-side concept, accelerated by a partial index, not a
// stored flag).
func (s *PatternStore) Query(ctx context.Context, tenant models.Tenant, scope, key string, minFreq int64) ([]models.Pattern, error) {
	var out []models.Pattern
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT tenant_id, scope, key, value, first_seen, last_seen, frequency
			FROM llmspell.procedural_patterns
			WHERE scope = $1 AND key = $2 AND frequency >= $3
			ORDER BY frequency DESC, value ASC
		`, scope, key, minFreq)
		if err != nil {
			return storerrors.Transient("pattern.query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p models.Pattern
			if err := rows.Scan((*string)(&p.Tenant), &p.Scope, &p.Key, &p.Value, &p.FirstSeen, &p.LastSeen, &p.Frequency); err != nil {
				return storerrors.Permanent("pattern.query", "scan", err)
			}
			out = append(out, p)
		}
		return rows.Err()
	})
	return out, err
}

// MigrationSource / MigrationTarget -----------------------------------------

var _ capability.MigrationSource[models.Pattern] = (*PatternStore)(nil)
var _ capability.MigrationTarget[models.Pattern] = (*PatternStore)(nil)

// patternCursor packs the (scope, key, value) composite identity into one
// sortable string for keyset pagination, since patterns have no single-
// column primary key.
func patternCursor(p models.Pattern) string {
	return p.Scope + "\x1f" + p.Key + "\x1f" + p.Value
}

func splitPatternCursor(cursor string) (scope, key, value string) {
	parts := strings.SplitN(cursor, "\x1f", 3)
	if len(parts) == 3 {
		return parts[0], parts[1], parts[2]
	}
	return "", "", ""
}

func (s *PatternStore) Count(ctx context.Context, tenant models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT count(*) FROM llmspell.procedural_patterns`).Scan(&n)
	})
	return n, err
}

// Bounds reports the composite (scope, key, value) identity as a single
// text tuple at each end; it is diagnostic only, since NextBatch tracks its
// own cursor independently of this value.
func (s *PatternStore) Bounds(ctx context.Context, tenant models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT coalesce(min((scope, key, value)::text), ''), coalesce(max((scope, key, value)::text), '')
			FROM llmspell.procedural_patterns
		`).Scan(&min, &max)
	})
	return min, max, err
}

func (s *PatternStore) NextBatch(ctx context.Context, tenant models.Tenant, cursor string, size int) (capability.Batch[models.Pattern], error) {
	builder := sq.Select("tenant_id", "scope", "key", "value", "first_seen", "last_seen", "frequency").
		From("llmspell.procedural_patterns").
		OrderBy("scope ASC, key ASC, value ASC").
		Limit(uint64(size) + 1).
		PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		scope, key, value := splitPatternCursor(cursor)
		builder = builder.Where(sq.Expr("(scope, key, value) > (?, ?, ?)", scope, key, value))
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return capability.Batch[models.Pattern]{}, storerrors.Permanent("pattern.next_batch", "build_query", err)
	}

	var recs []models.Pattern
	err = withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("pattern.next_batch", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p models.Pattern
			if err := rows.Scan((*string)(&p.Tenant), &p.Scope, &p.Key, &p.Value, &p.FirstSeen, &p.LastSeen, &p.Frequency); err != nil {
				return storerrors.Permanent("pattern.next_batch", "scan", err)
			}
			recs = append(recs, p)
		}
		return rows.Err()
	})
	if err != nil {
		return capability.Batch[models.Pattern]{}, err
	}

	var batch capability.Batch[models.Pattern]
	if len(recs) > size {
		batch.Records = recs[:size]
		batch.Cursor = patternCursor(batch.Records[size-1])
	} else {
		batch.Records = recs
		batch.Done = true
		if len(recs) > 0 {
			batch.Cursor = patternCursor(recs[len(recs)-1])
		}
	}
	return batch, nil
}

func (s *PatternStore) WriteBatch(ctx context.Context, tenant models.Tenant, records []models.Pattern) error {
	return withTenantTx(ctx, s.pool, tenant, func(tx pgx.Tx) error {
		for _, p := range records {
			_, err := tx.Exec(ctx, `
				INSERT INTO llmspell.procedural_patterns (tenant_id, scope, key, value, first_seen, last_seen, frequency)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (tenant_id, scope, key, value) DO UPDATE SET
					last_seen = EXCLUDED.last_seen, frequency = EXCLUDED.frequency
			`, string(p.Tenant), p.Scope, p.Key, p.Value, p.FirstSeen, p.LastSeen, p.Frequency)
			if err != nil {
				return classifyWriteErr("pattern.write_batch", err)
			}
		}
		return nil
	})
}
