package store

import (
	"bytes"
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/pierrec/lz4/v4"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// HookHistoryStore implements the hook-execution-history sub-store (spec
// §3.10, §4.14). Execution context is LZ4-compressed before storage; it has
// no dedicated capability trait, mirroring PatternStore.
type HookHistoryStore struct {
	pool *pool.Pool
}

func NewHookHistoryStore(p *pool.Pool) *HookHistoryStore {
	return &HookHistoryStore{pool: p}
}

// Append compresses the execution context with LZ4, stores the result as
// uncompressed JSON, and inserts a new history row (spec §4.14).
func (s *HookHistoryStore) Append(ctx context.Context, h models.HookExecution) error {
	compressed, originalSize, err := compressLZ4(h.ContextCompressed)
	if err != nil {
		return storerrors.Permanent("hook_history.append", "compress", err)
	}
	resultJSON, err := json.Marshal(h.Result)
	if err != nil {
		return storerrors.Permanent("hook_history.append", "marshal_result", err)
	}

	return withTenantConn(ctx, s.pool, h.Tenant, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO llmspell.hook_history
				(execution_id, tenant_id, hook_id, hook_type, correlation_id, context_compressed, context_size,
				 result, duration_ms, triggering_component, component_id, modified_operation, tags,
				 retention_priority, sensitive, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
		`, h.ExecutionID, string(h.Tenant), h.HookID, h.HookType, h.CorrelationID, compressed, originalSize,
			resultJSON, h.DurationMs, h.TriggeringComponent, h.ComponentID, h.ModifiedOperation, h.Tags,
			h.RetentionPriority, h.Sensitive)
		return classifyWriteErr("hook_history.append", err)
	})
}

func (s *HookHistoryStore) Get(ctx context.Context, tenant models.Tenant, executionID string) (*models.HookExecution, error) {
	var h models.HookExecution
	var compressed []byte
	var resultJSON []byte

	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `
			SELECT execution_id, tenant_id, hook_id, hook_type, correlation_id, context_compressed, context_size,
			       result, duration_ms, triggering_component, component_id, modified_operation, tags,
			       retention_priority, sensitive, created_at
			FROM llmspell.hook_history WHERE execution_id = $1
		`, executionID)
		scanErr := row.Scan(&h.ExecutionID, (*string)(&h.Tenant), &h.HookID, &h.HookType, &h.CorrelationID,
			&compressed, &h.ContextSize, &resultJSON, &h.DurationMs, &h.TriggeringComponent, &h.ComponentID,
			&h.ModifiedOperation, &h.Tags, &h.RetentionPriority, &h.Sensitive, &h.CreatedAt)
		if scanErr == pgx.ErrNoRows {
			return storerrors.NotFound("hook_history.get", executionID)
		}
		if scanErr != nil {
			return storerrors.Transient("hook_history.get", scanErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	decompressed, err := decompressLZ4(compressed)
	if err != nil {
		return nil, storerrors.Permanent("hook_history.get", "decompress", err)
	}
	h.ContextCompressed = decompressed
	_ = json.Unmarshal(resultJSON, &h.Result)
	return &h, nil
}

// Cleanup deletes history rows older than before whose retention_priority is
// at least minPriority — higher priority means earlier eligibility for
// deletion, per spec §9's resolved reading of the retention ordering.
func (s *HookHistoryStore) Cleanup(ctx context.Context, tenant models.Tenant, before models.HookExecution, minPriority int) (int64, error) {
	var affected int64
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `
			DELETE FROM llmspell.hook_history
			WHERE created_at < $1 AND retention_priority >= $2
		`, before.CreatedAt, minPriority)
		if err != nil {
			return classifyWriteErr("hook_history.cleanup", err)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// MigrationSource / MigrationTarget move the already-compressed
// context_compressed bytes verbatim, without decompressing and
// recompressing them (spec §4.17, §4.14).
var _ capability.MigrationSource[models.HookExecution] = (*HookHistoryStore)(nil)
var _ capability.MigrationTarget[models.HookExecution] = (*HookHistoryStore)(nil)

func (s *HookHistoryStore) Count(ctx context.Context, tenant models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT count(*) FROM llmspell.hook_history`).Scan(&n)
	})
	return n, err
}

func (s *HookHistoryStore) Bounds(ctx context.Context, tenant models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT coalesce(min(execution_id), ''), coalesce(max(execution_id), '') FROM llmspell.hook_history`).Scan(&min, &max)
	})
	return min, max, err
}

func (s *HookHistoryStore) NextBatch(ctx context.Context, tenant models.Tenant, cursor string, size int) (capability.Batch[models.HookExecution], error) {
	builder := sq.Select("execution_id", "tenant_id", "hook_id", "hook_type", "correlation_id", "context_compressed",
		"context_size", "result", "duration_ms", "triggering_component", "component_id", "modified_operation",
		"tags", "retention_priority", "sensitive", "created_at").
		From("llmspell.hook_history").OrderBy("execution_id ASC").Limit(uint64(size) + 1).PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		builder = builder.Where(sq.Gt{"execution_id": cursor})
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return capability.Batch[models.HookExecution]{}, storerrors.Permanent("hook_history.next_batch", "build_query", err)
	}

	var recs []models.HookExecution
	err = withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("hook_history.next_batch", err)
		}
		defer rows.Close()
		for rows.Next() {
			var h models.HookExecution
			var resultJSON []byte
			if err := rows.Scan(&h.ExecutionID, (*string)(&h.Tenant), &h.HookID, &h.HookType, &h.CorrelationID,
				&h.ContextCompressed, &h.ContextSize, &resultJSON, &h.DurationMs, &h.TriggeringComponent,
				&h.ComponentID, &h.ModifiedOperation, &h.Tags, &h.RetentionPriority, &h.Sensitive, &h.CreatedAt); err != nil {
				return storerrors.Permanent("hook_history.next_batch", "scan", err)
			}
			_ = json.Unmarshal(resultJSON, &h.Result)
			recs = append(recs, h)
		}
		return rows.Err()
	})
	if err != nil {
		return capability.Batch[models.HookExecution]{}, err
	}

	var batch capability.Batch[models.HookExecution]
	if len(recs) > size {
		batch.Records = recs[:size]
		batch.Cursor = batch.Records[size-1].ExecutionID
	} else {
		batch.Records = recs
		batch.Done = true
		if len(recs) > 0 {
			batch.Cursor = recs[len(recs)-1].ExecutionID
		}
	}
	return batch, nil
}

func (s *HookHistoryStore) WriteBatch(ctx context.Context, tenant models.Tenant, records []models.HookExecution) error {
	return withTenantTx(ctx, s.pool, tenant, func(tx pgx.Tx) error {
		for _, h := range records {
			resultJSON, err := json.Marshal(h.Result)
			if err != nil {
				return storerrors.Permanent("hook_history.write_batch", "marshal_result", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO llmspell.hook_history
					(execution_id, tenant_id, hook_id, hook_type, correlation_id, context_compressed, context_size,
					 result, duration_ms, triggering_component, component_id, modified_operation, tags,
					 retention_priority, sensitive, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
				ON CONFLICT (execution_id) DO NOTHING
			`, h.ExecutionID, string(h.Tenant), h.HookID, h.HookType, h.CorrelationID, h.ContextCompressed,
				h.ContextSize, resultJSON, h.DurationMs, h.TriggeringComponent, h.ComponentID, h.ModifiedOperation,
				h.Tags, h.RetentionPriority, h.Sensitive, h.CreatedAt)
			if err != nil {
				return classifyWriteErr("hook_history.write_batch", err)
			}
		}
		return nil
	})
}

func compressLZ4(data []byte) ([]byte, int64, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, 0, err
	}
	if err := w.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), int64(len(data)), nil
}

func decompressLZ4(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
