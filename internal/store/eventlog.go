package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/internal/tenant"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// EventLogStore implements capability.TemporalSeries over the
// monthly-partitioned event_log table (spec §3.9, §4.13). Append assumes
// the target partition already exists; internal/partition is responsible
// for keeping future partitions attached ahead of time.
type EventLogStore struct {
	pool *pool.Pool
}

var _ capability.TemporalSeries = (*EventLogStore)(nil)

func NewEventLogStore(p *pool.Pool) *EventLogStore {
	return &EventLogStore{pool: p}
}

// Append inserts a single event row. If no partition covers rec.Timestamp,
// PostgreSQL rejects the insert and the failure is reported as Permanent
// (spec §4.13) — callers must keep partitions ahead of the write horizon.
func (s *EventLogStore) Append(ctx context.Context, rec models.EventRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return storerrors.Permanent("event_log.append", "marshal_payload", err)
	}
	return withTenantConn(ctx, s.pool, rec.Tenant, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO llmspell.event_log
				(tenant_id, ts, event_id, event_type, correlation_id, sequence, source_lang, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, string(rec.Tenant), rec.Timestamp, rec.EventID, rec.EventType, rec.CorrelationID, rec.Sequence, rec.SourceLang, payload)
		if err != nil {
			if isMissingPartitionErr(err) {
				return storerrors.Permanent("event_log.append", "no_partition", err)
			}
			return classifyWriteErr("event_log.append", err)
		}
		return nil
	})
}

// ReadRange streams rows with ts in [from, to) lazily over a channel,
// relying on partition pruning to keep the scan bounded (spec §4.13). The
// channel is closed when the range is exhausted, max rows are produced, or
// ctx is cancelled. The lease backing the cursor is held until the channel
// drains, so callers must consume it to completion or cancel ctx.
func (s *EventLogStore) ReadRange(ctx context.Context, tenant_ models.Tenant, from, to time.Time, filter models.EventFilter, max int) (<-chan models.EventRecord, error) {
	lease, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if err := tenant.Bind(ctx, lease, tenant_); err != nil {
		lease.Release()
		return nil, err
	}

	builder := sq.Select("tenant_id", "ts", "event_id", "event_type", "correlation_id", "sequence", "source_lang", "payload").
		From("llmspell.event_log").
		Where(sq.GtOrEq{"ts": from}).
		Where(sq.Lt{"ts": to}).
		OrderBy("ts ASC").
		Limit(uint64(max)).
		PlaceholderFormat(sq.Dollar)
	if filter.EventType != "" {
		builder = builder.Where(sq.Eq{"event_type": filter.EventType})
	}
	if filter.CorrelationID != "" {
		builder = builder.Where(sq.Eq{"correlation_id": filter.CorrelationID})
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		lease.Release()
		return nil, storerrors.Permanent("event_log.read_range", "build_query", err)
	}

	rows, err := lease.Conn().Conn().Query(ctx, sqlStr, args...)
	if err != nil {
		lease.Release()
		return nil, storerrors.Transient("event_log.read_range", err)
	}

	out := make(chan models.EventRecord)
	go func() {
		defer lease.Release()
		defer rows.Close()
		defer close(out)
		for rows.Next() {
			var rec models.EventRecord
			var payload []byte
			if err := rows.Scan((*string)(&rec.Tenant), &rec.Timestamp, &rec.EventID, &rec.EventType,
				&rec.CorrelationID, &rec.Sequence, &rec.SourceLang, &payload); err != nil {
				return
			}
			_ = json.Unmarshal(payload, &rec.Payload)
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// MigrationSource / MigrationTarget -----------------------------------------

var _ capability.MigrationSource[models.EventRecord] = (*EventLogStore)(nil)
var _ capability.MigrationTarget[models.EventRecord] = (*EventLogStore)(nil)

// eventCursor packs (ts, event_id) into one sortable string, since
// ts alone is not unique.
func eventCursor(rec models.EventRecord) string {
	return strconv.FormatInt(rec.Timestamp.UnixNano(), 10) + "\x1f" + rec.EventID
}

func splitEventCursor(cursor string) (time.Time, string) {
	parts := strings.SplitN(cursor, "\x1f", 2)
	if len(parts) != 2 {
		return time.Time{}, ""
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, ""
	}
	return time.Unix(0, nanos).UTC(), parts[1]
}

func (s *EventLogStore) Count(ctx context.Context, t models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT count(*) FROM llmspell.event_log`).Scan(&n)
	})
	return n, err
}

func (s *EventLogStore) Bounds(ctx context.Context, t models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT coalesce(min(ts)::text, ''), coalesce(max(ts)::text, '') FROM llmspell.event_log
		`).Scan(&min, &max)
	})
	return min, max, err
}

func (s *EventLogStore) NextBatch(ctx context.Context, t models.Tenant, cursor string, size int) (capability.Batch[models.EventRecord], error) {
	builder := sq.Select("tenant_id", "ts", "event_id", "event_type", "correlation_id", "sequence", "source_lang", "payload").
		From("llmspell.event_log").OrderBy("ts ASC, event_id ASC").Limit(uint64(size) + 1).PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		ts, id := splitEventCursor(cursor)
		builder = builder.Where(sq.Expr("(ts, event_id) > (?, ?)", ts, id))
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return capability.Batch[models.EventRecord]{}, storerrors.Permanent("event_log.next_batch", "build_query", err)
	}

	var recs []models.EventRecord
	err = withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("event_log.next_batch", err)
		}
		defer rows.Close()
		for rows.Next() {
			var rec models.EventRecord
			var payload []byte
			if err := rows.Scan((*string)(&rec.Tenant), &rec.Timestamp, &rec.EventID, &rec.EventType,
				&rec.CorrelationID, &rec.Sequence, &rec.SourceLang, &payload); err != nil {
				return storerrors.Permanent("event_log.next_batch", "scan", err)
			}
			_ = json.Unmarshal(payload, &rec.Payload)
			recs = append(recs, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return capability.Batch[models.EventRecord]{}, err
	}

	var batch capability.Batch[models.EventRecord]
	if len(recs) > size {
		batch.Records = recs[:size]
		batch.Cursor = eventCursor(batch.Records[size-1])
	} else {
		batch.Records = recs
		batch.Done = true
		if len(recs) > 0 {
			batch.Cursor = eventCursor(recs[len(recs)-1])
		}
	}
	return batch, nil
}

// WriteBatch inserts rows directly; a missing target partition surfaces the
// same Permanent("no_partition") failure as Append (spec §4.13, §4.17).
func (s *EventLogStore) WriteBatch(ctx context.Context, t models.Tenant, records []models.EventRecord) error {
	return withTenantTx(ctx, s.pool, t, func(tx pgx.Tx) error {
		for _, rec := range records {
			payload, err := json.Marshal(rec.Payload)
			if err != nil {
				return storerrors.Permanent("event_log.write_batch", "marshal_payload", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO llmspell.event_log
					(tenant_id, ts, event_id, event_type, correlation_id, sequence, source_lang, payload)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (tenant_id, ts, event_id) DO NOTHING
			`, string(rec.Tenant), rec.Timestamp, rec.EventID, rec.EventType, rec.CorrelationID, rec.Sequence, rec.SourceLang, payload)
			if err != nil {
				if isMissingPartitionErr(err) {
					return storerrors.Permanent("event_log.write_batch", "no_partition", err)
				}
				return classifyWriteErr("event_log.write_batch", err)
			}
		}
		return nil
	})
}
