package store

import (
	"context"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// GraphStore implements capability.Graph: the bi-temporal entity and
// relationship sub-store (spec §3.2, §3.3, §4.7).
type GraphStore struct {
	pool *pool.Pool
}

var _ capability.Graph = (*GraphStore)(nil)

func NewGraphStore(p *pool.Pool) *GraphStore {
	return &GraphStore{pool: p}
}

// UpsertEntity implements the supersede protocol of spec §4.7: inside one
// SERIALIZABLE transaction, close any existing current row (tx_until =
// now()) and insert the new row as current (tx_from = now(), tx_until =
// infinity). SERIALIZABLE prevents two concurrent writers from each
// producing a distinct "current" row for the same entity id (spec §5).
func (s *GraphStore) UpsertEntity(ctx context.Context, e models.Entity) error {
	err := withTenantConn(ctx, s.pool, e.Tenant, func(conn *pgx.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return storerrors.Transient("graph.upsert_entity", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, `
			UPDATE llmspell.graph_entities SET tx_until = now()
			WHERE entity_id = $1 AND tx_until = 'infinity'
		`, e.EntityID); err != nil {
			return classifyWriteErr("graph.upsert_entity", err)
		}

		props, err := json.Marshal(e.Properties)
		if err != nil {
			return storerrors.Permanent("graph.upsert_entity", "invalid_properties", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO llmspell.graph_entities
				(entity_id, tenant_id, type, name, properties, valid_from, valid_until, tx_from, tx_until)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now(), 'infinity')
		`, e.EntityID, string(e.Tenant), e.Type, e.Name, props, e.ValidFrom, e.ValidUntil); err != nil {
			return classifyWriteErr("graph.upsert_entity", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return storerrors.Transient("graph.upsert_entity", err)
		}
		return nil
	})

	// A SERIALIZABLE conflict here means another writer concurrently
	// superseded the same entity id; that is exactly the race spec §5
	// expects the transaction to serialize against, so it is surfaced as
	// Conflict rather than left as a generic Transient the caller might
	// retry blindly into a second silent conflict.
	if err != nil && storerrors.KindOf(err) == storerrors.KindTransient {
		return storerrors.Conflict("graph.upsert_entity", e.EntityID)
	}
	return err
}

func (s *GraphStore) UpsertRelationship(ctx context.Context, r models.Relationship) error {
	return withTenantConn(ctx, s.pool, r.Tenant, func(conn *pgx.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return storerrors.Transient("graph.upsert_relationship", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx, `
			UPDATE llmspell.graph_relationships SET tx_until = now()
			WHERE relationship_id = $1 AND tx_until = 'infinity'
		`, r.RelationshipID); err != nil {
			return classifyWriteErr("graph.upsert_relationship", err)
		}

		props, err := json.Marshal(r.Properties)
		if err != nil {
			return storerrors.Permanent("graph.upsert_relationship", "invalid_properties", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO llmspell.graph_relationships
				(relationship_id, tenant_id, from_entity_id, to_entity_id, relationship_type,
				 properties, valid_from, valid_until, tx_from, tx_until)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), 'infinity')
		`, r.RelationshipID, string(r.Tenant), r.FromEntityID, r.ToEntityID, r.RelationshipType,
			props, r.ValidFrom, r.ValidUntil); err != nil {
			return classifyWriteErr("graph.upsert_relationship", err)
		}

		return tx.Commit(ctx)
	})
}

// QueryCurrent returns entities where tx_until = infinity AND valid_until =
// infinity (spec §4.7's definition of "current").
func (s *GraphStore) QueryCurrent(ctx context.Context, t models.Tenant, filter models.GraphFilter) ([]models.Entity, error) {
	builder := sq.Select("entity_id", "tenant_id", "type", "name", "properties", "valid_from", "valid_until", "tx_from", "tx_until").
		From("llmspell.graph_entities").
		Where("tx_until = 'infinity'").
		Where("valid_until = 'infinity'").
		PlaceholderFormat(sq.Dollar)
	builder = applyGraphFilter(builder, filter)

	return s.queryEntities(ctx, t, builder)
}

// QueryAsOf returns entities visible at the given valid-time and
// transaction-time point, per spec §4.7: valid_from <= VT < valid_until AND
// tx_from <= TT < tx_until.
func (s *GraphStore) QueryAsOf(ctx context.Context, t models.Tenant, validTime, txTime time.Time, filter models.GraphFilter) ([]models.Entity, error) {
	builder := sq.Select("entity_id", "tenant_id", "type", "name", "properties", "valid_from", "valid_until", "tx_from", "tx_until").
		From("llmspell.graph_entities").
		Where(sq.LtOrEq{"valid_from": validTime}).
		Where(sq.Gt{"valid_until": validTime}).
		Where(sq.LtOrEq{"tx_from": txTime}).
		Where(sq.Gt{"tx_until": txTime}).
		PlaceholderFormat(sq.Dollar)
	builder = applyGraphFilter(builder, filter)

	return s.queryEntities(ctx, t, builder)
}

func applyGraphFilter(b sq.SelectBuilder, f models.GraphFilter) sq.SelectBuilder {
	if f.Type != "" {
		b = b.Where(sq.Eq{"type": f.Type})
	}
	if f.EntityID != "" {
		b = b.Where(sq.Eq{"entity_id": f.EntityID})
	}
	if f.NameLike != "" {
		b = b.Where(sq.Like{"name": "%" + f.NameLike + "%"})
	}
	return b
}

func (s *GraphStore) queryEntities(ctx context.Context, t models.Tenant, builder sq.SelectBuilder) ([]models.Entity, error) {
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, storerrors.Permanent("graph.query", "build_query", err)
	}

	var out []models.Entity
	err = withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("graph.query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var e models.Entity
			var props []byte
			if err := rows.Scan(&e.EntityID, (*string)(&e.Tenant), &e.Type, &e.Name, &props,
				&e.ValidFrom, &e.ValidUntil, &e.TxFrom, &e.TxUntil); err != nil {
				return storerrors.Permanent("graph.query", "scan", err)
			}
			_ = json.Unmarshal(props, &e.Properties)
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// MigrationSource / MigrationTarget for entities -----------------------------

func (s *GraphStore) Count(ctx context.Context, t models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT count(*) FROM llmspell.graph_entities`).Scan(&n)
	})
	return n, err
}

func (s *GraphStore) Bounds(ctx context.Context, t models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, s.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT coalesce(min(entity_id), ''), coalesce(max(entity_id), '') FROM llmspell.graph_entities`).Scan(&min, &max)
	})
	return min, max, err
}

func (s *GraphStore) NextBatch(ctx context.Context, t models.Tenant, cursor string, size int) (capability.Batch[models.Entity], error) {
	builder := sq.Select("entity_id", "tenant_id", "type", "name", "properties", "valid_from", "valid_until", "tx_from", "tx_until").
		From("llmspell.graph_entities").OrderBy("entity_id ASC, tx_from ASC").Limit(uint64(size) + 1).PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		builder = builder.Where(sq.Gt{"entity_id": cursor})
	}

	entities, err := s.queryEntities(ctx, t, builder)
	if err != nil {
		return capability.Batch[models.Entity]{}, err
	}

	var batch capability.Batch[models.Entity]
	if len(entities) > size {
		batch.Records = entities[:size]
		batch.Cursor = batch.Records[size-1].EntityID
	} else {
		batch.Records = entities
		batch.Done = true
		if len(entities) > 0 {
			batch.Cursor = entities[len(entities)-1].EntityID
		}
	}
	return batch, nil
}

// WriteBatch inserts entity rows directly (preserving their original
// bi-temporal intervals) rather than running the supersede protocol, since
// migration replays historical versions verbatim (spec §4.17 ordering:
// entities before relationships).
func (s *GraphStore) WriteBatch(ctx context.Context, t models.Tenant, records []models.Entity) error {
	return withTenantTx(ctx, s.pool, t, func(tx pgx.Tx) error {
		for _, e := range records {
			props, err := json.Marshal(e.Properties)
			if err != nil {
				return storerrors.Permanent("graph.write_batch", "invalid_properties", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO llmspell.graph_entities
					(entity_id, tenant_id, type, name, properties, valid_from, valid_until, tx_from, tx_until)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (entity_id, tx_from) DO NOTHING
			`, e.EntityID, string(e.Tenant), e.Type, e.Name, props, e.ValidFrom, e.ValidUntil, e.TxFrom, e.TxUntil)
			if err != nil {
				return classifyWriteErr("graph.write_batch", err)
			}
		}
		return nil
	})
}

// Relationships wraps GraphStore for relationship migration. Go forbids two
// methods named Count/Bounds/NextBatch/WriteBatch on the same receiver
// instantiated over different type parameters, so relationship migration
// gets its own thin wrapper type rather than a second set of methods on
// GraphStore itself; both read through the same pool and tables (spec
// §4.17 ordering: entities before relationships).
func (s *GraphStore) Relationships() *GraphRelationshipMigration {
	return &GraphRelationshipMigration{store: s}
}

type GraphRelationshipMigration struct {
	store *GraphStore
}

var (
	_ capability.MigrationSource[models.Relationship] = (*GraphRelationshipMigration)(nil)
	_ capability.MigrationTarget[models.Relationship]  = (*GraphRelationshipMigration)(nil)
)

func (m *GraphRelationshipMigration) Count(ctx context.Context, t models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, m.store.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT count(*) FROM llmspell.graph_relationships`).Scan(&n)
	})
	return n, err
}

func (m *GraphRelationshipMigration) Bounds(ctx context.Context, t models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, m.store.pool, t, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT coalesce(min(relationship_id), ''), coalesce(max(relationship_id), '') FROM llmspell.graph_relationships`).Scan(&min, &max)
	})
	return min, max, err
}

func (m *GraphRelationshipMigration) queryRelationships(ctx context.Context, t models.Tenant, builder sq.SelectBuilder) ([]models.Relationship, error) {
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return nil, storerrors.Permanent("graph.relationships.query", "build_query", err)
	}

	var out []models.Relationship
	err = withTenantConn(ctx, m.store.pool, t, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("graph.relationships.query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r models.Relationship
			var props []byte
			if err := rows.Scan(&r.RelationshipID, (*string)(&r.Tenant), &r.FromEntityID, &r.ToEntityID,
				&r.RelationshipType, &props, &r.ValidFrom, &r.ValidUntil, &r.TxFrom, &r.TxUntil); err != nil {
				return storerrors.Permanent("graph.relationships.query", "scan", err)
			}
			_ = json.Unmarshal(props, &r.Properties)
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

func (m *GraphRelationshipMigration) NextBatch(ctx context.Context, t models.Tenant, cursor string, size int) (capability.Batch[models.Relationship], error) {
	builder := sq.Select("relationship_id", "tenant_id", "from_entity_id", "to_entity_id", "relationship_type",
		"properties", "valid_from", "valid_until", "tx_from", "tx_until").
		From("llmspell.graph_relationships").OrderBy("relationship_id ASC, tx_from ASC").
		Limit(uint64(size) + 1).PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		builder = builder.Where(sq.Gt{"relationship_id": cursor})
	}

	rels, err := m.queryRelationships(ctx, t, builder)
	if err != nil {
		return capability.Batch[models.Relationship]{}, err
	}

	var batch capability.Batch[models.Relationship]
	if len(rels) > size {
		batch.Records = rels[:size]
		batch.Cursor = batch.Records[size-1].RelationshipID
	} else {
		batch.Records = rels
		batch.Done = true
		if len(rels) > 0 {
			batch.Cursor = rels[len(rels)-1].RelationshipID
		}
	}
	return batch, nil
}

// WriteBatch inserts relationship rows directly, preserving their original
// bi-temporal intervals (spec §4.17 ordering: entities before
// relationships — callers must migrate entities first so foreign keys
// resolve).
func (m *GraphRelationshipMigration) WriteBatch(ctx context.Context, t models.Tenant, records []models.Relationship) error {
	return withTenantTx(ctx, m.store.pool, t, func(tx pgx.Tx) error {
		for _, r := range records {
			props, err := json.Marshal(r.Properties)
			if err != nil {
				return storerrors.Permanent("graph.relationships.write_batch", "invalid_properties", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO llmspell.graph_relationships
					(relationship_id, tenant_id, from_entity_id, to_entity_id, relationship_type,
					 properties, valid_from, valid_until, tx_from, tx_until)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				ON CONFLICT (relationship_id, tx_from) DO NOTHING
			`, r.RelationshipID, string(r.Tenant), r.FromEntityID, r.ToEntityID, r.RelationshipType,
				props, r.ValidFrom, r.ValidUntil, r.TxFrom, r.TxUntil)
			if err != nil {
				return classifyWriteErr("graph.relationships.write_batch", err)
			}
		}
		return nil
	})
}
