package store

import (
	"context"
	"crypto/sha256"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// AgentStateStore implements the agent-state sub-store (spec §3.5, §4.9):
// canonicalized-JSON checksums with integrity verification on every read.
type AgentStateStore struct {
	pool *pool.Pool
}

func NewAgentStateStore(p *pool.Pool) *AgentStateStore {
	return &AgentStateStore{pool: p}
}

// Save canonicalizes state, computes its SHA-256 checksum, and upserts
// (tenant, agent_id), incrementing data_version (spec §4.9).
func (s *AgentStateStore) Save(ctx context.Context, tenant models.Tenant, agentID, agentType string, state map[string]any, schemaVersion int) error {
	canon, err := canonicalize(state)
	if err != nil {
		return storerrors.Permanent("agent_state.save", "canonicalize", err)
	}
	checksum := sha256.Sum256(canon)

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return storerrors.Permanent("agent_state.save", "marshal_state", err)
	}

	return withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO llmspell.agent_state
				(tenant_id, agent_id, agent_type, state, schema_version, data_version, checksum, updated_at)
			VALUES ($1, $2, $3, $4, $5, 1, $6, now())
			ON CONFLICT (tenant_id, agent_id) DO UPDATE SET
				agent_type = EXCLUDED.agent_type,
				state = EXCLUDED.state,
				schema_version = EXCLUDED.schema_version,
				data_version = llmspell.agent_state.data_version + 1,
				checksum = EXCLUDED.checksum,
				updated_at = now()
		`, string(tenant), agentID, agentType, stateJSON, schemaVersion, checksum[:])
		return classifyWriteErr("agent_state.save", err)
	})
}

// Load reads the row, recomputes the checksum over the canonicalized
// state, and fails Permanent("integrity") on mismatch (spec §4.9).
func (s *AgentStateStore) Load(ctx context.Context, tenant models.Tenant, agentID string) (*models.AgentState, error) {
	var st models.AgentState
	var stateJSON []byte
	var checksum []byte

	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `
			SELECT state_id, tenant_id, agent_id, agent_type, state, schema_version, data_version, checksum, updated_at
			FROM llmspell.agent_state WHERE agent_id = $1
		`, agentID)
		scanErr := row.Scan(&st.StateID, (*string)(&st.Tenant), &st.AgentID, &st.AgentType, &stateJSON,
			&st.SchemaVersion, &st.DataVersion, &checksum, &st.UpdatedAt)
		if scanErr == pgx.ErrNoRows {
			return storerrors.NotFound("agent_state.load", agentID)
		}
		if scanErr != nil {
			return storerrors.Transient("agent_state.load", scanErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stateJSON, &st.State); err != nil {
		return nil, storerrors.Permanent("agent_state.load", "unmarshal_state", err)
	}

	canon, err := canonicalize(st.State)
	if err != nil {
		return nil, storerrors.Permanent("agent_state.load", "canonicalize", err)
	}
	recomputed := sha256.Sum256(canon)
	if len(checksum) != 32 || [32]byte(checksum) != recomputed {
		return nil, storerrors.Permanent("agent_state.load", "integrity", nil)
	}
	st.Checksum = recomputed
	return &st, nil
}

// MigrationSource / MigrationTarget -----------------------------------------

var _ capability.MigrationSource[models.AgentState] = (*AgentStateStore)(nil)
var _ capability.MigrationTarget[models.AgentState] = (*AgentStateStore)(nil)

func (s *AgentStateStore) Count(ctx context.Context, tenant models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT count(*) FROM llmspell.agent_state`).Scan(&n)
	})
	return n, err
}

func (s *AgentStateStore) Bounds(ctx context.Context, tenant models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT coalesce(min(agent_id), ''), coalesce(max(agent_id), '') FROM llmspell.agent_state`).Scan(&min, &max)
	})
	return min, max, err
}

func (s *AgentStateStore) NextBatch(ctx context.Context, tenant models.Tenant, cursor string, size int) (capability.Batch[models.AgentState], error) {
	builder := sq.Select("state_id", "tenant_id", "agent_id", "agent_type", "state", "schema_version", "data_version", "checksum", "updated_at").
		From("llmspell.agent_state").OrderBy("agent_id ASC").Limit(uint64(size) + 1).PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		builder = builder.Where(sq.Gt{"agent_id": cursor})
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return capability.Batch[models.AgentState]{}, storerrors.Permanent("agent_state.next_batch", "build_query", err)
	}

	var recs []models.AgentState
	err = withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("agent_state.next_batch", err)
		}
		defer rows.Close()
		for rows.Next() {
			var st models.AgentState
			var stateJSON []byte
			var checksum []byte
			if err := rows.Scan(&st.StateID, (*string)(&st.Tenant), &st.AgentID, &st.AgentType, &stateJSON,
				&st.SchemaVersion, &st.DataVersion, &checksum, &st.UpdatedAt); err != nil {
				return storerrors.Permanent("agent_state.next_batch", "scan", err)
			}
			_ = json.Unmarshal(stateJSON, &st.State)
			if len(checksum) == 32 {
				st.Checksum = [32]byte(checksum)
			}
			recs = append(recs, st)
		}
		return rows.Err()
	})
	if err != nil {
		return capability.Batch[models.AgentState]{}, err
	}

	var batch capability.Batch[models.AgentState]
	if len(recs) > size {
		batch.Records = recs[:size]
		batch.Cursor = batch.Records[size-1].AgentID
	} else {
		batch.Records = recs
		batch.Done = true
		if len(recs) > 0 {
			batch.Cursor = recs[len(recs)-1].AgentID
		}
	}
	return batch, nil
}

func (s *AgentStateStore) WriteBatch(ctx context.Context, tenant models.Tenant, records []models.AgentState) error {
	return withTenantTx(ctx, s.pool, tenant, func(tx pgx.Tx) error {
		for _, st := range records {
			stateJSON, err := json.Marshal(st.State)
			if err != nil {
				return storerrors.Permanent("agent_state.write_batch", "marshal_state", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO llmspell.agent_state
					(tenant_id, agent_id, agent_type, state, schema_version, data_version, checksum, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (tenant_id, agent_id) DO UPDATE SET
					agent_type = EXCLUDED.agent_type, state = EXCLUDED.state,
					schema_version = EXCLUDED.schema_version, data_version = EXCLUDED.data_version,
					checksum = EXCLUDED.checksum, updated_at = EXCLUDED.updated_at
			`, string(st.Tenant), st.AgentID, st.AgentType, stateJSON, st.SchemaVersion, st.DataVersion,
				st.Checksum[:], st.UpdatedAt)
			if err != nil {
				return classifyWriteErr("agent_state.write_batch", err)
			}
		}
		return nil
	})
}
