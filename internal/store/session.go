package store

import (
	"context"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/pool"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// SessionStore implements the session-snapshot sub-store (spec §3.7,
// §4.11). ArtifactCount is adjusted by ArtifactStore.PutMetadata and
// DeleteMetadata in the same transaction as the metadata row; no database
// trigger maintains it. Create leaves it at 0, and WriteBatch stores a
// migrated session's count as given.
type SessionStore struct {
	pool *pool.Pool
}

var _ capability.MigrationSource[models.Session] = (*SessionStore)(nil)
var _ capability.MigrationTarget[models.Session] = (*SessionStore)(nil)

func NewSessionStore(p *pool.Pool) *SessionStore {
	return &SessionStore{pool: p}
}

func (s *SessionStore) Create(ctx context.Context, sess models.Session) error {
	stateJSON, err := json.Marshal(sess.State)
	if err != nil {
		return storerrors.Permanent("session.create", "marshal_state", err)
	}
	status := sess.Status
	if status == "" {
		status = models.SessionActive
	}
	return withTenantConn(ctx, s.pool, sess.Tenant, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO llmspell.sessions (tenant_id, session_id, state, status, created_at, last_accessed, expires_at)
			VALUES ($1, $2, $3, $4, now(), now(), $5)
		`, string(sess.Tenant), sess.SessionID, stateJSON, string(status), sess.ExpiresAt)
		return classifyWriteErr("session.create", err)
	})
}

func (s *SessionStore) Get(ctx context.Context, tenant models.Tenant, sessionID string) (*models.Session, error) {
	var sess models.Session
	var stateJSON []byte
	var status string

	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `
			SELECT tenant_id, session_id, state, status, created_at, last_accessed, expires_at, artifact_count
			FROM llmspell.sessions WHERE session_id = $1
		`, sessionID)
		scanErr := row.Scan((*string)(&sess.Tenant), &sess.SessionID, &stateJSON, &status,
			&sess.CreatedAt, &sess.LastAccessed, &sess.ExpiresAt, &sess.ArtifactCount)
		if scanErr == pgx.ErrNoRows {
			return storerrors.NotFound("session.get", sessionID)
		}
		if scanErr != nil {
			return storerrors.Transient("session.get", scanErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	if err := json.Unmarshal(stateJSON, &sess.State); err != nil {
		return nil, storerrors.Permanent("session.get", "unmarshal_state", err)
	}
	return &sess, nil
}

// List returns all sessions visible to the bound tenant (spec scenario S2 —
// the RLS policy from §6.3, not application code, is what keeps this
// tenant-scoped).
func (s *SessionStore) List(ctx context.Context, tenant models.Tenant) ([]models.Session, error) {
	var out []models.Session
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT tenant_id, session_id, state, status, created_at, last_accessed, expires_at, artifact_count
			FROM llmspell.sessions ORDER BY created_at ASC
		`)
		if err != nil {
			return storerrors.Transient("session.list", err)
		}
		defer rows.Close()
		for rows.Next() {
			var sess models.Session
			var stateJSON []byte
			var status string
			if err := rows.Scan((*string)(&sess.Tenant), &sess.SessionID, &stateJSON, &status,
				&sess.CreatedAt, &sess.LastAccessed, &sess.ExpiresAt, &sess.ArtifactCount); err != nil {
				return storerrors.Permanent("session.list", "scan", err)
			}
			sess.Status = models.SessionStatus(status)
			_ = json.Unmarshal(stateJSON, &sess.State)
			out = append(out, sess)
		}
		return rows.Err()
	})
	return out, err
}

// ExpireSweep flips status=expired where expires_at < now() AND
// status=active, in batches of batchSize. It is idempotent and never
// deletes rows; cleanup is a separate policy (spec §4.11).
func (s *SessionStore) ExpireSweep(ctx context.Context, tenant models.Tenant, batchSize int) (int64, error) {
	var affected int64
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		tag, err := conn.Exec(ctx, `
			UPDATE llmspell.sessions SET status = 'expired'
			WHERE session_id IN (
				SELECT session_id FROM llmspell.sessions
				WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < now()
				LIMIT $1
			)
		`, batchSize)
		if err != nil {
			return classifyWriteErr("session.expire_sweep", err)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// MigrationSource / MigrationTarget -----------------------------------------

func (s *SessionStore) Count(ctx context.Context, tenant models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT count(*) FROM llmspell.sessions`).Scan(&n)
	})
	return n, err
}

func (s *SessionStore) Bounds(ctx context.Context, tenant models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT coalesce(min(session_id), ''), coalesce(max(session_id), '') FROM llmspell.sessions`).Scan(&min, &max)
	})
	return min, max, err
}

func (s *SessionStore) NextBatch(ctx context.Context, tenant models.Tenant, cursor string, size int) (capability.Batch[models.Session], error) {
	builder := sq.Select("tenant_id", "session_id", "state", "status", "created_at", "last_accessed", "expires_at", "artifact_count").
		From("llmspell.sessions").OrderBy("session_id ASC").Limit(uint64(size) + 1).PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		builder = builder.Where(sq.Gt{"session_id": cursor})
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return capability.Batch[models.Session]{}, storerrors.Permanent("session.next_batch", "build_query", err)
	}

	var recs []models.Session
	err = withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("session.next_batch", err)
		}
		defer rows.Close()
		for rows.Next() {
			var sess models.Session
			var stateJSON []byte
			var status string
			if err := rows.Scan((*string)(&sess.Tenant), &sess.SessionID, &stateJSON, &status,
				&sess.CreatedAt, &sess.LastAccessed, &sess.ExpiresAt, &sess.ArtifactCount); err != nil {
				return storerrors.Permanent("session.next_batch", "scan", err)
			}
			sess.Status = models.SessionStatus(status)
			_ = json.Unmarshal(stateJSON, &sess.State)
			recs = append(recs, sess)
		}
		return rows.Err()
	})
	if err != nil {
		return capability.Batch[models.Session]{}, err
	}

	var batch capability.Batch[models.Session]
	if len(recs) > size {
		batch.Records = recs[:size]
		batch.Cursor = batch.Records[size-1].SessionID
	} else {
		batch.Records = recs
		batch.Done = true
		if len(recs) > 0 {
			batch.Cursor = recs[len(recs)-1].SessionID
		}
	}
	return batch, nil
}

func (s *SessionStore) WriteBatch(ctx context.Context, tenant models.Tenant, records []models.Session) error {
	return withTenantTx(ctx, s.pool, tenant, func(tx pgx.Tx) error {
		for _, sess := range records {
			stateJSON, err := json.Marshal(sess.State)
			if err != nil {
				return storerrors.Permanent("session.write_batch", "marshal_state", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO llmspell.sessions (tenant_id, session_id, state, status, created_at, last_accessed, expires_at, artifact_count)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (tenant_id, session_id) DO UPDATE SET
					state = EXCLUDED.state, status = EXCLUDED.status,
					last_accessed = EXCLUDED.last_accessed, expires_at = EXCLUDED.expires_at
			`, string(sess.Tenant), sess.SessionID, stateJSON, string(sess.Status),
				sess.CreatedAt, sess.LastAccessed, sess.ExpiresAt, sess.ArtifactCount)
			if err != nil {
				return classifyWriteErr("session.write_batch", err)
			}
		}
		return nil
	})
}
