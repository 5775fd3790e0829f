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

// WorkflowStore implements the workflow-state sub-store (spec §3.6, §4.10).
type WorkflowStore struct {
	pool *pool.Pool
}

func NewWorkflowStore(p *pool.Pool) *WorkflowStore {
	return &WorkflowStore{pool: p}
}

// Create inserts a new workflow run in pending status.
func (s *WorkflowStore) Create(ctx context.Context, tenant models.Tenant, workflowID, name string, state map[string]any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return storerrors.Permanent("workflow.create", "marshal_state", err)
	}
	return withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `
			INSERT INTO llmspell.workflow_state
				(tenant_id, workflow_id, name, state, current_step, status, started_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, 'pending', now(), now())
		`, string(tenant), workflowID, name, stateJSON)
		return classifyWriteErr("workflow.create", err)
	})
}

func (s *WorkflowStore) Get(ctx context.Context, tenant models.Tenant, workflowID string) (*models.WorkflowState, error) {
	var w models.WorkflowState
	var stateJSON []byte
	var status string

	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		row := conn.QueryRow(ctx, `
			SELECT tenant_id, workflow_id, name, state, current_step, status, started_at, completed_at, updated_at
			FROM llmspell.workflow_state WHERE workflow_id = $1
		`, workflowID)
		scanErr := row.Scan((*string)(&w.Tenant), &w.WorkflowID, &w.Name, &stateJSON, &w.CurrentStep,
			&status, &w.StartedAt, &w.CompletedAt, &w.UpdatedAt)
		if scanErr == pgx.ErrNoRows {
			return storerrors.NotFound("workflow.get", workflowID)
		}
		if scanErr != nil {
			return storerrors.Transient("workflow.get", scanErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.Status = models.WorkflowStatus(status)
	if err := json.Unmarshal(stateJSON, &w.State); err != nil {
		return nil, storerrors.Permanent("workflow.get", "unmarshal_state", err)
	}
	return &w, nil
}

// Transition moves a workflow to a new status, enforcing the legal
// transition table in code before the UPDATE (spec §4.10): pending->running,
// running->{completed,failed,cancelled}; terminal states are final.
// Terminal statuses imply completed_at is set (spec §3.6's invariant).
func (s *WorkflowStore) Transition(ctx context.Context, tenant models.Tenant, workflowID string, to models.WorkflowStatus, currentStep int, state map[string]any) error {
	current, err := s.Get(ctx, tenant, workflowID)
	if err != nil {
		return err
	}
	if !models.CanTransition(current.Status, to) {
		return storerrors.Permanent("workflow.transition", "illegal_transition",
			nil)
	}

	var stateJSON []byte
	if state != nil {
		stateJSON, err = json.Marshal(state)
		if err != nil {
			return storerrors.Permanent("workflow.transition", "marshal_state", err)
		}
	}

	return withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		var execErr error
		if to.Terminal() {
			if state != nil {
				_, execErr = conn.Exec(ctx, `
					UPDATE llmspell.workflow_state
					SET status = $1, current_step = $2, state = $3, completed_at = now(), updated_at = now()
					WHERE workflow_id = $4
				`, string(to), currentStep, stateJSON, workflowID)
			} else {
				_, execErr = conn.Exec(ctx, `
					UPDATE llmspell.workflow_state
					SET status = $1, current_step = $2, completed_at = now(), updated_at = now()
					WHERE workflow_id = $3
				`, string(to), currentStep, workflowID)
			}
		} else {
			if state != nil {
				_, execErr = conn.Exec(ctx, `
					UPDATE llmspell.workflow_state
					SET status = $1, current_step = $2, state = $3, updated_at = now()
					WHERE workflow_id = $4
				`, string(to), currentStep, stateJSON, workflowID)
			} else {
				_, execErr = conn.Exec(ctx, `
					UPDATE llmspell.workflow_state
					SET status = $1, current_step = $2, updated_at = now()
					WHERE workflow_id = $3
				`, string(to), currentStep, workflowID)
			}
		}
		return classifyWriteErr("workflow.transition", execErr)
	})
}

func (s *WorkflowStore) Delete(ctx context.Context, tenant models.Tenant, workflowID string) error {
	return withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, `DELETE FROM llmspell.workflow_state WHERE workflow_id = $1`, workflowID)
		return classifyWriteErr("workflow.delete", err)
	})
}

// MigrationSource / MigrationTarget -----------------------------------------

var _ capability.MigrationSource[models.WorkflowState] = (*WorkflowStore)(nil)
var _ capability.MigrationTarget[models.WorkflowState] = (*WorkflowStore)(nil)

func (s *WorkflowStore) Count(ctx context.Context, tenant models.Tenant) (int64, error) {
	var n int64
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT count(*) FROM llmspell.workflow_state`).Scan(&n)
	})
	return n, err
}

func (s *WorkflowStore) Bounds(ctx context.Context, tenant models.Tenant) (string, string, error) {
	var min, max string
	err := withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, `SELECT coalesce(min(workflow_id), ''), coalesce(max(workflow_id), '') FROM llmspell.workflow_state`).Scan(&min, &max)
	})
	return min, max, err
}

func (s *WorkflowStore) NextBatch(ctx context.Context, tenant models.Tenant, cursor string, size int) (capability.Batch[models.WorkflowState], error) {
	builder := sq.Select("tenant_id", "workflow_id", "name", "state", "current_step", "status", "started_at", "completed_at", "updated_at").
		From("llmspell.workflow_state").OrderBy("workflow_id ASC").Limit(uint64(size) + 1).PlaceholderFormat(sq.Dollar)
	if cursor != "" {
		builder = builder.Where(sq.Gt{"workflow_id": cursor})
	}
	sqlStr, args, err := builder.ToSql()
	if err != nil {
		return capability.Batch[models.WorkflowState]{}, storerrors.Permanent("workflow.next_batch", "build_query", err)
	}

	var recs []models.WorkflowState
	err = withTenantConn(ctx, s.pool, tenant, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, sqlStr, args...)
		if err != nil {
			return storerrors.Transient("workflow.next_batch", err)
		}
		defer rows.Close()
		for rows.Next() {
			var w models.WorkflowState
			var stateJSON []byte
			var status string
			if err := rows.Scan((*string)(&w.Tenant), &w.WorkflowID, &w.Name, &stateJSON, &w.CurrentStep,
				&status, &w.StartedAt, &w.CompletedAt, &w.UpdatedAt); err != nil {
				return storerrors.Permanent("workflow.next_batch", "scan", err)
			}
			w.Status = models.WorkflowStatus(status)
			_ = json.Unmarshal(stateJSON, &w.State)
			recs = append(recs, w)
		}
		return rows.Err()
	})
	if err != nil {
		return capability.Batch[models.WorkflowState]{}, err
	}

	var batch capability.Batch[models.WorkflowState]
	if len(recs) > size {
		batch.Records = recs[:size]
		batch.Cursor = batch.Records[size-1].WorkflowID
	} else {
		batch.Records = recs
		batch.Done = true
		if len(recs) > 0 {
			batch.Cursor = recs[len(recs)-1].WorkflowID
		}
	}
	return batch, nil
}

func (s *WorkflowStore) WriteBatch(ctx context.Context, tenant models.Tenant, records []models.WorkflowState) error {
	return withTenantTx(ctx, s.pool, tenant, func(tx pgx.Tx) error {
		for _, w := range records {
			stateJSON, err := json.Marshal(w.State)
			if err != nil {
				return storerrors.Permanent("workflow.write_batch", "marshal_state", err)
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO llmspell.workflow_state
					(tenant_id, workflow_id, name, state, current_step, status, started_at, completed_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (tenant_id, workflow_id) DO UPDATE SET
					name = EXCLUDED.name, state = EXCLUDED.state, current_step = EXCLUDED.current_step,
					status = EXCLUDED.status, completed_at = EXCLUDED.completed_at, updated_at = EXCLUDED.updated_at
			`, string(w.Tenant), w.WorkflowID, w.Name, stateJSON, w.CurrentStep, string(w.Status),
				w.StartedAt, w.CompletedAt, w.UpdatedAt)
			if err != nil {
				return classifyWriteErr("workflow.write_batch", err)
			}
		}
		return nil
	})
}
