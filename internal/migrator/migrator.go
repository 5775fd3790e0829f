// Package migrator runs numbered, forward-only SQL migrations against the
// centralized-relational backend (spec §4.4).
//
// The shape mirrors the teacher's internal/store/migrations package
// (migrations.Run(ctx, db), a schema_migrations history table, idempotent
// per-version SQL) generalized from DuckDB to PostgreSQL: migrations now
// serialize via a session-level advisory lock instead of relying on a
// single-process embedded database.
package migrator

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
)

// Migration is one numbered, forward-only SQL migration.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// advisoryLockKey is the well-known key migrators serialize on (spec §4.4,
// §5 "Schema migrations acquire a distinct advisory lock at a well-known
// key"). Chosen arbitrarily but stably for this schema.
const advisoryLockKey = 0x6c6c6d7370656c6c // "llmspell" truncated to int64

// Applied is one row of the migration history table.
type Applied struct {
	Version   int
	Name      string
	AppliedAt string
}

// Run applies all pending migrations in ascending order, each inside its
// own transaction. On failure it returns leaving the history table
// consistent: an aborted migration's transaction never commits, so it is
// simply retried on the next Run.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "migrator"))

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return storerrors.Transient("migrator.run", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return storerrors.Transient("migrator.run", fmt.Errorf("acquiring advisory lock: %w", err))
	}
	defer func() {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
	}()

	if err := ensureHistoryTable(ctx, conn.Conn()); err != nil {
		return err
	}

	applied, err := appliedVersions(ctx, conn.Conn())
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		logger.Info("applying migration", zap.Int("version", m.Version), zap.String("name", m.Name))

		tx, err := conn.Begin(ctx)
		if err != nil {
			return storerrors.Transient("migrator.run", err)
		}

		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			_ = tx.Rollback(ctx)
			return storerrors.Permanent("migrator.run", fmt.Sprintf("migration %d (%s) failed", m.Version, m.Name), err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO llmspell.schema_migrations (version, name, applied_at) VALUES ($1, $2, now())`,
			m.Version, m.Name,
		); err != nil {
			_ = tx.Rollback(ctx)
			return storerrors.Permanent("migrator.run", fmt.Sprintf("recording migration %d", m.Version), err)
		}

		if err := tx.Commit(ctx); err != nil {
			return storerrors.Transient("migrator.run", err)
		}
	}

	return nil
}

func ensureHistoryTable(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE SCHEMA IF NOT EXISTS llmspell;
		CREATE TABLE IF NOT EXISTS llmspell.schema_migrations (
			version    INT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return storerrors.Transient("migrator.ensure_history_table", err)
	}
	return nil
}

func appliedVersions(ctx context.Context, conn *pgx.Conn) (map[int]bool, error) {
	rows, err := conn.Query(ctx, `SELECT version FROM llmspell.schema_migrations`)
	if err != nil {
		return nil, storerrors.Transient("migrator.applied_versions", err)
	}
	defer rows.Close()

	applied := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, storerrors.Permanent("migrator.applied_versions", "scan", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// AppliedVersions returns the history table contents for diagnostics and
// for the migration engine's plan-document schema-version checksum.
func AppliedVersions(ctx context.Context, pool *pgxpool.Pool) ([]Applied, error) {
	rows, err := pool.Query(ctx, `SELECT version, name, applied_at::text FROM llmspell.schema_migrations ORDER BY version`)
	if err != nil {
		return nil, storerrors.Transient("migrator.applied_versions", err)
	}
	defer rows.Close()

	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return nil, storerrors.Permanent("migrator.applied_versions", "scan", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
