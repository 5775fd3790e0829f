// Package partition implements the event-log partition manager (spec
// §4.5). The event log is a PostgreSQL declarative-partitioned table
// ranged monthly on timestamp; this package creates, attaches, and detaches
// the monthly child tables and maintains a rolling window of future
// partitions so writers never hit a missing range.
package partition

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
)

// advisoryLockKey serializes concurrent DDL against the event log parent
// table (spec §5 "Partition management acquires an advisory lock to
// prevent concurrent DDL").
const advisoryLockKey = 0x6c6c6d7370706172 // distinct key from the migrator's

// Manager creates/attaches/detaches monthly partitions of llmspell.event_log.
type Manager struct {
	pool *pgxpool.Pool
}

func NewManager(pool *pgxpool.Pool) *Manager {
	return &Manager{pool: pool}
}

// monthBounds returns the [start, end) range for the calendar month
// containing t, both truncated to UTC midnight on the first of the month.
func monthBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return start, end
}

func partitionName(month time.Time) string {
	return fmt.Sprintf("event_log_%04d_%02d", month.Year(), month.Month())
}

// EnsureFuture creates the partition for the current month and for each of
// the n months after it, if they do not already exist. Expected to run
// at least daily (spec §4.5).
func (m *Manager) EnsureFuture(ctx context.Context, n int) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return storerrors.Transient("partition.ensure_future", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return storerrors.Transient("partition.ensure_future", err)
	}
	defer func() { _, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey) }()

	// Step from the first of the current month so that AddDate cannot
	// overflow a day-29..31 date into the month after the one intended.
	first, _ := monthBounds(time.Now())
	for i := 0; i <= n; i++ {
		month := first.AddDate(0, i, 0)
		start, end := monthBounds(month)
		name := partitionName(month)

		stmt := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS llmspell.%s
			PARTITION OF llmspell.event_log
			FOR VALUES FROM ('%s') TO ('%s');
		`, name, start.Format(time.RFC3339), end.Format(time.RFC3339))

		if _, err := conn.Exec(ctx, stmt); err != nil {
			return storerrors.Transient("partition.ensure_future", fmt.Errorf("creating partition %s: %w", name, err))
		}
	}
	return nil
}

// Detach removes the partition covering month from the parent table,
// turning it into a standalone table suitable for archival (spec §4.5).
func (m *Manager) Detach(ctx context.Context, month time.Time) error {
	name := partitionName(month)
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return storerrors.Transient("partition.detach", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return storerrors.Transient("partition.detach", err)
	}
	defer func() { _, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey) }()

	stmt := fmt.Sprintf(`ALTER TABLE llmspell.event_log DETACH PARTITION llmspell.%s;`, name)
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return storerrors.Permanent("partition.detach", name, err)
	}
	return nil
}

// Attach re-attaches a previously detached table (or one restored from
// archival storage under the same name) as the partition for month.
func (m *Manager) Attach(ctx context.Context, month time.Time, table string) error {
	start, end := monthBounds(month)
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return storerrors.Transient("partition.attach", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockKey); err != nil {
		return storerrors.Transient("partition.attach", err)
	}
	defer func() { _, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey) }()

	stmt := fmt.Sprintf(`
		ALTER TABLE llmspell.event_log ATTACH PARTITION llmspell.%s
		FOR VALUES FROM ('%s') TO ('%s');
	`, table, start.Format(time.RFC3339), end.Format(time.RFC3339))

	if _, err := conn.Exec(ctx, stmt); err != nil {
		return storerrors.Permanent("partition.attach", table, err)
	}
	return nil
}

// Exists reports whether a partition for month already exists. Sub-store
// writes do not call it: EventLogStore classifies the database's own
// "no partition found" insert error as Permanent instead (spec §4.13).
func (m *Manager) Exists(ctx context.Context, month time.Time) (bool, error) {
	name := partitionName(month)
	var exists bool
	err := m.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_inherits
			JOIN pg_class child ON child.oid = pg_inherits.inhrelid
			WHERE child.relname = $1
		)`, name).Scan(&exists)
	if err != nil {
		return false, storerrors.Transient("partition.exists", err)
	}
	return exists, nil
}
