// Package migration implements the cross-backend migration engine (spec
// §4.17), the state machine that moves data between the embedded
// key-value backend and the centralized relational backend: Plan,
// Dry-run, Backup, Execute, Validate, Finalize-or-Rollback. It follows the
// teacher's pkg/scheduler worker-pool shape for batch execution and its
// internal/services layering for the phase-by-phase orchestration style.
package migration

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexlapax/llmspell-storage/internal/config"
	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/observability"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// State is the run's position in the state machine (spec §4.17).
type State string

const (
	StatePlanned    State = "planned"
	StateDryRan     State = "dry_ran"
	StateBackedUp   State = "backed_up"
	StateExecuting  State = "executing"
	StateValidating State = "validating"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ComponentSpec names one sub-store's migration step and the closure that
// performs it. Migrate drains the source in batches of at most batchSize,
// writing each batch to the target; when dryRun is true it reads the
// source without calling the target's WriteBatch, so nothing is persisted.
// No transaction wraps a dry run, and target-side errors are not exercised
// by it. Returns the number of records migrated (read, on a dry run).
type ComponentSpec struct {
	Name    string
	Migrate func(ctx context.Context, tenant models.Tenant, batchSize int, dryRun bool) (int64, error)
}

// Plan is the opaque-to-callers plan document of spec §4.17 phase 1:
// the ordered component list, estimated counts, and batch size. Ordering
// must honor dependency order (content before metadata, entities before
// relationships) — callers build components in that order and Plan
// preserves it.
type Plan struct {
	RunID           string
	Source          string
	Target          string
	Tenant          models.Tenant
	Components      []string
	BatchSize       int
	EstimatedCounts map[string]int64
	SchemaChecksums map[string]string
	CreatedAt       time.Time
}

// Result is the final outcome of one run. Backup is populated once Create
// succeeds, even on a later failure, so a caller can re-run Restore by hand
// after the run's own automatic rollback (spec §4.17 phase 3).
type Result struct {
	RunID         string
	State         State
	Migrated      map[string]int64
	Discrepancies []string
	Backup        *BackupHandle
	Err           error
}

// Engine orchestrates a migration run over a caller-supplied, ordered list
// of ComponentSpecs. It holds the relational pool for advisory locking and
// backup/restore, and an observability.Sink for progress events.
type Engine struct {
	rawPool *pgxpool.Pool
	cfg     config.Migration
	sink    observability.Sink
	backup  BackupManager
}

func New(rawPool *pgxpool.Pool, cfg config.Migration, sink observability.Sink, backup BackupManager) *Engine {
	if sink == nil {
		sink = observability.NopSink{}
	}
	return &Engine{rawPool: rawPool, cfg: cfg, sink: sink, backup: backup}
}

// Plan builds the plan document for components from the caller-supplied
// record counts and schema checksums; it does not probe the sources itself
// (spec §4.17 phase 1).
func (e *Engine) Plan(ctx context.Context, runID, source, target string, tenant models.Tenant, specs []ComponentSpec, counts map[string]int64, schemaChecksums map[string]string) Plan {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return Plan{
		RunID:           runID,
		Source:          source,
		Target:          target,
		Tenant:          tenant,
		Components:      names,
		BatchSize:       e.batchSize(),
		EstimatedCounts: counts,
		SchemaChecksums: schemaChecksums,
		CreatedAt:       time.Now(),
	}
}

func (e *Engine) batchSize() int {
	if e.cfg.BatchSize <= 0 {
		return 1000
	}
	return e.cfg.BatchSize
}

// DryRun calls every component's Migrate with dryRun=true, draining the
// source side without writing to the target, surfacing source-side decode
// and size-limit errors before a real run is attempted (spec §4.17 phase
// 2). See migration.Component's doc comment for the gap this leaves
// against target-side constraint errors.
func (e *Engine) DryRun(ctx context.Context, plan Plan, specs []ComponentSpec) error {
	for _, spec := range specs {
		if _, err := spec.Migrate(ctx, plan.Tenant, plan.BatchSize, true); err != nil {
			return fmt.Errorf("dry run failed for component %s: %w", spec.Name, err)
		}
	}
	return nil
}

// Execute runs each component for real, single-writer-serialized by a
// Postgres advisory lock keyed on (source, target, component), retrying
// transient failures with exponential backoff up to cfg.MaxRetries (spec
// §4.17 phase 4, §4.17's single-writer invariant). Commit granularity is
// per-component: a component either migrates to completion or the whole
// run is marked Failed for the caller to roll back from the backup
// (spec §4.17's documented choice, recorded in SPEC_FULL.md §6).
func (e *Engine) Execute(ctx context.Context, plan Plan, specs []ComponentSpec) (map[string]int64, error) {
	migrated := make(map[string]int64, len(specs))
	start := time.Now()

	for _, spec := range specs {
		unlock, err := e.lockComponent(ctx, plan.Source, plan.Target, spec.Name)
		if err != nil {
			return migrated, fmt.Errorf("acquiring migration lock for %s: %w", spec.Name, err)
		}

		n, err := e.executeComponentWithRetry(ctx, plan, spec)
		unlock()
		if err != nil {
			return migrated, fmt.Errorf("component %s failed: %w", spec.Name, err)
		}
		migrated[spec.Name] = n

		e.sink.OnMigrationProgress(observability.MigrationProgress{
			RunID:     plan.RunID,
			Component: spec.Name,
			Done:      n,
			Total:     plan.EstimatedCounts[spec.Name],
			Elapsed:   time.Since(start),
		})
	}
	return migrated, nil
}

func (e *Engine) executeComponentWithRetry(ctx context.Context, plan Plan, spec ComponentSpec) (int64, error) {
	maxTries := e.cfg.MaxRetries
	if maxTries <= 0 {
		maxTries = 3
	}
	operation := func() (int64, error) {
		n, err := spec.Migrate(ctx, plan.Tenant, plan.BatchSize, false)
		if err != nil && !storerrors.Retryable(err) {
			return 0, backoff.Permanent(err)
		}
		return n, err
	}
	return backoff.Retry(ctx, operation,
		backoff.WithMaxTries(uint(maxTries)),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
}

// lockComponent serializes concurrent runs against the same (source,
// target, component) triple with a session-level advisory lock (spec
// §4.17's single-writer invariant). The returned func releases it.
func (e *Engine) lockComponent(ctx context.Context, source, target, component string) (func(), error) {
	conn, err := e.rawPool.Acquire(ctx)
	if err != nil {
		return nil, storerrors.Transient("migration.lock", err)
	}
	key := advisoryLockKey(source, target, component)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, storerrors.Transient("migration.lock", err)
	}
	return func() {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}, nil
}

func advisoryLockKey(source, target, component string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(source + ":" + target + ":" + component))
	return int64(h.Sum64())
}
