package migration

import (
	"context"
	"fmt"

	storerrors "github.com/lexlapax/llmspell-storage/internal/errors"
	"github.com/lexlapax/llmspell-storage/internal/validator"
)

// ValidateFunc runs the validator against the just-migrated components and
// returns its report; callers supply this since only they know how to wire
// each component's source/target CountSource pair (spec §4.16).
type ValidateFunc func(ctx context.Context, plan Plan) (validator.Report, error)

// Run executes the full state machine for one migration: Plan is assumed
// already built by the caller; Run drives DryRun, Backup, Execute,
// Validate, and Finalize-or-Rollback in sequence (spec §4.17).
func (e *Engine) Run(ctx context.Context, plan Plan, specs []ComponentSpec, connURL string, validate ValidateFunc) Result {
	result := Result{RunID: plan.RunID, State: StatePlanned}

	if err := e.DryRun(ctx, plan, specs); err != nil {
		result.State = StateFailed
		result.Err = fmt.Errorf("dry run: %w", err)
		return result
	}
	result.State = StateDryRan

	handle, err := e.backup.Create(ctx, connURL, plan.RunID)
	if err != nil {
		result.State = StateFailed
		result.Err = fmt.Errorf("backup: %w", err)
		return result
	}
	result.Backup = &handle
	result.State = StateBackedUp

	result.State = StateExecuting
	migrated, err := e.Execute(ctx, plan, specs)
	result.Migrated = migrated
	if err != nil {
		result.State = StateFailed
		result.Err = fmt.Errorf("execute: %w", err)
		e.rollback(ctx, connURL, handle, &result)
		return result
	}

	result.State = StateValidating
	report, err := validate(ctx, plan)
	if err != nil {
		result.State = StateFailed
		result.Err = fmt.Errorf("validate: %w", err)
		e.rollback(ctx, connURL, handle, &result)
		return result
	}
	if !report.Passed() {
		result.State = StateFailed
		for _, d := range report.Discrepancies {
			result.Discrepancies = append(result.Discrepancies, fmt.Sprintf("%s: %s (%s)", d.Component, d.Kind, d.Detail))
		}
		result.Err = storerrors.MigrationAborted(plan.RunID, fmt.Errorf("validation failed"))
		e.rollback(ctx, connURL, handle, &result)
		return result
	}

	result.State = StateCompleted
	if !e.cfg.RetainBackup {
		_ = e.backup.Delete(ctx, handle)
	}
	return result
}

func (e *Engine) rollback(ctx context.Context, connURL string, handle BackupHandle, result *Result) {
	if err := e.backup.Restore(ctx, connURL, handle); err != nil {
		result.Err = fmt.Errorf("%w (rollback also failed: %v)", result.Err, err)
	}
}
