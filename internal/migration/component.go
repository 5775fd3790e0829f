package migration

import (
	"context"

	"github.com/lexlapax/llmspell-storage/internal/capability"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

// Component builds a ComponentSpec from a typed source/target pair,
// draining NextBatch into WriteBatch until Done (spec §4.17). capability.
// MigrationTarget has no hook to join a caller-managed transaction, so a
// dry run here exercises the full source-side read path (decode errors,
// size limits surface the same way they would for real) but cannot probe
// target-side constraint violations without writing — DESIGN.md records
// this as a known gap against spec §4.17 phase 2's literal "roll back a
// real write" wording.
func Component[T any](name string, source capability.MigrationSource[T], target capability.MigrationTarget[T]) ComponentSpec {
	return ComponentSpec{
		Name: name,
		Migrate: func(ctx context.Context, tenant models.Tenant, batchSize int, dryRun bool) (int64, error) {
			var total int64
			cursor := ""
			for {
				batch, err := source.NextBatch(ctx, tenant, cursor, batchSize)
				if err != nil {
					return total, err
				}
				if len(batch.Records) > 0 {
					if !dryRun {
						if err := target.WriteBatch(ctx, tenant, batch.Records); err != nil {
							return total, err
						}
					}
					total += int64(len(batch.Records))
				}
				if batch.Done {
					return total, nil
				}
				cursor = batch.Cursor
			}
		},
	}
}
