package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexlapax/llmspell-storage/internal/migration"
	"github.com/lexlapax/llmspell-storage/internal/validator"
)

var executeCmd = &cobra.Command{
	Use:   "execute",
	Short: "Run dry-run, backup, execute, and validate for a planned run, rolling back on failure",
	RunE:  runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runID == "" {
		return fmt.Errorf("--run-id is required")
	}
	rs, err := loadRunState(cfg, runID)
	if err != nil {
		return err
	}

	ctx := context.Background()
	p, st, kv, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	defer kv.Close()

	reverse := rs.Plan.Source == "centralized_relational"
	endpoints := buildComponents(st, kv, reverse)
	specs := make([]migration.ComponentSpec, len(endpoints))
	for i, ep := range endpoints {
		specs[i] = ep.Spec
	}

	v := validator.New(p, cfg.Migration)
	validate := func(ctx context.Context, plan migration.Plan) (validator.Report, error) {
		pairs := make(map[string]struct {
			Source validator.CountSource
			Target validator.CountSource
		}, len(endpoints))
		for _, ep := range endpoints {
			pairs[ep.Name] = struct {
				Source validator.CountSource
				Target validator.CountSource
			}{Source: countSourceFunc(ep.SourceCount), Target: countSourceFunc(ep.TargetCount)}
		}
		return v.ValidateCounts(ctx, plan.Tenant, pairs)
	}

	eng := migration.New(p.Raw(), cfg.Migration, nil, migration.NewPgDumpBackupManager(runStateDir(cfg)))
	result := eng.Run(ctx, rs.Plan, specs, cfg.Relational.ConnectionURL, validate)

	rs.State = result.State
	rs.Result = summarize(result)
	if result.Backup != nil {
		rs.Backup = result.Backup
	}
	if err := saveRunState(cfg, runID, rs); err != nil {
		return err
	}

	if result.State != migration.StateCompleted {
		return fmt.Errorf("migration run %s ended in state %s: %v", runID, result.State, result.Err)
	}
	fmt.Printf("migration run %s completed: %+v\n", runID, result.Migrated)
	return nil
}
