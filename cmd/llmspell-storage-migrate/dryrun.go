package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexlapax/llmspell-storage/internal/migration"
)

var dryRunCmd = &cobra.Command{
	Use:   "dry-run",
	Short: "Drain the source side of a planned run without writing to the target",
	RunE:  runDryRun,
}

func runDryRun(cmd *cobra.Command, args []string) error {
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

	eng := migration.New(p.Raw(), cfg.Migration, nil, migration.NewPgDumpBackupManager(runStateDir(cfg)))
	if err := eng.DryRun(ctx, rs.Plan, specs); err != nil {
		return fmt.Errorf("dry run failed: %w", err)
	}

	rs.State = migration.StateDryRan
	if err := saveRunState(cfg, runID, rs); err != nil {
		return err
	}
	fmt.Printf("dry run passed for run %s\n", runID)
	return nil
}
