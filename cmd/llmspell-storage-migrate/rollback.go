package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexlapax/llmspell-storage/internal/migration"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the target backend from a run's backup, for post-hoc rollback outside execute's own failure path",
	RunE:  runRollback,
}

func runRollback(cmd *cobra.Command, args []string) error {
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
	if rs.Backup == nil {
		return fmt.Errorf("run %s has no recorded backup to restore from", runID)
	}

	ctx := context.Background()
	mgr := migration.NewPgDumpBackupManager(runStateDir(cfg))
	if err := mgr.Restore(ctx, cfg.Relational.ConnectionURL, *rs.Backup); err != nil {
		return fmt.Errorf("restoring backup for run %s: %w", runID, err)
	}

	rs.State = migration.StateFailed
	if err := saveRunState(cfg, runID, rs); err != nil {
		return err
	}
	fmt.Printf("restored backup %s for run %s\n", rs.Backup.Path, runID)
	return nil
}
