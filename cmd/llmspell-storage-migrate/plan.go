package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lexlapax/llmspell-storage/internal/migration"
	"github.com/lexlapax/llmspell-storage/pkg/models"
)

var (
	planSource string
	planTarget string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Build a migration plan and estimate record counts per component",
	RunE:  runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planSource, "source", "embedded_kv", "source backend: embedded_kv or centralized_relational")
	planCmd.Flags().StringVar(&planTarget, "target", "centralized_relational", "target backend: embedded_kv or centralized_relational")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runID == "" {
		return fmt.Errorf("--run-id is required")
	}
	reverse := planSource == "centralized_relational"

	ctx := context.Background()
	p, st, kv, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()
	defer kv.Close()

	endpoints := buildComponents(st, kv, reverse)
	eng := migration.New(p.Raw(), cfg.Migration, nil, migration.NewPgDumpBackupManager(runStateDir(cfg)))

	specs := make([]migration.ComponentSpec, len(endpoints))
	counts := make(map[string]int64, len(endpoints))
	t := models.Tenant(tenant)
	for i, ep := range endpoints {
		specs[i] = ep.Spec
		n, err := ep.SourceCount(ctx, t)
		if err != nil {
			logger.Warn("estimating count failed", zap.String("component", ep.Name), zap.Error(err))
			continue
		}
		counts[ep.Name] = n
	}

	plan := eng.Plan(ctx, runID, planSource, planTarget, t, specs, counts, nil)
	if err := saveRunState(cfg, runID, runState{Plan: plan, State: migration.StatePlanned}); err != nil {
		return err
	}

	out, _ := json.MarshalIndent(plan, "", "  ")
	fmt.Println(string(out))
	return nil
}
