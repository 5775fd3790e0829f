package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexlapax/llmspell-storage/internal/validator"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Re-run the count-check validator against a completed or failed run",
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
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

	v := validator.New(p, cfg.Migration)
	report, err := v.ValidateCounts(ctx, rs.Plan.Tenant, pairs)
	if err != nil {
		return fmt.Errorf("validating run %s: %w", runID, err)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if !report.Passed() {
		return fmt.Errorf("validation found %d discrepancies", len(report.Discrepancies))
	}
	return nil
}
