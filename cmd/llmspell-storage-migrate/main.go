// Command llmspell-storage-migrate drives the cross-backend migration
// engine (spec §4.17) from the command line: plan, dry-run, execute,
// validate, and rollback as distinct subcommands over one run.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lexlapax/llmspell-storage/internal/config"
)

var (
	cfgFile string
	tenant  string
	runID   string
	logger  *zap.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "llmspell-storage-migrate",
	Short: "Cross-backend migration tool for llmspell-storage",
	Long: `llmspell-storage-migrate moves data between the embedded
key-value backend and the centralized relational backend, one
run at a time, through the plan, dry-run, execute, validate, and
rollback phases of the migration engine.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&tenant, "tenant", "", "tenant to migrate")
	rootCmd.PersistentFlags().StringVar(&runID, "run-id", "", "identifier for this migration run")
	_ = rootCmd.MarkPersistentFlagRequired("tenant")

	cobra.OnInitialize(initLogger)

	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(dryRunCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(rollbackCmd)
}

func initLogger() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	logger = l
}

func loadConfig() (*config.Storage, error) {
	return config.Load(cfgFile)
}
