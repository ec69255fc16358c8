package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/config"
)

var cfg *config.Config

// exitCode carries the run-status exit code (0 validated, 2 exhausted,
// 3 identity-aborted) out of RunE handlers that finished without error.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "specfactory",
	Short: "Product spec harvesting engine",
	Long:  "Discovers and fetches public product sources, extracts candidate field values, reconciles them by multi-source consensus under an identity lock, and publishes normalized spec records with per-field provenance.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}
