package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/specfactory/internal/model"
)

var (
	untilProductKey string
	untilMaxRounds  int
	untilModeFlag   string
)

var runUntilCmd = &cobra.Command{
	Use:   "run-until-complete",
	Short: "Run one product with an explicit round cap",
	Long:  "Same engine loop as run, with the controller's round cap exposed instead of the mode default. The run still self-terminates earlier on validation, identity conflict, budget exhaustion, or marginal yield.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mode, err := parseMode(untilModeFlag)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := loadJob(ctx, env.Blobs, env.Keys, untilProductKey)
		if err != nil {
			return err
		}

		result, runErr := env.Controller.RunUntilComplete(ctx, job, mode, untilMaxRounds)
		return finishRun(os.Stdout, result, runErr)
	},
}

func init() {
	runUntilCmd.Flags().StringVar(&untilProductKey, "product-key", "", "category/product-id of the job to run (required)")
	runUntilCmd.Flags().IntVar(&untilMaxRounds, "max-rounds", 0, "round cap; 0 uses the mode default")
	runUntilCmd.Flags().StringVar(&untilModeFlag, "mode", string(model.RunModeAggressive), "run mode: fast, balanced, or aggressive")
	_ = runUntilCmd.MarkFlagRequired("product-key")
	rootCmd.AddCommand(runUntilCmd)
}
