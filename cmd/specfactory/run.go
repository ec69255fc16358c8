package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/model"
)

var (
	runProductKey string
	runModeFlag   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one product to a terminal status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mode, err := parseMode(runModeFlag)
		if err != nil {
			return err
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := loadJob(ctx, env.Blobs, env.Keys, runProductKey)
		if err != nil {
			return err
		}

		result, runErr := env.Controller.Run(ctx, job, mode)
		return finishRun(os.Stdout, result, runErr)
	},
}

func init() {
	runCmd.Flags().StringVar(&runProductKey, "product-key", "", "category/product-id of the job to run (required)")
	runCmd.Flags().StringVar(&runModeFlag, "mode", string(model.RunModeBalanced), "run mode: fast, balanced, or aggressive")
	_ = runCmd.MarkFlagRequired("product-key")
	rootCmd.AddCommand(runCmd)
}

// finishRun prints the result JSON and maps the run status onto the
// process exit code. A run that produced no result is a plain command
// error and exits 1 through cobra.
func finishRun(out io.Writer, result *model.RunResult, runErr error) error {
	if result == nil {
		return runErr
	}
	if runErr != nil {
		zap.L().Error("run finished with pipeline error", zap.Error(runErr))
	}
	zap.L().Info("run complete",
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.String("stop_reason", string(result.StopReason)),
		zap.Int("rounds", len(result.Rounds)),
		zap.Int("llm_calls", result.TotalCalls),
		zap.Float64("llm_cost_usd", result.TotalCost),
	)

	exitCode = result.Status.ExitCode()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
