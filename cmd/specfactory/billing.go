package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/billing"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/storage"
)

var (
	billingMonth  string
	billingSource string
	billingJSON   bool
)

var billingReportCmd = &cobra.Command{
	Use:   "billing-report",
	Short: "Report a month's LLM spend",
	Long:  "Aggregates the month's cost ledger into per-model, per-category, and per-day totals. SpecDb is the primary record; the ndjson mirror replays the same rows for months whose database has moved on.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("billing"); err != nil {
			return err
		}
		if _, err := time.Parse("2006-01", billingMonth); err != nil {
			return eris.Errorf("month %q must be YYYY-MM", billingMonth)
		}

		blobs, err := storage.NewFSStore(cfg.Storage.Root)
		if err != nil {
			return eris.Wrap(err, "open blob store")
		}

		roll, err := buildRollup(ctx, blobs, billingMonth, billingSource)
		if err != nil {
			return err
		}

		if billingJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(roll)
		}
		fmt.Fprint(os.Stdout, billing.RenderDigest(roll))
		return nil
	},
}

func init() {
	billingReportCmd.Flags().StringVar(&billingMonth, "month", time.Now().UTC().Format("2006-01"), "month to report, YYYY-MM")
	billingReportCmd.Flags().StringVar(&billingSource, "source", "auto", "ledger record to read: auto, specdb, or ledger")
	billingReportCmd.Flags().BoolVar(&billingJSON, "json", false, "print the rollup as JSON instead of the digest")
	rootCmd.AddCommand(billingReportCmd)
}

// buildRollup aggregates the month from the requested record. Auto prefers
// SpecDb and falls back to the ndjson mirror when the database has no rows
// for the month.
func buildRollup(ctx context.Context, blobs storage.Store, month, source string) (model.MonthlyRollup, error) {
	switch source {
	case "specdb", "auto":
	case "ledger":
		return replayLedger(ctx, blobs, month)
	default:
		return model.MonthlyRollup{}, eris.Errorf("source %q must be auto, specdb, or ledger", source)
	}

	db, err := initSpecDB(ctx)
	if err != nil {
		return model.MonthlyRollup{}, err
	}
	defer db.Close() //nolint:errcheck
	if err := db.Migrate(ctx); err != nil {
		return model.MonthlyRollup{}, eris.Wrap(err, "migrate specdb")
	}

	roll, err := billing.NewLedger(db, nil, false).Rollup(ctx, month)
	if source == "specdb" || (err == nil && roll.TotalCalls > 0) {
		return roll, err
	}
	if err != nil {
		zap.L().Warn("billing: specdb rollup failed, replaying ndjson mirror", zap.Error(err))
	}

	ok, existsErr := blobs.Exists(ctx, storage.BillingLedger(month))
	if existsErr != nil || !ok {
		// No mirror either; the empty SpecDb answer stands.
		return roll, err
	}
	return replayLedger(ctx, blobs, month)
}

// replayLedger rebuilds the rollup from the month's ndjson mirror.
func replayLedger(ctx context.Context, blobs storage.Store, month string) (model.MonthlyRollup, error) {
	raw, err := blobs.Get(ctx, storage.BillingLedger(month))
	if err != nil {
		return model.MonthlyRollup{}, eris.Wrapf(err, "read ledger for %s", month)
	}
	entries, err := billing.ParseLedger(raw)
	if err != nil {
		return model.MonthlyRollup{}, err
	}
	return billing.RollupEntries(month, entries), nil
}
