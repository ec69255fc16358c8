package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/storage"
)

var (
	explainCategory  string
	explainBrand     string
	explainModel     string
	explainProductID string
	explainJSON      bool
)

var explainCmd = &cobra.Command{
	Use:   "explain-unk",
	Short: "Explain why fields stayed unknown in the last run",
	Long:  "Reads the most recent run's persisted needset and reasoning artifacts for a product and prints a per-field narrative of every unknown value.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("explain"); err != nil {
			return err
		}

		blobs, err := storage.NewFSStore(cfg.Storage.Root)
		if err != nil {
			return eris.Wrap(err, "open blob store")
		}
		keys := storage.Keys{InputPrefix: cfg.Storage.InputPrefix, OutputPrefix: cfg.Storage.OutputPrefix}

		productID := explainProductID
		if productID == "" {
			productID = productSlug(explainBrand, explainModel)
		}

		var res model.RunResult
		if err := storage.GetJSON(ctx, blobs, keys.Latest(explainCategory, productID, "run.json"), &res); err != nil {
			return eris.Wrapf(err, "no recorded run for %s/%s", explainCategory, productID)
		}

		var doc needsetDoc
		needKey := keys.RunArtifact(explainCategory, productID, res.RunID, storage.KindLogs, "needset.json")
		if err := storage.GetJSON(ctx, blobs, needKey, &doc); err != nil {
			return eris.Wrapf(err, "load needset for run %s", res.RunID)
		}

		// The latest record can lag the latest run when that run failed
		// before building one; only a matching run id is trustworthy.
		var record *model.SpecRecord
		recKey := keys.Latest(explainCategory, productID, "record.json")
		if ok, _ := blobs.Exists(ctx, recKey); ok {
			var rec model.SpecRecord
			if err := storage.GetJSON(ctx, blobs, recKey, &rec); err == nil && rec.RunID == res.RunID {
				record = &rec
			}
		}

		if explainJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		}

		formatExplain(os.Stdout, &res, doc, record)
		return nil
	},
}

func init() {
	explainCmd.Flags().StringVar(&explainCategory, "category", "", "product category (required)")
	explainCmd.Flags().StringVar(&explainBrand, "brand", "", "brand name (required)")
	explainCmd.Flags().StringVar(&explainModel, "model", "", "model name (required)")
	explainCmd.Flags().StringVar(&explainProductID, "product-id", "", "override the brand-model product id derivation")
	explainCmd.Flags().BoolVar(&explainJSON, "json", false, "print the raw needset artifact as JSON")
	_ = explainCmd.MarkFlagRequired("category")
	_ = explainCmd.MarkFlagRequired("brand")
	_ = explainCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(explainCmd)
}

// needsetDoc mirrors the persisted needset explanation artifact.
type needsetDoc struct {
	RunID          string                         `json:"run_id"`
	NeedSet        *model.NeedSet                 `json:"needset"`
	UnknownReasons map[string]model.UnknownReason `json:"unknown_reasons"`
}

// productSlug derives the conventional product id from brand and model:
// lowercased, with every non-alphanumeric run collapsed to one hyphen.
func productSlug(brand, mdl string) string {
	var b strings.Builder
	hyphen := true
	for _, r := range strings.ToLower(brand + " " + mdl) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			hyphen = false
		default:
			if !hyphen {
				b.WriteByte('-')
				hyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// formatExplain writes the run header and the per-field unknown table.
func formatExplain(out io.Writer, res *model.RunResult, doc needsetDoc, record *model.SpecRecord) {
	fmt.Fprintf(out, "%s/%s  run %s\nstatus %s (%s)  rounds %d  llm calls %d  cost $%.4f\n",
		res.Category, res.ProductID, truncateID(res.RunID),
		res.Status, res.StopReason, len(res.Rounds), res.TotalCalls, res.TotalCost)
	if record != nil {
		s := record.Summary
		fmt.Fprintf(out, "validated %t  completeness %.2f  confidence %.2f  identity %s (%.2f)\n",
			s.Validated, s.CompletenessRequired, s.Confidence, s.IdentityGate, s.IdentityConfidence)
	}

	if len(doc.UnknownReasons) == 0 {
		fmt.Fprintln(out, "\nNo unknown fields.")
		return
	}

	fields := make([]string, 0, len(doc.UnknownReasons))
	for f := range doc.UnknownReasons {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tREASON\tWHY\tNOTES")
	for _, f := range fields {
		reason := doc.UnknownReasons[f]
		notes := ""
		if record != nil {
			if fr, ok := record.Reasoning[f]; ok {
				notes = truncateNote(strings.Join(fr.Reasons, "; "), 60)
			}
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f, reason, reasonNarrative(reason), notes)
	}
	_ = w.Flush()

	if doc.NeedSet != nil && !doc.NeedSet.Empty() {
		fmt.Fprintf(out, "\noutstanding needs after round %d:\n", doc.NeedSet.Round)
		for _, need := range doc.NeedSet.Needs {
			fmt.Fprintf(out, "  %s: %s (%s availability, min %d refs)\n",
				need.Field, need.DeficitReason, need.AvailabilityClass, need.MinEvidenceRefs)
		}
	}
}

// reasonNarrative maps an unknown reason onto its operator-facing sentence.
func reasonNarrative(r model.UnknownReason) string {
	switch r {
	case model.UnknownNotFoundAfterSearch:
		return "no source yielded a usable value within the round budget"
	case model.UnknownNotPubliclyDisclosed:
		return "enough sources were examined to conclude the value is not published"
	case model.UnknownConflictUnresolved:
		return "sources disagree and no tier-weighted majority emerged"
	case model.UnknownIdentityAmbiguous:
		return "the product identity never locked, so no value could be trusted"
	case model.UnknownBlockedByRobots:
		return "the promising sources refused fetching"
	case model.UnknownParseFailure:
		return "sources fetched but none produced parseable content"
	case model.UnknownBudgetExhausted:
		return "the spend cap was hit before the field's disclosure bar"
	default:
		return string(r)
	}
}

// truncateID shortens a UUID for display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncateNote caps a notes cell at n characters.
func truncateNote(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
