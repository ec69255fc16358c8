// Package specdb persists the engine's relational rows: sources, candidates,
// assertions, evidence refs, and the billing ledger. Review-subsystem tables
// are never touched from here.
package specdb

import (
	"context"

	"github.com/sells-group/specfactory/internal/model"
)

// Assertion is one per-field consensus winner row.
type Assertion struct {
	RunID                 string  `json:"run_id"`
	Category              string  `json:"category"`
	ProductID             string  `json:"product_id"`
	Field                 string  `json:"field"`
	Value                 any     `json:"value"`
	Confidence            float64 `json:"confidence"`
	Confirmations         int     `json:"confirmations"`
	ApprovedConfirmations int     `json:"approved_confirmations"`
	PassTarget            int     `json:"pass_target"`
	MeetsPassTarget       bool    `json:"meets_pass_target"`
}

// EvidenceRef links an assertion to one supporting snippet.
type EvidenceRef struct {
	RunID     string                 `json:"run_id"`
	Field     string                 `json:"field"`
	SourceID  string                 `json:"source_id"`
	SnippetID string                 `json:"snippet_id"`
	URL       string                 `json:"url"`
	Method    model.ExtractionMethod `json:"method"`
	Tier      model.SourceTier       `json:"tier"`
	KeyPath   string                 `json:"key_path,omitempty"`
}

// DB is the engine's relational persistence interface.
type DB interface {
	// Sources
	InsertSource(ctx context.Context, category, productID string, src model.Source) error

	// Candidates
	InsertCandidates(ctx context.Context, runID string, round int, cands []model.Candidate) error

	// Consensus output
	InsertAssertions(ctx context.Context, rows []Assertion) error
	InsertEvidenceRefs(ctx context.Context, rows []EvidenceRef) error

	// Billing ledger (primary write; the ndjson ledger mirrors it)
	AppendBilling(ctx context.Context, entry model.BillingEntry) error
	BillingForMonth(ctx context.Context, month string) ([]model.BillingEntry, error)
	SumCostForMonth(ctx context.Context, month string) (float64, error)
	SumCostForProduct(ctx context.Context, category, productID string) (float64, error)
	CountCallsForProduct(ctx context.Context, category, productID string) (int, error)

	// Route matrix (consumed when rules come from the DB)
	RouteMatrix(ctx context.Context, category string) ([]model.RouteRow, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
