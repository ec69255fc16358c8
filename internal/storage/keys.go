// Package storage is the blob layer for run artifacts, inputs, and the
// billing ledger. Keys are slash-separated paths under a configured root.
package storage

import "fmt"

// RunArtifactKind names the per-run artifact trees.
type RunArtifactKind string

const (
	KindRaw        RunArtifactKind = "raw"
	KindExtracted  RunArtifactKind = "extracted"
	KindNormalized RunArtifactKind = "normalized"
	KindProvenance RunArtifactKind = "provenance"
	KindLogs       RunArtifactKind = "logs"
	KindSummary    RunArtifactKind = "summary"
)

// Keys builds storage keys for one configured layout.
type Keys struct {
	InputPrefix  string
	OutputPrefix string
}

// InputJob locates the product job JSON.
func (k Keys) InputJob(category, productID string) string {
	return fmt.Sprintf("%s/%s/products/%s.json", k.InputPrefix, category, productID)
}

// RunArtifact locates one artifact inside a run tree.
func (k Keys) RunArtifact(category, productID, runID string, kind RunArtifactKind, name string) string {
	return fmt.Sprintf("%s/%s/%s/runs/%s/%s/%s", k.OutputPrefix, category, productID, runID, kind, name)
}

// Latest locates a latest-pointer copy for the product.
func (k Keys) Latest(category, productID, name string) string {
	return fmt.Sprintf("%s/%s/%s/latest/%s", k.OutputPrefix, category, productID, name)
}

// BillingLedger is the month's append-only ndjson ledger.
func BillingLedger(month string) string {
	return fmt.Sprintf("_billing/ledger/%s.jsonl", month)
}

// BillingRollup is the month's aggregate JSON.
func BillingRollup(month string) string {
	return fmt.Sprintf("_billing/monthly/%s.json", month)
}

// BillingDigest is the month's human-readable digest.
func BillingDigest(month string) string {
	return fmt.Sprintf("_billing/monthly/%s.txt", month)
}

// BillingLatest is the pointer to the most recent digest.
const BillingLatest = "_billing/latest.txt"

// LearningYield is the category's field-host yield learning artifact.
func LearningYield(category string) string {
	return fmt.Sprintf("_learning/yield/%s.json", category)
}
