// Package fetch executes planned sources through a bounded worker pool with
// per-host pacing, a fetcher fallback ladder, outcome classification, and
// per-source telemetry.
package fetch

import (
	"context"

	"github.com/sells-group/specfactory/internal/model"
)

// Result is one fetch attempt's classified output. A fetcher that received
// any response returns a Result with the outcome it determined; transport
// failures surface as errors and are classified by the scheduler.
type Result struct {
	Page       *model.PageData
	Outcome    model.FetchOutcome
	Timing     model.FetchTiming
	Screenshot []byte // png, browser and crawlee modes only
}

// Fetcher runs one fetch attempt for a source. Retry and mode fallback
// belong to the scheduler, not the fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, src model.Source) (*Result, error)
	Method() model.FetchMethod
	Supports(rawURL string) bool
}

// Queue feeds planned sources to the scheduler. Next returns nil when the
// queue is drained.
type Queue interface {
	Next() *model.Source
}

// ArtifactSink receives fetch byproducts as they are produced. The round
// controller implements it over the blob store; a nil sink discards both.
type ArtifactSink interface {
	SaveScreenshot(ctx context.Context, src model.Source, png []byte) (key string, err error)
	AppendTelemetry(ctx context.Context, row model.FetchTelemetry) error
}
