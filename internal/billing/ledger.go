package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/specdb"
	"github.com/sells-group/specfactory/internal/storage"
)

// Ledger is the engine's single billing writer. SpecDb is the primary
// record; the ndjson mirror and the regenerated rollup and digest blobs
// are best-effort and never fail the call that already spent the money.
type Ledger struct {
	db     specdb.DB
	blobs  storage.Store
	mirror bool

	mu sync.Mutex
}

// NewLedger wires the ledger. blobs may be nil to skip all artifact
// writes; mirror controls only the ndjson copy of each row.
func NewLedger(db specdb.DB, blobs storage.Store, mirror bool) *Ledger {
	return &Ledger{db: db, blobs: blobs, mirror: mirror}
}

// Append records one entry and refreshes the month's artifacts.
func (l *Ledger) Append(ctx context.Context, entry model.BillingEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.db.AppendBilling(ctx, entry); err != nil {
		return eris.Wrap(err, "billing: append entry")
	}
	if l.blobs == nil {
		return nil
	}
	if l.mirror {
		line, err := json.Marshal(entry)
		if err != nil {
			return eris.Wrap(err, "billing: marshal entry")
		}
		if err := l.blobs.Append(ctx, storage.BillingLedger(entry.Month), append(line, '\n')); err != nil {
			zap.L().Warn("billing: ndjson mirror append failed",
				zap.String("month", entry.Month),
				zap.Error(err))
		}
	}
	if err := l.refreshMonth(ctx, entry.Month); err != nil {
		zap.L().Warn("billing: artifact refresh failed",
			zap.String("month", entry.Month),
			zap.Error(err))
	}
	return nil
}

// Rollup aggregates the month from the primary ledger.
func (l *Ledger) Rollup(ctx context.Context, month string) (model.MonthlyRollup, error) {
	entries, err := l.db.BillingForMonth(ctx, month)
	if err != nil {
		return model.MonthlyRollup{}, eris.Wrapf(err, "billing: load month %s", month)
	}
	return RollupEntries(month, entries), nil
}

// RollupEntries aggregates ledger rows into the month's rollup. It is the
// one aggregation used for both the SpecDb path and ndjson replays.
func RollupEntries(month string, entries []model.BillingEntry) model.MonthlyRollup {
	roll := model.MonthlyRollup{
		Month:      month,
		ByModel:    map[string]float64{},
		ByCategory: map[string]float64{},
		ByDay:      map[string]float64{},
	}
	for _, e := range entries {
		roll.TotalCostUSD += e.CostUSD
		roll.TotalCalls++
		roll.PromptTokens += e.PromptTokens
		roll.CompletionTokens += e.CompletionTokens
		roll.ByModel[e.Model] += e.CostUSD
		roll.ByCategory[e.Category] += e.CostUSD
		roll.ByDay[e.Day] += e.CostUSD
	}
	return roll
}

// ParseLedger decodes an ndjson ledger blob. Blank lines are skipped; a
// malformed line fails the whole parse since the mirror is append-only and
// partial sums would go unnoticed.
func ParseLedger(data []byte) ([]model.BillingEntry, error) {
	var entries []model.BillingEntry
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e model.BillingEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, eris.Wrapf(err, "billing: ledger line %d", i+1)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// MonthSpend returns the month's total cost so far.
func (l *Ledger) MonthSpend(ctx context.Context, month string) (float64, error) {
	return l.db.SumCostForMonth(ctx, month)
}

// ProductSpend returns the product's lifetime cost.
func (l *Ledger) ProductSpend(ctx context.Context, category, productID string) (float64, error) {
	return l.db.SumCostForProduct(ctx, category, productID)
}

// ProductCalls returns the product's lifetime call count.
func (l *Ledger) ProductCalls(ctx context.Context, category, productID string) (int, error) {
	return l.db.CountCallsForProduct(ctx, category, productID)
}

func (l *Ledger) refreshMonth(ctx context.Context, month string) error {
	roll, err := l.Rollup(ctx, month)
	if err != nil {
		return err
	}
	if err := storage.PutJSON(ctx, l.blobs, storage.BillingRollup(month), roll); err != nil {
		return err
	}
	digest := []byte(RenderDigest(roll))
	if err := l.blobs.Put(ctx, storage.BillingDigest(month), digest); err != nil {
		return err
	}
	return l.blobs.Put(ctx, storage.BillingLatest, digest)
}
