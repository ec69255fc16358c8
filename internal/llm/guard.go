package llm

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/config"
)

// SpendReader is the ledger view the guard needs.
type SpendReader interface {
	MonthSpend(ctx context.Context, month string) (float64, error)
	ProductSpend(ctx context.Context, category, productID string) (float64, error)
	ProductCalls(ctx context.Context, category, productID string) (int, error)
}

// Verdict is the guard's answer for one prospective call.
type Verdict struct {
	Allowed       bool
	Reason        string
	EssentialOnly bool
}

// Blocked-call reasons surfaced in round records.
const (
	BlockMaxCallsPerRound   = "max_calls_per_round"
	BlockMaxCallsPerProduct = "max_calls_per_product"
	BlockMaxHighTier        = "max_high_tier_per_round"
	BlockProductBudget      = "product_budget_exhausted"
	BlockMonthlyBudget      = "monthly_budget_exhausted"
	BlockLedgerError        = "ledger_error"
)

// BudgetGuard enforces the call and spend caps before every LLM call.
// Spend checks carry a one-call slack: the call that crosses a cap is
// admitted, the next one is not. A zero cap disables that check.
type BudgetGuard struct {
	cfg    config.LLMConfig
	ledger SpendReader
	now    func() time.Time

	mu         sync.Mutex
	roundCalls int
	roundHigh  int
}

// NewBudgetGuard wires the guard over the billing ledger.
func NewBudgetGuard(cfg config.LLMConfig, ledger SpendReader) *BudgetGuard {
	return &BudgetGuard{cfg: cfg, ledger: ledger, now: time.Now}
}

// StartRound resets the per-round call counters.
func (g *BudgetGuard) StartRound() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roundCalls, g.roundHigh = 0, 0
}

// Admit reserves one call slot when the budgets allow it. Once the monthly
// budget is spent only essential calls (identity resolution, critical-field
// extraction, planner force-high) proceed; the verdict's EssentialOnly flag
// tells the caller to trim non-essential work from an admitted call.
func (g *BudgetGuard) Admit(ctx context.Context, category, productID string, essential bool) Verdict {
	if g.cfg.DisableBudgetGuards {
		return Verdict{Allowed: true}
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.MaxCallsPerRound > 0 && g.roundCalls >= g.cfg.MaxCallsPerRound {
		return Verdict{Reason: BlockMaxCallsPerRound}
	}

	// Lifetime counts read the ledger, so they lag any in-flight calls;
	// the per-round reservation above closes most of that gap.
	calls, err := g.ledger.ProductCalls(ctx, category, productID)
	if err != nil {
		zap.L().Error("llm: guard ledger read failed", zap.Error(err))
		return Verdict{Reason: BlockLedgerError}
	}
	if g.cfg.MaxCallsPerProduct > 0 && calls >= g.cfg.MaxCallsPerProduct {
		return Verdict{Reason: BlockMaxCallsPerProduct}
	}

	if g.cfg.PerProductBudgetUSD > 0 {
		spend, err := g.ledger.ProductSpend(ctx, category, productID)
		if err != nil {
			zap.L().Error("llm: guard ledger read failed", zap.Error(err))
			return Verdict{Reason: BlockLedgerError}
		}
		if spend >= g.cfg.PerProductBudgetUSD {
			return Verdict{Reason: BlockProductBudget}
		}
	}

	essentialOnly := false
	if g.cfg.MonthlyBudgetUSD > 0 {
		month := g.now().UTC().Format("2006-01")
		spend, err := g.ledger.MonthSpend(ctx, month)
		if err != nil {
			zap.L().Error("llm: guard ledger read failed", zap.Error(err))
			return Verdict{Reason: BlockLedgerError}
		}
		if spend >= g.cfg.MonthlyBudgetUSD {
			if !essential {
				return Verdict{Reason: BlockMonthlyBudget, EssentialOnly: true}
			}
			essentialOnly = true
		}
	}

	g.roundCalls++
	return Verdict{Allowed: true, EssentialOnly: essentialOnly}
}

// TryHighTier reserves a top-model slot for this round.
func (g *BudgetGuard) TryHighTier() bool {
	if g.cfg.DisableBudgetGuards {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg.MaxHighTierPerRound > 0 && g.roundHigh >= g.cfg.MaxHighTierPerRound {
		return false
	}
	g.roundHigh++
	return true
}
