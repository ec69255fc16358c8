// Package billing prices LLM usage and keeps the append-only cost ledger,
// regenerating monthly rollups and digests as entries land.
package billing

import (
	"github.com/sells-group/specfactory/internal/config"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/pkg/anthropic"
)

// charsPerToken approximates tokenization for estimated entries.
const charsPerToken = 4

// Pricer converts normalized token usage into USD using the configured
// per-model rates. Unknown models bill at the default rate rather than
// zero so the budget guard never sees free calls.
type Pricer struct {
	rates config.PricingConfig
}

// NewPricer builds a Pricer over the configured rate table.
func NewPricer(rates config.PricingConfig) *Pricer {
	return &Pricer{rates: rates}
}

// Cost prices one call. Cached prompt tokens bill at the cache-read
// multiplier; the rest of the prompt bills at the input rate.
func (p *Pricer) Cost(mdl string, u model.TokenUsage) float64 {
	rate, ok := p.rates.Anthropic[mdl]
	if !ok {
		rate = p.rates.Default
	}
	cached := u.CachedPromptTokens
	if cached > u.PromptTokens {
		cached = u.PromptTokens
	}
	fresh := u.PromptTokens - cached
	cost := float64(fresh) / 1e6 * rate.Input
	cost += float64(cached) / 1e6 * rate.Input * rate.CacheReadMul
	cost += float64(u.CompletionTokens) / 1e6 * rate.Output
	cost += float64(u.WebSearchCalls) * p.rates.WebSearchPerCall
	return cost
}

// NormalizeUsage folds the provider usage shape into the ledger shape.
// Prompt tokens count everything sent, cache writes and reads included.
func NormalizeUsage(u anthropic.TokenUsage) model.TokenUsage {
	return model.TokenUsage{
		PromptTokens:       int(u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens),
		CompletionTokens:   int(u.OutputTokens),
		CachedPromptTokens: int(u.CacheReadInputTokens),
		WebSearchCalls:     int(u.WebSearchRequests),
	}
}

// EstimateUsage approximates usage from character counts for calls that
// failed before the provider reported real numbers. Entries built from it
// must set EstimatedUsage on the ledger row.
func EstimateUsage(promptChars, completionChars int) model.TokenUsage {
	return model.TokenUsage{
		PromptTokens:     promptChars / charsPerToken,
		CompletionTokens: completionChars / charsPerToken,
	}
}
