package model

import "time"

// TokenUsage is provider usage normalized to one shape. WebSearchCalls
// counts server-side search invocations, billed per call rather than
// per token.
type TokenUsage struct {
	PromptTokens       int `json:"prompt_tokens"`
	CompletionTokens   int `json:"completion_tokens"`
	CachedPromptTokens int `json:"cached_prompt_tokens"`
	WebSearchCalls     int `json:"web_search_calls,omitempty"`
}

// Add accumulates usage.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.CachedPromptTokens += other.CachedPromptTokens
	u.WebSearchCalls += other.WebSearchCalls
}

// Total is prompt + completion tokens.
func (u TokenUsage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// BillingEntry is one immutable cost-ledger row, appended per LLM call.
type BillingEntry struct {
	TS                 time.Time `json:"ts"`
	Month              string    `json:"month"` // YYYY-MM
	Day                string    `json:"day"`   // YYYY-MM-DD
	Provider           string    `json:"provider"`
	Model              string    `json:"model"`
	Category           string    `json:"category"`
	ProductID          string    `json:"product_id"`
	RunID              string    `json:"run_id"`
	Round              int       `json:"round"`
	PromptTokens       int       `json:"prompt_tokens"`
	CompletionTokens   int       `json:"completion_tokens"`
	CachedPromptTokens int       `json:"cached_prompt_tokens"`
	CostUSD            float64   `json:"cost_usd"`
	Reason             string    `json:"reason"`
	Host               string    `json:"host,omitempty"`
	EvidenceChars      int       `json:"evidence_chars,omitempty"`
	EstimatedUsage     bool      `json:"estimated_usage,omitempty"`
}

// NewBillingEntry stamps ts/month/day from the given time.
func NewBillingEntry(ts time.Time) BillingEntry {
	return BillingEntry{
		TS:    ts.UTC(),
		Month: ts.UTC().Format("2006-01"),
		Day:   ts.UTC().Format("2006-01-02"),
	}
}

// MonthlyRollup aggregates a month of billing entries.
type MonthlyRollup struct {
	Month            string             `json:"month"`
	TotalCostUSD     float64            `json:"total_cost_usd"`
	TotalCalls       int                `json:"total_calls"`
	PromptTokens     int                `json:"prompt_tokens"`
	CompletionTokens int                `json:"completion_tokens"`
	ByModel          map[string]float64 `json:"by_model"`
	ByCategory       map[string]float64 `json:"by_category"`
	ByDay            map[string]float64 `json:"by_day"`
}
