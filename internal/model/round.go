package model

import "time"

// IdentityState is the product-level identity gate decision.
type IdentityState string

const (
	IdentityLockedFull  IdentityState = "IDENTITY_LOCKED_FULL"
	IdentityProvisional IdentityState = "IDENTITY_PROVISIONAL"
	IdentityConflict    IdentityState = "IDENTITY_CONFLICT"
	IdentityUnlocked    IdentityState = "IDENTITY_UNLOCKED"
)

// StopReason is why the round controller terminated a run.
type StopReason string

const (
	StopIdentityConflict StopReason = "identity_conflict_fatal"
	StopSatisfied        StopReason = "satisfied"
	StopBudgetExhausted  StopReason = "budget_exhausted"
	StopMarginalYield    StopReason = "marginal_yield"
	StopMaxRounds        StopReason = "max_rounds"
	StopTimeLimit        StopReason = "time_limit"
	StopPipelineError    StopReason = "pipeline_error"
)

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunValidated       RunStatus = "validated"
	RunExhausted       RunStatus = "exhausted"
	RunAbortedIdentity RunStatus = "aborted_identity"
	RunFailed          RunStatus = "failed"
)

// ExitCode maps the run status to the CLI exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunValidated:
		return 0
	case RunExhausted:
		return 2
	case RunAbortedIdentity:
		return 3
	default:
		return 1
	}
}

// RoundSummary is emitted by the controller after every round.
type RoundSummary struct {
	Round           int        `json:"round"`
	URLsFetched     int        `json:"urls_fetched"`
	LLMCalls        int        `json:"llm_calls"`
	LLMBlocked      int        `json:"llm_budget_guard_blocked,omitempty"`
	LLMCostUSD      float64    `json:"llm_cost_usd"`
	FieldsGained    int        `json:"fields_gained"`
	ConfidenceDelta float64    `json:"confidence_delta"`
	StopReason      StopReason `json:"stop_reason,omitempty"`
	DurationMs      int64      `json:"duration_ms"`
}

// RunResult is the full outcome of one product run.
type RunResult struct {
	RunID      string         `json:"run_id"`
	Category   string         `json:"category"`
	ProductID  string         `json:"product_id"`
	Mode       RunMode        `json:"mode"`
	Status     RunStatus      `json:"status"`
	StopReason StopReason     `json:"stop_reason"`
	Rounds     []RoundSummary `json:"rounds"`
	Record     *SpecRecord    `json:"record,omitempty"`
	NeedSet    *NeedSet       `json:"needset,omitempty"`
	TotalCost  float64        `json:"total_cost_usd"`
	TotalCalls int            `json:"total_llm_calls"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Error      string         `json:"error,omitempty"`
}
