package needset

import (
	"github.com/sells-group/specfactory/internal/consensus"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

// EffortStats summarizes the run's search and fetch effort for
// unknown-reason assignment.
type EffortStats struct {
	QueriesByField  map[string]int `json:"queries_by_field,omitempty"`
	SourcesExamined int            `json:"sources_examined"`
	BlockedSources  int            `json:"blocked_sources"`
	FailedParses    int            `json:"failed_parses"`
}

// effortFor is the field's effort score: its targeted queries plus every
// examined source, since every pack is scanned for every deficit field.
func (e EffortStats) effortFor(field string) int {
	return e.QueriesByField[field] + e.SourcesExamined
}

// ReasonContext is the end-of-run state the assigner labels against.
type ReasonContext struct {
	IdentityLocked  bool
	BudgetExhausted bool
	Effort          EffortStats
}

// disclosureEffort is the per-availability effort bar that separates
// "not found yet" from "not publicly disclosed". A field the category
// expects to be published needs far more fruitless effort before the
// stronger claim is justified; a rare field earns it quickly.
var disclosureEffort = map[model.AvailabilityClass]int{
	model.AvailabilityExpected:  12,
	model.AvailabilitySometimes: 8,
	model.AvailabilityRare:      5,
}

// AssignUnknownReasons labels every unk field in the resolution. Identity
// ambiguity and unresolved conflicts outrank effort-based labels; access
// failures only apply when nothing was ever examined.
func AssignUnknownReasons(res *consensus.Result, rules *rulestore.CategoryRules, rc ReasonContext) map[string]model.UnknownReason {
	out := make(map[string]model.UnknownReason)
	for field, value := range res.Fields {
		if !model.IsUnknownValue(value) {
			continue
		}
		out[field] = reasonFor(field, res, rules, rc)
	}
	return out
}

func reasonFor(field string, res *consensus.Result, rules *rulestore.CategoryRules, rc ReasonContext) model.UnknownReason {
	if !rc.IdentityLocked {
		return model.UnknownIdentityAmbiguous
	}
	if res.Reasoning[field].UnknownReason == model.UnknownConflictUnresolved {
		return model.UnknownConflictUnresolved
	}
	if rc.Effort.SourcesExamined == 0 {
		if rc.Effort.BlockedSources > 0 {
			return model.UnknownBlockedByRobots
		}
		if rc.Effort.FailedParses > 0 {
			return model.UnknownParseFailure
		}
	}

	avail := model.AvailabilityExpected
	if rule := rules.Field(field); rule != nil && rule.Availability != "" {
		avail = rule.Availability
	}
	bar := disclosureEffort[avail]
	spent := rc.Effort.effortFor(field)

	if rc.BudgetExhausted && spent < bar {
		return model.UnknownBudgetExhausted
	}
	if spent >= bar {
		return model.UnknownNotPubliclyDisclosed
	}
	return model.UnknownNotFoundAfterSearch
}
