// Package needset derives the per-round list of fields still needing work,
// plans the next round's search queries from it, and assigns the final
// availability-aware unknown reasons when a run ends.
package needset

import (
	"sort"

	"github.com/sells-group/specfactory/internal/consensus"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

// Deriver computes needsets from consensus output under one category's rules.
type Deriver struct {
	rules *rulestore.CategoryRules
}

// NewDeriver builds a deriver for the category.
func NewDeriver(rules *rulestore.CategoryRules) *Deriver {
	return &Deriver{rules: rules}
}

// Derive walks every non-editorial rule field and keeps the deficient ones.
// Editorial fields never gate validation and never earn search budget.
func (d *Deriver) Derive(round int, res *consensus.Result) *model.NeedSet {
	ns := &model.NeedSet{Round: round}
	for i := range d.rules.Fields {
		rule := &d.rules.Fields[i]
		level := effectiveLevel(rule)
		if level == model.LevelEditorial {
			continue
		}
		deficit, needy := deficitFor(rule, res)
		if !needy {
			continue
		}
		avail := rule.Availability
		if avail == "" {
			avail = model.AvailabilityExpected
		}
		ns.Needs = append(ns.Needs, model.Need{
			Field:             rule.Key,
			RequiredLevel:     level,
			AvailabilityClass: avail,
			DeficitReason:     deficit,
			TierPreference:    tierPreference(avail, deficit),
			MinEvidenceRefs:   rule.MinEvidenceRefs,
			ForceHigh:         level == model.LevelCritical && round >= 2,
		})
	}
	sort.SliceStable(ns.Needs, func(i, j int) bool {
		ri, rj := levelRank(ns.Needs[i].RequiredLevel), levelRank(ns.Needs[j].RequiredLevel)
		if ri != rj {
			return ri < rj
		}
		return ns.Needs[i].Field < ns.Needs[j].Field
	})
	return ns
}

// deficitFor classifies one field's shortfall. Conflict and constraint
// states outrank the plain missing/target reasons because they change what
// the next round should do about the field.
func deficitFor(rule *rulestore.FieldRule, res *consensus.Result) (model.DeficitReason, bool) {
	prov := res.Provenance[rule.Key]
	reasoning := res.Reasoning[rule.Key]

	if reasoning.UnknownReason == model.UnknownConflictUnresolved || prov.ConflictHold {
		return model.DeficitConflictingSources, true
	}
	if hasReason(reasoning.Reasons, "constraint_conflict") {
		return model.DeficitConstraintViolation, true
	}
	if hasReason(reasoning.Reasons, "below_min_evidence") {
		return model.DeficitBelowMinEvidence, true
	}
	if model.IsUnknownValue(res.Fields[rule.Key]) {
		return model.DeficitMissing, true
	}
	if !prov.MeetsPassTarget {
		return model.DeficitBelowPassTarget, true
	}
	return "", false
}

// tierPreference orders the source tiers the next round should favor for
// this need. Conflicts want authoritative tiers; rare fields are published
// by labs more often than by the makers themselves.
func tierPreference(avail model.AvailabilityClass, deficit model.DeficitReason) []model.SourceTier {
	if deficit == model.DeficitConflictingSources {
		return []model.SourceTier{model.TierManufacturer, model.TierLabDatabase}
	}
	if avail == model.AvailabilityRare {
		return []model.SourceTier{model.TierLabDatabase, model.TierManufacturer}
	}
	return []model.SourceTier{model.TierManufacturer, model.TierLabDatabase, model.TierRetailer}
}

func effectiveLevel(rule *rulestore.FieldRule) model.RequiredLevel {
	if rule.RequiredLevel == "" {
		return model.LevelExpected
	}
	return rule.RequiredLevel
}

func levelRank(l model.RequiredLevel) int {
	switch l {
	case model.LevelCritical:
		return 0
	case model.LevelRequired:
		return 1
	case model.LevelExpected:
		return 2
	default:
		return 3
	}
}

func hasReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
