package gate

import (
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/consensus"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

// QualityTargets are the validation thresholds for a run.
type QualityTargets struct {
	Completeness float64
	Confidence   float64
}

// QualityInput carries everything the record gate inspects.
type QualityInput struct {
	Resolution   *consensus.Result
	Identity     Decision
	Targets      QualityTargets
	Job          *model.ProductJob
	DanglingRefs int
}

// Quality evaluates the resolved record against the run targets. The
// summary always carries the measured dimensions; validated_reason lists
// every failed condition rather than the first.
func Quality(rules *rulestore.CategoryRules, in QualityInput) model.RecordSummary {
	res := in.Resolution
	sum := model.RecordSummary{
		IdentityConfidence:      in.Identity.Confidence,
		IdentityGate:            in.Identity.State,
		AnchorConflicts:         res.AnchorConflicts + in.Identity.AnchorConflicts,
		EnumViolations:          res.EnumViolations,
		ConstraintConflicts:     res.ConstraintConflicts,
		DanglingSnippetRefCount: in.DanglingRefs,
	}

	sum.CompletenessRequired = filledShare(res.Fields, requiredFields(rules, in.Job))
	sum.CoverageOverall = filledShare(res.Fields, rules.NonEditorialFields())
	sum.Confidence = meanConfidence(res)

	for _, key := range rules.CriticalFields() {
		if !res.Provenance[key].MeetsPassTarget {
			sum.CriticalFieldsBelowTarget = append(sum.CriticalFieldsBelowTarget, key)
		}
	}

	if sum.CompletenessRequired < in.Targets.Completeness {
		sum.ValidatedReason = append(sum.ValidatedReason, "completeness_below_target")
	}
	if sum.Confidence < in.Targets.Confidence {
		sum.ValidatedReason = append(sum.ValidatedReason, "confidence_below_target")
	}
	if len(sum.CriticalFieldsBelowTarget) > 0 {
		sum.ValidatedReason = append(sum.ValidatedReason, "critical_fields_below_pass_target")
	}
	if sum.AnchorConflicts > 0 {
		sum.ValidatedReason = append(sum.ValidatedReason, "anchor_conflicts")
	}
	if in.Identity.Confidence < lockConfidence {
		sum.ValidatedReason = append(sum.ValidatedReason, "identity_below_lock_threshold")
	}
	sum.Validated = len(sum.ValidatedReason) == 0

	zap.L().Info("gate: record quality",
		zap.Bool("validated", sum.Validated),
		zap.Float64("completeness_required", sum.CompletenessRequired),
		zap.Float64("coverage_overall", sum.CoverageOverall),
		zap.Float64("confidence", sum.Confidence),
		zap.Strings("reasons", sum.ValidatedReason),
	)
	return sum
}

// requiredFields unions the critical and required rule levels with the
// job's explicit list. Job keys outside the rules are ignored.
func requiredFields(rules *rulestore.CategoryRules, job *model.ProductJob) []string {
	seen := map[string]bool{}
	var out []string
	for i := range rules.Fields {
		f := &rules.Fields[i]
		if f.RequiredLevel != model.LevelCritical && f.RequiredLevel != model.LevelRequired {
			continue
		}
		if !seen[f.Key] {
			seen[f.Key] = true
			out = append(out, f.Key)
		}
	}
	if job == nil {
		return out
	}
	for _, key := range job.Requirements.RequiredFields {
		if rules.Field(key) != nil && !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

// filledShare is the known-value fraction over keys. An empty key set is
// vacuously complete.
func filledShare(fields map[string]any, keys []string) float64 {
	if len(keys) == 0 {
		return 1
	}
	filled := 0
	for _, key := range keys {
		if v, ok := fields[key]; ok && !model.IsUnknownValue(v) {
			filled++
		}
	}
	return float64(filled) / float64(len(keys))
}

// meanConfidence averages consensus confidence over filled fields, in key
// order so repeated runs sum identically.
func meanConfidence(res *consensus.Result) float64 {
	keys := make([]string, 0, len(res.Fields))
	for key := range res.Fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	sum, n := 0.0, 0
	for _, key := range keys {
		if model.IsUnknownValue(res.Fields[key]) {
			continue
		}
		sum += res.Provenance[key].Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
