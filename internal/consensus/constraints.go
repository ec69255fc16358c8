package consensus

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/model"
)

var isoDateRe = regexp.MustCompile(`^\d{4}(-\d{2}){0,2}$`)

// applyConstraints evaluates cross-field ordering rules after every field
// has resolved. A violation flags the declaring field: its pass target is
// dropped and constraint_conflict recorded, but the value stays in place
// for review.
func (e *Engine) applyConstraints(res *Result) {
	for i := range e.rules.Fields {
		rule := &e.rules.Fields[i]
		if len(rule.Constraints) == 0 {
			continue
		}
		left, ok := res.Fields[rule.Key]
		if !ok || model.IsUnknownValue(left) {
			continue
		}

		names := make([]string, 0, len(rule.Constraints))
		for name := range rule.Constraints {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			cons := rule.Constraints[name]
			right, ok := res.Fields[cons.Other]
			if !ok || model.IsUnknownValue(right) {
				continue
			}
			holds, known := constraintHolds(cons.Op, left, right)
			if !known || holds {
				continue
			}

			label := fmt.Sprintf("%s %s %s", rule.Key, cons.Op, cons.Other)
			res.ConstraintConflicts = append(res.ConstraintConflicts, label)

			prov := res.Provenance[rule.Key]
			prov.MeetsPassTarget = false
			res.Provenance[rule.Key] = prov

			reasoning := res.Reasoning[rule.Key]
			reasoning.Reasons = appendReason(reasoning.Reasons, "constraint_conflict")
			res.Reasoning[rule.Key] = reasoning

			zap.L().Warn("consensus: constraint violated",
				zap.String("constraint", label),
				zap.Any("left", left),
				zap.Any("right", right),
			)
		}
	}
}

// constraintHolds compares two resolved values under op. Plain numbers
// compare numerically, ISO dates lexically, unit-bearing strings on their
// leading magnitude, everything else as normalized strings. The second
// return is false when op is unknown.
func constraintHolds(op string, left, right any) (bool, bool) {
	if ln, ok := strictNumber(left); ok {
		if rn, ok := strictNumber(right); ok {
			return compareFloats(op, ln, rn)
		}
	}
	ls, rs := model.NormalizeValue(left), model.NormalizeValue(right)
	if isoDateRe.MatchString(ls) && isoDateRe.MatchString(rs) {
		return compareStrings(op, ls, rs)
	}
	if ln, ok := parseNumber(left); ok {
		if rn, ok := parseNumber(right); ok {
			return compareFloats(op, ln, rn)
		}
	}
	return compareStrings(op, ls, rs)
}

// strictNumber parses only values that are numeric in their entirety.
func strictNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func compareFloats(op string, a, b float64) (bool, bool) {
	switch op {
	case "lte":
		return a <= b, true
	case "gte":
		return a >= b, true
	case "lt":
		return a < b, true
	case "gt":
		return a > b, true
	case "eq":
		return a == b, true
	}
	return false, false
}

func compareStrings(op, a, b string) (bool, bool) {
	switch op {
	case "lte":
		return a <= b, true
	case "gte":
		return a >= b, true
	case "lt":
		return a < b, true
	case "gt":
		return a > b, true
	case "eq":
		return a == b, true
	}
	return false, false
}
