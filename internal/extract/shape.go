package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

// normalizeShape enforces the field's scalar/list contract. It returns the
// (possibly rewritten) value, or a drop reason when the shape cannot be
// reconciled. Empty collections pass through so the unknown filter can
// record them under its own reason.
func normalizeShape(rule *rulestore.FieldRule, value any) (any, model.DropReason) {
	if rule.DataType == "list" {
		return normalizeList(value), ""
	}
	switch t := value.(type) {
	case []any:
		if len(t) == 1 {
			return normalizeShape(rule, t[0])
		}
		if len(t) == 0 {
			return t, ""
		}
		return value, model.DropShapeMismatchArray
	case []string:
		if len(t) == 1 {
			return normalizeShape(rule, t[0])
		}
		if len(t) == 0 {
			return t, ""
		}
		return value, model.DropShapeMismatchArray
	case map[string]any:
		return value, model.DropShapeMismatchObject
	case string:
		return strings.TrimSpace(t), ""
	}
	return value, ""
}

var (
	listSeparatorRe = regexp.MustCompile(`[,;|]`)
	slashRe         = regexp.MustCompile(`/`)
)

// normalizeList parses a raw value into a clean []string: separators split,
// case-insensitive dedupe, first-seen order, unknown tokens stripped.
func normalizeList(value any) []string {
	var items []string
	switch t := value.(type) {
	case []any:
		for _, e := range t {
			switch v := e.(type) {
			case string:
				items = append(items, splitListItems(v)...)
			case float64, int, int64, bool:
				items = append(items, fmt.Sprint(v))
			}
		}
	case []string:
		for _, e := range t {
			items = append(items, splitListItems(e)...)
		}
	case string:
		items = splitListItems(t)
	case nil:
		return []string{}
	default:
		items = []string{fmt.Sprint(t)}
	}

	seen := map[string]bool{}
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || model.IsUnknownValue(it) {
			continue
		}
		key := strings.ToLower(it)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}

func splitListItems(s string) []string {
	var out []string
	for _, part := range listSeparatorRe.Split(s, -1) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		// The slash split runs second so "n/a" reads as an unknown
		// spelling rather than a two-item list.
		if model.IsUnknownValue(part) {
			continue
		}
		for _, sub := range slashRe.Split(part, -1) {
			if sub = strings.TrimSpace(sub); sub != "" {
				out = append(out, sub)
			}
		}
	}
	return out
}
