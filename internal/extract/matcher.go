package extract

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/sells-group/specfactory/internal/rulestore"
)

// Matcher resolves page labels and JSON keys to the category's field rules.
// Matching is exact on normalized tokens, with one relaxation: trailing unit
// words are stripped, so "weight_grams" and "Weight (g)" both land on a
// field keyed weight.
type Matcher struct {
	byToken map[string]*rulestore.FieldRule
	fields  []*rulestore.FieldRule
}

func NewMatcher(rules *rulestore.CategoryRules) *Matcher {
	m := &Matcher{byToken: map[string]*rulestore.FieldRule{}}
	for i := range rules.Fields {
		r := &rules.Fields[i]
		m.fields = append(m.fields, r)
		for _, tok := range r.MatchTokens() {
			if _, taken := m.byToken[tok]; !taken {
				m.byToken[tok] = r
			}
		}
	}
	return m
}

// Match resolves a raw label to a field rule, or nil.
func (m *Matcher) Match(label string) *rulestore.FieldRule {
	norm := normalizeLabel(label)
	if norm == "" {
		return nil
	}
	if r := m.byToken[norm]; r != nil {
		return r
	}
	for {
		trimmed := trimUnitWord(norm)
		if trimmed == norm {
			return nil
		}
		norm = trimmed
		if r := m.byToken[norm]; r != nil {
			return r
		}
	}
}

var parenRe = regexp.MustCompile(`\([^)]*\)`)

// normalizeLabel lowers a label into token form: camelCase split, separators
// spaced, parentheticals and trailing colons dropped.
func normalizeLabel(label string) string {
	s := splitCamel(label)
	s = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(s)
	s = parenRe.ReplaceAllString(s, " ")
	s = strings.TrimSuffix(strings.TrimSpace(s), ":")
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// splitCamel inserts spaces at lower-to-upper transitions.
func splitCamel(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	var prev rune
	for _, r := range s {
		if unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// unitWords are measurement suffixes stripped from labels during matching.
var unitWords = map[string]bool{
	"g": true, "kg": true, "mg": true, "oz": true, "lb": true, "lbs": true,
	"gram": true, "grams": true, "ounce": true, "ounces": true,
	"mm": true, "cm": true, "m": true, "in": true, "inch": true, "inches": true,
	"ms": true, "s": true, "sec": true, "secs": true, "hr": true, "hrs": true,
	"hour": true, "hours": true, "hz": true, "khz": true, "mhz": true, "ghz": true,
	"dpi": true, "cpi": true, "mah": true, "wh": true, "w": true, "v": true,
	"db": true, "pct": true, "percent": true, "usd": true,
}

// trimUnitWord drops one trailing unit word, returning the input unchanged
// when there is none to drop.
func trimUnitWord(s string) string {
	i := strings.LastIndexByte(s, ' ')
	if i < 0 {
		return s
	}
	if unitWords[s[i+1:]] {
		return s[:i]
	}
	return s
}
