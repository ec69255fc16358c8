package extract

import (
	"strings"
	"unicode"

	"github.com/sells-group/specfactory/internal/model"
)

// targetMatchThreshold is the score a catalog entry needs before its
// candidates may reach consensus.
const targetMatchThreshold = 0.75

// clusterTag carries the multi-product gate verdict for one page cluster.
type clusterTag struct {
	id     string
	score  float64
	passed bool
}

// clusterFor tags one catalog entry with its identity-match verdict.
func clusterFor(lock model.IdentityLock, id, name string) *clusterTag {
	score := targetMatchScore(lock, name)
	return &clusterTag{id: id, score: score, passed: score >= targetMatchThreshold}
}

// siblingQualifiers are model-name suffixes that signal a different trim of
// the same family ("Pro", "Mini"). A qualifier next to the model tokens that
// the lock does not name means a sibling entry, not the target.
var siblingQualifiers = map[string]bool{
	"pro": true, "max": true, "plus": true, "mini": true, "lite": true,
	"ultra": true, "se": true, "air": true, "neo": true,
}

// targetMatchScore scores a product display name against the identity lock.
// Brand and model carry the weight. Sibling signals, an unlocked qualifier
// word or a missing locked variant, each cost enough to push an otherwise
// full match under the threshold.
func targetMatchScore(lock model.IdentityLock, name string) float64 {
	if strings.TrimSpace(name) == "" {
		return 0
	}
	words := tokenSet(name)
	locked := tokenSet(lock.Brand + " " + lock.Model + " " + lock.Variant)

	score := 0.0
	if hasAllTokens(words, lock.Brand) {
		score += 0.45
	}
	if hasAllTokens(words, lock.Model) {
		score += 0.55
		for w := range words {
			if siblingQualifiers[w] && !locked[w] {
				score -= 0.3
				break
			}
		}
	}
	if lock.Variant != "" && !hasAllTokens(words, lock.Variant) {
		score -= 0.3
	}
	if score < 0 {
		return 0
	}
	return score
}

// productNameKeys identify a product entry inside a JSON catalog payload.
var productNameKeys = []string{"name", "title", "model", "product_name", "productName", "productTitle"}

// isProductList reports whether arr looks like a multi-product payload:
// all objects, two or more carrying a product-name key.
func isProductList(arr []any) bool {
	if len(arr) < 2 {
		return false
	}
	named := 0
	for _, e := range arr {
		obj, ok := e.(map[string]any)
		if !ok {
			return false
		}
		if productName(obj) != "" {
			named++
		}
	}
	return named >= 2
}

// productName pulls the display name out of a product object.
func productName(obj map[string]any) string {
	for _, k := range productNameKeys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, f := range splitWords(s) {
		out[f] = true
	}
	return out
}

// hasAllTokens reports whether every word of phrase appears in the set.
func hasAllTokens(words map[string]bool, phrase string) bool {
	fs := splitWords(phrase)
	if len(fs) == 0 {
		return false
	}
	for _, f := range fs {
		if !words[f] {
			return false
		}
	}
	return true
}

func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
