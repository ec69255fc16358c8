package evidence

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sells-group/specfactory/internal/config"
	"github.com/sells-group/specfactory/internal/extract"
	"github.com/sells-group/specfactory/internal/model"
)

// propPage renders a page plus extraction features from a few generated
// values, so definition, table, and window phases all contribute snippets.
func propPage(weight int, sensor string, words []string) (*model.PageData, *extract.Result) {
	text := fmt.Sprintf("Weight: %d g. Sensor: %s. %s", weight, sensor, strings.Join(words, " "))
	page := &model.PageData{
		HTML: "<html><body>" + text + "</body></html>",
		Text: text,
	}
	ext := &extract.Result{
		Features: &extract.PageFeatures{
			Definitions: []extract.LabeledPair{
				{Label: "Weight", Value: fmt.Sprintf("%d g", weight), Field: "weight", KeyPath: "dl[0].item[0]"},
				{Label: "Sensor", Value: sensor, Field: "sensor", KeyPath: "dl[0].item[1]"},
			},
			Tables: []extract.TableBlock{
				{KeyPath: "table[0]", Rows: []string{fmt.Sprintf("Weight: %d g", weight), "Sensor: " + sensor}, Fields: []string{"weight", "sensor"}},
			},
		},
	}
	return page, ext
}

// Rebuilding a pack from freshly constructed but equal inputs must
// reproduce the same snippet IDs and the same canonical pack hash. The
// artifact round-trip check depends on this holding for any page.
func TestPackRebuildIdentity(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 80
	properties := gopter.NewProperties(params)

	b := NewBuilder(config.ExtractConfig{})
	rules := testRules()

	properties.Property("equal inputs, equal packs", prop.ForAll(
		func(weight int, sensor string, words []string) bool {
			p1, e1 := propPage(weight, sensor, words)
			p2, e2 := propPage(weight, sensor, words)
			first := b.Build(testSource(), p1, e1, rules, nil)
			second := b.Build(testSource(), p2, e2, rules, nil)

			h1, err1 := PackHash(first)
			h2, err2 := PackHash(second)
			if err1 != nil || err2 != nil || h1 != h2 {
				return false
			}
			ids1, ids2 := snippetIDs(first), snippetIDs(second)
			if len(ids1) != len(ids2) {
				return false
			}
			for i := range ids1 {
				if ids1[i] != ids2[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(30, 200), gen.AlphaString(), gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Every snippet's hash is the sha256 of its normalized text, and IDs and
// hashes are unique within one pack regardless of input.
func TestSnippetHashAndUniqueness(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	b := NewBuilder(config.ExtractConfig{})
	rules := testRules()

	properties.Property("hashes match text, ids unique", prop.ForAll(
		func(weight int, sensor string, words []string) bool {
			page, ext := propPage(weight, sensor, words)
			pack := b.Build(testSource(), page, ext, rules, nil)

			seenID := map[string]bool{}
			seenHash := map[string]bool{}
			for _, sn := range pack.Snippets {
				if sn.SnippetHash != model.HashText(sn.NormalizedText) {
					return false
				}
				if seenID[sn.ID] || seenHash[sn.SnippetHash] {
					return false
				}
				seenID[sn.ID] = true
				seenHash[sn.SnippetHash] = true
			}
			return true
		},
		gen.IntRange(30, 200), gen.AlphaString(), gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Page-content snippets never push TotalChars past the budget, and
// TotalChars always equals the sum of snippet text lengths.
func TestPackCharBudgetHolds(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	tight := NewBuilder(config.ExtractConfig{MaxEvidenceChars: 400})
	rules := testRules()

	properties.Property("bounded packs stay bounded", prop.ForAll(
		func(weight int, sensor string, words []string) bool {
			page, ext := propPage(weight, sensor, words)
			pack := tight.Build(testSource(), page, ext, rules, nil)

			total := 0
			for _, sn := range pack.Snippets {
				total += len(sn.Text)
			}
			return pack.TotalChars == total && pack.TotalChars <= 400
		},
		gen.IntRange(30, 200), gen.AlphaString(), gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Every surviving candidate ends up bound to a snippet that resolves
// inside the pack, synthesized when no page snippet contains its value.
func TestCandidateBindingTotal(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 80
	properties := gopter.NewProperties(params)

	b := NewBuilder(config.ExtractConfig{})
	rules := testRules()

	properties.Property("all candidates bind", prop.ForAll(
		func(weight int, sensor string, offPage string, words []string) bool {
			page, ext := propPage(weight, sensor, words)
			cands := []model.Candidate{
				model.NewCandidate("weight", fmt.Sprintf("%d g", weight), model.MethodSpecTable, "table[0].row[0]", "s1"),
				model.NewCandidate("sensor", "zz-"+offPage, model.MethodEmbeddedState, "state[0].sensor", "s1"),
			}
			pack := b.Build(testSource(), page, ext, rules, cands)

			for _, c := range cands {
				id, ok := pack.CandidateBindings[c.CandidateID]
				if !ok || !pack.HasSnippet(id) {
					return false
				}
			}
			return true
		},
		gen.IntRange(30, 200), gen.AlphaString(), gen.AlphaString(), gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
