// Package gate holds the two decision points of a run: the identity gate
// that decides whether fetched sources describe the locked product, and
// the record quality gate that decides whether the finished record is
// publishable.
package gate

import (
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/consensus"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

// Identity component weights. Components the lock cannot check are
// dropped and the score renormalizes over the rest.
const (
	weightBrand   = 0.30
	weightModel   = 0.35
	weightVariant = 0.10
	weightIDs     = 0.10
	weightAnchors = 0.15
)

const (
	lockConfidence        = 0.99
	provisionalConfidence = 0.70
)

// SourceIdentity is one source scored against the identity lock.
type SourceIdentity struct {
	SourceID        string           `json:"source_id"`
	Tier            model.SourceTier `json:"tier"`
	Score           float64          `json:"score"`
	Match           bool             `json:"match"`
	BrandHit        bool             `json:"brand_hit"`
	ModelHit        bool             `json:"model_hit"`
	VariantHit      bool             `json:"variant_hit,omitempty"`
	IDHit           bool             `json:"id_hit,omitempty"`
	AnchorAgreement float64          `json:"anchor_agreement"`
	AnchorConflicts int              `json:"anchor_conflicts,omitempty"`
}

// Decision is the product-level identity outcome.
type Decision struct {
	State           model.IdentityState `json:"state"`
	Confidence      float64             `json:"confidence"`
	Matching        int                 `json:"matching_sources"`
	AnchorConflicts int                 `json:"anchor_conflicts"`
	Reasons         []string            `json:"reasons,omitempty"`
}

// IdentityGate scores sources against one job's identity lock.
type IdentityGate struct {
	lock    model.IdentityLock
	anchors map[string]string
	rules   *rulestore.CategoryRules
}

// NewIdentityGate builds the gate for a job.
func NewIdentityGate(job *model.ProductJob, rules *rulestore.CategoryRules) *IdentityGate {
	return &IdentityGate{
		lock:    job.IdentityLock,
		anchors: job.Anchors,
		rules:   rules,
	}
}

// ScoreSource evaluates one source. hay is the identity text assembled
// from the page title, final URL, and structured product names; cands are
// that source's candidates, used for anchor agreement. The match bar rises
// with distance from the manufacturer: 0.75 for tier 1-2, 0.85 for
// retailers, 0.95 for candidate-tier pages.
func (g *IdentityGate) ScoreSource(src model.Source, hay string, cands []model.Candidate) SourceIdentity {
	out := SourceIdentity{SourceID: src.SourceID, Tier: src.Tier}

	tokens := tokenSet(hay)
	earned, checkable := 0.0, 0.0

	checkable += weightBrand
	if out.BrandHit = tokensPresent(tokens, g.lock.Brand); out.BrandHit {
		earned += weightBrand
	}
	checkable += weightModel
	if out.ModelHit = tokensPresent(tokens, g.lock.Model); out.ModelHit {
		earned += weightModel
	}
	if g.lock.Variant != "" {
		checkable += weightVariant
		if out.VariantHit = tokensPresent(tokens, g.lock.Variant); out.VariantHit {
			earned += weightVariant
		}
	}
	if ids := g.lockedIDs(); len(ids) > 0 {
		checkable += weightIDs
		folded := alnumFold(hay)
		for _, id := range ids {
			if strings.Contains(folded, alnumFold(id)) {
				out.IDHit = true
				earned += weightIDs
				break
			}
		}
	}

	agreed, conflicts := g.anchorAgreement(cands)
	if agreed+conflicts > 0 {
		checkable += weightAnchors
		out.AnchorAgreement = float64(agreed) / float64(agreed+conflicts)
		out.AnchorConflicts = conflicts
		earned += weightAnchors * out.AnchorAgreement
	}

	if checkable > 0 {
		out.Score = earned / checkable
	}
	out.Match = out.Score >= matchThreshold(src.Tier)
	return out
}

// Decide combines scored sources into the product-level gate state.
// identity_confidence is the tier-weighted mean over matching sources.
func (g *IdentityGate) Decide(scored []SourceIdentity) Decision {
	d := Decision{State: model.IdentityUnlocked}

	sum, weight := 0.0, 0.0
	for _, s := range scored {
		if !s.Match {
			continue
		}
		d.Matching++
		d.AnchorConflicts += s.AnchorConflicts
		w := s.Tier.Weight()
		sum += s.Score * w
		weight += w
	}
	if weight > 0 {
		d.Confidence = sum / weight
	}

	switch {
	case d.Matching == 0:
		d.State = model.IdentityUnlocked
		d.Reasons = append(d.Reasons, "no_matching_sources")
	case d.AnchorConflicts > 0:
		d.State = model.IdentityConflict
		d.Reasons = append(d.Reasons, "anchor_conflict")
	case d.Confidence < provisionalConfidence:
		d.State = model.IdentityConflict
		d.Reasons = append(d.Reasons, "low_identity_confidence")
	case g.lock.FullyLocked() && d.Confidence >= lockConfidence:
		d.State = model.IdentityLockedFull
	default:
		d.State = model.IdentityProvisional
	}

	zap.L().Info("gate: identity decision",
		zap.String("state", string(d.State)),
		zap.Float64("confidence", d.Confidence),
		zap.Int("matching_sources", d.Matching),
		zap.Int("anchor_conflicts", d.AnchorConflicts),
	)
	return d
}

func (g *IdentityGate) lockedIDs() []string {
	var ids []string
	for _, id := range []string{g.lock.SKU, g.lock.MPN, g.lock.GTIN} {
		if strings.TrimSpace(id) != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// anchorAgreement checks the source's candidates against the job anchors.
// Anchors the source never reports on are left out of the score.
func (g *IdentityGate) anchorAgreement(cands []model.Candidate) (agreed, conflicts int) {
	if len(g.anchors) == 0 {
		return 0, 0
	}
	keys := make([]string, 0, len(g.anchors))
	for k := range g.anchors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		rule := g.rules.Field(key)
		if rule == nil {
			continue
		}
		reported, ok := false, false
		for _, c := range cands {
			if c.Field != key || c.Unknown() {
				continue
			}
			reported = true
			if consensus.ValuesAgree(rule, g.anchors[key], c.Value) {
				ok = true
				break
			}
		}
		switch {
		case !reported:
		case ok:
			agreed++
		default:
			conflicts++
		}
	}
	return agreed, conflicts
}

func matchThreshold(t model.SourceTier) float64 {
	switch t {
	case model.TierManufacturer, model.TierLabDatabase:
		return 0.75
	case model.TierRetailer:
		return 0.85
	default:
		return 0.95
	}
}

// tokenSet splits s into lowercased alphanumeric tokens.
func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range splitAlnum(s) {
		set[tok] = true
	}
	return set
}

// tokensPresent reports whether every token of phrase appears in the set.
func tokensPresent(set map[string]bool, phrase string) bool {
	toks := splitAlnum(phrase)
	if len(toks) == 0 {
		return false
	}
	for _, tok := range toks {
		if !set[tok] {
			return false
		}
	}
	return true
}

func splitAlnum(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// alnumFold strips everything but letters and digits so part numbers
// match across separator styles.
func alnumFold(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
