// Package consensus resolves each field's winning value from all sources'
// candidates: filter, cluster by normalized value, score clusters on
// method, tier, and plausibility, then gate the winner against the pass
// target, evidence minimums, and the field's conflict policy.
package consensus

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

// defaultTolerancePct is the relative numeric clustering tolerance when a
// field rule does not override it.
const defaultTolerancePct = 0.5

// Engine resolves per-product field consensus under one category's rules.
type Engine struct {
	rules *rulestore.CategoryRules
}

// NewEngine builds a consensus engine for the category.
func NewEngine(rules *rulestore.CategoryRules) *Engine {
	return &Engine{rules: rules}
}

// Input is everything accumulated for one product before resolution.
type Input struct {
	Candidates         []model.Candidate
	Sources            map[string]model.Source
	IdentityConfidence float64
	Anchors            map[string]string
}

// Result is the per-field resolution with its audit trail. Every rule
// field appears in Fields, unresolved ones as the unk sentinel.
type Result struct {
	Fields              map[string]any
	Provenance          map[string]model.FieldProvenance
	Reasoning           map[string]model.FieldReasoning
	AnchorConflicts     int
	EnumViolations      int
	ConstraintConflicts []string
}

// Resolve runs the per-field algorithm over all candidates. Resolution is
// position-independent: candidates are re-sorted before clustering so two
// runs over the same inputs produce identical output.
func (e *Engine) Resolve(in Input) *Result {
	res := &Result{
		Fields:     map[string]any{},
		Provenance: map[string]model.FieldProvenance{},
		Reasoning:  map[string]model.FieldReasoning{},
	}

	byField := map[string][]model.Candidate{}
	for _, c := range in.Candidates {
		if e.rules.Field(c.Field) == nil {
			zap.L().Warn("consensus: candidate for unknown field dropped",
				zap.String("field", c.Field),
				zap.String("source_id", c.SourceID),
			)
			continue
		}
		byField[c.Field] = append(byField[c.Field], c)
	}

	for i := range e.rules.Fields {
		rule := &e.rules.Fields[i]
		out := e.resolveField(rule, byField[rule.Key], in)
		res.Fields[rule.Key] = out.value
		res.Provenance[rule.Key] = out.prov
		if len(out.reasons) > 0 || out.unknownWhy != "" || len(out.dropped) > 0 {
			res.Reasoning[rule.Key] = model.FieldReasoning{
				Reasons:       out.reasons,
				UnknownReason: out.unknownWhy,
				Dropped:       out.dropped,
			}
		}
		res.AnchorConflicts += out.anchorConflicts
		res.EnumViolations += out.enumViolations
	}

	e.applyConstraints(res)
	return res
}

// fieldOutcome is one field's resolution before it lands in the Result.
type fieldOutcome struct {
	value           any
	prov            model.FieldProvenance
	reasons         []string
	unknownWhy      model.UnknownReason
	dropped         []model.Candidate
	anchorConflicts int
	enumViolations  int
}

func (e *Engine) resolveField(rule *rulestore.FieldRule, cands []model.Candidate, in Input) fieldOutcome {
	out := fieldOutcome{value: model.UnknownSentinel}
	out.prov = model.FieldProvenance{
		Value:      model.UnknownSentinel,
		PassTarget: rule.EffectivePassTarget(),
	}

	live := make([]model.Candidate, 0, len(cands))
	for _, c := range cands {
		switch {
		case c.DropReason != "":
		case c.Unknown():
			c.DropReason = model.DropUnknownValue
		case !c.TargetMatchPassed:
			c.DropReason = model.DropTargetMismatch
		case !enumAllowed(rule, c.Value):
			c.DropReason = model.DropEnumNotAllowed
			out.enumViolations++
			out.reasons = appendReason(out.reasons, string(model.DropEnumNotAllowed))
		case anchorViolated(rule, in.Anchors, c):
			c.DropReason = model.DropAnchorConflict
			out.anchorConflicts++
			out.reasons = appendReason(out.reasons, string(model.DropAnchorConflict))
		default:
			live = append(live, c)
			continue
		}
		out.dropped = append(out.dropped, c)
	}
	if len(live) == 0 {
		return out
	}

	sort.SliceStable(live, func(i, j int) bool {
		if live[i].SourceID != live[j].SourceID {
			return live[i].SourceID < live[j].SourceID
		}
		return live[i].CandidateID < live[j].CandidateID
	})

	clusters := e.clusterField(rule, live, in.Sources)
	rankClusters(clusters)
	winner := clusters[0]
	contested := len(clusters) >= 2

	if contested && winner.score > 0 && clusters[1].score >= winner.score*0.5 {
		zap.L().Warn("consensus: contested field",
			zap.String("field", rule.Key),
			zap.Any("winner", winner.value),
			zap.Float64("winner_score", winner.score),
			zap.Any("runner_up", clusters[1].value),
			zap.Float64("runner_up_score", clusters[1].score),
		)
	}

	switch rule.ConflictPolicy {
	case rulestore.ConflictResolveByTier:
		if contested && winner.tier1 > 0 && clusters[1].tier1 > 0 {
			out.unknownWhy = model.UnknownConflictUnresolved
			out.reasons = appendReason(out.reasons, string(model.UnknownConflictUnresolved))
			return out
		}
	case rulestore.ConflictPreserveAll:
		if contested {
			out.prov.ConflictHold = true
			out.reasons = appendReason(out.reasons, "conflict_policy_hold")
		}
	case rulestore.ConflictMajorityVote:
		if contested {
			sort.SliceStable(clusters, func(i, j int) bool {
				return len(clusters[i].approved) > len(clusters[j].approved)
			})
			winner = clusters[0]
		}
	}

	out.value = winner.value
	confirmations := len(winner.sources)
	approved := len(winner.approved)

	agreement := float64(len(winner.members)) / float64(len(live))
	confidence := 0.5*in.IdentityConfidence +
		0.35*meanBase(winner.members) +
		0.15*agreement -
		math.Min(0.4, 0.06*float64(out.anchorConflicts))
	confidence = clamp01(confidence)

	if rule.MinEvidenceRefs >= 2 && distinctRefs(winner.members) < rule.MinEvidenceRefs {
		out.value = model.UnknownSentinel
		out.reasons = appendReason(out.reasons, "below_min_evidence")
	}

	out.prov.Value = out.value
	out.prov.Confirmations = confirmations
	out.prov.ApprovedConfirmations = approved
	out.prov.MeetsPassTarget = !model.IsUnknownValue(out.value) && approved >= out.prov.PassTarget
	out.prov.Confidence = confidence
	out.prov.Evidence = evidenceRows(winner, in.Sources)
	return out
}

// cluster is one agreed value with its supporting candidates.
type cluster struct {
	key      string
	value    any
	numeric  float64
	isNum    bool
	members  []model.Candidate
	score    float64
	bestW    float64
	tier1    int
	lab      bool
	sources  map[string]bool
	approved map[string]bool
	minSrc   string
}

// clusterField groups live candidates by normalized value. Number fields
// join an existing cluster when within the relative tolerance; everything
// else matches on the normalized string.
func (e *Engine) clusterField(rule *rulestore.FieldRule, live []model.Candidate, sources map[string]model.Source) []*cluster {
	tol := rule.TolerancePct
	if tol <= 0 {
		tol = defaultTolerancePct
	}

	var clusters []*cluster
	for _, c := range live {
		var target *cluster
		if rule.DataType == "number" {
			if v, ok := parseNumber(c.Value); ok {
				for _, cl := range clusters {
					if cl.isNum && withinTolerance(cl.numeric, v, tol) {
						target = cl
						break
					}
				}
				if target == nil {
					target = &cluster{
						key:     strconv.FormatFloat(v, 'f', -1, 64),
						numeric: v,
						isNum:   true,
					}
					clusters = append(clusters, target)
				}
			}
		}
		if target == nil {
			key := model.NormalizeValue(c.Value)
			for _, cl := range clusters {
				if !cl.isNum && cl.key == key {
					target = cl
					break
				}
			}
			if target == nil {
				target = &cluster{key: key}
				clusters = append(clusters, target)
			}
		}
		target.absorb(c, sources, e.rules)
	}
	for _, cl := range clusters {
		cl.score = clusterScore(rule, cl, sources)
	}
	return clusters
}

// absorb adds a member, tracking distinct sources, tier-1 and approved
// support, and the strongest member's value as the representative.
func (cl *cluster) absorb(c model.Candidate, sources map[string]model.Source, rules *rulestore.CategoryRules) {
	if cl.sources == nil {
		cl.sources = map[string]bool{}
		cl.approved = map[string]bool{}
	}
	cl.members = append(cl.members, c)

	if !cl.sources[c.SourceID] {
		cl.sources[c.SourceID] = true
		if src, ok := sources[c.SourceID]; ok {
			if src.Tier == model.TierManufacturer {
				cl.tier1++
			}
			if h := rules.HostInfo(src.Host); h != nil {
				domain := src.RootDomain
				if domain == "" {
					domain = src.Host
				}
				cl.approved[strings.ToLower(domain)] = true
				if h.Lab {
					cl.lab = true
				}
			}
		}
	}
	if cl.minSrc == "" || c.SourceID < cl.minSrc {
		cl.minSrc = c.SourceID
	}
	if w := c.ConfidenceBase * tierOf(sources, c.SourceID).Weight(); w > cl.bestW || cl.value == nil {
		cl.bestW = w
		cl.value = c.Value
	}
}

// clusterScore sums member method x tier x plausibility weights.
func clusterScore(rule *rulestore.FieldRule, cl *cluster, sources map[string]model.Source) float64 {
	score := 0.0
	for _, c := range cl.members {
		score += c.ConfidenceBase * tierOf(sources, c.SourceID).Weight() * plausibilityBoost(rule, c.Value)
	}
	return score
}

// plausibilityBoost doubles in-range numeric values and sinks out-of-range
// ones: a near miss (within one span of the range) scores -4, anything
// further -6.
func plausibilityBoost(rule *rulestore.FieldRule, v any) float64 {
	if rule.Plausible == nil {
		return 1
	}
	n, ok := parseNumber(v)
	if !ok {
		return 1
	}
	if rule.Plausible.Contains(n) {
		return 2
	}
	span := rule.Plausible.Max - rule.Plausible.Min
	if n >= rule.Plausible.Min-span && n <= rule.Plausible.Max+span {
		return -4
	}
	return -6
}

// rankClusters orders by score, then tier-1 support, lab presence, distinct
// sources, and finally lowest source ID so ranking is total.
func rankClusters(clusters []*cluster) {
	sort.SliceStable(clusters, func(i, j int) bool {
		a, b := clusters[i], clusters[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.tier1 != b.tier1 {
			return a.tier1 > b.tier1
		}
		if a.lab != b.lab {
			return a.lab
		}
		if len(a.sources) != len(b.sources) {
			return len(a.sources) > len(b.sources)
		}
		return a.minSrc < b.minSrc
	})
}

// enumAllowed checks a value against a closed vocabulary. List values
// pass only when every item is in the vocabulary.
func enumAllowed(rule *rulestore.FieldRule, v any) bool {
	if !rule.ClosedEnum() {
		return true
	}
	switch t := v.(type) {
	case []string:
		for _, e := range t {
			if !rule.AllowsEnumValue(model.NormalizeValue(e)) {
				return false
			}
		}
		return true
	case []any:
		for _, e := range t {
			if !rule.AllowsEnumValue(model.NormalizeValue(e)) {
				return false
			}
		}
		return true
	}
	return rule.AllowsEnumValue(model.NormalizeValue(v))
}

// anchorViolated reports whether the candidate contradicts a hard anchor
// for this field.
func anchorViolated(rule *rulestore.FieldRule, anchors map[string]string, c model.Candidate) bool {
	anchor, ok := anchors[rule.Key]
	if !ok || strings.TrimSpace(anchor) == "" {
		return false
	}
	return !ValuesAgree(rule, anchor, c.Value)
}

// ValuesAgree compares an anchor spelling against a candidate value:
// numbers within tolerance, lists by membership, everything else on the
// normalized string. The identity gate leans on the same comparison.
func ValuesAgree(rule *rulestore.FieldRule, anchor string, v any) bool {
	if rule.DataType == "number" {
		av, aok := parseNumber(anchor)
		bv, bok := parseNumber(v)
		if aok && bok {
			tol := rule.TolerancePct
			if tol <= 0 {
				tol = defaultTolerancePct
			}
			return withinTolerance(av, bv, tol)
		}
	}
	want := model.NormalizeValue(anchor)
	switch t := v.(type) {
	case []string:
		for _, e := range t {
			if model.NormalizeValue(e) == want {
				return true
			}
		}
	case []any:
		for _, e := range t {
			if model.NormalizeValue(e) == want {
				return true
			}
		}
	}
	return model.NormalizeValue(v) == want
}

func evidenceRows(cl *cluster, sources map[string]model.Source) []model.EvidenceRow {
	rows := make([]model.EvidenceRow, 0, len(cl.members))
	for _, c := range cl.members {
		row := model.EvidenceRow{
			Method:  c.Method,
			KeyPath: c.KeyPath,
			Tier:    tierOf(sources, c.SourceID),
		}
		if src, ok := sources[c.SourceID]; ok {
			row.URL = src.FinalURL
			if row.URL == "" {
				row.URL = src.URL
			}
			row.Host = src.Host
			row.RootDomain = src.RootDomain
		}
		if len(c.EvidenceRefs) > 0 {
			row.SnippetID = c.EvidenceRefs[0]
		}
		rows = append(rows, row)
	}
	return rows
}

func tierOf(sources map[string]model.Source, id string) model.SourceTier {
	if src, ok := sources[id]; ok && src.Tier != 0 {
		return src.Tier
	}
	return model.TierCandidate
}

// distinctRefs counts evidence snippets across members. Snippet IDs are
// only unique within one source's pack, so refs are keyed by source.
func distinctRefs(members []model.Candidate) int {
	seen := map[string]bool{}
	for _, c := range members {
		for _, ref := range c.EvidenceRefs {
			seen[c.SourceID+"\x00"+ref] = true
		}
	}
	return len(seen)
}

func meanBase(members []model.Candidate) float64 {
	if len(members) == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range members {
		sum += c.ConfidenceBase
	}
	return sum / float64(len(members))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func appendReason(reasons []string, r string) []string {
	for _, have := range reasons {
		if have == r {
			return reasons
		}
	}
	return append(reasons, r)
}

var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// parseNumber pulls the numeric magnitude out of a value, tolerating
// thousands separators and trailing unit words.
func parseNumber(v any) (float64, bool) {
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
		s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
		m := numberRe.FindString(s)
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// withinTolerance compares two magnitudes under a relative percentage.
func withinTolerance(a, b, tolPct float64) bool {
	diff := math.Abs(a - b)
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return diff == 0
	}
	return diff/scale <= tolPct/100
}
