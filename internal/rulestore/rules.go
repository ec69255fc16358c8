// Package rulestore loads and indexes per-category harvesting rules: field
// contracts, enum vocabularies, host registries, search templates, and the
// LLM route matrix.
package rulestore

import (
	"strings"

	"github.com/sells-group/specfactory/internal/model"
)

// ConflictPolicy decides how consensus treats a contested field.
type ConflictPolicy string

const (
	ConflictResolveByTier ConflictPolicy = "resolve_by_tier_else_unknown"
	ConflictPreserveAll   ConflictPolicy = "preserve_all_candidates"
	ConflictMajorityVote  ConflictPolicy = "majority_vote"
)

// Range is a numeric plausibility window for a field.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v falls inside the window.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Constraint is a cross-field ordering rule, e.g. sensor_date <= release_date.
type Constraint struct {
	Op    string `json:"op" yaml:"op"` // lte, gte, lt, gt, eq
	Other string `json:"other" yaml:"other"`
}

// FieldRule is the per-field contract for one category.
type FieldRule struct {
	Key              string                  `json:"key" yaml:"key"`
	Name             string                  `json:"name,omitempty" yaml:"name,omitempty"`
	Scope            model.RouteScope        `json:"scope" yaml:"scope"`
	DataType         string                  `json:"data_type" yaml:"data_type"` // text, number, bool, list, date
	Unit             string                  `json:"unit,omitempty" yaml:"unit,omitempty"`
	RequiredLevel    model.RequiredLevel     `json:"required_level" yaml:"required_level"`
	EnumPolicy       string                  `json:"enum_policy,omitempty" yaml:"enum_policy,omitempty"` // open or closed
	EnumOptions      []string                `json:"enum_options,omitempty" yaml:"enum_options,omitempty"`
	PassTarget       int                     `json:"pass_target,omitempty" yaml:"pass_target,omitempty"`
	InstrumentedOnly bool                    `json:"instrumented_only,omitempty" yaml:"instrumented_only,omitempty"`
	MinEvidenceRefs  int                     `json:"min_evidence_refs,omitempty" yaml:"min_evidence_refs,omitempty"`
	Availability     model.AvailabilityClass `json:"availability,omitempty" yaml:"availability,omitempty"`
	Plausible        *Range                  `json:"plausible,omitempty" yaml:"plausible,omitempty"`
	TolerancePct     float64                 `json:"tolerance_pct,omitempty" yaml:"tolerance_pct,omitempty"`
	ConflictPolicy   ConflictPolicy          `json:"conflict_policy,omitempty" yaml:"conflict_policy,omitempty"`
	Constraints      map[string]Constraint   `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Difficulty       string                  `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
	Aliases          []string                `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	GoldenExamples   []string                `json:"golden_examples,omitempty" yaml:"golden_examples,omitempty"`
	Editorial        bool                    `json:"editorial,omitempty" yaml:"editorial,omitempty"`
}

// EffectivePassTarget applies the level defaults when the rule leaves
// pass_target unset: 2 for required, 1 for expected, 3 for instrumented-only.
func (f *FieldRule) EffectivePassTarget() int {
	if f.PassTarget > 0 {
		return f.PassTarget
	}
	if f.InstrumentedOnly {
		return 3
	}
	switch f.RequiredLevel {
	case model.LevelCritical, model.LevelRequired:
		return 2
	default:
		return 1
	}
}

// ClosedEnum reports whether values outside EnumOptions are rejected.
func (f *FieldRule) ClosedEnum() bool {
	return strings.EqualFold(f.EnumPolicy, "closed") && len(f.EnumOptions) > 0
}

// AllowsEnumValue reports whether a normalized value is in the vocabulary.
// Open-enum fields allow everything.
func (f *FieldRule) AllowsEnumValue(normalized string) bool {
	if !f.ClosedEnum() {
		return true
	}
	for _, opt := range f.EnumOptions {
		if strings.EqualFold(strings.TrimSpace(opt), normalized) {
			return true
		}
	}
	return false
}

// MatchTokens returns the lowercased tokens that identify this field in page
// text: the key with separators split, the display name, and any aliases.
func (f *FieldRule) MatchTokens() []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(strings.ReplaceAll(f.Key, "_", " "))
	add(f.Name)
	for _, a := range f.Aliases {
		add(a)
	}
	return out
}

// HostRule is one approved host for a category.
type HostRule struct {
	Host      string           `json:"host" yaml:"host"`
	Tier      model.SourceTier `json:"tier" yaml:"tier"`
	Role      model.SourceRole `json:"role,omitempty" yaml:"role,omitempty"`
	Preferred bool             `json:"preferred,omitempty" yaml:"preferred,omitempty"`
	Lab       bool             `json:"lab,omitempty" yaml:"lab,omitempty"` // instrumented measurements
}

// CategoryRules is everything the engine needs to harvest one category.
type CategoryRules struct {
	Category        string            `json:"category" yaml:"category"`
	Fields          []FieldRule       `json:"fields" yaml:"fields"`
	Routes          []model.RouteRow  `json:"routes" yaml:"routes"`
	ApprovedHosts   []HostRule        `json:"approved_hosts" yaml:"approved_hosts"`
	DeniedHosts     []string          `json:"denied_hosts,omitempty" yaml:"denied_hosts,omitempty"`
	SearchTemplates []string          `json:"search_templates,omitempty" yaml:"search_templates,omitempty"`
	FetchPolicies   map[string]string `json:"fetch_policies,omitempty" yaml:"fetch_policies,omitempty"` // host -> fetch mode

	byKey  map[string]*FieldRule
	byHost map[string]*HostRule
	denied map[string]bool
}

// Index builds the lookup maps. Loaders call it once after decode; callers
// constructing rules programmatically must call it before use.
func (c *CategoryRules) Index() {
	c.byKey = make(map[string]*FieldRule, len(c.Fields))
	for i := range c.Fields {
		c.byKey[c.Fields[i].Key] = &c.Fields[i]
	}
	c.byHost = make(map[string]*HostRule, len(c.ApprovedHosts))
	for i := range c.ApprovedHosts {
		c.byHost[strings.ToLower(c.ApprovedHosts[i].Host)] = &c.ApprovedHosts[i]
	}
	c.denied = make(map[string]bool, len(c.DeniedHosts))
	for _, h := range c.DeniedHosts {
		c.denied[strings.ToLower(h)] = true
	}
}

// Field returns the rule for key, or nil.
func (c *CategoryRules) Field(key string) *FieldRule {
	return c.byKey[key]
}

// HostInfo returns the approved-host rule for host, or nil.
func (c *CategoryRules) HostInfo(host string) *HostRule {
	return c.byHost[strings.ToLower(host)]
}

// IsApprovedHost reports whether host is on the category allowlist.
func (c *CategoryRules) IsApprovedHost(host string) bool {
	return c.HostInfo(host) != nil
}

// IsDeniedHost reports whether host is blocked for the category.
func (c *CategoryRules) IsDeniedHost(host string) bool {
	return c.denied[strings.ToLower(host)]
}

// TierFor returns the host's tier, defaulting to candidate for unknown hosts.
func (c *CategoryRules) TierFor(host string) model.SourceTier {
	if h := c.HostInfo(host); h != nil {
		return h.Tier
	}
	return model.TierCandidate
}

// CriticalFields lists keys with required_level critical.
func (c *CategoryRules) CriticalFields() []string {
	var out []string
	for i := range c.Fields {
		if c.Fields[i].RequiredLevel == model.LevelCritical {
			out = append(out, c.Fields[i].Key)
		}
	}
	return out
}

// NonEditorialFields lists keys that count toward overall coverage.
func (c *CategoryRules) NonEditorialFields() []string {
	var out []string
	for i := range c.Fields {
		if !c.Fields[i].Editorial && c.Fields[i].RequiredLevel != model.LevelEditorial {
			out = append(out, c.Fields[i].Key)
		}
	}
	return out
}

// ResolveRoute picks the best route-matrix row for (scope, level): rows
// matching both keys are ranked by (effort desc, min_evidence_refs desc).
// Falls back to scope-only match, then to a conservative default.
func (c *CategoryRules) ResolveRoute(scope model.RouteScope, level model.RequiredLevel) model.RouteRow {
	var best *model.RouteRow
	better := func(r *model.RouteRow) bool {
		if best == nil {
			return true
		}
		if r.Effort != best.Effort {
			return r.Effort > best.Effort
		}
		return r.MinEvidenceRefs > best.MinEvidenceRefs
	}
	for i := range c.Routes {
		r := &c.Routes[i]
		if r.Scope == scope && r.RequiredLevel == level && better(r) {
			best = r
		}
	}
	if best == nil {
		for i := range c.Routes {
			r := &c.Routes[i]
			if r.Scope == scope && better(r) {
				best = r
			}
		}
	}
	if best != nil {
		return *best
	}
	return model.RouteRow{
		Scope:           scope,
		RequiredLevel:   level,
		Effort:          1,
		MaxTokens:       1024,
		SendPacket:      model.PacketValuesOnly,
		MinEvidenceRefs: 1,
		OnInsufficient:  model.InsufficientSkip,
	}
}
