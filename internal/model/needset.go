package model

// AvailabilityClass is a field's historic fill-rate class. It drives effort
// allocation and unknown-reason labeling.
type AvailabilityClass string

const (
	AvailabilityExpected  AvailabilityClass = "expected"
	AvailabilitySometimes AvailabilityClass = "sometimes"
	AvailabilityRare      AvailabilityClass = "rare"
)

// DeficitReason explains why a field is in the needset.
type DeficitReason string

const (
	DeficitMissing             DeficitReason = "missing"
	DeficitBelowPassTarget     DeficitReason = "below_pass_target"
	DeficitBelowMinEvidence    DeficitReason = "below_min_evidence"
	DeficitConflictingSources  DeficitReason = "conflicting_sources"
	DeficitConstraintViolation DeficitReason = "constraint_violation"
)

// UnknownReason is the final label for why a field stayed unk.
type UnknownReason string

const (
	UnknownNotFoundAfterSearch  UnknownReason = "not_found_after_search"
	UnknownNotPubliclyDisclosed UnknownReason = "not_publicly_disclosed"
	UnknownConflictUnresolved   UnknownReason = "conflicting_sources_unresolved"
	UnknownIdentityAmbiguous    UnknownReason = "identity_ambiguous"
	UnknownBlockedByRobots      UnknownReason = "blocked_by_robots_or_tos"
	UnknownParseFailure         UnknownReason = "parse_failure"
	UnknownBudgetExhausted      UnknownReason = "budget_exhausted"
)

// Need is one field still requiring work after a round.
type Need struct {
	Field             string            `json:"field"`
	RequiredLevel     RequiredLevel     `json:"required_level"`
	AvailabilityClass AvailabilityClass `json:"availability_class"`
	DeficitReason     DeficitReason     `json:"deficit_reason"`
	TierPreference    []SourceTier      `json:"tier_preference,omitempty"`
	MinEvidenceRefs   int               `json:"min_evidence_refs"`
	ForceHigh         bool              `json:"force_high"`
}

// RequiredLevel ranks how much a field matters for validation.
type RequiredLevel string

const (
	LevelCritical  RequiredLevel = "critical"
	LevelRequired  RequiredLevel = "required"
	LevelExpected  RequiredLevel = "expected"
	LevelEditorial RequiredLevel = "editorial"
)

// NeedSet is the per-round derivation of outstanding field work.
type NeedSet struct {
	Round int    `json:"round"`
	Needs []Need `json:"needs"`
}

// Fields lists the deficient field keys in order.
func (n *NeedSet) Fields() []string {
	out := make([]string, 0, len(n.Needs))
	for _, need := range n.Needs {
		out = append(out, need.Field)
	}
	return out
}

// ByField returns the need row for a field, or nil.
func (n *NeedSet) ByField(field string) *Need {
	for i := range n.Needs {
		if n.Needs[i].Field == field {
			return &n.Needs[i]
		}
	}
	return nil
}

// Empty reports whether nothing needs work.
func (n *NeedSet) Empty() bool {
	return len(n.Needs) == 0
}
