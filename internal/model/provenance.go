package model

// EvidenceRow is one supporting observation inside field provenance.
type EvidenceRow struct {
	URL        string           `json:"url"`
	Host       string           `json:"host"`
	RootDomain string           `json:"root_domain"`
	Tier       SourceTier       `json:"tier"`
	Method     ExtractionMethod `json:"method"`
	KeyPath    string           `json:"key_path,omitempty"`
	SnippetID  string           `json:"snippet_id,omitempty"`
}

// FieldProvenance is the per-field audit record assembled by consensus.
// approved_confirmations never exceeds confirmations, and meets_pass_target
// holds exactly when approved_confirmations reaches pass_target.
type FieldProvenance struct {
	Value                 any           `json:"value"`
	Confirmations         int           `json:"confirmations"`
	ApprovedConfirmations int           `json:"approved_confirmations"`
	PassTarget            int           `json:"pass_target"`
	MeetsPassTarget       bool          `json:"meets_pass_target"`
	Confidence            float64       `json:"confidence"`
	Evidence              []EvidenceRow `json:"evidence"`
	ConflictHold          bool          `json:"conflict_policy_hold,omitempty"`
}

// FieldReasoning collects the reason codes attached to a field this run.
type FieldReasoning struct {
	Reasons       []string      `json:"reasons,omitempty"`
	UnknownReason UnknownReason `json:"unknown_reason,omitempty"`
	Dropped       []Candidate   `json:"dropped,omitempty"`
}

// RecordSummary is the user-visible gate summary for a run.
type RecordSummary struct {
	Validated                 bool          `json:"validated"`
	ValidatedReason           []string      `json:"validated_reason,omitempty"`
	CompletenessRequired      float64       `json:"completeness_required"`
	CoverageOverall           float64       `json:"coverage_overall"`
	Confidence                float64       `json:"confidence"`
	IdentityConfidence        float64       `json:"identity_confidence"`
	IdentityGate              IdentityState `json:"identity_gate"`
	CriticalFieldsBelowTarget []string      `json:"critical_fields_below_pass_target,omitempty"`
	AnchorConflicts           int           `json:"anchor_conflicts"`
	DanglingSnippetRefCount   int           `json:"dangling_snippet_ref_count,omitempty"`
	EnumViolations            int           `json:"enum_violations,omitempty"`
	ConstraintConflicts       []string      `json:"constraint_conflicts,omitempty"`
}

// SpecRecord is the normalized output of a run: fields plus per-field
// provenance and reasoning, with the gate summary.
type SpecRecord struct {
	Category   string                     `json:"category"`
	ProductID  string                     `json:"product_id"`
	RunID      string                     `json:"run_id"`
	Fields     map[string]any             `json:"fields"`
	Provenance map[string]FieldProvenance `json:"provenance"`
	Reasoning  map[string]FieldReasoning  `json:"field_reasoning,omitempty"`
	Summary    RecordSummary              `json:"summary"`
}
