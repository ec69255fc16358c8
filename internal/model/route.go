package model

// RouteScope is the shape of LLM work a route matrix row covers.
type RouteScope string

const (
	ScopeScalar    RouteScope = "scalar"
	ScopeComponent RouteScope = "component"
	ScopeList      RouteScope = "list"
)

// SendPacket selects how much context a route ships to the model.
type SendPacket string

const (
	PacketValuesOnly      SendPacket = "values_only"
	PacketValuesPlusPrime SendPacket = "values_plus_prime_sources"
)

// InsufficientEvidenceAction is what a route does when the pack cannot
// satisfy its minimum evidence requirement.
type InsufficientEvidenceAction string

const (
	InsufficientSkip      InsufficientEvidenceAction = "skip"
	InsufficientDowngrade InsufficientEvidenceAction = "downgrade"
	InsufficientProceed   InsufficientEvidenceAction = "proceed"
)

// RouteRow is one row of the per-category route matrix.
type RouteRow struct {
	Scope           RouteScope                 `json:"scope" yaml:"scope"`
	RequiredLevel   RequiredLevel              `json:"required_level" yaml:"required_level"`
	Difficulty      string                     `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
	Availability    AvailabilityClass          `json:"availability,omitempty" yaml:"availability,omitempty"`
	Effort          int                        `json:"effort" yaml:"effort"`
	ModelLadder     []string                   `json:"model_ladder" yaml:"model_ladder"`
	AllSourceData   bool                       `json:"all_source_data" yaml:"all_source_data"`
	EnableWebsearch bool                       `json:"enable_websearch" yaml:"enable_websearch"`
	MaxTokens       int                        `json:"max_tokens" yaml:"max_tokens"`
	SendPacket      SendPacket                 `json:"send_packet" yaml:"send_packet"`
	MinEvidenceRefs int                        `json:"min_evidence_refs_required" yaml:"min_evidence_refs_required"`
	OnInsufficient  InsufficientEvidenceAction `json:"insufficient_evidence_action" yaml:"insufficient_evidence_action"`
}

// RouteDecision is the resolved policy for one (field, scope) LLM task.
type RouteDecision struct {
	Field           string                     `json:"field"`
	Scope           RouteScope                 `json:"scope"`
	ModelLadder     []string                   `json:"model_ladder"`
	AllSourceData   bool                       `json:"all_source_data"`
	EnableWebsearch bool                       `json:"enable_websearch"`
	MaxTokens       int                        `json:"max_tokens"`
	SendPacket      SendPacket                 `json:"send_packet"`
	MinEvidenceRefs int                        `json:"min_evidence_refs_required"`
	OnInsufficient  InsufficientEvidenceAction `json:"insufficient_evidence_action"`
	Essential       bool                       `json:"essential"`
}
