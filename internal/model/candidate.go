package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// ExtractionMethod identifies which surface produced a candidate.
type ExtractionMethod string

const (
	MethodNetworkJSON      ExtractionMethod = "network_json"
	MethodAdapterAPI       ExtractionMethod = "adapter_api"
	MethodEmbeddedState    ExtractionMethod = "embedded_state"
	MethodJSONLD           ExtractionMethod = "json_ld"
	MethodMicrodata        ExtractionMethod = "microdata"
	MethodOpenGraph        ExtractionMethod = "open_graph"
	MethodRDFa             ExtractionMethod = "rdfa"
	MethodSpecTable        ExtractionMethod = "spec_table"
	MethodPDFTable         ExtractionMethod = "pdf_table"
	MethodPDFKV            ExtractionMethod = "pdf_kv"
	MethodArticleWindow    ExtractionMethod = "article_window"
	MethodLLMExtract       ExtractionMethod = "llm_extract"
	MethodHelperSupportive ExtractionMethod = "helper_supportive"
)

// methodBases are the extraction-surface confidence bases. Static DOM shapes
// span 0.75-0.85; spec_table sits at the top of that band, article windows at
// the bottom.
var methodBases = map[ExtractionMethod]float64{
	MethodNetworkJSON:      0.96,
	MethodAdapterAPI:       0.96,
	MethodEmbeddedState:    0.93,
	MethodJSONLD:           0.90,
	MethodMicrodata:        0.88,
	MethodOpenGraph:        0.80,
	MethodRDFa:             0.78,
	MethodSpecTable:        0.85,
	MethodPDFTable:         0.84,
	MethodPDFKV:            0.82,
	MethodArticleWindow:    0.75,
	MethodLLMExtract:       0.70,
	MethodHelperSupportive: 0.60,
}

// ConfidenceBase returns the method's confidence base (0.5 for unknown methods).
func (m ExtractionMethod) ConfidenceBase() float64 {
	if b, ok := methodBases[m]; ok {
		return b
	}
	return 0.5
}

// Deterministic reports whether the method runs without an LLM.
func (m ExtractionMethod) Deterministic() bool {
	return m != MethodLLMExtract
}

// DropReason explains why a candidate was rejected before consensus.
type DropReason string

const (
	DropUnknownValue        DropReason = "unknown_value"
	DropShapeMismatchArray  DropReason = "shape_mismatch_scalar_array"
	DropShapeMismatchObject DropReason = "shape_mismatch_scalar_object"
	DropEnumNotAllowed      DropReason = "enum_value_not_allowed"
	DropAnchorConflict      DropReason = "anchor_conflict"
	DropTargetMismatch      DropReason = "target_product_mismatch"
	DropDanglingSnippetRef  DropReason = "dangling_snippet_ref"
	DropInsufficientRefs    DropReason = "insufficient_evidence_refs"
)

// Candidate is one (field, value) observation extracted from one source.
type Candidate struct {
	CandidateID    string           `json:"candidate_id"`
	Field          string           `json:"field"`
	Value          any              `json:"value"`
	Method         ExtractionMethod `json:"method"`
	KeyPath        string           `json:"key_path,omitempty"`
	ConfidenceBase float64          `json:"confidence_base"`
	EvidenceRefs   []string         `json:"evidence_refs,omitempty"`
	SourceID       string           `json:"source_id"`

	// Multi-product gate tags, set when the page held several products.
	PageProductClusterID string  `json:"page_product_cluster_id,omitempty"`
	TargetMatchScore     float64 `json:"target_match_score,omitempty"`
	TargetMatchPassed    bool    `json:"target_match_passed"`

	// OCR provenance for scanned-PDF rows.
	OCRConfidence float64 `json:"ocr_confidence,omitempty"`
	LowConfidence bool    `json:"low_confidence,omitempty"`

	DropReason DropReason `json:"drop_reason,omitempty"`
}

// NewCandidate builds a candidate with its deterministic fingerprint and
// method confidence base filled in.
func NewCandidate(field string, value any, method ExtractionMethod, keyPath, sourceID string) Candidate {
	return Candidate{
		CandidateID:       Fingerprint(field, value, method, keyPath),
		Field:             field,
		Value:             value,
		Method:            method,
		KeyPath:           keyPath,
		ConfidenceBase:    method.ConfidenceBase(),
		SourceID:          sourceID,
		TargetMatchPassed: true,
	}
}

// Unknown reports whether the candidate's value is the unk sentinel
// (or an equivalent spelling). Unknown candidates are never actionable.
func (c Candidate) Unknown() bool {
	return IsUnknownValue(c.Value)
}

// unkSpellings are the value spellings treated as "no value".
var unkSpellings = map[string]bool{
	"":        true,
	"unk":     true,
	"unknown": true,
	"n/a":     true,
	"na":      true,
	"-":       true,
	"—":       true,
	"tbd":     true,
	"null":    true,
	"none":    true,
}

// UnknownSentinel is the canonical unk value written into fields maps.
const UnknownSentinel = "unk"

// IsUnknownValue reports whether v is the unk sentinel in any spelling.
func IsUnknownValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return unkSpellings[strings.ToLower(strings.TrimSpace(t))]
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

// NormalizeValue renders v in the canonical comparison form: lowercased,
// whitespace-collapsed, lists joined in first-seen order.
func NormalizeValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return collapseSpace(strings.ToLower(t))
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case []string:
		parts := make([]string, 0, len(t))
		for _, s := range t {
			parts = append(parts, collapseSpace(strings.ToLower(s)))
		}
		return strings.Join(parts, "|")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, NormalizeValue(e))
		}
		return strings.Join(parts, "|")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", strings.ToLower(k), NormalizeValue(t[k])))
		}
		return strings.Join(parts, ";")
	default:
		return collapseSpace(strings.ToLower(fmt.Sprint(t)))
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint computes the stable candidate identifier from the observation
// tuple. Identical observations fingerprint identically across runs: the
// tuple is serialized as RFC 8785 canonical JSON and hashed.
func Fingerprint(field string, value any, method ExtractionMethod, keyPath string) string {
	payload := map[string]string{
		"field":    field,
		"value":    NormalizeValue(value),
		"method":   string(method),
		"key_path": keyPath,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// Map of strings cannot fail to marshal; keep the fallback total anyway.
		raw = []byte(field + "|" + NormalizeValue(value) + "|" + string(method) + "|" + keyPath)
	}
	if canonical, err := jcs.Transform(raw); err == nil {
		raw = canonical
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}
