package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// RunMode selects how hard a run pushes before giving up.
type RunMode string

const (
	RunModeFast       RunMode = "fast"       // single round, tier 1+2 only
	RunModeBalanced   RunMode = "balanced"   // up to 4 rounds
	RunModeAggressive RunMode = "aggressive" // up to 8 rounds, websearch unlocked
)

// MaxRounds returns the round cap for the mode.
func (m RunMode) MaxRounds() int {
	switch m {
	case RunModeFast:
		return 1
	case RunModeAggressive:
		return 8
	default:
		return 4
	}
}

// IdentityLock is the product identity tuple the run is locked to.
// Brand and model are mandatory; the rest tighten matching when present.
type IdentityLock struct {
	Brand   string `json:"brand"`
	Model   string `json:"model"`
	Variant string `json:"variant,omitempty"`
	SKU     string `json:"sku,omitempty"`
	MPN     string `json:"mpn,omitempty"`
	GTIN    string `json:"gtin,omitempty"`
}

// FullyLocked reports whether the lock pins more than brand+model.
func (l IdentityLock) FullyLocked() bool {
	return l.Brand != "" && l.Model != "" && (l.Variant != "" || l.SKU != "" || l.MPN != "" || l.GTIN != "")
}

// Requirements are the completion targets for a run.
type Requirements struct {
	RequiredFields     []string `json:"required_fields"`
	TargetCompleteness float64  `json:"target_completeness"`
	TargetConfidence   float64  `json:"target_confidence"`
	LLMTargetFields    []string `json:"llm_target_fields,omitempty"`
}

// ProductJob is the identity-locking input record for one product run.
// Immutable once the run starts.
type ProductJob struct {
	ProductID    string            `json:"product_id"`
	Category     string            `json:"category"`
	IdentityLock IdentityLock      `json:"identity_lock"`
	Anchors      map[string]string `json:"anchors,omitempty"`
	Requirements Requirements      `json:"requirements"`
	SeedURLs     []string          `json:"seed_urls,omitempty"`
}

// Validate checks the job for the minimum viable inputs.
func (j *ProductJob) Validate() error {
	if strings.TrimSpace(j.ProductID) == "" {
		return eris.New("model: job missing product_id")
	}
	if strings.TrimSpace(j.Category) == "" {
		return eris.New("model: job missing category")
	}
	if strings.TrimSpace(j.IdentityLock.Brand) == "" || strings.TrimSpace(j.IdentityLock.Model) == "" {
		return eris.New("model: identity_lock requires brand and model")
	}
	if j.Requirements.TargetCompleteness < 0 || j.Requirements.TargetCompleteness > 1 {
		return eris.Errorf("model: target_completeness %.2f out of [0,1]", j.Requirements.TargetCompleteness)
	}
	if j.Requirements.TargetConfidence < 0 || j.Requirements.TargetConfidence > 1 {
		return eris.Errorf("model: target_confidence %.2f out of [0,1]", j.Requirements.TargetConfidence)
	}
	return nil
}

// IsRequired reports whether the field key is in the required set.
func (j *ProductJob) IsRequired(field string) bool {
	for _, f := range j.Requirements.RequiredFields {
		if f == field {
			return true
		}
	}
	return false
}
