package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprint_StableAcrossRuns(t *testing.T) {
	a := Fingerprint("weight", "63 g", MethodSpecTable, "specs.weight")
	b := Fingerprint("weight", "63 g", MethodSpecTable, "specs.weight")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestFingerprint_NormalizesValueSpelling(t *testing.T) {
	a := Fingerprint("weight", "63 G", MethodSpecTable, "specs.weight")
	b := Fingerprint("weight", "  63   g ", MethodSpecTable, "specs.weight")
	assert.Equal(t, a, b, "case and whitespace must not change the fingerprint")
}

func TestFingerprint_DistinguishesTupleParts(t *testing.T) {
	base := Fingerprint("weight", "63 g", MethodSpecTable, "specs.weight")
	assert.NotEqual(t, base, Fingerprint("dpi", "63 g", MethodSpecTable, "specs.weight"))
	assert.NotEqual(t, base, Fingerprint("weight", "64 g", MethodSpecTable, "specs.weight"))
	assert.NotEqual(t, base, Fingerprint("weight", "63 g", MethodJSONLD, "specs.weight"))
	assert.NotEqual(t, base, Fingerprint("weight", "63 g", MethodSpecTable, "other.path"))
}

func TestNewCandidate_FillsFingerprintAndBase(t *testing.T) {
	c := NewCandidate("dpi", "25600", MethodNetworkJSON, "product.dpi", "cat::p1::h::r1")
	require.NotEmpty(t, c.CandidateID)
	assert.Equal(t, c.CandidateID, Fingerprint("dpi", "25600", MethodNetworkJSON, "product.dpi"))
	assert.InDelta(t, 0.96, c.ConfidenceBase, 1e-9)
	assert.True(t, c.TargetMatchPassed)
}

func TestIsUnknownValue_Spellings(t *testing.T) {
	for _, v := range []any{nil, "", "unk", "UNK", " Unknown ", "n/a", "NA", "-", "tbd", "null", []any{}, []string{}} {
		assert.True(t, IsUnknownValue(v), "value %#v should be unknown", v)
	}
	for _, v := range []any{"63 g", 0, false, "0", []any{"a"}} {
		assert.False(t, IsUnknownValue(v), "value %#v should be actionable", v)
	}
}

func TestNormalizeValue_Shapes(t *testing.T) {
	assert.Equal(t, "63 g", NormalizeValue(" 63  G "))
	assert.Equal(t, "25600", NormalizeValue(float64(25600)))
	assert.Equal(t, "true", NormalizeValue(true))
	assert.Equal(t, "a|b c", NormalizeValue([]any{"A", " b  C "}))
	assert.Equal(t, "conn=wireless;kind=mouse", NormalizeValue(map[string]any{"kind": "Mouse", "conn": "Wireless"}))
}

func TestMethodBases_PriorityOrder(t *testing.T) {
	order := []ExtractionMethod{
		MethodNetworkJSON, MethodEmbeddedState, MethodJSONLD, MethodMicrodata,
		MethodSpecTable, MethodOpenGraph, MethodRDFa, MethodArticleWindow,
		MethodLLMExtract, MethodHelperSupportive,
	}
	for i := 1; i < len(order); i++ {
		assert.GreaterOrEqual(t, order[i-1].ConfidenceBase(), order[i].ConfidenceBase(),
			"%s should not rank below %s", order[i-1], order[i])
	}
}
