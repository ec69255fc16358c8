package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/specfactory/internal/model"
)

func TestResolvePicksHighestEffortRow(t *testing.T) {
	r := NewRouter(testLLMRules(), testAI())

	dec, err := r.Resolve("weight", nil)
	require.NoError(t, err)

	// Two scalar/critical rows exist; effort 3 must win over effort 1.
	assert.Equal(t, 2048, dec.MaxTokens)
	assert.Equal(t, []string{"claude-haiku-4-5-20251001", "claude-sonnet-4-5-20250929"}, dec.ModelLadder)
	assert.Equal(t, model.ScopeScalar, dec.Scope)
	assert.Equal(t, model.PacketValuesOnly, dec.SendPacket)
}

func TestResolveMergesMinRefs(t *testing.T) {
	r := NewRouter(testLLMRules(), testAI())

	// Row says 1, the field rule says 2: the stricter wins.
	dec, err := r.Resolve("weight", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, dec.MinEvidenceRefs)

	// A need row can tighten further.
	need := &model.Need{Field: "weight", MinEvidenceRefs: 3}
	dec, err = r.Resolve("weight", need)
	require.NoError(t, err)
	assert.Equal(t, 3, dec.MinEvidenceRefs)
}

func TestResolveForceHighAppendsTopModel(t *testing.T) {
	r := NewRouter(testLLMRules(), testAI())

	dec, err := r.Resolve("sensor", &model.Need{Field: "sensor", ForceHigh: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"claude-sonnet-4-5-20250929", "claude-opus-4-1-20250805"}, dec.ModelLadder)
	assert.True(t, dec.Essential)
}

func TestResolveEssentialLevels(t *testing.T) {
	r := NewRouter(testLLMRules(), testAI())

	weight, err := r.Resolve("weight", nil)
	require.NoError(t, err)
	assert.True(t, weight.Essential, "critical fields are essential")

	sensor, err := r.Resolve("sensor", nil)
	require.NoError(t, err)
	assert.False(t, sensor.Essential)
}

func TestResolveFallbackRoute(t *testing.T) {
	r := NewRouter(testLLMRules(), testAI())

	// No list-scope route exists; the matrix falls back to a default row
	// and the ladder falls back to haiku then sonnet.
	dec, err := r.Resolve("connectivity", nil)
	require.NoError(t, err)
	assert.Equal(t, model.ScopeList, dec.Scope)
	assert.Equal(t, 1024, dec.MaxTokens)
	assert.Equal(t, []string{"claude-haiku-4-5-20251001", "claude-sonnet-4-5-20250929"}, dec.ModelLadder)
	assert.Equal(t, model.InsufficientSkip, dec.OnInsufficient)
}

func TestResolveUnknownField(t *testing.T) {
	r := NewRouter(testLLMRules(), testAI())

	_, err := r.Resolve("nonexistent", nil)
	assert.Error(t, err)
}

func TestModelAndHighTier(t *testing.T) {
	r := NewRouter(testLLMRules(), testAI())

	assert.Equal(t, "claude-opus-4-1-20250805", r.Model("opus"))
	assert.Equal(t, "some-custom-model", r.Model("some-custom-model"))
	assert.True(t, r.HighTier("claude-opus-4-1-20250805"))
	assert.False(t, r.HighTier("claude-haiku-4-5-20251001"))
	assert.False(t, r.HighTier(""))
}
