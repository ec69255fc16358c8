package rulestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/specfactory/internal/model"
)

const miceYAML = `
category: mice
fields:
  - key: weight
    scope: scalar
    data_type: number
    unit: g
    required_level: required
    plausible: {min: 20, max: 250}
    tolerance_pct: 0.5
  - key: connection
    scope: scalar
    data_type: text
    required_level: critical
    enum_policy: closed
    enum_options: [wireless, wired, dual]
    conflict_policy: resolve_by_tier_else_unknown
routes:
  - scope: scalar
    required_level: required
    effort: 2
    model_ladder: [haiku, sonnet]
    max_tokens: 2048
    send_packet: values_only
    min_evidence_refs_required: 2
    insufficient_evidence_action: skip
approved_hosts:
  - host: logitechg.com
    tier: 1
    role: product_page
    preferred: true
  - host: rtings.com
    tier: 2
    lab: true
denied_hosts: [pinterest.com]
search_templates:
  - "{brand} {model} {field_name} specs"
`

func writeRules(t *testing.T, dir, category, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, category+".yaml"), []byte(content), 0644))
}

func TestFileStore_Category(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "mice", miceYAML)

	store := NewFileStore(dir)
	rules, err := store.Category(context.Background(), "mice")
	require.NoError(t, err)

	assert.Equal(t, "mice", rules.Category)
	require.NotNil(t, rules.Field("weight"))
	assert.Equal(t, "g", rules.Field("weight").Unit)
	require.NotNil(t, rules.Field("weight").Plausible)
	assert.InDelta(t, 250, rules.Field("weight").Plausible.Max, 0.001)
	assert.Equal(t, ConflictResolveByTier, rules.Field("connection").ConflictPolicy)
	assert.True(t, rules.IsApprovedHost("rtings.com"))
	assert.True(t, rules.IsDeniedHost("pinterest.com"))
	assert.Len(t, rules.SearchTemplates, 1)

	route := rules.ResolveRoute(model.ScopeScalar, model.LevelRequired)
	assert.Equal(t, []string{"haiku", "sonnet"}, route.ModelLadder)
	assert.Equal(t, 2, route.MinEvidenceRefs)
}

func TestFileStore_MissingCategory(t *testing.T) {
	store := NewFileStore(t.TempDir())
	_, err := store.Category(context.Background(), "keyboards")
	assert.Error(t, err)
}

func TestFileStore_NoFields(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "empty", "category: empty\nfields: []\n")

	store := NewFileStore(dir)
	_, err := store.Category(context.Background(), "empty")
	assert.Error(t, err)
}

// countingStore wraps FileStore and counts loads for cache tests.
type countingStore struct {
	inner Store
	calls int
}

func (s *countingStore) Category(ctx context.Context, category string) (*CategoryRules, error) {
	s.calls++
	return s.inner.Category(ctx, category)
}

func TestCachedStore_ServesFromCacheWithinTTL(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "mice", miceYAML)

	counting := &countingStore{inner: NewFileStore(dir)}
	cached := NewCachedStore(counting, time.Minute)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		rules, err := cached.Category(ctx, "mice")
		require.NoError(t, err)
		assert.Equal(t, "mice", rules.Category)
	}
	assert.Equal(t, 1, counting.calls)
}

func TestCachedStore_RefreshesAfterTTL(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "mice", miceYAML)

	counting := &countingStore{inner: NewFileStore(dir)}
	cached := NewCachedStore(counting, 45*time.Second)

	now := time.Now()
	cached.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := cached.Category(ctx, "mice")
	require.NoError(t, err)

	now = now.Add(46 * time.Second)
	_, err = cached.Category(ctx, "mice")
	require.NoError(t, err)
	assert.Equal(t, 2, counting.calls)
}

func TestCachedStore_FallsBackToStaleOnError(t *testing.T) {
	dir := t.TempDir()
	writeRules(t, dir, "mice", miceYAML)

	counting := &countingStore{inner: NewFileStore(dir)}
	cached := NewCachedStore(counting, 45*time.Second)
	now := time.Now()
	cached.now = func() time.Time { return now }

	ctx := context.Background()
	_, err := cached.Category(ctx, "mice")
	require.NoError(t, err)

	// Break the backing file, then expire the cache.
	require.NoError(t, os.Remove(filepath.Join(dir, "mice.yaml")))
	now = now.Add(time.Minute)

	rules, err := cached.Category(ctx, "mice")
	require.NoError(t, err, "stale rules are better than none")
	assert.Equal(t, "mice", rules.Category)
}
