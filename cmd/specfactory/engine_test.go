package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/storage"
)

func TestParseProductKey(t *testing.T) {
	cat, pid, err := parseProductKey("gaming-mice/acme-vortex-2")
	require.NoError(t, err)
	assert.Equal(t, "gaming-mice", cat)
	assert.Equal(t, "acme-vortex-2", pid)

	for _, bad := range []string{"", "gaming-mice", "/acme", "gaming-mice/"} {
		_, _, err := parseProductKey(bad)
		assert.Error(t, err, "key %q should be rejected", bad)
	}
}

func TestParseProductKeySlashInProductID(t *testing.T) {
	// Only the first slash splits; the rest belongs to the product id.
	cat, pid, err := parseProductKey("keyboards/brand/odd-model")
	require.NoError(t, err)
	assert.Equal(t, "keyboards", cat)
	assert.Equal(t, "brand/odd-model", pid)
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"fast", "balanced", "aggressive"} {
		m, err := parseMode(s)
		require.NoError(t, err)
		assert.Equal(t, model.RunMode(s), m)
	}

	_, err := parseMode("turbo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turbo")
}

func TestLoadJob(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	keys := storage.Keys{InputPrefix: "inputs", OutputPrefix: "outputs"}

	want := model.ProductJob{
		ProductID: "acme-vortex-2",
		Category:  "gaming-mice",
		IdentityLock: model.IdentityLock{
			Brand: "Acme",
			Model: "Vortex 2",
		},
		Requirements: model.Requirements{
			RequiredFields:     []string{"weight"},
			TargetCompleteness: 0.9,
			TargetConfidence:   0.6,
		},
	}
	require.NoError(t, storage.PutJSON(ctx, blobs, keys.InputJob("gaming-mice", "acme-vortex-2"), want))

	job, err := loadJob(ctx, blobs, keys, "gaming-mice/acme-vortex-2")
	require.NoError(t, err)
	assert.Equal(t, want, *job)
}

func TestLoadJobMissing(t *testing.T) {
	ctx := context.Background()
	blobs, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	keys := storage.Keys{InputPrefix: "inputs", OutputPrefix: "outputs"}

	_, err = loadJob(ctx, blobs, keys, "gaming-mice/nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gaming-mice/nope")
}
