package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validJob() ProductJob {
	return ProductJob{
		ProductID: "logitech-g-pro-x-superlight",
		Category:  "mice",
		IdentityLock: IdentityLock{
			Brand: "Logitech G",
			Model: "Pro X Superlight",
		},
		Requirements: Requirements{
			RequiredFields:     []string{"weight", "dpi", "polling_rate"},
			TargetCompleteness: 0.9,
			TargetConfidence:   0.8,
		},
	}
}

func TestProductJob_Validate(t *testing.T) {
	j := validJob()
	require.NoError(t, j.Validate())

	missing := validJob()
	missing.ProductID = " "
	assert.Error(t, missing.Validate())

	noBrand := validJob()
	noBrand.IdentityLock.Brand = ""
	assert.Error(t, noBrand.Validate())

	badTarget := validJob()
	badTarget.Requirements.TargetConfidence = 1.5
	assert.Error(t, badTarget.Validate())
}

func TestProductJob_IsRequired(t *testing.T) {
	j := validJob()
	assert.True(t, j.IsRequired("weight"))
	assert.False(t, j.IsRequired("cable_length"))
}

func TestIdentityLock_FullyLocked(t *testing.T) {
	l := IdentityLock{Brand: "Razer", Model: "Basilisk V3 Pro"}
	assert.False(t, l.FullyLocked())
	l.Variant = "White"
	assert.True(t, l.FullyLocked())
}

func TestRunMode_MaxRounds(t *testing.T) {
	assert.Equal(t, 1, RunModeFast.MaxRounds())
	assert.Equal(t, 4, RunModeBalanced.MaxRounds())
	assert.Equal(t, 8, RunModeAggressive.MaxRounds())
	assert.Equal(t, 4, RunMode("").MaxRounds())
}
