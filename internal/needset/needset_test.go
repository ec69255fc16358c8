package needset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/specfactory/internal/consensus"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

func testRules() *rulestore.CategoryRules {
	c := &rulestore.CategoryRules{
		Category: "gaming-mice",
		Fields: []rulestore.FieldRule{
			{Key: "weight", Scope: model.ScopeScalar, DataType: "number", Unit: "g", RequiredLevel: model.LevelCritical, MinEvidenceRefs: 2, Availability: model.AvailabilityExpected},
			{Key: "sensor", Scope: model.ScopeComponent, DataType: "text", RequiredLevel: model.LevelRequired, Availability: model.AvailabilityExpected},
			{Key: "dpi", Name: "max DPI", Scope: model.ScopeScalar, DataType: "number", RequiredLevel: model.LevelExpected},
			{Key: "polling_jitter", Scope: model.ScopeScalar, DataType: "number", RequiredLevel: model.LevelExpected, Availability: model.AvailabilityRare},
			{Key: "notes", Scope: model.ScopeScalar, DataType: "text", RequiredLevel: model.LevelEditorial},
		},
		SearchTemplates: []string{
			"{brand} {model} specs",
			"{brand} {model} {field_name} spec",
			"{brand} {model} review",
		},
	}
	c.Index()
	return c
}

func testJob() *model.ProductJob {
	return &model.ProductJob{
		ProductID: "vortex-2",
		Category:  "gaming-mice",
		IdentityLock: model.IdentityLock{
			Brand: "Acme",
			Model: "Vortex 2",
		},
	}
}

func testResolution() *consensus.Result {
	return &consensus.Result{
		Fields: map[string]any{
			"weight":         "59 g",
			"sensor":         model.UnknownSentinel,
			"dpi":            "26000",
			"polling_jitter": model.UnknownSentinel,
			"notes":          model.UnknownSentinel,
		},
		Provenance: map[string]model.FieldProvenance{
			"weight":         {Value: "59 g", MeetsPassTarget: true, Confidence: 0.9, PassTarget: 2},
			"sensor":         {Value: model.UnknownSentinel, PassTarget: 2},
			"dpi":            {Value: "26000", MeetsPassTarget: false, Confidence: 0.6, PassTarget: 2},
			"polling_jitter": {Value: model.UnknownSentinel, PassTarget: 1},
			"notes":          {Value: model.UnknownSentinel, PassTarget: 1},
		},
		Reasoning: map[string]model.FieldReasoning{},
	}
}

func TestDeriveClassifiesDeficits(t *testing.T) {
	ns := NewDeriver(testRules()).Derive(1, testResolution())

	require.Equal(t, []string{"sensor", "dpi", "polling_jitter"}, ns.Fields(),
		"level rank then key order; satisfied and editorial fields stay out")

	sensor := ns.ByField("sensor")
	assert.Equal(t, model.DeficitMissing, sensor.DeficitReason)
	assert.Equal(t, model.LevelRequired, sensor.RequiredLevel)
	assert.Equal(t, model.AvailabilityExpected, sensor.AvailabilityClass)
	assert.Equal(t, []model.SourceTier{model.TierManufacturer, model.TierLabDatabase, model.TierRetailer}, sensor.TierPreference)
	assert.False(t, sensor.ForceHigh)

	dpi := ns.ByField("dpi")
	assert.Equal(t, model.DeficitBelowPassTarget, dpi.DeficitReason)
	assert.Equal(t, model.AvailabilityExpected, dpi.AvailabilityClass, "missing availability defaults to expected")

	jitter := ns.ByField("polling_jitter")
	assert.Equal(t, model.DeficitMissing, jitter.DeficitReason)
	assert.Equal(t, model.AvailabilityRare, jitter.AvailabilityClass)
	assert.Equal(t, []model.SourceTier{model.TierLabDatabase, model.TierManufacturer}, jitter.TierPreference,
		"rare fields look to labs first")

	assert.Nil(t, ns.ByField("notes"))
	assert.Nil(t, ns.ByField("weight"))
}

func TestDeriveConflictAndConstraintDeficits(t *testing.T) {
	res := testResolution()
	res.Fields["weight"] = model.UnknownSentinel
	res.Provenance["weight"] = model.FieldProvenance{Value: model.UnknownSentinel, PassTarget: 2}
	res.Reasoning["weight"] = model.FieldReasoning{
		Reasons:       []string{string(model.UnknownConflictUnresolved)},
		UnknownReason: model.UnknownConflictUnresolved,
	}
	res.Reasoning["dpi"] = model.FieldReasoning{Reasons: []string{"constraint_conflict"}}

	ns := NewDeriver(testRules()).Derive(2, res)

	weight := ns.ByField("weight")
	require.NotNil(t, weight)
	assert.Equal(t, model.DeficitConflictingSources, weight.DeficitReason)
	assert.Equal(t, []model.SourceTier{model.TierManufacturer, model.TierLabDatabase}, weight.TierPreference)
	assert.True(t, weight.ForceHigh, "critical deficits escalate from round 2")
	assert.Equal(t, 2, weight.MinEvidenceRefs)

	assert.Equal(t, model.DeficitConstraintViolation, ns.ByField("dpi").DeficitReason)
}

func TestDeriveConflictHoldAndMinEvidence(t *testing.T) {
	res := testResolution()
	res.Provenance["dpi"] = model.FieldProvenance{Value: "26000", MeetsPassTarget: true, ConflictHold: true}
	res.Reasoning["sensor"] = model.FieldReasoning{Reasons: []string{"below_min_evidence"}}

	ns := NewDeriver(testRules()).Derive(0, res)

	assert.Equal(t, model.DeficitConflictingSources, ns.ByField("dpi").DeficitReason)
	assert.Equal(t, model.DeficitBelowMinEvidence, ns.ByField("sensor").DeficitReason)
	assert.False(t, ns.ByField("sensor").ForceHigh, "no escalation before round 2")
}

func TestAssignUnknownReasonsIdentity(t *testing.T) {
	reasons := AssignUnknownReasons(testResolution(), testRules(), ReasonContext{IdentityLocked: false})

	assert.Equal(t, model.UnknownIdentityAmbiguous, reasons["sensor"])
	assert.Equal(t, model.UnknownIdentityAmbiguous, reasons["polling_jitter"])
	_, filled := reasons["weight"]
	assert.False(t, filled, "filled fields are not labeled")
}

func TestAssignUnknownReasonsConflictPreserved(t *testing.T) {
	res := testResolution()
	res.Reasoning["sensor"] = model.FieldReasoning{UnknownReason: model.UnknownConflictUnresolved}

	reasons := AssignUnknownReasons(res, testRules(), ReasonContext{
		IdentityLocked: true,
		Effort:         EffortStats{SourcesExamined: 20},
	})
	assert.Equal(t, model.UnknownConflictUnresolved, reasons["sensor"])
}

func TestAssignUnknownReasonsAccessFailures(t *testing.T) {
	reasons := AssignUnknownReasons(testResolution(), testRules(), ReasonContext{
		IdentityLocked: true,
		Effort:         EffortStats{BlockedSources: 3},
	})
	assert.Equal(t, model.UnknownBlockedByRobots, reasons["sensor"])

	reasons = AssignUnknownReasons(testResolution(), testRules(), ReasonContext{
		IdentityLocked: true,
		Effort:         EffortStats{FailedParses: 2},
	})
	assert.Equal(t, model.UnknownParseFailure, reasons["sensor"])

	// Once anything was examined, access failures stop explaining the unk.
	reasons = AssignUnknownReasons(testResolution(), testRules(), ReasonContext{
		IdentityLocked: true,
		Effort:         EffortStats{BlockedSources: 3, SourcesExamined: 1},
	})
	assert.Equal(t, model.UnknownNotFoundAfterSearch, reasons["sensor"])
}

func TestAssignUnknownReasonsAvailabilityBars(t *testing.T) {
	// polling_jitter is rare (bar 5): 2 targeted queries + 4 sources clears
	// it; sensor is expected (bar 12): the same effort does not.
	effort := EffortStats{
		QueriesByField:  map[string]int{"polling_jitter": 2, "sensor": 2},
		SourcesExamined: 4,
	}
	reasons := AssignUnknownReasons(testResolution(), testRules(), ReasonContext{
		IdentityLocked: true,
		Effort:         effort,
	})
	assert.Equal(t, model.UnknownNotPubliclyDisclosed, reasons["polling_jitter"])
	assert.Equal(t, model.UnknownNotFoundAfterSearch, reasons["sensor"])
}

func TestAssignUnknownReasonsBudgetExhausted(t *testing.T) {
	reasons := AssignUnknownReasons(testResolution(), testRules(), ReasonContext{
		IdentityLocked:  true,
		BudgetExhausted: true,
		Effort:          EffortStats{SourcesExamined: 4},
	})
	// Under the bar with the budget gone: the budget is the reason. Over
	// the bar the stronger disclosure claim still wins.
	assert.Equal(t, model.UnknownBudgetExhausted, reasons["sensor"])
	assert.Equal(t, model.UnknownBudgetExhausted, reasons["polling_jitter"])

	reasons = AssignUnknownReasons(testResolution(), testRules(), ReasonContext{
		IdentityLocked:  true,
		BudgetExhausted: true,
		Effort:          EffortStats{SourcesExamined: 6},
	})
	assert.Equal(t, model.UnknownNotPubliclyDisclosed, reasons["polling_jitter"])
}
