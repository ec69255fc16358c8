package round

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/specfactory/internal/consensus"
	"github.com/sells-group/specfactory/internal/extract"
	"github.com/sells-group/specfactory/internal/gate"
	"github.com/sells-group/specfactory/internal/llm"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/needset"
	"github.com/sells-group/specfactory/internal/rulestore"
	"github.com/sells-group/specfactory/internal/storage"
	"github.com/sells-group/specfactory/pkg/sidecar"
)

func newTestSink(t *testing.T) (*runSink, storage.Store) {
	t.Helper()
	blobs, err := storage.NewFSStore(t.TempDir())
	require.NoError(t, err)
	sink := &runSink{
		blobs: blobs,
		keys:  storage.Keys{InputPrefix: "inputs", OutputPrefix: "outputs"},
		job:   testRoundJob(),
		runID: "run-1",
	}
	return sink, blobs
}

func TestRunSinkSaveRawNaming(t *testing.T) {
	sink, blobs := newTestSink(t)
	ctx := context.Background()
	src := model.Source{Host: "acme.example"}

	require.NoError(t, sink.SaveRaw(ctx, 2, src, &model.PageData{HTML: "<html>x</html>"}))
	got, err := blobs.Get(ctx, sink.key(storage.KindRaw, "r2_acme.example.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>x</html>", string(got))

	// A PDF body wins over any extracted text or markup.
	require.NoError(t, sink.SaveRaw(ctx, 0, src, &model.PageData{PDF: []byte("%PDF-1.7"), HTML: "<html>"}))
	got, err = blobs.Get(ctx, sink.key(storage.KindRaw, "r0_acme.example.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(got))

	require.NoError(t, sink.SaveRaw(ctx, 1, src, &model.PageData{Text: "plain body"}))
	got, err = blobs.Get(ctx, sink.key(storage.KindRaw, "r1_acme.example.txt"))
	require.NoError(t, err)
	assert.Equal(t, "plain body", string(got))
}

func TestRunSinkScreenshotAndTelemetry(t *testing.T) {
	sink, blobs := newTestSink(t)
	ctx := context.Background()

	key, err := sink.SaveScreenshot(ctx, model.Source{Host: "acme.example"}, []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	assert.Equal(t, sink.key(storage.KindRaw, "acme.example.png"), key)
	png, err := blobs.Get(ctx, key)
	require.NoError(t, err)
	assert.Len(t, png, 4)

	require.NoError(t, sink.AppendTelemetry(ctx, model.FetchTelemetry{SourceID: "s1", Attempts: 1}))
	require.NoError(t, sink.AppendTelemetry(ctx, model.FetchTelemetry{SourceID: "s2", Attempts: 2}))
	raw, err := blobs.Get(ctx, sink.key(storage.KindLogs, "fetch_telemetry.jsonl"))
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	require.Len(t, lines, 2)
	var row model.FetchTelemetry
	require.NoError(t, json.Unmarshal(lines[1], &row))
	assert.Equal(t, "s2", row.SourceID)
	assert.Equal(t, 2, row.Attempts)
}

func TestRunSinkSavePack(t *testing.T) {
	sink, blobs := newTestSink(t)
	ctx := context.Background()

	pack := &model.EvidencePack{SourceID: "sf:p", TotalChars: 42}
	require.NoError(t, sink.SavePack(ctx, 3, model.Source{Host: "lab.example"}, pack))

	raw, err := blobs.Get(ctx, sink.key(storage.KindExtracted, "r3_lab.example.json"))
	require.NoError(t, err)
	var got model.EvidencePack
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "sf:p", got.SourceID)
	assert.Equal(t, 42, got.TotalChars)
}

func TestBuildRecordNilWithoutResolution(t *testing.T) {
	c := &Controller{}
	assert.Nil(t, c.buildRecord(&runState{}, model.StopPipelineError))
}

func TestBuildRecordBlanksOnFatalConflict(t *testing.T) {
	c := &Controller{}
	rs := &runState{
		job:   testRoundJob(),
		runID: "run-7",
		rules: testRoundRules(),
		res: &consensus.Result{
			Fields: map[string]any{"weight": "59 g"},
			Provenance: map[string]model.FieldProvenance{
				"weight": {Value: "59 g", Confidence: 0.9},
			},
			Reasoning: map[string]model.FieldReasoning{},
		},
		decision: gate.Decision{State: model.IdentityConflict, AnchorConflicts: 1},
		summary:  model.RecordSummary{IdentityGate: model.IdentityConflict},
		idFatal:  true,
		effort:   needset.EffortStats{QueriesByField: map[string]int{}},
	}

	rec := c.buildRecord(rs, model.StopIdentityConflict)
	require.NotNil(t, rec)
	assert.Equal(t, "run-7", rec.RunID)
	assert.Equal(t, model.UnknownSentinel, rec.Fields["weight"])
	assert.NotContains(t, rec.Provenance, "weight")
	assert.Equal(t, model.UnknownIdentityAmbiguous, rec.Reasoning["weight"].UnknownReason)
}

func TestBuildRecordBudgetReason(t *testing.T) {
	c := &Controller{}
	rs := &runState{
		job:   testRoundJob(),
		runID: "run-8",
		rules: testRoundRules(),
		res: &consensus.Result{
			Fields:     map[string]any{"weight": model.UnknownSentinel},
			Provenance: map[string]model.FieldProvenance{},
			Reasoning:  map[string]model.FieldReasoning{},
		},
		decision: gate.Decision{State: model.IdentityProvisional, Confidence: 0.95},
		effort: needset.EffortStats{
			QueriesByField:  map[string]int{},
			SourcesExamined: 2,
		},
	}

	rec := c.buildRecord(rs, model.StopBudgetExhausted)
	require.NotNil(t, rec)
	assert.Equal(t, model.UnknownBudgetExhausted, rec.Reasoning["weight"].UnknownReason)
}

func TestAssertionRowsSkipUnknown(t *testing.T) {
	rs := &runState{
		runID: "run-9",
		job:   testRoundJob(),
		res: &consensus.Result{
			Fields: map[string]any{
				"weight": "59 g",
				"dpi":    "32000",
				"sensor": model.UnknownSentinel,
			},
			Provenance: map[string]model.FieldProvenance{
				"weight": {
					Value: "59 g", Confidence: 0.91,
					Confirmations: 2, ApprovedConfirmations: 2,
					PassTarget: 1, MeetsPassTarget: true,
					Evidence: []model.EvidenceRow{
						{URL: "https://acme.example/p", Host: "acme.example", Tier: model.TierManufacturer, Method: model.MethodSpecTable, SnippetID: "sn-1", KeyPath: "table:0"},
						{URL: "https://lab.example/r", Host: "lab.example", Tier: model.TierLabDatabase, Method: model.MethodArticleWindow, SnippetID: "sn-2"},
					},
				},
				"dpi": {Value: "32000", Confidence: 0.8, Confirmations: 1},
			},
		},
	}

	rows, refs := assertionRows(rs)
	require.Len(t, rows, 2)
	assert.Equal(t, "dpi", rows[0].Field)
	assert.Equal(t, "weight", rows[1].Field)
	assert.Equal(t, "run-9", rows[1].RunID)
	assert.Equal(t, "gaming-mice", rows[1].Category)
	assert.Equal(t, 2, rows[1].Confirmations)
	assert.True(t, rows[1].MeetsPassTarget)

	require.Len(t, refs, 2)
	assert.Equal(t, model.SourceID("gaming-mice", "acme-vortex-2", "acme.example", "run-9"), refs[0].SourceID)
	assert.Equal(t, "sn-1", refs[0].SnippetID)
	assert.Equal(t, "table:0", refs[0].KeyPath)
	assert.Equal(t, model.SourceID("gaming-mice", "acme-vortex-2", "lab.example", "run-9"), refs[1].SourceID)
	assert.Equal(t, model.TierLabDatabase, refs[1].Tier)
}

func TestPrimeRows(t *testing.T) {
	res := &consensus.Result{
		Fields: map[string]any{
			"weight": "59 g",
			"dpi":    "32000",
			"sensor": model.UnknownSentinel,
		},
		Provenance: map[string]model.FieldProvenance{
			"weight": {Evidence: []model.EvidenceRow{{URL: "https://acme.example/p", Tier: model.TierManufacturer}}},
		},
	}
	wantsPrime := []llm.FieldTask{{Key: "sensor", Decision: model.RouteDecision{SendPacket: model.PacketValuesPlusPrime}}}

	rows := primeRows(res, wantsPrime)
	require.Len(t, rows, 2)
	assert.Equal(t, "dpi", rows[0].Field)
	assert.Equal(t, "weight", rows[1].Field)
	assert.Equal(t, "https://acme.example/p", rows[1].URL)
	assert.Equal(t, model.TierManufacturer, rows[1].Tier)

	valuesOnly := []llm.FieldTask{{Key: "sensor", Decision: model.RouteDecision{SendPacket: model.PacketValuesOnly}}}
	assert.Nil(t, primeRows(res, valuesOnly))
	assert.Nil(t, primeRows(nil, wantsPrime))
}

func routedRules() *rulestore.CategoryRules {
	c := &rulestore.CategoryRules{
		Category: "gaming-mice",
		Fields: []rulestore.FieldRule{
			{Key: "weight", Scope: model.ScopeScalar, DataType: "number", Unit: "g", RequiredLevel: model.LevelCritical},
			{Key: "sensor", Scope: model.ScopeComponent, DataType: "text", RequiredLevel: model.LevelRequired},
		},
		Routes: []model.RouteRow{
			{Scope: model.ScopeScalar, RequiredLevel: model.LevelCritical, Effort: 3, ModelLadder: []string{"haiku", "sonnet"}, EnableWebsearch: true, MaxTokens: 2048, SendPacket: model.PacketValuesOnly, OnInsufficient: model.InsufficientSkip},
			{Scope: model.ScopeComponent, RequiredLevel: model.LevelRequired, Effort: 2, ModelLadder: []string{"sonnet"}, MaxTokens: 1024, SendPacket: model.PacketValuesPlusPrime, OnInsufficient: model.InsufficientDowngrade},
		},
	}
	c.Index()
	return c
}

func TestFieldTasksTrimAndTargets(t *testing.T) {
	rules := routedRules()
	rs := &runState{
		job:    testRoundJob(),
		rules:  rules,
		router: llm.NewRouter(rules, testConfig().Anthropic),
	}
	needs := &model.NeedSet{Needs: []model.Need{
		{Field: "weight", RequiredLevel: model.LevelCritical},
		{Field: "sensor", RequiredLevel: model.LevelRequired},
		{Field: "ghost"},
	}}
	c := &Controller{}

	// The fast pass trims every ladder to its cheapest model and turns
	// websearch off; fields without rules are skipped.
	tasks := c.fieldTasks(rs, roundPlan{cheap: true}, needs)
	require.Len(t, tasks, 2)
	assert.Equal(t, "weight", tasks[0].Key)
	assert.Equal(t, []string{"claude-haiku-4-5-20251001"}, tasks[0].Decision.ModelLadder)
	assert.False(t, tasks[0].Decision.EnableWebsearch)
	assert.True(t, tasks[0].Decision.Essential)

	tasks = c.fieldTasks(rs, roundPlan{websearch: true}, needs)
	require.Len(t, tasks, 2)
	assert.Len(t, tasks[0].Decision.ModelLadder, 2)
	assert.True(t, tasks[0].Decision.EnableWebsearch)
	assert.False(t, tasks[1].Decision.Essential)

	rs.job.Requirements.LLMTargetFields = []string{"sensor"}
	tasks = c.fieldTasks(rs, roundPlan{websearch: true}, needs)
	require.Len(t, tasks, 1)
	assert.Equal(t, "sensor", tasks[0].Key)
}

func TestEssentialTasks(t *testing.T) {
	tasks := []llm.FieldTask{
		{Key: "weight", Decision: model.RouteDecision{Essential: true}},
		{Key: "dpi"},
	}
	kept := essentialTasks(tasks)
	require.Len(t, kept, 1)
	assert.Equal(t, "weight", kept[0].Key)
	assert.Nil(t, essentialTasks(tasks[1:]))
}

func TestHTMLTitle(t *testing.T) {
	assert.Equal(t, "Acme Vortex 2", htmlTitle(`<html><head><title>Acme Vortex 2</title></head></html>`))
	assert.Equal(t, "Acme Vortex 2", htmlTitle(`<HTML><HEAD><TITLE> Acme Vortex 2 </TITLE></HEAD></HTML>`))
	assert.Equal(t, "Specs", htmlTitle(`<title data-reactroot="">Specs</title>`))
	assert.Equal(t, "", htmlTitle(`<html><body>no title</body></html>`))
	assert.Equal(t, "", htmlTitle(""))
}

func TestIdentityHay(t *testing.T) {
	page := &model.PageData{
		HTML:     `<html><head><title>Acme Vortex 2 Pro</title></head><body></body></html>`,
		URL:      "https://acme.example/p",
		FinalURL: "https://acme.example/products/vortex-2",
	}
	ext := &extract.Result{
		Features: &extract.PageFeatures{Headings: []string{"Technical Specs"}},
		Structured: &sidecar.ParseResponse{
			JSONLD:    []json.RawMessage{json.RawMessage(`{"name": "Vortex 2 Wireless"}`)},
			OpenGraph: map[string]string{"og:title": "Vortex 2 | Acme"},
		},
	}

	hay := identityHay(page, ext)
	for _, want := range []string{
		"Acme Vortex 2 Pro",
		"https://acme.example/products/vortex-2",
		"Technical Specs",
		"Vortex 2 Wireless",
		"Vortex 2 | Acme",
	} {
		assert.Contains(t, hay, want)
	}

	// Without a final URL the requested URL stands in.
	bare := identityHay(&model.PageData{URL: "https://acme.example/p"}, &extract.Result{})
	assert.Contains(t, bare, "https://acme.example/p")
}

func TestKnownFieldsAndBiggestPack(t *testing.T) {
	res := &consensus.Result{Fields: map[string]any{
		"weight": "59 g",
		"sensor": model.UnknownSentinel,
	}}
	known := knownFields(res)
	assert.Equal(t, map[string]any{"weight": "59 g"}, known)

	small := &model.EvidencePack{SourceID: "a", TotalChars: 10}
	big := &model.EvidencePack{SourceID: "b", TotalChars: 90}
	assert.Same(t, big, biggestPack([]*model.EvidencePack{small, big}))
	assert.Nil(t, biggestPack(nil))
}
