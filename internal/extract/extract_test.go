package extract

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/specfactory/internal/config"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/pkg/sidecar"
)

func testJob() *model.ProductJob {
	return &model.ProductJob{
		ProductID: "acme-vortex-2",
		Category:  "gaming-mice",
		IdentityLock: model.IdentityLock{
			Brand: "Acme",
			Model: "Vortex 2",
		},
	}
}

func findCandidate(t *testing.T, cands []model.Candidate, field string, method model.ExtractionMethod) model.Candidate {
	t.Helper()
	for _, c := range cands {
		if c.Field == field && c.Method == method {
			return c
		}
	}
	t.Fatalf("no %s candidate for field %s in %d candidates", method, field, len(cands))
	return model.Candidate{}
}

func TestPipelineExtract(t *testing.T) {
	stub := &stubSidecarClient{resp: &sidecar.ParseResponse{
		JSONLD: []json.RawMessage{json.RawMessage(`{
			"@type": "Product",
			"name": "Acme Vortex 2",
			"additionalProperty": [{"@type": "PropertyValue", "name": "Max DPI", "value": "32000"}]
		}`)},
	}}
	p, err := NewPipeline(config.ExtractConfig{}, stub)
	require.NoError(t, err)

	page := &model.PageData{
		URL:      "https://example.com/p",
		FinalURL: "https://example.com/p",
		HTML: `<html><body>
			<table><tr><th>Battery Life</th><td>80 h</td></tr></table>
			<div class="specs"><p>Connectivity: USB, Bluetooth, 2.4GHz</p></div>
		</body></html>`,
		NetworkJSON:  []model.NetworkCapture{{Body: `{"weight": {"value": 59, "unit": "g"}}`}},
		EmbeddedJSON: []string{`{"sensor": "HERO 2"}`},
	}
	src := model.Source{SourceID: "src-1"}

	res := p.Extract(context.Background(), testJob(), testRules(), src, page)
	require.NotNil(t, res)
	assert.Empty(t, res.Dropped)
	require.NotNil(t, res.Structured)

	weight := findCandidate(t, res.Candidates, "weight", model.MethodNetworkJSON)
	assert.Equal(t, "59 g", weight.Value)
	assert.Equal(t, "net[0].weight", weight.KeyPath)
	assert.InDelta(t, 0.96, weight.ConfidenceBase, 1e-9)
	assert.Equal(t, "src-1", weight.SourceID)
	assert.True(t, weight.TargetMatchPassed)
	assert.NotEmpty(t, weight.CandidateID)

	sensor := findCandidate(t, res.Candidates, "sensor", model.MethodEmbeddedState)
	assert.Equal(t, "HERO 2", sensor.Value)
	assert.Equal(t, "state[0].sensor", sensor.KeyPath)

	battery := findCandidate(t, res.Candidates, "battery_life", model.MethodSpecTable)
	assert.Equal(t, "80 h", battery.Value)
	assert.InDelta(t, specTableBase, battery.ConfidenceBase, 1e-9)

	conn := findCandidate(t, res.Candidates, "connectivity", model.MethodSpecTable)
	assert.Equal(t, []string{"USB", "Bluetooth", "2.4GHz"}, conn.Value)
	assert.InDelta(t, defPairBase, conn.ConfidenceBase, 1e-9, "spec boxes carry their own base")

	dpi := findCandidate(t, res.Candidates, "dpi_max", model.MethodJSONLD)
	assert.Equal(t, "32000", dpi.Value)
	assert.Equal(t, "jsonld[0].additionalProperty[0]", dpi.KeyPath)

	// The window pass corroborates the battery value from the rendered text.
	window := findCandidate(t, res.Candidates, "battery_life", model.MethodArticleWindow)
	assert.Equal(t, "80 h", window.Value)

	require.NotNil(t, res.Features)
	require.Len(t, res.Features.Tables, 1)
	assert.Equal(t, []string{"battery_life"}, res.Features.Tables[0].Fields)
	require.Len(t, res.Features.Definitions, 1)
	assert.Equal(t, "connectivity", res.Features.Definitions[0].Field)
}

func TestPipelineExtractNilPage(t *testing.T) {
	p, err := NewPipeline(config.ExtractConfig{}, nil)
	require.NoError(t, err)

	res := p.Extract(context.Background(), testJob(), testRules(), model.Source{SourceID: "s"}, nil)
	require.NotNil(t, res)
	assert.Empty(t, res.Candidates)
	assert.Empty(t, res.Dropped)
}

func TestPipelineExtractSidecarFailure(t *testing.T) {
	stub := &stubSidecarClient{err: errors.New("sidecar down")}
	p, err := NewPipeline(config.ExtractConfig{}, stub)
	require.NoError(t, err)

	page := &model.PageData{
		FinalURL: "https://example.com/p",
		HTML:     `<html><body><table><tr><th>Weight</th><td>59 g</td></tr></table></body></html>`,
	}

	res := p.Extract(context.Background(), testJob(), testRules(), model.Source{SourceID: "s"}, page)
	assert.Nil(t, res.Structured)

	weight := findCandidate(t, res.Candidates, "weight", model.MethodSpecTable)
	assert.Equal(t, "59 g", weight.Value)
}

func TestPipelineExtractCatalogPage(t *testing.T) {
	p, err := NewPipeline(config.ExtractConfig{}, nil)
	require.NoError(t, err)

	page := &model.PageData{
		NetworkJSON: []model.NetworkCapture{{
			Body: `{"items": [
				{"name": "Acme Vortex 2", "weight": "59 g"},
				{"name": "Acme Vortex 2 Pro", "weight": "89 g"}
			]}`,
		}},
	}

	res := p.Extract(context.Background(), testJob(), testRules(), model.Source{SourceID: "s"}, page)

	require.Len(t, res.Candidates, 1)
	kept := res.Candidates[0]
	assert.Equal(t, "59 g", kept.Value)
	assert.Equal(t, "net[0].items[0]", kept.PageProductClusterID)
	assert.InDelta(t, 1.0, kept.TargetMatchScore, 1e-9)
	assert.True(t, kept.TargetMatchPassed)

	require.Len(t, res.Dropped, 1)
	sibling := res.Dropped[0]
	assert.Equal(t, "89 g", sibling.Value)
	assert.Equal(t, model.DropTargetMismatch, sibling.DropReason)
	assert.Equal(t, "net[0].items[1]", sibling.PageProductClusterID)
	assert.InDelta(t, 0.7, sibling.TargetMatchScore, 1e-9)
	assert.False(t, sibling.TargetMatchPassed)
}

func TestFinalize(t *testing.T) {
	rules := testRules()
	sensor := ruleFor(t, rules, "sensor")
	weight := ruleFor(t, rules, "weight")

	raw := []obs{
		{rule: weight, value: "59 g", method: model.MethodSpecTable, keyPath: "table[0].row[0]", base: 0.85},
		{rule: weight, value: "59 g", method: model.MethodSpecTable, keyPath: "table[0].row[0]", base: 0.85},
		{rule: sensor, value: []any{"HERO 2", "HERO"}, method: model.MethodJSONLD, keyPath: "jsonld[0].sensor"},
		{rule: weight, value: "n/a", method: model.MethodSpecTable, keyPath: "table[1].row[0]"},
		{rule: nil, value: "ignored", method: model.MethodSpecTable, keyPath: "x"},
		{rule: sensor, value: "PAW3950", method: model.MethodPDFTable, keyPath: "pdf.md[4]", ocrConf: 0.3},
	}

	kept, dropped := finalize("src-9", raw)

	require.Len(t, kept, 2, "duplicate observations collapse")
	assert.Equal(t, "59 g", kept[0].Value)
	assert.InDelta(t, 0.85, kept[0].ConfidenceBase, 1e-9)
	assert.Equal(t, "src-9", kept[0].SourceID)

	ocrCand := kept[1]
	assert.Equal(t, "PAW3950", ocrCand.Value)
	assert.InDelta(t, 0.3, ocrCand.OCRConfidence, 1e-9)
	assert.True(t, ocrCand.LowConfidence)

	require.Len(t, dropped, 2)
	assert.Equal(t, model.DropShapeMismatchArray, dropped[0].DropReason)
	assert.Equal(t, model.DropUnknownValue, dropped[1].DropReason)
}

func TestFinalizeClusterGate(t *testing.T) {
	rules := testRules()
	weight := ruleFor(t, rules, "weight")

	raw := []obs{
		{rule: weight, value: "89 g", method: model.MethodNetworkJSON, keyPath: "net[0].items[1].weight",
			cluster: &clusterTag{id: "net[0].items[1]", score: 0.7, passed: false}},
		{rule: weight, value: "59 g", method: model.MethodNetworkJSON, keyPath: "net[0].items[0].weight",
			cluster: &clusterTag{id: "net[0].items[0]", score: 1.0, passed: true}},
	}

	kept, dropped := finalize("src-9", raw)

	require.Len(t, kept, 1)
	assert.Equal(t, "59 g", kept[0].Value)
	assert.True(t, kept[0].TargetMatchPassed)
	assert.Equal(t, "net[0].items[0]", kept[0].PageProductClusterID)

	require.Len(t, dropped, 1)
	assert.Equal(t, model.DropTargetMismatch, dropped[0].DropReason)
	assert.False(t, dropped[0].TargetMatchPassed)
	assert.InDelta(t, 0.7, dropped[0].TargetMatchScore, 1e-9)
}
