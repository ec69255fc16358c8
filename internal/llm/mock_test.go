package llm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/specfactory/internal/config"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
	"github.com/sells-group/specfactory/pkg/anthropic"
)

// --- Anthropic mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

// --- Ledger stub (SpendReader and LedgerAppender) ---

type stubLedger struct {
	mu      sync.Mutex
	entries []model.BillingEntry

	month   float64
	product float64
	calls   int
	readErr error
}

func (s *stubLedger) Append(_ context.Context, e model.BillingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *stubLedger) MonthSpend(context.Context, string) (float64, error) {
	return s.month, s.readErr
}

func (s *stubLedger) ProductSpend(context.Context, string, string) (float64, error) {
	return s.product, s.readErr
}

func (s *stubLedger) ProductCalls(context.Context, string, string) (int, error) {
	return s.calls, s.readErr
}

func (s *stubLedger) all() []model.BillingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BillingEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// --- Fixtures ---

func testAI() config.AnthropicConfig {
	return config.AnthropicConfig{
		HaikuModel:  "claude-haiku-4-5-20251001",
		SonnetModel: "claude-sonnet-4-5-20250929",
		OpusModel:   "claude-opus-4-1-20250805",
	}
}

func testLLMRules() *rulestore.CategoryRules {
	c := &rulestore.CategoryRules{
		Category: "gaming-mice",
		Fields: []rulestore.FieldRule{
			{Key: "weight", Scope: model.ScopeScalar, DataType: "number", Unit: "g", RequiredLevel: model.LevelCritical, MinEvidenceRefs: 2, GoldenExamples: []string{"59", "63"}},
			{Key: "dpi", Scope: model.ScopeScalar, DataType: "number", RequiredLevel: model.LevelExpected},
			{Key: "sensor", Scope: model.ScopeComponent, DataType: "text", RequiredLevel: model.LevelRequired},
			{Key: "connectivity", Scope: model.ScopeList, DataType: "list", RequiredLevel: model.LevelExpected, EnumPolicy: "closed", EnumOptions: []string{"wired", "2.4ghz", "bluetooth"}},
		},
		Routes: []model.RouteRow{
			{Scope: model.ScopeScalar, RequiredLevel: model.LevelCritical, Effort: 3, ModelLadder: []string{"haiku", "sonnet"}, MaxTokens: 2048, SendPacket: model.PacketValuesOnly, MinEvidenceRefs: 1, OnInsufficient: model.InsufficientSkip},
			{Scope: model.ScopeScalar, RequiredLevel: model.LevelCritical, Effort: 1, ModelLadder: []string{"haiku"}, MaxTokens: 512, SendPacket: model.PacketValuesOnly, MinEvidenceRefs: 1, OnInsufficient: model.InsufficientSkip},
			{Scope: model.ScopeComponent, RequiredLevel: model.LevelRequired, Effort: 2, ModelLadder: []string{"sonnet"}, MaxTokens: 1024, SendPacket: model.PacketValuesPlusPrime, MinEvidenceRefs: 1, OnInsufficient: model.InsufficientDowngrade},
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
			Brand:   "Acme",
			Model:   "Vortex 2",
			Variant: "Wireless",
			SKU:     "910-005568",
		},
		Anchors: map[string]string{"weight": "59"},
	}
}

func testPack() *model.EvidencePack {
	return &model.EvidencePack{
		SourceID: "src-1",
		Meta: model.PackMeta{
			URL:  "https://maker.test/vortex",
			Host: "maker.test",
			Tier: model.TierManufacturer,
		},
		Snippets: []model.Snippet{
			{ID: "s01", SourceID: "src-1", Type: model.SnippetTable, Text: "Weight | 59 g"},
			{ID: "s02", SourceID: "src-1", Type: model.SnippetKV, Text: "Sensor: PAW 3950"},
		},
		TotalChars: 27,
	}
}

func taskFor(t *testing.T, r *Router, key string) FieldTask {
	t.Helper()
	dec, err := r.Resolve(key, nil)
	require.NoError(t, err)
	return FieldTask{Key: key, Rule: testLLMRules().Field(key), Decision: dec}
}

func respJSON(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		ID:      "msg-1",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 100},
	}
}
