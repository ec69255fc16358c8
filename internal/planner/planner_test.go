package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/specfactory/internal/config"
	"github.com/sells-group/specfactory/internal/helper"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/needset"
	"github.com/sells-group/specfactory/internal/rulestore"
	"github.com/sells-group/specfactory/pkg/jina"
)

type mockSearch struct {
	mock.Mock
}

func (m *mockSearch) Search(ctx context.Context, query string, opts ...jina.SearchOption) (*jina.SearchResponse, error) {
	args := m.Called(ctx, query, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.SearchResponse), args.Error(1)
}

func testRules() *rulestore.CategoryRules {
	r := &rulestore.CategoryRules{
		Category: "gaming-mice",
		ApprovedHosts: []rulestore.HostRule{
			{Host: "maker.test", Tier: model.TierManufacturer, Role: model.RoleProductPage},
			{Host: "sheets.maker.test", Tier: model.TierManufacturer, Role: model.RoleSpecSheet, Preferred: true},
			{Host: "lab.test", Tier: model.TierLabDatabase, Role: model.RoleDatabase, Lab: true},
			{Host: "shop.test", Tier: model.TierRetailer, Role: model.RoleListing},
		},
		DeniedHosts: []string{"spam.test"},
	}
	r.Index()
	return r
}

func testJob(seeds ...string) *model.ProductJob {
	return &model.ProductJob{
		ProductID:    "mouse-1",
		Category:     "gaming-mice",
		IdentityLock: model.IdentityLock{Brand: "Acme", Model: "Vortex 2"},
		SeedURLs:     seeds,
	}
}

func drainHosts(p *Planner) []string {
	var out []string
	for {
		src := p.Next()
		if src == nil {
			return out
		}
		out = append(out, src.Host)
	}
}

func TestPlanSeedsQueues(t *testing.T) {
	p := New(testRules(), config.PlannerConfig{}, nil, "run-1")
	admitted := p.Plan(testJob(
		"https://maker.test/vortex-2",
		"https://blog.example.test/review",
		"https://spam.test/page",
		"https://maker.test/vortex-2",
		"vortex-2",
	))

	assert.Equal(t, 2, admitted)
	st := p.Stats()
	assert.Equal(t, 1, st.Approved)
	assert.Equal(t, 1, st.Candidate)
	assert.Equal(t, 0, st.Issued)
}

func TestPlanAdmitsFTPSeeds(t *testing.T) {
	p := New(testRules(), config.PlannerConfig{}, nil, "run-1")
	admitted := p.Plan(testJob("ftp://ftp.maker.test/manuals/vortex-2.pdf"))
	require.Equal(t, 1, admitted)

	require.True(t, p.HasNext())
	src := p.Next()
	require.NotNil(t, src)
	assert.Equal(t, "ftp://ftp.maker.test/manuals/vortex-2.pdf", src.URL)
	assert.Equal(t, "ftp.maker.test", src.Host)
	assert.True(t, src.Seed)
}

func TestNextOrdersByTierPreferenceAndRole(t *testing.T) {
	search := &mockSearch{}
	search.On("Search", mock.Anything, "Acme Vortex 2 specs", mock.Anything).
		Return(&jina.SearchResponse{Data: []jina.SearchResult{
			{URL: "https://shop.test/p/vortex-2"},
			{URL: "https://lab.test/mice/vortex-2"},
			{URL: "https://sheets.maker.test/vortex-2.pdf"},
			{URL: "https://blog.example.test/review"},
		}}, nil)

	p := New(testRules(), config.PlannerConfig{}, search, "run-1")
	p.Plan(testJob("https://maker.test/vortex-2"))
	admitted, err := p.RunQuery(context.Background(), needset.PlannedQuery{Query: "Acme Vortex 2 specs"})
	require.NoError(t, err)
	require.Equal(t, 4, admitted)

	first := p.Next()
	require.NotNil(t, first)
	assert.Equal(t, "gaming-mice::mouse-1::sheets.maker.test::run-1", first.SourceID)
	assert.Equal(t, "sheets.maker.test", first.Host)
	assert.Equal(t, "maker.test", first.RootDomain)
	assert.Equal(t, model.TierManufacturer, first.Tier)
	assert.Equal(t, model.RoleSpecSheet, first.Role)
	assert.False(t, first.Seed)

	second := p.Next()
	require.NotNil(t, second)
	assert.Equal(t, "maker.test", second.Host)
	assert.True(t, second.Seed)

	assert.Equal(t, []string{"lab.test", "shop.test", "blog.example.test"}, drainHosts(p))
	assert.False(t, p.HasNext())
	search.AssertExpectations(t)
}

func TestNextPrefersUnvisitedHosts(t *testing.T) {
	p := New(testRules(), config.PlannerConfig{}, nil, "run-1")
	p.Plan(testJob(
		"https://one.cand.test/a",
		"https://one.cand.test/c",
		"https://two.cand.test/b",
	))

	var urls []string
	for {
		src := p.Next()
		if src == nil {
			break
		}
		urls = append(urls, src.URL)
	}
	assert.Equal(t, []string{
		"https://one.cand.test/a",
		"https://two.cand.test/b",
		"https://one.cand.test/c",
	}, urls)
}

func TestNextEnforcesHostAndDomainCaps(t *testing.T) {
	cfg := config.PlannerConfig{MaxHostVisits: 1, MaxPagesPerDomain: 2}
	p := New(testRules(), cfg, nil, "run-1")
	p.Plan(testJob(
		"https://one.blog.test/a",
		"https://one.blog.test/b",
		"https://two.blog.test/c",
		"https://three.blog.test/e",
	))

	assert.Equal(t, []string{"one.blog.test", "two.blog.test"}, drainHosts(p))
	assert.False(t, p.HasNext())
}

func TestNextEnforcesProductCap(t *testing.T) {
	cfg := config.PlannerConfig{MaxURLsPerProduct: 1}
	p := New(testRules(), cfg, nil, "run-1")
	p.Plan(testJob("https://maker.test/a", "https://lab.test/b"))

	require.NotNil(t, p.Next())
	assert.Nil(t, p.Next())
	assert.False(t, p.HasNext())
	assert.Equal(t, 1, p.Stats().Issued)
}

func TestStartRoundCapAndTierCeiling(t *testing.T) {
	p := New(testRules(), config.PlannerConfig{}, nil, "run-1")
	p.Plan(testJob(
		"https://maker.test/a",
		"https://lab.test/b",
		"https://shop.test/c",
		"https://blog.example.test/d",
	))

	p.StartRound(2, model.TierLabDatabase)
	first := p.Next()
	require.NotNil(t, first)
	assert.Equal(t, "maker.test", first.Host)
	second := p.Next()
	require.NotNil(t, second)
	assert.Equal(t, "lab.test", second.Host)
	assert.Nil(t, p.Next())
	assert.False(t, p.HasNext())

	// Unbounded round, but everything left sits above the ceiling. The
	// entries must survive for later rounds.
	p.StartRound(0, model.TierLabDatabase)
	assert.False(t, p.HasNext())
	assert.Nil(t, p.Next())

	p.StartRound(0, 0)
	assert.Equal(t, []string{"shop.test", "blog.example.test"}, drainHosts(p))
}

func TestBlockHostRemovesFromSelection(t *testing.T) {
	p := New(testRules(), config.PlannerConfig{}, nil, "run-1")
	p.Plan(testJob("https://lab.test/b", "https://blog.example.test/d"))

	p.BlockHost("LAB.test:443", "robots_disallow")
	assert.Equal(t, []string{"blog.example.test"}, drainHosts(p))
	assert.Equal(t, map[string]string{"lab.test": "robots_disallow"}, p.Blocked())

	// Blocked hosts are rejected at enqueue time too.
	p2 := New(testRules(), config.PlannerConfig{}, nil, "run-1")
	p2.BlockHost("lab.test", "")
	admitted := p2.Plan(testJob("https://lab.test/b"))
	assert.Equal(t, 0, admitted)
	assert.Equal(t, "blocked", p2.Blocked()["lab.test"])
}

func TestRunQueryFiltersHits(t *testing.T) {
	search := &mockSearch{}
	search.On("Search", mock.Anything, "Acme Vortex 2 weight", mock.MatchedBy(func(opts []jina.SearchOption) bool {
		return len(opts) == 0
	})).Return(&jina.SearchResponse{Data: []jina.SearchResult{
		{URL: "https://lab.test/x"},
		{URL: "https://spam.test/y"},
		{URL: "https://lab.test/x"},
		{URL: "ftp://files.test/z"},
	}}, nil)

	p := New(testRules(), config.PlannerConfig{}, search, "run-1")
	p.Plan(testJob())
	admitted, err := p.RunQuery(context.Background(), needset.PlannedQuery{Query: "Acme Vortex 2 weight"})
	require.NoError(t, err)
	assert.Equal(t, 1, admitted)
	search.AssertExpectations(t)
}

func TestRunQuerySiteFilter(t *testing.T) {
	search := &mockSearch{}
	search.On("Search", mock.Anything, "Acme Vortex 2 weight site:lab.test", mock.MatchedBy(func(opts []jina.SearchOption) bool {
		return len(opts) == 1
	})).Return(&jina.SearchResponse{Data: []jina.SearchResult{
		{URL: "https://lab.test/mice/vortex-2"},
	}}, nil)

	p := New(testRules(), config.PlannerConfig{}, search, "run-1")
	p.Plan(testJob())
	admitted, err := p.RunQuery(context.Background(), needset.PlannedQuery{
		Query: "Acme Vortex 2 weight site:lab.test",
		Field: "weight",
		Host:  "lab.test",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, admitted)
	search.AssertExpectations(t)
}

func TestRunQueryWithoutClient(t *testing.T) {
	p := New(testRules(), config.PlannerConfig{}, nil, "run-1")
	p.Plan(testJob())
	admitted, err := p.RunQuery(context.Background(), needset.PlannedQuery{Query: "anything"})
	require.NoError(t, err)
	assert.Equal(t, 0, admitted)
}

func TestRunQueryError(t *testing.T) {
	search := &mockSearch{}
	search.On("Search", mock.Anything, "Acme Vortex 2 specs", mock.Anything).
		Return(nil, assert.AnError)

	p := New(testRules(), config.PlannerConfig{}, search, "run-1")
	p.Plan(testJob())
	admitted, err := p.RunQuery(context.Background(), needset.PlannedQuery{Query: "Acme Vortex 2 specs"})
	require.Error(t, err)
	assert.Equal(t, 0, admitted)
}

func TestHelperEmptyDB(t *testing.T) {
	p := New(testRules(), config.PlannerConfig{}, nil, "run-1")

	inj, err := p.Helper(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, inj)

	// Before Plan there is no job to look up.
	inj, err = p.Helper(context.Background(), helper.Open(t.TempDir()))
	require.NoError(t, err)
	assert.Nil(t, inj)

	p.Plan(testJob())
	inj, err = p.Helper(context.Background(), helper.Open(t.TempDir()))
	require.NoError(t, err)
	assert.Nil(t, inj)
}

func TestNextBeforePlan(t *testing.T) {
	p := New(testRules(), config.PlannerConfig{}, nil, "run-1")
	assert.Nil(t, p.Next())
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "maker.test", NormalizeHost("WWW.Maker.TEST:443"))
	assert.Equal(t, "maker.test", NormalizeHost(" maker.test. "))
	assert.Equal(t, "support.maker.test", NormalizeHost("support.maker.test:8080"))
	assert.Equal(t, "", NormalizeHost(""))
}

func TestRootDomain(t *testing.T) {
	assert.Equal(t, "maker.test", RootDomain("maker.test"))
	assert.Equal(t, "maker.test", RootDomain("a.b.maker.test"))
	assert.Equal(t, "maker.co.uk", RootDomain("support.maker.co.uk"))
	assert.Equal(t, "localhost", RootDomain("localhost"))
}
