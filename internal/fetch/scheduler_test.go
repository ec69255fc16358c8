package fetch

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/resilience"
)

// scriptedFetcher replays canned results in call order, repeating the last
// one once the script runs out.
type scriptedFetcher struct {
	method  model.FetchMethod
	mu      sync.Mutex
	calls   int
	results []fetchReply
}

type fetchReply struct {
	res *Result
	err error
}

func okReply(html string) fetchReply {
	return fetchReply{res: &Result{
		Page: &model.PageData{
			HTTPStatus: 200,
			HTML:       html,
			FinalURL:   "https://acme.example/products/m1",
		},
		Outcome: model.OutcomeOK,
		Timing:  model.FetchTiming{NavigationMs: 5},
	}}
}

func outcomeReply(o model.FetchOutcome, status int) fetchReply {
	return fetchReply{res: &Result{
		Page:    &model.PageData{HTTPStatus: status},
		Outcome: o,
	}}
}

func (f *scriptedFetcher) Fetch(_ context.Context, _ model.Source) (*Result, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	r := f.results[i]
	if r.res != nil && r.res.Page != nil {
		r.res.Page.FetchMethod = f.method
	}
	return r.res, r.err
}

func (f *scriptedFetcher) Method() model.FetchMethod { return f.method }
func (f *scriptedFetcher) Supports(string) bool      { return true }

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sliceQueue struct {
	mu   sync.Mutex
	srcs []model.Source
}

func (q *sliceQueue) Next() *model.Source {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.srcs) == 0 {
		return nil
	}
	src := q.srcs[0]
	q.srcs = q.srcs[1:]
	return &src
}

type memSink struct {
	mu    sync.Mutex
	shots []string
	rows  []model.FetchTelemetry
}

func (s *memSink) SaveScreenshot(_ context.Context, src model.Source, _ []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := "raw/" + src.Host + ".png"
	s.shots = append(s.shots, key)
	return key, nil
}

func (s *memSink) AppendTelemetry(_ context.Context, row model.FetchTelemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return nil
}

func (s *memSink) telemetry() []model.FetchTelemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FetchTelemetry, len(s.rows))
	copy(out, s.rows)
	return out
}

func plannedSource(host string) model.Source {
	return model.Source{
		SourceID: model.SourceID("mice", "acme-m1", host, "run-1"),
		URL:      "https://" + host + "/products/m1",
		Host:     host,
		Tier:     model.TierManufacturer,
		Role:     model.RoleProductPage,
	}
}

func newTestScheduler(cfg Config, sink ArtifactSink, fetchers ...Fetcher) *Scheduler {
	if cfg.RateLimitedDelay == 0 {
		cfg.RateLimitedDelay = time.Millisecond
	}
	pacer := NewHostPacer(time.Millisecond)
	breakers := resilience.NewServiceBreakers(resilience.DefaultBreakerConfig())
	return NewScheduler(cfg, pacer, breakers, sink, fetchers...)
}

func pageHTML() string {
	return "<html><body>" + strings.Repeat("weight 59 g ", 20) + "</body></html>"
}

func TestSchedulerFirstModeOK(t *testing.T) {
	browser := &scriptedFetcher{method: model.FetchDynamicBrowser, results: []fetchReply{okReply(pageHTML())}}
	render := &scriptedFetcher{method: model.FetchCrawlee, results: []fetchReply{okReply(pageHTML())}}
	sink := &memSink{}
	s := newTestScheduler(Config{MaxRetries: 1}, sink, browser, render)

	results := s.Run(context.Background(), &sliceQueue{srcs: []model.Source{plannedSource("acme.example")}})
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, model.OutcomeOK, r.Source.Outcome)
	assert.Equal(t, model.FetchDynamicBrowser, r.Source.FetchMethod)
	assert.Len(t, r.Source.ContentHash, 64)
	assert.False(t, r.Source.FetchedAt.IsZero())
	require.NotNil(t, r.Page)
	assert.Equal(t, 1, r.Telemetry.Attempts)
	assert.Equal(t, 0, r.Telemetry.RetryCount)
	assert.Equal(t, "default", r.Telemetry.MatchedHostPolicy)
	assert.Equal(t, 0, render.callCount())

	rows := sink.telemetry()
	require.Len(t, rows, 1)
	assert.Equal(t, r.Source.SourceID, rows[0].SourceID)
	assert.Equal(t, model.OutcomeOK, rows[0].Outcome)
}

func TestSchedulerEscalatesToNextMode(t *testing.T) {
	browser := &scriptedFetcher{method: model.FetchDynamicBrowser, results: []fetchReply{outcomeReply(model.OutcomeBotChallenge, 403)}}
	render := &scriptedFetcher{method: model.FetchCrawlee, results: []fetchReply{okReply(pageHTML())}}
	s := newTestScheduler(Config{MaxRetries: 1}, nil, browser, render)

	results := s.Run(context.Background(), &sliceQueue{srcs: []model.Source{plannedSource("acme.example")}})
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, model.OutcomeOK, r.Source.Outcome)
	assert.Equal(t, model.FetchCrawlee, r.Source.FetchMethod)
	assert.Equal(t, 2, r.Telemetry.Attempts)
	assert.Equal(t, 1, r.Telemetry.RetryCount)
	assert.Equal(t, []string{"bot_challenge"}, r.Telemetry.RetryReasons)
}

func TestSchedulerRetryBudgetExhausted(t *testing.T) {
	browser := &scriptedFetcher{method: model.FetchDynamicBrowser, results: []fetchReply{outcomeReply(model.OutcomeBotChallenge, 403)}}
	render := &scriptedFetcher{method: model.FetchCrawlee, results: []fetchReply{okReply(pageHTML())}}
	s := newTestScheduler(Config{MaxRetries: 0}, nil, browser, render)

	results := s.Run(context.Background(), &sliceQueue{srcs: []model.Source{plannedSource("acme.example")}})
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, model.OutcomeFallbackExhausted, r.Source.Outcome)
	assert.Nil(t, r.Page)
	assert.Equal(t, 1, r.Telemetry.Attempts)
	assert.Equal(t, 0, render.callCount(), "no budget left to escalate")
}

func TestSchedulerSkipOutcomeStopsLadder(t *testing.T) {
	browser := &scriptedFetcher{method: model.FetchDynamicBrowser, results: []fetchReply{outcomeReply(model.OutcomeNotFound, 404)}}
	render := &scriptedFetcher{method: model.FetchCrawlee, results: []fetchReply{okReply(pageHTML())}}
	s := newTestScheduler(Config{MaxRetries: 3}, nil, browser, render)

	results := s.Run(context.Background(), &sliceQueue{srcs: []model.Source{plannedSource("acme.example")}})
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, model.OutcomeNotFound, r.Source.Outcome)
	assert.Equal(t, 404, r.Source.HTTPStatus)
	assert.Nil(t, r.Page)
	assert.Equal(t, 1, r.Telemetry.Attempts)
	assert.Equal(t, 0, render.callCount(), "a dead page is dead in every mode")
}

func TestSchedulerRateLimitedRetriesSameMode(t *testing.T) {
	browser := &scriptedFetcher{method: model.FetchDynamicBrowser, results: []fetchReply{
		outcomeReply(model.OutcomeRateLimited, 429),
		okReply(pageHTML()),
	}}
	render := &scriptedFetcher{method: model.FetchCrawlee, results: []fetchReply{okReply(pageHTML())}}
	s := newTestScheduler(Config{MaxRetries: 1, RateLimitedDelay: time.Millisecond}, nil, browser, render)

	results := s.Run(context.Background(), &sliceQueue{srcs: []model.Source{plannedSource("acme.example")}})
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, model.OutcomeOK, r.Source.Outcome)
	assert.Equal(t, 2, browser.callCount(), "a 429 retries the same mode after the policy delay")
	assert.Equal(t, 0, render.callCount())
	assert.Equal(t, []string{"rate_limited"}, r.Telemetry.RetryReasons)
}

func TestSchedulerHostPolicyHTTPFirst(t *testing.T) {
	static := &scriptedFetcher{method: model.FetchHTTP, results: []fetchReply{okReply(pageHTML())}}
	browser := &scriptedFetcher{method: model.FetchDynamicBrowser, results: []fetchReply{okReply(pageHTML())}}
	s := newTestScheduler(Config{
		MaxRetries:   1,
		HostPolicies: map[string]string{"static.example": "http"},
	}, nil, static, browser)

	results := s.Run(context.Background(), &sliceQueue{srcs: []model.Source{plannedSource("static.example")}})
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, model.OutcomeOK, r.Source.Outcome)
	assert.Equal(t, model.FetchHTTP, r.Source.FetchMethod)
	assert.Equal(t, "static.example", r.Telemetry.MatchedHostPolicy)
	assert.Equal(t, 1, static.callCount())
	assert.Equal(t, 0, browser.callCount())
}

func TestSchedulerPDFPrefersPlainHTTP(t *testing.T) {
	static := &scriptedFetcher{method: model.FetchHTTP, results: []fetchReply{okReply(pageHTML())}}
	browser := &scriptedFetcher{method: model.FetchDynamicBrowser, results: []fetchReply{okReply(pageHTML())}}
	s := newTestScheduler(Config{MaxRetries: 1}, nil, static, browser)

	src := plannedSource("acme.example")
	src.URL = "https://acme.example/manuals/m1.pdf"

	results := s.Run(context.Background(), &sliceQueue{srcs: []model.Source{src}})
	require.Len(t, results, 1)

	assert.Equal(t, "pdf", results[0].Telemetry.MatchedHostPolicy)
	assert.Equal(t, 1, static.callCount())
	assert.Equal(t, 0, browser.callCount())
}

func TestSchedulerRoutesFTPScheme(t *testing.T) {
	ftpStub := &scriptedFetcher{method: model.FetchFTP, results: []fetchReply{okReply(pageHTML())}}
	browser := &scriptedFetcher{method: model.FetchDynamicBrowser, results: []fetchReply{okReply(pageHTML())}}
	s := newTestScheduler(Config{MaxRetries: 1}, nil, ftpStub, browser)

	src := plannedSource("ftp.acme.example")
	src.URL = "ftp://ftp.acme.example/manuals/m1.pdf"

	results := s.Run(context.Background(), &sliceQueue{srcs: []model.Source{src}})
	require.Len(t, results, 1)

	assert.Equal(t, "ftp", results[0].Telemetry.MatchedHostPolicy)
	assert.Equal(t, 1, ftpStub.callCount())
	assert.Equal(t, 0, browser.callCount())
}

func TestSchedulerCircuitBreakerShortCircuitsHost(t *testing.T) {
	browser := &scriptedFetcher{method: model.FetchDynamicBrowser, results: []fetchReply{outcomeReply(model.OutcomeServerError, 500)}}
	pacer := NewHostPacer(time.Millisecond)
	breakers := resilience.NewServiceBreakers(resilience.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
	})
	s := NewScheduler(Config{Concurrency: 1, MaxRetries: 0, RateLimitedDelay: time.Millisecond}, pacer, breakers, nil, browser)

	queue := &sliceQueue{srcs: []model.Source{
		plannedSource("flaky.example"),
		plannedSource("flaky.example"),
	}}
	results := s.Run(context.Background(), queue)
	require.Len(t, results, 2)

	assert.Equal(t, 1, browser.callCount(), "the open circuit must block the second source")
	for _, r := range results {
		assert.Equal(t, model.OutcomeFallbackExhausted, r.Source.Outcome)
	}
}

// slowFetcher tracks how many fetches run at once.
type slowFetcher struct {
	method   model.FetchMethod
	delay    time.Duration
	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *slowFetcher) Fetch(ctx context.Context, _ model.Source) (*Result, error) {
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if cur <= prev || f.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}
	return &Result{
		Page:    &model.PageData{HTTPStatus: 200, HTML: pageHTML(), FetchMethod: f.method},
		Outcome: model.OutcomeOK,
	}, nil
}

func (f *slowFetcher) Method() model.FetchMethod { return f.method }
func (f *slowFetcher) Supports(string) bool      { return true }

func TestSchedulerBoundsConcurrency(t *testing.T) {
	slow := &slowFetcher{method: model.FetchDynamicBrowser, delay: 30 * time.Millisecond}
	s := newTestScheduler(Config{Concurrency: 2, MaxRetries: 0}, nil, slow)

	hosts := []string{"a.example", "b.example", "c.example", "d.example", "e.example", "f.example"}
	var srcs []model.Source
	for _, h := range hosts {
		srcs = append(srcs, plannedSource(h))
	}

	results := s.Run(context.Background(), &sliceQueue{srcs: srcs})
	assert.Len(t, results, len(hosts))
	assert.LessOrEqual(t, slow.maxSeen.Load(), int32(2))
}

// hostCountingFetcher records the peak number of concurrent fetches per host.
type hostCountingFetcher struct {
	method model.FetchMethod
	delay  time.Duration

	mu       sync.Mutex
	inflight map[string]int
	maxSeen  map[string]int
}

func (f *hostCountingFetcher) Fetch(ctx context.Context, src model.Source) (*Result, error) {
	f.mu.Lock()
	if f.inflight == nil {
		f.inflight = map[string]int{}
		f.maxSeen = map[string]int{}
	}
	f.inflight[src.Host]++
	if f.inflight[src.Host] > f.maxSeen[src.Host] {
		f.maxSeen[src.Host] = f.inflight[src.Host]
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inflight[src.Host]--
		f.mu.Unlock()
	}()
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
	}
	return &Result{
		Page:    &model.PageData{HTTPStatus: 200, HTML: pageHTML(), FetchMethod: f.method},
		Outcome: model.OutcomeOK,
	}, nil
}

func (f *hostCountingFetcher) Method() model.FetchMethod { return f.method }
func (f *hostCountingFetcher) Supports(string) bool      { return true }

func (f *hostCountingFetcher) maxFor(host string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen[host]
}

func TestSchedulerNeverOverlapsSameHost(t *testing.T) {
	// The fetch outlasts the pacer delay by a wide margin, so only the
	// in-flight hold keeps the second vendor fetch from starting early.
	slow := &hostCountingFetcher{method: model.FetchDynamicBrowser, delay: 40 * time.Millisecond}
	s := newTestScheduler(Config{Concurrency: 2, MaxRetries: 0}, nil, slow)

	results := s.Run(context.Background(), &sliceQueue{srcs: []model.Source{
		plannedSource("vendor.example"),
		plannedSource("vendor.example"),
		plannedSource("other.example"),
	}})
	assert.Len(t, results, 3)
	assert.LessOrEqual(t, slow.maxFor("vendor.example"), 1)
}

func TestSchedulerCancelledContextPullsNothing(t *testing.T) {
	browser := &scriptedFetcher{method: model.FetchDynamicBrowser, results: []fetchReply{okReply(pageHTML())}}
	s := newTestScheduler(Config{}, nil, browser)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := s.Run(ctx, &sliceQueue{srcs: []model.Source{plannedSource("acme.example")}})
	assert.Empty(t, results)
	assert.Equal(t, 0, browser.callCount())
}

func TestSchedulerSavesScreenshot(t *testing.T) {
	reply := okReply(pageHTML())
	reply.res.Screenshot = []byte{0x89, 0x50, 0x4e, 0x47}
	browser := &scriptedFetcher{method: model.FetchDynamicBrowser, results: []fetchReply{reply}}
	sink := &memSink{}
	s := newTestScheduler(Config{MaxRetries: 0}, sink, browser)

	results := s.Run(context.Background(), &sliceQueue{srcs: []model.Source{plannedSource("acme.example")}})
	require.Len(t, results, 1)

	require.NotNil(t, results[0].Page)
	assert.Equal(t, "raw/acme.example.png", results[0].Page.ScreenshotKey)
	assert.Equal(t, []string{"raw/acme.example.png"}, sink.shots)
}
