package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/resilience"
)

// Config tunes the scheduler.
type Config struct {
	// Concurrency is the worker pool size.
	Concurrency int
	// MaxRetries is the retry budget per source across all fetch modes.
	MaxRetries int
	// RateLimitedDelay is how long a 429 pauses a source before the same
	// mode tries again.
	RateLimitedDelay time.Duration
	// HostPolicies maps a host to its preferred first fetch mode.
	HostPolicies map[string]string
}

// SourceResult is the scheduler's final word on one source.
type SourceResult struct {
	Source    model.Source
	Page      *model.PageData // nil unless the source fetched ok
	Telemetry model.FetchTelemetry
}

// Scheduler drains the planner queue through a bounded worker pool. Each
// source walks a fetcher ladder chosen from its host policy; failures
// escalate to the next mode until the retry budget runs out. Same-host
// fetches are paced regardless of which worker issues them, and flapping
// hosts trip a circuit breaker shared across sources.
type Scheduler struct {
	cfg      Config
	fetchers map[model.FetchMethod]Fetcher
	pacer    *HostPacer
	breakers *resilience.ServiceBreakers
	sink     ArtifactSink
}

// NewScheduler assembles a scheduler over the given fetchers. A nil sink
// discards screenshots and telemetry.
func NewScheduler(cfg Config, pacer *HostPacer, breakers *resilience.ServiceBreakers, sink ArtifactSink, fetchers ...Fetcher) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RateLimitedDelay <= 0 {
		cfg.RateLimitedDelay = 5 * time.Second
	}
	byMethod := make(map[model.FetchMethod]Fetcher, len(fetchers))
	for _, ft := range fetchers {
		byMethod[ft.Method()] = ft
	}
	return &Scheduler{
		cfg:      cfg,
		fetchers: byMethod,
		pacer:    pacer,
		breakers: breakers,
		sink:     sink,
	}
}

// Run drains the queue and returns per-source results in completion order.
// Cancelling the context stops new pulls; in-flight sources finish or abort
// with their fetcher's own context handling.
func (s *Scheduler) Run(ctx context.Context, queue Queue) []SourceResult {
	var (
		mu  sync.Mutex
		out []SourceResult
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for {
		if gCtx.Err() != nil {
			break
		}
		src := queue.Next()
		if src == nil {
			break
		}
		g.Go(func() error {
			res := s.fetchSource(gCtx, *src)
			if s.sink != nil {
				if err := s.sink.AppendTelemetry(gCtx, res.Telemetry); err != nil {
					zap.L().Warn("fetch: telemetry append failed",
						zap.String("source_id", res.Source.SourceID),
						zap.Error(err))
				}
			}
			mu.Lock()
			out = append(out, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// fetchSource walks one source down its fetcher ladder.
func (s *Scheduler) fetchSource(ctx context.Context, src model.Source) SourceResult {
	modes, policy := s.ladderFor(src)
	tel := model.FetchTelemetry{
		SourceID:          src.SourceID,
		URL:               src.URL,
		MatchedHostPolicy: policy,
	}

	var (
		final      *Result
		lastMethod model.FetchMethod
		outcome    = model.OutcomeFetchError
		retries    int
		rung       int
	)

ladder:
	for {
		if ctx.Err() != nil {
			break
		}
		if rung >= len(modes) {
			outcome = model.OutcomeFallbackExhausted
			break
		}
		ft, ok := s.fetchers[modes[rung]]
		if !ok || !ft.Supports(src.URL) {
			rung++
			continue
		}
		lastMethod = ft.Method()

		tel.Attempts++
		res, attemptOutcome, reason := s.attempt(ctx, ft, src)
		outcome = attemptOutcome
		if res != nil {
			final = res
			tel.Timing = res.Timing
		}
		if reason == "" {
			reason = string(attemptOutcome)
		}

		switch attemptOutcome.Action() {
		case model.ActionNone:
			s.pacer.OnSuccess(src.Host)
			break ladder
		case model.ActionSkip:
			break ladder
		case model.ActionWaitAndRetrySame:
			s.pacer.OnRateLimit(src.Host)
			if retries >= s.cfg.MaxRetries {
				outcome = model.OutcomeFallbackExhausted
				break ladder
			}
			retries++
			tel.RetryCount++
			tel.RetryReasons = append(tel.RetryReasons, reason)
			if !sleepCtx(ctx, s.cfg.RateLimitedDelay) {
				break ladder
			}
		default:
			// try_alternate_fetcher: the next rung, if budget remains.
			if retries >= s.cfg.MaxRetries {
				outcome = model.OutcomeFallbackExhausted
				break ladder
			}
			retries++
			tel.RetryCount++
			tel.RetryReasons = append(tel.RetryReasons, reason)
			rung++
		}
	}

	if tel.Attempts == 0 && outcome == model.OutcomeFallbackExhausted {
		// No configured fetcher could even try this URL.
		outcome = model.OutcomeFetchError
	}

	src.FetchedAt = time.Now().UTC()
	src.Outcome = outcome
	if lastMethod != "" {
		src.FetchMethod = lastMethod
	}
	if final != nil && final.Page != nil {
		src.HTTPStatus = final.Page.HTTPStatus
		src.FinalURL = final.Page.FinalURL
	}

	var page *model.PageData
	if outcome == model.OutcomeOK && final != nil && final.Page != nil {
		page = final.Page
		src.ContentHash = contentHash(page)
		if len(final.Screenshot) > 0 && s.sink != nil {
			key, err := s.sink.SaveScreenshot(ctx, src, final.Screenshot)
			if err != nil {
				zap.L().Warn("fetch: screenshot save failed",
					zap.String("source_id", src.SourceID),
					zap.Error(err))
			} else {
				page.ScreenshotKey = key
			}
		}
	}
	tel.Outcome = outcome

	fields := []zap.Field{
		zap.String("source_id", src.SourceID),
		zap.String("host", src.Host),
		zap.String("outcome", string(outcome)),
		zap.Int("attempts", tel.Attempts),
	}
	if outcome == model.OutcomeOK {
		zap.L().Info("fetch: source complete", fields...)
	} else {
		zap.L().Warn("fetch: source failed", fields...)
	}

	return SourceResult{Source: src, Page: page, Telemetry: tel}
}

// attempt runs one fetch through the host pacer and circuit breaker.
// The returned reason overrides the outcome string in telemetry when the
// attempt never reached the fetcher.
func (s *Scheduler) attempt(ctx context.Context, ft Fetcher, src model.Source) (*Result, model.FetchOutcome, string) {
	if err := s.pacer.Acquire(ctx, src.Host); err != nil {
		return nil, model.OutcomeFetchError, "pacer_cancelled"
	}
	defer s.pacer.Release(src.Host)

	breaker := s.breakers.Get(breakerKey(ft.Method(), src.Host))

	var res *Result
	execErr := breaker.Execute(ctx, func(ctx context.Context) error {
		r, err := ft.Fetch(ctx, src)
		if err != nil {
			return err
		}
		res = r
		if outcomeTripsBreaker(r.Outcome) {
			return eris.Errorf("fetch: %s answered %s", src.Host, r.Outcome)
		}
		return nil
	})

	if errors.Is(execErr, resilience.ErrCircuitOpen) {
		return nil, model.OutcomeFetchError, "circuit_open"
	}
	if res != nil {
		return res, res.Outcome, ""
	}
	if execErr != nil {
		zap.L().Debug("fetch: attempt failed",
			zap.String("url", src.URL),
			zap.String("method", string(ft.Method())),
			zap.Error(execErr))
		return nil, ClassifyError(execErr), ""
	}
	return nil, model.OutcomeFetchError, ""
}

// ladderFor resolves the mode order for a source: scheme first, then the
// explicit host policy, then content heuristics. The second return value is
// the matched policy key for telemetry.
func (s *Scheduler) ladderFor(src model.Source) ([]model.FetchMethod, string) {
	if strings.HasPrefix(strings.ToLower(src.URL), "ftp://") {
		return []model.FetchMethod{model.FetchFTP}, "ftp"
	}
	if mode, ok := s.cfg.HostPolicies[strings.ToLower(src.Host)]; ok {
		switch model.FetchMethod(mode) {
		case model.FetchHTTP:
			return []model.FetchMethod{model.FetchHTTP, model.FetchDynamicBrowser, model.FetchCrawlee}, src.Host
		case model.FetchDynamicBrowser:
			return []model.FetchMethod{model.FetchDynamicBrowser, model.FetchCrawlee}, src.Host
		case model.FetchCrawlee:
			return []model.FetchMethod{model.FetchCrawlee}, src.Host
		}
	}
	if isPDF("", src.URL, nil) {
		return []model.FetchMethod{model.FetchHTTP, model.FetchCrawlee}, "pdf"
	}
	return []model.FetchMethod{model.FetchDynamicBrowser, model.FetchCrawlee}, "default"
}

// outcomeTripsBreaker marks the outcomes that count as host failures.
// Rate limits are the pacer's problem, and a JS shell is a mode mismatch,
// not a refusal.
func outcomeTripsBreaker(o model.FetchOutcome) bool {
	switch o {
	case model.OutcomeServerError, model.OutcomeNetworkTimeout, model.OutcomeBlocked, model.OutcomeBotChallenge:
		return true
	}
	return false
}

// breakerKey scopes breakers per host for direct modes, and to a single
// shared key for the render service.
func breakerKey(method model.FetchMethod, host string) string {
	if method == model.FetchCrawlee {
		return "crawlee"
	}
	return host
}

func contentHash(page *model.PageData) string {
	h := sha256.New()
	if len(page.PDF) > 0 {
		h.Write(page.PDF)
	} else {
		h.Write([]byte(page.HTML))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
