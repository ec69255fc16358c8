// Package round drives complete product runs. Each round plans sources,
// fetches and extracts them, reconciles every candidate seen so far, and
// gates the result; rounds escalate breadth and model strength until a
// stop condition fires. The controller owns budgets, stop ordering, the
// per-round summaries, and the run's artifact tree.
package round

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/billing"
	"github.com/sells-group/specfactory/internal/config"
	"github.com/sells-group/specfactory/internal/evidence"
	"github.com/sells-group/specfactory/internal/extract"
	"github.com/sells-group/specfactory/internal/fetch"
	"github.com/sells-group/specfactory/internal/helper"
	"github.com/sells-group/specfactory/internal/llm"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/resilience"
	"github.com/sells-group/specfactory/internal/rulestore"
	"github.com/sells-group/specfactory/internal/specdb"
	"github.com/sells-group/specfactory/internal/storage"
	"github.com/sells-group/specfactory/pkg/anthropic"
	"github.com/sells-group/specfactory/pkg/jina"
)

// Controller holds the long-lived engine dependencies. One controller
// serves many product runs; everything category- or identity-scoped is
// built per run inside Run.
type Controller struct {
	cfg       *config.Config
	keys      storage.Keys
	rules     rulestore.Store
	blobs     storage.Store
	db        specdb.DB
	search    jina.Client
	ai        anthropic.Client
	extractor *extract.Pipeline
	builder   *evidence.Builder
	guard     *llm.BudgetGuard
	pricer    *billing.Pricer
	ledger    *billing.Ledger
	helper    *helper.DB
	pacer     *fetch.HostPacer
	breakers  *resilience.ServiceBreakers
	fetchers  []fetch.Fetcher
}

// New wires a controller with all dependencies. searchClient and helperDB
// may be nil; runs then skip search discovery and helper injection.
func New(
	cfg *config.Config,
	rules rulestore.Store,
	blobs storage.Store,
	db specdb.DB,
	searchClient jina.Client,
	aiClient anthropic.Client,
	extractor *extract.Pipeline,
	builder *evidence.Builder,
	guard *llm.BudgetGuard,
	pricer *billing.Pricer,
	ledger *billing.Ledger,
	helperDB *helper.DB,
	pacer *fetch.HostPacer,
	breakers *resilience.ServiceBreakers,
	fetchers ...fetch.Fetcher,
) *Controller {
	return &Controller{
		cfg:       cfg,
		keys:      storage.Keys{InputPrefix: cfg.Storage.InputPrefix, OutputPrefix: cfg.Storage.OutputPrefix},
		rules:     rules,
		blobs:     blobs,
		db:        db,
		search:    searchClient,
		ai:        aiClient,
		extractor: extractor,
		builder:   builder,
		guard:     guard,
		pricer:    pricer,
		ledger:    ledger,
		helper:    helperDB,
		pacer:     pacer,
		breakers:  breakers,
		fetchers:  fetchers,
	}
}

// roundPlan is the escalation schedule entry for one round.
type roundPlan struct {
	ceiling   model.SourceTier // deepest tier admitted; zero admits all
	queries   int              // search query allowance for the round
	websearch bool             // leave websearch-enabled routes on
	cheap     bool             // trim every model ladder to its first entry
}

// planFor returns the round's breadth. Round 0 is the fast pass: approved
// manufacturer and lab sources only, cheapest ladder models, no search.
// Round 1 adds search and the retailer tier at half the query budget;
// round 2 on opens every tier and whatever query budget remains.
func planFor(round int, cfg config.RoundConfig) roundPlan {
	switch {
	case round == 0:
		return roundPlan{ceiling: model.TierLabDatabase, cheap: true}
	case round == 1:
		half := cfg.MaxSearchQueries / 2
		if half == 0 && cfg.MaxSearchQueries > 0 {
			half = 1
		}
		return roundPlan{ceiling: model.TierRetailer, queries: half, websearch: true}
	default:
		return roundPlan{queries: cfg.MaxSearchQueries, websearch: true}
	}
}

// fetchConfigFor translates the fetch settings plus the category's host
// policies into a scheduler config. An operator policy_map_json overlays
// the per-category policies host by host.
func fetchConfigFor(cfg config.FetchConfig, pools config.PoolsConfig, rules *rulestore.CategoryRules) fetch.Config {
	policies := make(map[string]string, len(rules.FetchPolicies))
	for host, mode := range rules.FetchPolicies {
		policies[host] = mode
	}
	if cfg.PolicyMapJSON != "" {
		var overlay map[string]string
		if err := json.Unmarshal([]byte(cfg.PolicyMapJSON), &overlay); err != nil {
			zap.L().Warn("round: bad policy_map_json, ignoring", zap.Error(err))
		} else {
			for host, mode := range overlay {
				policies[host] = mode
			}
		}
	}

	concurrency := pools.Fetch
	if concurrency <= 0 {
		concurrency = cfg.Concurrency
	}
	return fetch.Config{
		Concurrency:      concurrency,
		MaxRetries:       cfg.MaxRetries,
		RateLimitedDelay: time.Duration(cfg.RateLimitedDelaySecs) * time.Second,
		HostPolicies:     policies,
	}
}

// poolSize applies the default when a pool is left unset.
func poolSize(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}
