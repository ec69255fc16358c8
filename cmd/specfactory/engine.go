package main

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/billing"
	"github.com/sells-group/specfactory/internal/evidence"
	"github.com/sells-group/specfactory/internal/extract"
	"github.com/sells-group/specfactory/internal/fetch"
	"github.com/sells-group/specfactory/internal/helper"
	"github.com/sells-group/specfactory/internal/llm"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/resilience"
	"github.com/sells-group/specfactory/internal/round"
	"github.com/sells-group/specfactory/internal/rulestore"
	"github.com/sells-group/specfactory/internal/specdb"
	"github.com/sells-group/specfactory/internal/storage"
	anthropicpkg "github.com/sells-group/specfactory/pkg/anthropic"
	"github.com/sells-group/specfactory/pkg/crawlee"
	"github.com/sells-group/specfactory/pkg/jina"
	"github.com/sells-group/specfactory/pkg/notion"
	"github.com/sells-group/specfactory/pkg/sidecar"
)

// engineEnv holds the initialized stores, clients, and the round controller
// needed by the run commands.
type engineEnv struct {
	Blobs      storage.Store
	DB         specdb.DB
	Keys       storage.Keys
	Controller *round.Controller

	browser *fetch.BrowserFetcher
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.browser != nil {
		_ = e.browser.Close()
	}
	if e.DB != nil {
		_ = e.DB.Close()
	}
}

// initEngine sets up blob storage, SpecDb, the rule store, the fetcher
// ladder, all API clients, and wires the round controller. Callers should
// defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	if err := cfg.Validate("run"); err != nil {
		return nil, err
	}

	blobs, err := storage.NewFSStore(cfg.Storage.Root)
	if err != nil {
		return nil, eris.Wrap(err, "open blob store")
	}

	db, err := initSpecDB(ctx)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "migrate specdb")
	}

	rules, err := initRules()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var aiOpts []option.RequestOption
	if cfg.Anthropic.TimeoutSecs > 0 {
		aiOpts = append(aiOpts, option.WithRequestTimeout(time.Duration(cfg.Anthropic.TimeoutSecs)*time.Second))
	}
	aiClient := anthropicpkg.NewClient(cfg.Anthropic.Key, aiOpts...)

	// Search discovery is optional; without a key the planner works from
	// seeds, approved hosts, and URL templates only.
	var searchClient jina.Client
	if cfg.Search.JinaKey != "" {
		searchClient = jina.NewClient(cfg.Search.JinaKey)
	} else {
		zap.L().Info("jina key not set, search discovery disabled")
	}

	var sidecarClient sidecar.Client
	if cfg.Sidecar.Enabled && cfg.Sidecar.URL != "" {
		sidecarClient = sidecar.NewClient(cfg.Sidecar.URL,
			sidecar.WithTimeout(time.Duration(cfg.Sidecar.TimeoutSecs)*time.Second))
	}

	extractor, err := extract.NewPipeline(cfg.Extract, sidecarClient)
	if err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "build extraction pipeline")
	}

	fetchers, browser := initFetchers()
	pacer := fetch.NewHostPacer(time.Duration(cfg.Fetch.PerHostMinDelayMs) * time.Millisecond)
	breakers := resilience.NewServiceBreakers(
		resilience.BreakerSettings(cfg.Resilience.FailureThreshold, cfg.Resilience.ResetTimeoutSecs))

	ledger := billing.NewLedger(db, blobs, cfg.LLM.LedgerNDJSON)
	guard := llm.NewBudgetGuard(cfg.LLM, ledger)
	pricer := billing.NewPricer(cfg.Pricing)

	var helperDB *helper.DB
	if cfg.Helper.FilesRoot != "" {
		helperDB = helper.Open(cfg.Helper.FilesRoot)
		zap.L().Info("helper database enabled", zap.String("root", cfg.Helper.FilesRoot))
	}

	ctl := round.New(cfg, rules, blobs, db, searchClient, aiClient,
		extractor, evidence.NewBuilder(cfg.Extract), guard, pricer, ledger,
		helperDB, pacer, breakers, fetchers...)

	return &engineEnv{
		Blobs:      blobs,
		DB:         db,
		Keys:       storage.Keys{InputPrefix: cfg.Storage.InputPrefix, OutputPrefix: cfg.Storage.OutputPrefix},
		Controller: ctl,
		browser:    browser,
	}, nil
}

// initSpecDB opens the configured relational backend.
func initSpecDB(ctx context.Context) (specdb.DB, error) {
	switch cfg.SpecDb.Driver {
	case "sqlite":
		dsn := cfg.SpecDb.SQLitePath
		if dsn == "" {
			dsn = "specfactory.db"
		}
		return specdb.NewSQLite(dsn)
	case "postgres":
		return specdb.NewPostgres(ctx, cfg.SpecDb.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported specdb driver: %s", cfg.SpecDb.Driver)
	}
}

// initRules builds the category rule store behind the single-flight cache.
func initRules() (rulestore.Store, error) {
	var inner rulestore.Store
	switch cfg.RuleStore.Source {
	case "file":
		inner = rulestore.NewFileStore(cfg.RuleStore.Dir)
	case "notion":
		inner = rulestore.NewNotionStore(
			notion.NewClient(cfg.RuleStore.NotionToken),
			cfg.RuleStore.FieldDB, cfg.RuleStore.RouteDB, cfg.RuleStore.HostDB)
	default:
		return nil, eris.Errorf("unsupported rulestore source: %s", cfg.RuleStore.Source)
	}
	return rulestore.NewCachedStore(inner, time.Duration(cfg.RuleStore.RefreshSecs)*time.Second), nil
}

// initFetchers builds the fallback ladder's rungs. HTTP, browser, and FTP
// are always present; the crawlee rung joins only when the service is
// configured. The scheduler skips ladder methods with no registered rung.
func initFetchers() ([]fetch.Fetcher, *fetch.BrowserFetcher) {
	navTimeout := time.Duration(cfg.Fetch.NavigationTimeoutSecs) * time.Second
	networkIdle := time.Duration(cfg.Fetch.NetworkIdleSecs) * time.Second

	browser := fetch.NewBrowserFetcher(fetch.BrowserOptions{
		Bin:               cfg.Fetch.BrowserBin,
		UserAgent:         cfg.Fetch.UserAgent,
		NavigationTimeout: navTimeout,
		NetworkIdle:       networkIdle,
		Screenshots:       cfg.Fetch.Screenshots,
	})

	fetchers := []fetch.Fetcher{
		fetch.NewHTTPFetcher(fetch.HTTPOptions{UserAgent: cfg.Fetch.UserAgent, Timeout: navTimeout}),
		browser,
		fetch.NewFTPFetcher(navTimeout),
	}

	if cfg.Crawlee.Key != "" {
		client := crawlee.NewClient(cfg.Crawlee.Key, cfg.Crawlee.BaseURL)
		fetchers = append(fetchers, fetch.NewCrawleeFetcher(client, fetch.CrawleeOptions{
			UserAgent:   cfg.Fetch.UserAgent,
			NetworkIdle: networkIdle,
			Screenshots: cfg.Fetch.Screenshots,
		}))
		zap.L().Info("crawlee fetch service enabled")
	}

	return fetchers, browser
}

// parseProductKey splits a "category/product-id" key.
func parseProductKey(key string) (category, productID string, err error) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", eris.Errorf("product key %q must be category/product-id", key)
	}
	return parts[0], parts[1], nil
}

// loadJob reads the product job JSON from the input tree.
func loadJob(ctx context.Context, blobs storage.Store, keys storage.Keys, productKey string) (*model.ProductJob, error) {
	category, productID, err := parseProductKey(productKey)
	if err != nil {
		return nil, err
	}
	var job model.ProductJob
	if err := storage.GetJSON(ctx, blobs, keys.InputJob(category, productID), &job); err != nil {
		return nil, eris.Wrapf(err, "load job %s", productKey)
	}
	return &job, nil
}

// parseMode validates a --mode flag value.
func parseMode(s string) (model.RunMode, error) {
	switch m := model.RunMode(s); m {
	case model.RunModeFast, model.RunModeBalanced, model.RunModeAggressive:
		return m, nil
	default:
		return "", eris.Errorf("mode %q must be fast, balanced, or aggressive", s)
	}
}
