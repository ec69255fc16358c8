package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full engine configuration.
type Config struct {
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	SpecDb     SpecDbConfig     `yaml:"specdb" mapstructure:"specdb"`
	RuleStore  RuleStoreConfig  `yaml:"rulestore" mapstructure:"rulestore"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Sidecar    SidecarConfig    `yaml:"sidecar" mapstructure:"sidecar"`
	Crawlee    CrawleeConfig    `yaml:"crawlee" mapstructure:"crawlee"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Planner    PlannerConfig    `yaml:"planner" mapstructure:"planner"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Round      RoundConfig      `yaml:"round" mapstructure:"round"`
	Pools      PoolsConfig      `yaml:"pools" mapstructure:"pools"`
	Helper     HelperConfig     `yaml:"helper" mapstructure:"helper"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StorageConfig configures the blob store layout.
type StorageConfig struct {
	Root         string `yaml:"root" mapstructure:"root"`
	InputPrefix  string `yaml:"input_prefix" mapstructure:"input_prefix"`
	OutputPrefix string `yaml:"output_prefix" mapstructure:"output_prefix"`
}

// SpecDbConfig configures the relational backend.
type SpecDbConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// RuleStoreConfig configures where field contracts and route matrices load from.
type RuleStoreConfig struct {
	Source      string `yaml:"source" mapstructure:"source"` // file or notion
	Dir         string `yaml:"dir" mapstructure:"dir"`
	NotionToken string `yaml:"notion_token" mapstructure:"notion_token"`
	FieldDB     string `yaml:"field_db" mapstructure:"field_db"`
	RouteDB     string `yaml:"route_db" mapstructure:"route_db"`
	HostDB      string `yaml:"host_db" mapstructure:"host_db"`
	RefreshSecs int    `yaml:"refresh_secs" mapstructure:"refresh_secs"`
}

// AnthropicConfig holds Anthropic API settings and the role model ladder.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	HaikuModel  string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	OpusModel   string `yaml:"opus_model" mapstructure:"opus_model"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// SidecarConfig holds the structured-metadata sidecar settings.
// The sidecar is fail-open: errors skip the surface, never block a run.
type SidecarConfig struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	URL         string `yaml:"url" mapstructure:"url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CrawleeConfig holds the orchestrated-fetch service settings.
type CrawleeConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// SearchConfig configures the discovery search provider. Without a key the
// planner skips search discovery and plans from seed templates only.
type SearchConfig struct {
	JinaKey string `yaml:"jina_key" mapstructure:"jina_key"`
}

// PlannerConfig bounds source selection.
type PlannerConfig struct {
	MaxURLsPerProduct int `yaml:"max_urls_per_product" mapstructure:"max_urls_per_product"`
	MaxPagesPerDomain int `yaml:"max_pages_per_domain" mapstructure:"max_pages_per_domain"`
	MaxHostVisits     int `yaml:"max_host_visits" mapstructure:"max_host_visits"`
	MaxDiscoveryDepth int `yaml:"max_discovery_depth" mapstructure:"max_discovery_depth"`
}

// FetchConfig configures the fetch scheduler and fetcher modes.
type FetchConfig struct {
	Concurrency           int    `yaml:"concurrency" mapstructure:"concurrency"`
	PerHostMinDelayMs     int    `yaml:"per_host_min_delay_ms" mapstructure:"per_host_min_delay_ms"`
	MaxRetries            int    `yaml:"max_retries" mapstructure:"max_retries"`
	NavigationTimeoutSecs int    `yaml:"navigation_timeout_secs" mapstructure:"navigation_timeout_secs"`
	NetworkIdleSecs       int    `yaml:"network_idle_secs" mapstructure:"network_idle_secs"`
	RateLimitedDelaySecs  int    `yaml:"rate_limited_delay_secs" mapstructure:"rate_limited_delay_secs"`
	UserAgent             string `yaml:"user_agent" mapstructure:"user_agent"`
	PolicyMapJSON         string `yaml:"policy_map_json" mapstructure:"policy_map_json"`
	BrowserBin            string `yaml:"browser_bin" mapstructure:"browser_bin"`
	Screenshots           bool   `yaml:"screenshots" mapstructure:"screenshots"`
}

// ExtractConfig configures the extraction pipeline.
type ExtractConfig struct {
	ArticleMinScore  float64 `yaml:"article_min_score" mapstructure:"article_min_score"`
	MaxEvidenceChars int     `yaml:"max_evidence_chars" mapstructure:"max_evidence_chars"`
	WindowRadius     int     `yaml:"window_radius" mapstructure:"window_radius"`
	ScannedPDFOCR    bool    `yaml:"scanned_pdf_ocr" mapstructure:"scanned_pdf_ocr"`
	OCRProvider      string  `yaml:"ocr_provider" mapstructure:"ocr_provider"`
	OCRKey           string  `yaml:"ocr_key" mapstructure:"ocr_key"`
	PdfToTextPath    string  `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	SidecarCacheSize int     `yaml:"sidecar_cache_size" mapstructure:"sidecar_cache_size"`
}

// LLMConfig holds budgets and routing caps for LLM work.
type LLMConfig struct {
	MonthlyBudgetUSD    float64 `yaml:"monthly_budget_usd" mapstructure:"monthly_budget_usd"`
	PerProductBudgetUSD float64 `yaml:"per_product_budget_usd" mapstructure:"per_product_budget_usd"`
	MaxCallsPerProduct  int     `yaml:"max_calls_per_product" mapstructure:"max_calls_per_product"`
	MaxCallsPerRound    int     `yaml:"max_calls_per_round" mapstructure:"max_calls_per_round"`
	MaxHighTierPerRound int     `yaml:"max_high_tier_per_round" mapstructure:"max_high_tier_per_round"`
	DisableBudgetGuards bool    `yaml:"disable_budget_guards" mapstructure:"disable_budget_guards"`
	VerifySampleRate    float64 `yaml:"verify_sample_rate" mapstructure:"verify_sample_rate"`
	LedgerNDJSON        bool    `yaml:"ledger_ndjson" mapstructure:"ledger_ndjson"`
}

// RoundConfig holds per-round and run-wide budgets.
type RoundConfig struct {
	MaxRunSeconds    int     `yaml:"max_run_seconds" mapstructure:"max_run_seconds"`
	MaxURLs          int     `yaml:"max_urls" mapstructure:"max_urls"`
	MaxSearchQueries int     `yaml:"max_search_queries" mapstructure:"max_search_queries"`
	MaxCostUSD       float64 `yaml:"max_cost_usd" mapstructure:"max_cost_usd"`
	MarginalYieldEps float64 `yaml:"marginal_yield_eps" mapstructure:"marginal_yield_eps"`
}

// PoolsConfig sets worker counts for the four pools.
type PoolsConfig struct {
	Fetch  int `yaml:"fetch" mapstructure:"fetch"`
	Parse  int `yaml:"parse" mapstructure:"parse"`
	Search int `yaml:"search" mapstructure:"search"`
	LLM    int `yaml:"llm" mapstructure:"llm"`
}

// HelperConfig points at the local helper database workbooks.
type HelperConfig struct {
	FilesRoot string `yaml:"files_root" mapstructure:"files_root"`
}

// PricingConfig holds per-model token pricing.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Default   ModelPricing            `yaml:"default" mapstructure:"default"`

	// WebSearchPerCall is the USD charge per server-side search request.
	WebSearchPerCall float64 `yaml:"web_search_per_call" mapstructure:"web_search_per_call"`
}

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	Input        float64 `yaml:"input" mapstructure:"input"`
	Output       float64 `yaml:"output" mapstructure:"output"`
	CacheReadMul float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ResilienceConfig tunes transport retry and the per-service circuit breakers.
type ResilienceConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SPECFACTORY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare env names kept for operator compatibility.
	bindLegacyEnv(v)

	// Defaults
	v.SetDefault("storage.root", "./data")
	v.SetDefault("storage.input_prefix", "inputs")
	v.SetDefault("storage.output_prefix", "outputs")
	v.SetDefault("specdb.driver", "sqlite")
	v.SetDefault("specdb.sqlite_path", "./data/specfactory.db")
	v.SetDefault("rulestore.source", "file")
	v.SetDefault("rulestore.dir", "./rules")
	v.SetDefault("rulestore.refresh_secs", 45)
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.opus_model", "claude-opus-4-1-20250805")
	v.SetDefault("anthropic.timeout_secs", 120)
	v.SetDefault("sidecar.enabled", true)
	v.SetDefault("sidecar.url", "http://localhost:8077/parse")
	v.SetDefault("sidecar.timeout_secs", 10)
	v.SetDefault("crawlee.base_url", "http://localhost:8078")
	v.SetDefault("planner.max_urls_per_product", 24)
	v.SetDefault("planner.max_pages_per_domain", 4)
	v.SetDefault("planner.max_host_visits", 4)
	v.SetDefault("planner.max_discovery_depth", 2)
	v.SetDefault("fetch.concurrency", 4)
	v.SetDefault("fetch.per_host_min_delay_ms", 300)
	v.SetDefault("fetch.max_retries", 1)
	v.SetDefault("fetch.navigation_timeout_secs", 30)
	v.SetDefault("fetch.network_idle_secs", 8)
	v.SetDefault("fetch.rate_limited_delay_secs", 5)
	v.SetDefault("fetch.user_agent", "SpecFactory/1.0 (+spec harvesting; contact ops@sells.group)")
	v.SetDefault("fetch.screenshots", false)
	v.SetDefault("extract.article_min_score", 0.45)
	v.SetDefault("extract.max_evidence_chars", 18000)
	v.SetDefault("extract.window_radius", 90)
	v.SetDefault("extract.scanned_pdf_ocr", false)
	v.SetDefault("extract.ocr_provider", "local")
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("extract.sidecar_cache_size", 256)
	v.SetDefault("llm.monthly_budget_usd", 250.0)
	v.SetDefault("llm.per_product_budget_usd", 0.50)
	v.SetDefault("llm.max_calls_per_product", 40)
	v.SetDefault("llm.max_calls_per_round", 12)
	v.SetDefault("llm.max_high_tier_per_round", 2)
	v.SetDefault("llm.verify_sample_rate", 0.0)
	v.SetDefault("llm.ledger_ndjson", true)
	v.SetDefault("round.max_run_seconds", 900)
	v.SetDefault("round.max_urls", 12)
	v.SetDefault("round.max_search_queries", 6)
	v.SetDefault("round.max_cost_usd", 0.25)
	v.SetDefault("round.marginal_yield_eps", 0.02)
	v.SetDefault("pools.fetch", 4)
	v.SetDefault("pools.parse", 4)
	v.SetDefault("pools.search", 2)
	v.SetDefault("pools.llm", 2)
	v.SetDefault("pricing.default.input", 3.00)
	v.SetDefault("pricing.default.output", 15.00)
	v.SetDefault("pricing.default.cache_read_mul", 0.1)
	v.SetDefault("pricing.web_search_per_call", 0.01)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 30000)
	v.SetDefault("resilience.multiplier", 2.0)
	v.SetDefault("resilience.jitter_fraction", 0.25)
	v.SetDefault("resilience.failure_threshold", 4)
	v.SetDefault("resilience.reset_timeout_secs", 60)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// bindLegacyEnv maps the historical flat variable names onto config keys.
func bindLegacyEnv(v *viper.Viper) {
	aliases := map[string]string{
		"planner.max_urls_per_product": "MAX_URLS_PER_PRODUCT",
		"planner.max_pages_per_domain": "MAX_PAGES_PER_DOMAIN",
		"round.max_run_seconds":        "MAX_RUN_SECONDS",
		"fetch.concurrency":            "FETCH_CONCURRENCY",
		"fetch.policy_map_json":        "DYNAMIC_FETCH_POLICY_MAP_JSON",
		"llm.monthly_budget_usd":       "LLM_MONTHLY_BUDGET_USD",
		"llm.per_product_budget_usd":   "LLM_PER_PRODUCT_BUDGET_USD",
		"llm.max_calls_per_product":    "LLM_MAX_CALLS_PER_PRODUCT_TOTAL",
		"llm.max_calls_per_round":      "LLM_MAX_CALLS_PER_ROUND",
		"llm.disable_budget_guards":    "LLM_DISABLE_BUDGET_GUARDS",
		"sidecar.enabled":              "STRUCTURED_METADATA_ENABLED",
		"sidecar.url":                  "STRUCTURED_METADATA_URL",
		"extract.article_min_score":    "ARTICLE_EXTRACTOR_MIN_SCORE",
		"extract.scanned_pdf_ocr":      "SCANNED_PDF_OCR_ENABLED",
		"extract.ocr_key":              "MISTRAL_API_KEY",
		"helper.files_root":            "HELPER_FILES_ROOT",
	}
	for key, env := range aliases {
		// BindEnv only errors on empty input.
		_ = v.BindEnv(key, env)
	}
}

// Validate checks that the config can support the given command mode.
// Modes: "run" (full engine), "billing" (ledger only), "explain" (storage only).
func (c *Config) Validate(mode string) error {
	var problems []string

	checkStorage := func() {
		if c.Storage.Root == "" {
			problems = append(problems, "storage.root is required")
		}
	}
	checkSpecDb := func() {
		switch c.SpecDb.Driver {
		case "sqlite":
			if c.SpecDb.SQLitePath == "" {
				problems = append(problems, "specdb.sqlite_path is required for sqlite")
			}
		case "postgres":
			if c.SpecDb.DatabaseURL == "" {
				problems = append(problems, "specdb.database_url is required for postgres")
			}
		default:
			problems = append(problems, "specdb.driver must be sqlite or postgres")
		}
	}

	switch mode {
	case "run":
		checkStorage()
		checkSpecDb()
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.RuleStore.Source == "notion" && c.RuleStore.NotionToken == "" {
			problems = append(problems, "rulestore.notion_token is required for notion source")
		}
		if c.Fetch.Concurrency < 1 || c.Fetch.Concurrency > 32 {
			problems = append(problems, "fetch.concurrency must be between 1 and 32")
		}
		if c.LLM.VerifySampleRate < 0 || c.LLM.VerifySampleRate > 1 {
			problems = append(problems, "llm.verify_sample_rate must be within [0,1]")
		}
		if c.Extract.ArticleMinScore < 0 || c.Extract.ArticleMinScore > 1 {
			problems = append(problems, "extract.article_min_score must be within [0,1]")
		}
	case "billing":
		checkStorage()
		checkSpecDb()
	case "explain":
		checkStorage()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
