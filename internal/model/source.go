package model

import (
	"fmt"
	"time"
)

// SourceTier ranks how authoritative a host is for the category.
type SourceTier int

const (
	TierManufacturer SourceTier = 1
	TierLabDatabase  SourceTier = 2
	TierRetailer     SourceTier = 3
	TierCandidate    SourceTier = 4
)

// Weight is the consensus tier weight.
func (t SourceTier) Weight() float64 {
	switch t {
	case TierManufacturer:
		return 1.0
	case TierLabDatabase:
		return 0.9
	case TierRetailer:
		return 0.7
	default:
		return 0.5
	}
}

// SourceRole describes what kind of page a source is expected to be.
type SourceRole string

const (
	RoleProductPage SourceRole = "product_page"
	RoleSpecSheet   SourceRole = "spec_sheet"
	RoleManual      SourceRole = "manual"
	RoleReview      SourceRole = "review"
	RoleDatabase    SourceRole = "database"
	RoleListing     SourceRole = "listing"
)

// FetchMethod is the fetcher mode that produced a page.
type FetchMethod string

const (
	FetchDynamicBrowser FetchMethod = "dynamic_browser"
	FetchHTTP           FetchMethod = "http"
	FetchCrawlee        FetchMethod = "crawlee"
	FetchFTP            FetchMethod = "ftp"
	FetchHelperFiles    FetchMethod = "helper_files" // synthetic, never fetched
)

// FetchOutcome classifies the result of one fetch attempt.
type FetchOutcome string

const (
	OutcomeOK                FetchOutcome = "ok"
	OutcomeNotFound          FetchOutcome = "not_found"
	OutcomeBadContent        FetchOutcome = "bad_content"
	OutcomeLoginWall         FetchOutcome = "login_wall"
	OutcomeBlocked           FetchOutcome = "blocked"
	OutcomeBotChallenge      FetchOutcome = "bot_challenge"
	OutcomeServerError       FetchOutcome = "server_error"
	OutcomeNetworkTimeout    FetchOutcome = "network_timeout"
	OutcomeFetchError        FetchOutcome = "fetch_error"
	OutcomeRateLimited       FetchOutcome = "rate_limited"
	OutcomeFallbackExhausted FetchOutcome = "fallback_exhausted"
)

// LadderAction is what the fallback ladder does about an outcome.
type LadderAction string

const (
	ActionNone              LadderAction = "none"
	ActionSkip              LadderAction = "skip"
	ActionTryAlternateFetch LadderAction = "try_alternate_fetcher"
	ActionWaitAndRetrySame  LadderAction = "wait_and_retry_same"
)

// Action maps the outcome to its ladder action.
func (o FetchOutcome) Action() LadderAction {
	switch o {
	case OutcomeOK:
		return ActionNone
	case OutcomeNotFound, OutcomeBadContent, OutcomeLoginWall:
		return ActionSkip
	case OutcomeRateLimited:
		return ActionWaitAndRetrySame
	case OutcomeBlocked, OutcomeBotChallenge, OutcomeServerError, OutcomeNetworkTimeout, OutcomeFetchError:
		return ActionTryAlternateFetch
	default:
		return ActionSkip
	}
}

// Source is one fetched (or synthetic) URL for a product run.
// One row per (product, host, run).
type Source struct {
	SourceID    string       `json:"source_id"`
	URL         string       `json:"url"`
	FinalURL    string       `json:"final_url,omitempty"`
	Host        string       `json:"host"`
	RootDomain  string       `json:"root_domain"`
	Tier        SourceTier   `json:"tier"`
	Role        SourceRole   `json:"role"`
	Seed        bool         `json:"seed,omitempty"`
	FetchedAt   time.Time    `json:"fetched_at,omitempty"`
	HTTPStatus  int          `json:"http_status,omitempty"`
	FetchMethod FetchMethod  `json:"fetch_method,omitempty"`
	ContentHash string       `json:"content_hash,omitempty"`
	TextHash    string       `json:"text_hash,omitempty"`
	Outcome     FetchOutcome `json:"outcome,omitempty"`
}

// SourceID builds the stable source identifier.
func SourceID(category, productID, host, runID string) string {
	return fmt.Sprintf("%s::%s::%s::%s", category, productID, host, runID)
}

// PageData is everything a fetcher hands to the extraction pipeline.
type PageData struct {
	URL           string            `json:"url"`
	FinalURL      string            `json:"final_url"`
	HTTPStatus    int               `json:"http_status"`
	HTML          string            `json:"html,omitempty"`
	Text          string            `json:"text,omitempty"`
	NetworkJSON   []NetworkCapture  `json:"network_json,omitempty"`
	EmbeddedJSON  []string          `json:"embedded_json,omitempty"`
	PDF           []byte            `json:"-"`
	ContentType   string            `json:"content_type,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	FetchMethod   FetchMethod       `json:"fetch_method"`
	ScreenshotKey string            `json:"screenshot_key,omitempty"`
}

// NetworkCapture is one XHR/GraphQL response captured during a browser render.
type NetworkCapture struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Body        string `json:"body"`
}

// FetchTiming breaks down where one fetch spent its time.
type FetchTiming struct {
	NavigationMs  int64 `json:"navigation_ms"`
	NetworkIdleMs int64 `json:"network_idle_ms"`
	ReplayMs      int64 `json:"replay_ms"`
}

// FetchTelemetry is the per-source fetch record emitted by the scheduler.
type FetchTelemetry struct {
	SourceID          string       `json:"source_id"`
	URL               string       `json:"url"`
	Attempts          int          `json:"attempts"`
	RetryCount        int          `json:"retry_count"`
	RetryReasons      []string     `json:"retry_reasons,omitempty"`
	MatchedHostPolicy string       `json:"matched_host_policy,omitempty"`
	Outcome           FetchOutcome `json:"outcome"`
	Timing            FetchTiming  `json:"timing"`
}
