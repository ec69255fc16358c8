package fetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/model"
)

const (
	// maxCaptures bounds how many XHR/fetch responses one render records.
	maxCaptures = 40
	// maxCaptureBody bounds one captured response or hydration payload.
	maxCaptureBody = 512 << 10
	// quietWindow is how long the network must stay silent before a page
	// counts as settled.
	quietWindow = 500 * time.Millisecond
)

// BrowserOptions tunes the headless browser fetcher.
type BrowserOptions struct {
	Bin               string
	UserAgent         string
	NavigationTimeout time.Duration
	NetworkIdle       time.Duration
	ViewportWidth     int
	ViewportHeight    int
	Screenshots       bool
}

// BrowserFetcher renders pages in headless Chrome, capturing XHR and GraphQL
// JSON responses, framework hydration state, and optionally a full-page
// screenshot. The browser launches lazily on first use and is shared across
// fetches; each fetch gets its own tab inside a common incognito context.
type BrowserFetcher struct {
	opts BrowserOptions

	mu        sync.Mutex
	browser   *rod.Browser
	incognito *rod.Browser
	launcher  *launcher.Launcher
}

// NewBrowserFetcher builds a browser fetcher. No browser is launched until
// the first Fetch.
func NewBrowserFetcher(opts BrowserOptions) *BrowserFetcher {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.NetworkIdle <= 0 {
		opts.NetworkIdle = 8 * time.Second
	}
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1920
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 1080
	}
	return &BrowserFetcher{opts: opts}
}

func (f *BrowserFetcher) Method() model.FetchMethod {
	return model.FetchDynamicBrowser
}

func (f *BrowserFetcher) Supports(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	// Direct PDF links would trigger a download, not a render.
	return !isPDF("", lower, nil)
}

// ensureStarted launches and connects the shared browser if needed, reusing
// a live one across fetches.
func (f *BrowserFetcher) ensureStarted() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		if _, err := f.browser.Version(); err == nil {
			return f.incognito, nil
		}
		zap.L().Warn("fetch: browser connection stale, relaunching")
		_ = f.browser.Close()
		f.browser = nil
		f.incognito = nil
	}

	l := launcher.New().Headless(true)
	if f.opts.Bin != "" {
		l = l.Bin(f.opts.Bin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return nil, eris.Wrap(err, "fetch: launch browser")
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, eris.Wrap(err, "fetch: connect browser")
	}
	incognito, err := browser.Incognito()
	if err != nil {
		_ = browser.Close()
		return nil, eris.Wrap(err, "fetch: incognito context")
	}

	f.browser = browser
	f.incognito = incognito
	f.launcher = l
	zap.L().Info("fetch: headless browser started")
	return f.incognito, nil
}

// Close shuts the shared browser down. Safe to call when nothing launched.
func (f *BrowserFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil {
		return nil
	}
	err := f.browser.Close()
	f.browser = nil
	f.incognito = nil
	if f.launcher != nil {
		f.launcher.Cleanup()
		f.launcher = nil
	}
	return err
}

func (f *BrowserFetcher) Fetch(ctx context.Context, src model.Source) (*Result, error) {
	browser, err := f.ensureStarted()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, eris.Wrap(err, "fetch: create page")
	}
	defer func() { _ = page.Close() }()
	page = page.Context(ctx)

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             f.opts.ViewportWidth,
		Height:            f.opts.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		zap.L().Debug("fetch: viewport override failed", zap.Error(err))
	}
	if f.opts.UserAgent != "" {
		if err := (proto.NetworkSetUserAgentOverride{UserAgent: f.opts.UserAgent}).Call(page); err != nil {
			zap.L().Debug("fetch: user agent override failed", zap.Error(err))
		}
	}

	caps := &captureLog{}
	wait := page.EachEvent(func(ev *proto.NetworkResponseReceived) {
		caps.observe(ev)
	})
	go wait()

	navStart := time.Now()
	if err := page.Timeout(f.opts.NavigationTimeout).Navigate(src.URL); err != nil {
		return nil, eris.Wrapf(err, "fetch: navigate %s", src.URL)
	}
	if err := page.Timeout(f.opts.NavigationTimeout).WaitLoad(); err != nil {
		zap.L().Debug("fetch: load wait gave up",
			zap.String("url", src.URL),
			zap.Error(err))
	}
	navMs := time.Since(navStart).Milliseconds()

	idleStart := time.Now()
	f.settle(ctx, caps)
	idleMs := time.Since(idleStart).Milliseconds()

	html, err := page.HTML()
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: serialize dom for %s", src.URL)
	}

	finalURL := src.URL
	if info, infoErr := page.Info(); infoErr == nil && info.URL != "" && info.URL != "about:blank" {
		finalURL = info.URL
	}

	status := caps.documentStatus()
	if status == 0 {
		// Cached or in-page navigations emit no document response.
		status = http.StatusOK
	}

	captures := collectCaptures(page, caps.list())
	embedded := dumpHydrationState(page)

	var shot []byte
	if f.opts.Screenshots {
		if png, shotErr := page.Screenshot(true, nil); shotErr == nil {
			shot = png
		} else {
			zap.L().Debug("fetch: screenshot failed",
				zap.String("url", src.URL),
				zap.Error(shotErr))
		}
	}

	pd := &model.PageData{
		URL:          src.URL,
		FinalURL:     finalURL,
		HTTPStatus:   status,
		HTML:         html,
		NetworkJSON:  captures,
		EmbeddedJSON: embedded,
		FetchMethod:  model.FetchDynamicBrowser,
	}

	outcome := ClassifyStatus(status, nil, []byte(html))
	if outcome == model.OutcomeOK {
		outcome = ClassifyBody([]byte(html))
	}

	return &Result{
		Page:       pd,
		Outcome:    outcome,
		Timing:     model.FetchTiming{NavigationMs: navMs, NetworkIdleMs: idleMs},
		Screenshot: shot,
	}, nil
}

// settle waits for the page's network traffic to go quiet: no new responses
// for quietWindow, bounded by the configured idle budget.
func (f *BrowserFetcher) settle(ctx context.Context, caps *captureLog) {
	deadline := time.Now().Add(f.opts.NetworkIdle)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(caps.lastEvent()) >= quietWindow {
				return
			}
			if time.Now().After(deadline) {
				return
			}
		}
	}
}

// captureLog records network responses seen during a render. Handlers run on
// the event pump goroutine, so access is mutex-guarded.
type captureLog struct {
	mu        sync.Mutex
	last      time.Time
	docStatus int
	entries   []captureEntry
}

type captureEntry struct {
	requestID proto.NetworkRequestID
	url       string
}

func (c *captureLog) observe(ev *proto.NetworkResponseReceived) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = time.Now()
	if ev.Response == nil {
		return
	}
	if ev.Type == proto.NetworkResourceTypeDocument && c.docStatus == 0 {
		c.docStatus = ev.Response.Status
	}
	if ev.Type != proto.NetworkResourceTypeXHR && ev.Type != proto.NetworkResourceTypeFetch {
		return
	}
	if len(c.entries) >= maxCaptures {
		return
	}
	c.entries = append(c.entries, captureEntry{
		requestID: ev.RequestID,
		url:       ev.Response.URL,
	})
}

func (c *captureLog) lastEvent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *captureLog) documentStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docStatus
}

func (c *captureLog) list() []captureEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]captureEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// collectCaptures pulls response bodies for recorded XHR/fetch entries and
// keeps the ones that are valid JSON. GraphQL replies land here too.
func collectCaptures(page *rod.Page, entries []captureEntry) []model.NetworkCapture {
	var out []model.NetworkCapture
	for _, e := range entries {
		res, err := proto.NetworkGetResponseBody{RequestID: e.requestID}.Call(page)
		if err != nil {
			continue
		}
		body := []byte(res.Body)
		if res.Base64Encoded {
			decoded, decErr := base64.StdEncoding.DecodeString(res.Body)
			if decErr != nil {
				continue
			}
			body = decoded
		}
		if len(body) == 0 || len(body) > maxCaptureBody {
			continue
		}
		if !json.Valid(body) {
			continue
		}
		out = append(out, model.NetworkCapture{
			URL:         e.url,
			ContentType: "application/json",
			Body:        string(body),
		})
	}
	return out
}

// hydrationJS serializes the framework state payloads single-page apps leave
// on the window object.
const hydrationJS = `() => {
	const out = [];
	const push = (v) => {
		if (!v) return;
		try {
			const s = typeof v === 'string' ? v : JSON.stringify(v);
			if (s && s.length > 2) out.push(s);
		} catch (e) {}
	};
	push(window.__NEXT_DATA__);
	push(window.__NUXT__);
	push(window.__INITIAL_STATE__);
	push(window.__PRELOADED_STATE__);
	push(window.__APOLLO_STATE__);
	const tag = document.getElementById('__NEXT_DATA__');
	if (tag && tag.textContent) push(tag.textContent);
	return out;
}`

func dumpHydrationState(page *rod.Page) []string {
	res, err := page.Evaluate(&rod.EvalOptions{JS: hydrationJS, ByValue: true, AwaitPromise: true})
	if err != nil || res == nil || res.Value.Nil() {
		return nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil
	}
	var payloads []string
	if err := json.Unmarshal(raw, &payloads); err != nil {
		return nil
	}
	return dedupePayloads(payloads)
}

// dedupePayloads drops repeats (__NEXT_DATA__ shows up both on window and as
// a script tag), oversized blobs, and anything that is not JSON.
func dedupePayloads(payloads []string) []string {
	seen := make(map[string]bool, len(payloads))
	var out []string
	for _, p := range payloads {
		p = strings.TrimSpace(p)
		if p == "" || len(p) > maxCaptureBody || seen[p] {
			continue
		}
		if !json.Valid([]byte(p)) {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
