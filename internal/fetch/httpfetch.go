package fetch

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"github.com/sells-group/specfactory/internal/model"
)

// maxBodyBytes bounds one response read. Spec pages and datasheet PDFs both
// fit well under it.
const maxBodyBytes = 16 << 20

// HTTPFetcher fetches a URL with a plain GET. It is the cheap first rung for
// hosts known to serve static markup, and the only rung for direct PDF
// downloads.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// HTTPOptions tunes the HTTP fetcher.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
}

// NewHTTPFetcher builds an HTTP fetcher with sane transport limits.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgent: opts.UserAgent,
	}
}

func (f *HTTPFetcher) Method() model.FetchMethod {
	return model.FetchHTTP
}

func (f *HTTPFetcher) Supports(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func (f *HTTPFetcher) Fetch(ctx context.Context, src model.Source) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: build request for %s", src.URL)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: get %s", src.URL)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: read %s", src.URL)
	}
	elapsed := time.Since(start).Milliseconds()

	page := &model.PageData{
		URL:         src.URL,
		FinalURL:    resp.Request.URL.String(),
		HTTPStatus:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     flattenHeader(resp.Header),
		FetchMethod: model.FetchHTTP,
	}
	timing := model.FetchTiming{NavigationMs: elapsed}

	outcome := ClassifyStatus(resp.StatusCode, resp.Header, body)
	if outcome != model.OutcomeOK {
		return &Result{Page: page, Outcome: outcome, Timing: timing}, nil
	}

	if isPDF(page.ContentType, page.FinalURL, body) {
		if len(body) == 0 {
			return &Result{Page: page, Outcome: model.OutcomeBadContent, Timing: timing}, nil
		}
		page.PDF = body
		return &Result{Page: page, Outcome: model.OutcomeOK, Timing: timing}, nil
	}

	if looksJSShell(body) {
		// An unrendered client-side shell. Not a refusal, but this mode
		// cannot see the content; let the ladder escalate to a browser.
		return &Result{Page: page, Outcome: model.OutcomeFetchError, Timing: timing}, nil
	}
	if outcome = ClassifyBody(body); outcome != model.OutcomeOK {
		return &Result{Page: page, Outcome: outcome, Timing: timing}, nil
	}

	page.HTML = decodeCharset(body, page.ContentType)
	return &Result{Page: page, Outcome: model.OutcomeOK, Timing: timing}, nil
}

func flattenHeader(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for key := range header {
		out[key] = header.Get(key)
	}
	return out
}

func isPDF(contentType, rawURL string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	if bytes.HasPrefix(body, []byte("%PDF-")) {
		return true
	}
	trimmed := rawURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	return strings.HasSuffix(strings.ToLower(trimmed), ".pdf")
}

// The HTML spec requires a meta charset declaration inside the first 1024
// bytes, so the sniff stays within that window.
var metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]+charset=["']?([a-zA-Z0-9_.:\-]+)`)

// decodeCharset converts a fetched body to UTF-8 using the Content-Type
// charset parameter, falling back to a meta tag sniff. Undecodable bodies
// pass through unchanged rather than failing the fetch.
func decodeCharset(body []byte, contentType string) string {
	name := charsetFromContentType(contentType)
	if name == "" {
		name = charsetFromMeta(body)
	}
	if name == "" || strings.EqualFold(name, "utf-8") {
		return string(body)
	}
	enc, err := htmlindex.Get(name)
	if err != nil || enc == nil {
		return string(body)
	}
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(body), enc.NewDecoder()))
	if err != nil {
		return string(body)
	}
	return string(decoded)
}

func charsetFromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

func charsetFromMeta(body []byte) string {
	if len(body) > 1024 {
		body = body[:1024]
	}
	m := metaCharsetRe.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return string(m[1])
}
