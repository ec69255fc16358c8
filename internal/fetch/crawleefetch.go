package fetch

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/pkg/crawlee"
)

// CrawleeOptions tunes the orchestrated-fetch mode.
type CrawleeOptions struct {
	UserAgent   string
	NetworkIdle time.Duration
	Screenshots bool
}

// CrawleeFetcher replays a source through the orchestrated-fetch service.
// The service owns proxy rotation and bot evasion, which makes this the last
// rung of the ladder for hosts that defeat direct fetching.
type CrawleeFetcher struct {
	client crawlee.Client
	opts   CrawleeOptions
}

// NewCrawleeFetcher wraps an orchestrated-fetch client as a fetcher.
func NewCrawleeFetcher(client crawlee.Client, opts CrawleeOptions) *CrawleeFetcher {
	if opts.NetworkIdle <= 0 {
		opts.NetworkIdle = 8 * time.Second
	}
	return &CrawleeFetcher{client: client, opts: opts}
}

func (f *CrawleeFetcher) Method() model.FetchMethod {
	return model.FetchCrawlee
}

func (f *CrawleeFetcher) Supports(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func (f *CrawleeFetcher) Fetch(ctx context.Context, src model.Source) (*Result, error) {
	start := time.Now()
	resp, err := f.client.Render(ctx, crawlee.RenderRequest{
		URL:            src.URL,
		WaitForIdleMs:  int(f.opts.NetworkIdle.Milliseconds()),
		CaptureNetwork: true,
		Screenshot:     f.opts.Screenshots,
		UserAgent:      f.opts.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, eris.Errorf("fetch: render service failed for %s", src.URL)
	}
	replayMs := time.Since(start).Milliseconds()

	data := resp.Data
	finalURL := data.FinalURL
	if finalURL == "" {
		finalURL = src.URL
	}

	page := &model.PageData{
		URL:         src.URL,
		FinalURL:    finalURL,
		HTTPStatus:  data.StatusCode,
		HTML:        data.HTML,
		NetworkJSON: convertCaptures(data.Captures),
		FetchMethod: model.FetchCrawlee,
	}

	outcome := ClassifyStatus(data.StatusCode, nil, []byte(data.HTML))
	if outcome == model.OutcomeOK {
		outcome = ClassifyBody([]byte(data.HTML))
	}

	return &Result{
		Page:    page,
		Outcome: outcome,
		Timing: model.FetchTiming{
			NavigationMs:  data.NavigationMs,
			NetworkIdleMs: data.NetworkIdleMs,
			ReplayMs:      replayMs,
		},
		Screenshot: data.Screenshot,
	}, nil
}

// convertCaptures keeps the service's intercepted responses that hold valid
// JSON. The service already filters to XHR/fetch resource types.
func convertCaptures(captures []crawlee.NetworkCapture) []model.NetworkCapture {
	var out []model.NetworkCapture
	for _, c := range captures {
		if len(c.Body) == 0 || len(c.Body) > maxCaptureBody || !json.Valid(c.Body) {
			continue
		}
		contentType := c.MimeType
		if contentType == "" {
			contentType = "application/json"
		}
		out = append(out, model.NetworkCapture{
			URL:         c.URL,
			ContentType: contentType,
			Body:        string(c.Body),
		})
	}
	return out
}
