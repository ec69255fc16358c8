// Package crawlee provides a client for the orchestrated-fetch service, a
// Crawlee-based renderer that queues, proxies and renders pages on behalf of
// the fetch scheduler. It is the last rung of the fetch fallback ladder.
package crawlee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the orchestrated-fetch operations.
type Client interface {
	// Render fetches one URL through the service's managed browser pool and
	// returns the rendered page. The service owns proxy rotation and bot
	// evasion; the caller owns retry policy.
	Render(ctx context.Context, req RenderRequest) (*RenderResponse, error)
}

// RenderRequest is the body for POST /render.
type RenderRequest struct {
	URL            string `json:"url"`
	WaitForIdleMs  int    `json:"waitForIdleMs,omitempty"`
	CaptureNetwork bool   `json:"captureNetwork,omitempty"`
	Screenshot     bool   `json:"screenshot,omitempty"`
	UserAgent      string `json:"userAgent,omitempty"`
}

// RenderResponse is the response from POST /render.
type RenderResponse struct {
	Success bool       `json:"success"`
	Data    PageResult `json:"data"`
}

// PageResult is one rendered page.
type PageResult struct {
	URL           string           `json:"url"`
	FinalURL      string           `json:"finalUrl"`
	StatusCode    int              `json:"statusCode"`
	HTML          string           `json:"html"`
	Captures      []NetworkCapture `json:"captures,omitempty"`
	Screenshot    []byte           `json:"screenshot,omitempty"`
	NavigationMs  int64            `json:"navigationMs"`
	NetworkIdleMs int64            `json:"networkIdleMs"`
}

// NetworkCapture is one JSON response the service intercepted while the
// page rendered (XHR, fetch, GraphQL).
type NetworkCapture struct {
	URL          string          `json:"url"`
	ResourceType string          `json:"resourceType"`
	Status       int             `json:"status"`
	MimeType     string          `json:"mimeType"`
	Body         json.RawMessage `json:"body"`
}

// APIError is returned when the service responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crawlee: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout overrides the default request timeout. Renders queue inside
// the service, so this bounds queue wait plus render time.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates an orchestrated-fetch client for the given base URL,
// e.g. "http://localhost:8078".
func NewClient(apiKey, baseURL string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Render(ctx context.Context, req RenderRequest) (*RenderResponse, error) {
	var resp RenderResponse
	if err := c.post(ctx, "/render", req, &resp); err != nil {
		return nil, eris.Wrap(err, "crawlee: render")
	}
	return &resp, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "decode response")
	}

	return nil
}
