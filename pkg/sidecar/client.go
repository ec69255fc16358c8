// Package sidecar provides a client for the structured-metadata sidecar
// service, which parses JSON-LD, microdata, OpenGraph and RDFa surfaces out
// of rendered HTML. The sidecar is fail-open: callers treat any error from
// Parse as "skip the surface", never as a reason to block a run.
package sidecar

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

const defaultTimeout = 10 * time.Second

// Client defines the sidecar operations.
type Client interface {
	// Parse submits rendered HTML and returns the structured surfaces the
	// sidecar found. An empty response is not an error.
	Parse(ctx context.Context, req ParseRequest) (*ParseResponse, error)
}

// ParseRequest is the body for POST {endpoint}.
type ParseRequest struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

// ParseResponse holds the structured surfaces extracted from one page.
// Surfaces are independent; an absent surface decodes as its zero value.
type ParseResponse struct {
	JSONLD       []json.RawMessage `json:"json_ld"`
	Microdata    []json.RawMessage `json:"microdata"`
	OpenGraph    map[string]string `json:"open_graph"`
	RDFa         []json.RawMessage `json:"rdfa"`
	Microformats []json.RawMessage `json:"microformats"`
	ElapsedMs    int64             `json:"elapsed_ms"`
}

// Empty reports whether no surface produced any items.
func (r *ParseResponse) Empty() bool {
	return len(r.JSONLD) == 0 &&
		len(r.Microdata) == 0 &&
		len(r.OpenGraph) == 0 &&
		len(r.RDFa) == 0 &&
		len(r.Microformats) == 0
}

// APIError is returned when the sidecar responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sidecar: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.http.Timeout = d
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a sidecar client for the given parse endpoint,
// e.g. "http://localhost:8077/parse".
func NewClient(endpoint string, opts ...Option) Client {
	c := &httpClient{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Parse(ctx context.Context, req ParseRequest) (*ParseResponse, error) {
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "sidecar: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "sidecar: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "sidecar: execute request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "sidecar: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	var out ParseResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "sidecar: unmarshal response")
	}

	return &out, nil
}
