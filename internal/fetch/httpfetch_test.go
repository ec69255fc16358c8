package fetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/specfactory/internal/model"
)

func testSource(rawURL string) model.Source {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = strings.ToLower(u.Hostname())
	}
	return model.Source{
		SourceID: model.SourceID("mice", "acme-m1", host, "run-1"),
		URL:      rawURL,
		Host:     host,
		Tier:     model.TierManufacturer,
		Role:     model.RoleProductPage,
	}
}

func TestHTTPFetcherOK(t *testing.T) {
	html := "<html><head><title>Acme M1</title></head><body>" +
		strings.Repeat("weight 59 g, sensor PixArt 3395. ", 10) + "</body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SpecFactory-Test/1.0", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(html))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{UserAgent: "SpecFactory-Test/1.0"})
	res, err := f.Fetch(context.Background(), testSource(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Equal(t, http.StatusOK, res.Page.HTTPStatus)
	assert.Contains(t, res.Page.HTML, "Acme M1")
	assert.Equal(t, srv.URL, res.Page.URL)
	assert.Equal(t, model.FetchHTTP, res.Page.FetchMethod)
	assert.Contains(t, res.Page.Headers, "Content-Type")
	assert.GreaterOrEqual(t, res.Timing.NavigationMs, int64(0))
}

func TestHTTPFetcherFollowsRedirects(t *testing.T) {
	const productPath = "/products/acme-m1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != productPath {
			http.Redirect(w, r, productPath, http.StatusMovedPermanently)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>" + strings.Repeat("spec row ", 30) + "</body></html>"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})
	res, err := f.Fetch(context.Background(), testSource(srv.URL+"/"))
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Equal(t, srv.URL+productPath, res.Page.FinalURL)
}

func TestHTTPFetcherDecodesLegacyCharset(t *testing.T) {
	// "Pèse 59 g" with è as the Latin-1 byte 0xE8.
	body := append([]byte("<html><body>P"), 0xE8)
	body = append(body, []byte("se 59 g "+strings.Repeat("remplissage ", 20)+"</body></html>")...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})
	res, err := f.Fetch(context.Background(), testSource(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Contains(t, res.Page.HTML, "Pèse 59 g")
}

func TestHTTPFetcherSniffsMetaCharset(t *testing.T) {
	// café with é as the Latin-1 byte 0xE9; no charset in the header.
	body := append([]byte(`<html><head><meta charset="iso-8859-1"></head><body>caf`), 0xE9)
	body = append(body, []byte(" corner mousepad review "+strings.Repeat("text ", 30)+"</body></html>")...)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})
	res, err := f.Fetch(context.Background(), testSource(srv.URL))
	require.NoError(t, err)

	assert.Contains(t, res.Page.HTML, "café")
}

func TestHTTPFetcherPDF(t *testing.T) {
	pdf := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte{0x20}, 64)...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(pdf)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})
	res, err := f.Fetch(context.Background(), testSource(srv.URL+"/manuals/m1.pdf"))
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeOK, res.Outcome)
	assert.Equal(t, pdf, res.Page.PDF)
	assert.Empty(t, res.Page.HTML)
}

func TestHTTPFetcherClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		want   model.FetchOutcome
	}{
		{"not found", 404, nil, model.OutcomeNotFound},
		{"rate limited", 429, nil, model.OutcomeRateLimited},
		{"server error", 500, nil, model.OutcomeServerError},
		{"cloudflare challenge", 403, map[string]string{"cf-ray": "8e1f22ab"}, model.OutcomeBotChallenge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("an error page"))
			}))
			defer srv.Close()

			f := NewHTTPFetcher(HTTPOptions{})
			res, err := f.Fetch(context.Background(), testSource(srv.URL))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
			assert.Equal(t, tt.status, res.Page.HTTPStatus)
		})
	}
}

func TestHTTPFetcherFlagsScriptShell(t *testing.T) {
	shell := `<html><head><script src="/static/app.js"></script></head>` +
		`<body><div id="root"></div><noscript>Please enable JavaScript.</noscript></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(shell))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})
	res, err := f.Fetch(context.Background(), testSource(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeFetchError, res.Outcome,
		"an unrendered app shell should escalate to a browser mode")
}

func TestHTTPFetcherTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	f := NewHTTPFetcher(HTTPOptions{})
	_, err := f.Fetch(context.Background(), testSource(srv.URL))
	require.Error(t, err)
	assert.Equal(t, model.OutcomeFetchError, ClassifyError(err))
}

func TestHTTPFetcherSupports(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{})
	assert.True(t, f.Supports("https://acme.example/products/m1"))
	assert.True(t, f.Supports("http://acme.example/products/m1"))
	assert.False(t, f.Supports("ftp://ftp.acme.example/manuals/m1.pdf"))
	assert.Equal(t, model.FetchHTTP, f.Method())
}

func TestDecodeCharsetFallsBackOnUnknown(t *testing.T) {
	body := []byte("plain ascii stays as is")
	assert.Equal(t, string(body), decodeCharset(body, "text/html; charset=not-a-charset"))
	assert.Equal(t, string(body), decodeCharset(body, ""))
}
