package fetch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/specfactory/internal/model"
)

// FTPFetcher retrieves files from manufacturer archive servers over ftp://.
// Manuals and datasheets land in PageData.PDF for the document extractor;
// anything else is treated as plain text.
type FTPFetcher struct {
	timeout time.Duration
}

// NewFTPFetcher builds an FTP fetcher with the given dial timeout.
func NewFTPFetcher(timeout time.Duration) *FTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FTPFetcher{timeout: timeout}
}

func (f *FTPFetcher) Method() model.FetchMethod {
	return model.FetchFTP
}

func (f *FTPFetcher) Supports(rawURL string) bool {
	return strings.HasPrefix(strings.ToLower(rawURL), "ftp://")
}

func (f *FTPFetcher) Fetch(ctx context.Context, src model.Source) (*Result, error) {
	host, path, err := parseFTPURL(src.URL)
	if err != nil {
		return nil, err
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(f.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, eris.Wrapf(err, "fetch: ftp dial %s", host)
	}
	defer func() { _ = conn.Quit() }()

	if err := conn.Login("anonymous", "anonymous@"); err != nil {
		return nil, eris.Wrapf(err, "fetch: ftp login %s", host)
	}

	page := &model.PageData{
		URL:         src.URL,
		FinalURL:    src.URL,
		FetchMethod: model.FetchFTP,
	}

	start := time.Now()
	resp, err := conn.Retr(path)
	if err != nil {
		var tpErr *textproto.Error
		if errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable {
			return &Result{Page: page, Outcome: model.OutcomeNotFound}, nil
		}
		return nil, eris.Wrapf(err, "fetch: ftp retrieve %s", path)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp, maxBodyBytes))
	_ = resp.Close()
	if readErr != nil {
		return nil, eris.Wrapf(readErr, "fetch: ftp read %s", path)
	}
	timing := model.FetchTiming{NavigationMs: time.Since(start).Milliseconds()}

	if len(bytes.TrimSpace(body)) == 0 {
		return &Result{Page: page, Outcome: model.OutcomeBadContent, Timing: timing}, nil
	}
	if isPDF("", src.URL, body) {
		page.PDF = body
	} else {
		page.Text = string(body)
	}
	return &Result{Page: page, Outcome: model.OutcomeOK, Timing: timing}, nil
}

// parseFTPURL splits an ftp:// URL into a dialable host:port and a file
// path. Hosts without an explicit port get the standard 21.
func parseFTPURL(rawURL string) (host, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrapf(err, "fetch: parse %s", rawURL)
	}
	if !strings.EqualFold(u.Scheme, "ftp") {
		return "", "", eris.Errorf("fetch: not an ftp url: %s", rawURL)
	}
	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}
	if u.Path == "" || u.Path == "/" {
		return "", "", eris.Errorf("fetch: ftp url missing file path: %s", rawURL)
	}
	return host, u.Path, nil
}
