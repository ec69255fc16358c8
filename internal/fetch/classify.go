package fetch

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sells-group/specfactory/internal/model"
)

// minUsableBody is the smallest body that can plausibly carry product
// content. Anything shorter is an error page or an empty shell.
const minUsableBody = 100

// markerScanLimit bounds how much of a body the marker scans lowercase.
// Challenge and login walls announce themselves early.
const markerScanLimit = 128 << 10

// ClassifyStatus maps an HTTP status to a fetch outcome. The header and body
// are consulted only to split bot challenges from plain refusals on 403/503.
// A passing status returns OutcomeOK; callers inspect the body separately.
func ClassifyStatus(status int, header http.Header, body []byte) model.FetchOutcome {
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return model.OutcomeNotFound
	case status == http.StatusTooManyRequests:
		return model.OutcomeRateLimited
	case status == http.StatusUnauthorized || status == http.StatusPaymentRequired:
		return model.OutcomeLoginWall
	case status == http.StatusRequestTimeout:
		return model.OutcomeNetworkTimeout
	case status == http.StatusForbidden || status == http.StatusServiceUnavailable:
		if isCloudflare(header) || hasChallengeMarkers(lowerPrefix(body)) {
			return model.OutcomeBotChallenge
		}
		if status == http.StatusServiceUnavailable {
			return model.OutcomeServerError
		}
		return model.OutcomeBlocked
	case status >= 500:
		return model.OutcomeServerError
	case status >= 400:
		return model.OutcomeFetchError
	}
	return model.OutcomeOK
}

// ClassifyBody inspects a successfully fetched HTML body for challenge
// pages, login walls, and unusably thin content.
func ClassifyBody(body []byte) model.FetchOutcome {
	lower := lowerPrefix(body)
	if hasChallengeMarkers(lower) {
		return model.OutcomeBotChallenge
	}
	if hasLoginWallMarkers(lower) {
		return model.OutcomeLoginWall
	}
	if len(bytes.TrimSpace(body)) < minUsableBody {
		return model.OutcomeBadContent
	}
	return model.OutcomeOK
}

// ClassifyError maps a transport-level error to the outcome ladder.
func ClassifyError(err error) model.FetchOutcome {
	if err == nil {
		return model.OutcomeOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.OutcomeNetworkTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.OutcomeNetworkTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return model.OutcomeNetworkTimeout
	}
	return model.OutcomeFetchError
}

func isCloudflare(header http.Header) bool {
	if header == nil {
		return false
	}
	if header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" {
		return true
	}
	return strings.EqualFold(header.Get("server"), "cloudflare")
}

func hasChallengeMarkers(lower string) bool {
	for _, marker := range []string{
		"checking your browser",
		"cf-browser-verification",
		"cf-challenge",
		"attention required! | cloudflare",
		"verify you are a human",
		"g-recaptcha",
		"h-captcha",
		"cf-turnstile",
		"press & hold",
		"are you a robot",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func hasLoginWallMarkers(lower string) bool {
	for _, marker := range []string{
		"sign in to continue",
		"log in to continue",
		"log in to view",
		"login to view",
		"create a free account to",
		"subscribe to read",
		"subscribers only",
		"this content is for members",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// looksJSShell reports whether a statically fetched body is an unrendered
// client-side application shell. Only the plain HTTP fetcher cares; a shell
// means the source needs a browser, not that the host refused.
func looksJSShell(body []byte) bool {
	if len(body) >= 2000 {
		return false
	}
	lower := lowerPrefix(body)
	if strings.Contains(lower, "<noscript>") && strings.Contains(lower, "javascript") {
		return true
	}
	return strings.Contains(lower, `http-equiv="refresh"`)
}

func lowerPrefix(body []byte) string {
	if len(body) > markerScanLimit {
		body = body[:markerScanLimit]
	}
	return strings.ToLower(string(body))
}
