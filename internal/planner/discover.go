package planner

import (
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// adjacentPrefixes are the manufacturer subpaths worth crawling on the
// current root domain even when the exact host is not on the allowlist.
var adjacentPrefixes = []string{"/support", "/manual", "/product"}

// DiscoverFromHTML extracts outbound links from a fetched page and enqueues
// the ones worth visiting: approved hosts anywhere, plus support, manual and
// product subpaths on the page's own root domain. Call it with the URL the
// source was planned under, not the post-redirect final URL, so the
// discovery depth chain stays intact. Returns the number of URLs admitted.
func (p *Planner) DiscoverFromHTML(pageURL, pageHTML string) int {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return 0
	}
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return 0
	}

	p.mu.Lock()
	depth := p.depth[canonicalURL(base)]
	p.mu.Unlock()
	if p.cfg.MaxDiscoveryDepth > 0 && depth >= p.cfg.MaxDiscoveryDepth {
		return 0
	}

	baseRoot := RootDomain(NormalizeHost(base.Host))
	admitted := 0
	for _, href := range collectHrefs(doc) {
		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			continue
		}
		link := base.ResolveReference(ref)
		if link.Scheme != "http" && link.Scheme != "https" {
			continue
		}
		host := NormalizeHost(link.Host)
		if host == "" {
			continue
		}
		if !p.rules.IsApprovedHost(host) && !adjacent(host, baseRoot, link.Path) {
			continue
		}
		if p.enqueue(link, false, depth+1) {
			admitted++
		}
	}

	if admitted > 0 {
		zap.L().Debug("planner: discovery admitted links",
			zap.String("page", pageURL),
			zap.Int("admitted", admitted))
	}
	return admitted
}

// adjacent reports whether the link stays on the page's root domain under a
// manufacturer-style subpath.
func adjacent(host, baseRoot, linkPath string) bool {
	if RootDomain(host) != baseRoot {
		return false
	}
	pth := strings.ToLower(linkPath)
	for _, prefix := range adjacentPrefixes {
		if strings.HasPrefix(pth, prefix) {
			return true
		}
	}
	return false
}

// collectHrefs walks the parse tree and returns every anchor href.
func collectHrefs(n *html.Node) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key == "href" && a.Val != "" {
					out = append(out, a.Val)
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}
