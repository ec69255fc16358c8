// Package planner maintains the per-product source queues: approved hosts
// first, discovered candidates after, bounded by per-product, per-domain and
// per-host budgets. The round controller drains it through the fetch
// scheduler and feeds search hits and discovered links back in between
// rounds.
package planner

import (
	"context"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/config"
	"github.com/sells-group/specfactory/internal/helper"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/needset"
	"github.com/sells-group/specfactory/internal/rulestore"
	"github.com/sells-group/specfactory/pkg/jina"
)

// entry is one queued URL with its classification metadata.
type entry struct {
	url       string
	host      string
	root      string
	tier      model.SourceTier
	role      model.SourceRole
	seed      bool
	preferred bool
	depth     int
}

// Planner holds the two ordered queues for one product run. Safe for
// concurrent use: scheduler workers pull Next while discovery callbacks
// enqueue.
type Planner struct {
	rules  *rulestore.CategoryRules
	cfg    config.PlannerConfig
	search jina.Client // nil skips search discovery

	mu          sync.Mutex
	job         *model.ProductJob
	runID       string
	approved    []*entry
	candidate   []*entry
	seen        map[string]bool
	depth       map[string]int
	visited     map[string]bool
	hostVisits  map[string]int
	domainPages map[string]int
	blocked     map[string]string
	issued      int
	roundCap    int
	roundIssued int
	tierCeiling model.SourceTier
}

// New builds an empty planner for one run. Call Plan before pulling.
func New(rules *rulestore.CategoryRules, cfg config.PlannerConfig, search jina.Client, runID string) *Planner {
	return &Planner{
		rules:       rules,
		cfg:         cfg,
		search:      search,
		runID:       runID,
		seen:        map[string]bool{},
		depth:       map[string]int{},
		visited:     map[string]bool{},
		hostVisits:  map[string]int{},
		domainPages: map[string]int{},
		blocked:     map[string]string{},
	}
}

// Plan seeds the queues from the job. Seed URLs keep their place at the
// front of their tier; approved hosts without seeds enter later through
// search and discovery. Returns the number of URLs admitted.
func (p *Planner) Plan(job *model.ProductJob) int {
	p.mu.Lock()
	p.job = job
	p.mu.Unlock()

	admitted := 0
	for _, raw := range job.SeedURLs {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			zap.L().Warn("planner: unusable seed url", zap.String("url", raw))
			continue
		}
		if p.enqueue(u, true, 0) {
			admitted++
		}
	}

	p.mu.Lock()
	approved, candidate := len(p.approved), len(p.candidate)
	p.mu.Unlock()
	zap.L().Info("planner: planned initial queues",
		zap.String("product_id", job.ProductID),
		zap.Int("seeds", len(job.SeedURLs)),
		zap.Int("approved", approved),
		zap.Int("candidate", candidate))
	return admitted
}

// StartRound arms the per-round pull allowance and tier ceiling. maxURLs <= 0
// leaves the round unbounded; ceiling 0 admits every tier. The fast pass
// runs round zero with ceiling TierLabDatabase.
func (p *Planner) StartRound(maxURLs int, ceiling model.SourceTier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roundCap = maxURLs
	p.roundIssued = 0
	p.tierCeiling = ceiling
}

// HasNext reports whether Next would return a source right now.
func (p *Planner) HasNext() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exhaustedLocked() {
		return false
	}
	return p.peekLocked(p.approved) || p.peekLocked(p.candidate)
}

// Next pops the best eligible URL, or nil when the queues or budgets are
// exhausted. Entries above the round's tier ceiling stay queued for later
// rounds; entries on blocked or capped hosts are dropped for good.
func (p *Planner) Next() *model.Source {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job == nil || p.exhaustedLocked() {
		return nil
	}
	e := p.popLocked(&p.approved)
	if e == nil {
		e = p.popLocked(&p.candidate)
	}
	if e == nil {
		return nil
	}
	p.issued++
	p.roundIssued++
	p.visited[e.host] = true
	p.hostVisits[e.host]++
	p.domainPages[e.root]++
	return &model.Source{
		SourceID:   model.SourceID(p.job.Category, p.job.ProductID, e.host, p.runID),
		URL:        e.url,
		Host:       e.host,
		RootDomain: e.root,
		Tier:       e.tier,
		Role:       e.role,
		Seed:       e.seed,
	}
}

// BlockHost removes a host from the queues and from all future selection.
func (p *Planner) BlockHost(host, reason string) {
	host = NormalizeHost(host)
	if host == "" {
		return
	}
	if reason == "" {
		reason = "blocked"
	}
	p.mu.Lock()
	p.blocked[host] = reason
	p.mu.Unlock()
	zap.L().Warn("planner: host blocked",
		zap.String("host", host),
		zap.String("reason", reason))
}

// Blocked returns a copy of the blocked-host map with reasons.
func (p *Planner) Blocked() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.blocked))
	for h, r := range p.blocked {
		out[h] = r
	}
	return out
}

// RunQuery executes one planned search query and feeds the hits into the
// queues. Host-hinted queries search within that site only. Without a
// search client the planner plans from seeds and discovery alone.
func (p *Planner) RunQuery(ctx context.Context, q needset.PlannedQuery) (int, error) {
	if p.search == nil {
		return 0, nil
	}
	var opts []jina.SearchOption
	if q.Host != "" {
		opts = append(opts, jina.WithSiteFilter(q.Host))
	}
	resp, err := p.search.Search(ctx, q.Query, opts...)
	if err != nil {
		return 0, eris.Wrapf(err, "planner: search %q", q.Query)
	}

	admitted := 0
	for _, hit := range resp.Data {
		u, err := url.Parse(strings.TrimSpace(hit.URL))
		if err != nil || u.Host == "" {
			continue
		}
		if p.enqueue(u, false, 0) {
			admitted++
		}
	}
	zap.L().Debug("planner: search query done",
		zap.String("query", q.Query),
		zap.Int("hits", len(resp.Data)),
		zap.Int("admitted", admitted))
	return admitted, nil
}

// Helper looks the job up in the local helper database and synthesizes the
// injection when a row matches. The synthetic source never enters the fetch
// queues.
func (p *Planner) Helper(ctx context.Context, db *helper.DB) (*helper.Injection, error) {
	if db == nil {
		return nil, nil
	}
	p.mu.Lock()
	job := p.job
	p.mu.Unlock()
	if job == nil {
		return nil, nil
	}
	lock := job.IdentityLock
	rows, err := db.Lookup(ctx, job.Category, lock.Brand, lock.Model, lock.Variant)
	if err != nil {
		return nil, eris.Wrap(err, "planner: helper lookup")
	}
	return helper.Synthesize(job.Category, job.ProductID, p.runID, rows), nil
}

// Stats is a point-in-time queue snapshot for round logging.
type Stats struct {
	Issued    int
	Approved  int
	Candidate int
	Blocked   int
}

// Stats reports issued and queued counts.
func (p *Planner) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Issued:    p.issued,
		Approved:  len(p.approved),
		Candidate: len(p.candidate),
		Blocked:   len(p.blocked),
	}
}

// enqueue classifies one URL into a queue. Returns false for schemes other
// than http(s), discovery-only paths, denied or blocked hosts, the synthetic
// helper host, and URLs already seen this run. ftp seeds are admitted too:
// jobs point them at manufacturer manual and datasheet archives, and the
// scheduler routes them to the ftp fetcher.
func (p *Planner) enqueue(u *url.URL, seed bool, depth int) bool {
	switch u.Scheme {
	case "http", "https":
	case "ftp":
		if !seed {
			return false
		}
	default:
		return false
	}
	host := NormalizeHost(u.Host)
	if host == "" || host == helper.Host {
		return false
	}
	if skipURL(u) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.blocked[host]; ok {
		return false
	}
	if p.rules.IsDeniedHost(host) {
		return false
	}
	key := canonicalURL(u)
	if p.seen[key] {
		return false
	}
	p.seen[key] = true
	p.depth[key] = depth

	e := &entry{
		url:   key,
		host:  host,
		root:  RootDomain(host),
		tier:  model.TierCandidate,
		seed:  seed,
		depth: depth,
	}
	if hr := p.rules.HostInfo(host); hr != nil {
		e.tier = hr.Tier
		e.role = hr.Role
		e.preferred = hr.Preferred
		p.approved = append(p.approved, e)
	} else {
		p.candidate = append(p.candidate, e)
	}
	return true
}

func (p *Planner) exhaustedLocked() bool {
	if p.cfg.MaxURLsPerProduct > 0 && p.issued >= p.cfg.MaxURLsPerProduct {
		return true
	}
	return p.roundCap > 0 && p.roundIssued >= p.roundCap
}

func (p *Planner) peekLocked(q []*entry) bool {
	for _, e := range q {
		if p.droppableLocked(e) {
			continue
		}
		if p.tierCeiling > 0 && e.tier > p.tierCeiling {
			continue
		}
		return true
	}
	return false
}

func (p *Planner) popLocked(q *[]*entry) *entry {
	p.sortLocked(*q)
	var picked *entry
	kept := (*q)[:0]
	for _, e := range *q {
		switch {
		case picked != nil:
			kept = append(kept, e)
		case p.droppableLocked(e):
			// gone for good
		case p.tierCeiling > 0 && e.tier > p.tierCeiling:
			kept = append(kept, e)
		default:
			picked = e
		}
	}
	*q = kept
	return picked
}

// droppableLocked is permanent ineligibility: the entry can never be issued
// again in this run.
func (p *Planner) droppableLocked(e *entry) bool {
	if _, ok := p.blocked[e.host]; ok {
		return true
	}
	if p.rules.IsDeniedHost(e.host) {
		return true
	}
	if p.cfg.MaxHostVisits > 0 && p.hostVisits[e.host] >= p.cfg.MaxHostVisits {
		return true
	}
	return p.cfg.MaxPagesPerDomain > 0 && p.domainPages[e.root] >= p.cfg.MaxPagesPerDomain
}

// sortLocked orders a queue by tier, preferred flag, role, whether the host
// is still unvisited, then seed provenance. Stable, so insertion order
// breaks ties.
func (p *Planner) sortLocked(q []*entry) {
	sort.SliceStable(q, func(i, j int) bool {
		a, b := q[i], q[j]
		if a.tier != b.tier {
			return a.tier < b.tier
		}
		if a.preferred != b.preferred {
			return a.preferred
		}
		ra, rb := rolePreference(a.role), rolePreference(b.role)
		if ra != rb {
			return ra < rb
		}
		av, bv := p.visited[a.host], p.visited[b.host]
		if av != bv {
			return !av
		}
		if a.seed != b.seed {
			return a.seed
		}
		return false
	})
}

func rolePreference(r model.SourceRole) int {
	switch r {
	case model.RoleProductPage:
		return 0
	case model.RoleSpecSheet:
		return 1
	case model.RoleManual:
		return 2
	case model.RoleDatabase:
		return 3
	case model.RoleReview:
		return 4
	case model.RoleListing:
		return 5
	default:
		return 6
	}
}

// skipURL filters discovery-only URLs that never carry product content.
func skipURL(u *url.URL) bool {
	base := path.Base(strings.ToLower(u.Path))
	if base == "robots.txt" || base == "sitemap.xml" {
		return true
	}
	return strings.Contains(strings.ToLower(u.Path), "/search") && u.Query().Get("q") != ""
}

func canonicalURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	return c.String()
}

// NormalizeHost lowercases a host and strips the port and www prefix.
func NormalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	if i := strings.IndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	return strings.TrimPrefix(h, "www.")
}

// secondLevelTLDs are registry suffixes that occupy two labels, so the
// registrable domain keeps three.
var secondLevelTLDs = map[string]bool{
	"co.uk":  true,
	"org.uk": true,
	"ac.uk":  true,
	"gov.uk": true,
	"com.au": true,
	"net.au": true,
	"org.au": true,
	"co.jp":  true,
	"or.jp":  true,
	"ne.jp":  true,
	"com.br": true,
	"com.cn": true,
	"com.tw": true,
	"co.kr":  true,
	"co.in":  true,
	"co.nz":  true,
}

// RootDomain returns the registrable domain for a normalized host.
func RootDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	last2 := strings.Join(labels[len(labels)-2:], ".")
	if secondLevelTLDs[last2] {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return last2
}
