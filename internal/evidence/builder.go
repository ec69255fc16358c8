// Package evidence distills one fetched source into a bounded snippet pack.
// Snippets are selected in a fixed priority order until the character budget
// runs out, then every surviving deterministic candidate is pinned to a
// snippet that contains its value, synthesizing a tiny snippet when none
// does. Building is deterministic: the same page bytes always produce the
// same snippet IDs and hashes.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/config"
	"github.com/sells-group/specfactory/internal/extract"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

// Per-snippet text caps. Truncation happens before hashing so a rebuilt
// pack hashes identically.
const (
	maxPairChars    = 240
	maxTableChars   = 1600
	maxJSONRowChars = 600
	maxProductChars = 1200
	maxPDFChunk     = 800
	maxRowDepth     = 12
)

// Builder renders fetched pages into evidence packs.
type Builder struct {
	maxChars        int
	windowRadius    int
	articleMinScore float64
}

// NewBuilder builds a pack builder from the extract config, applying the
// same defaults the extraction pipeline uses.
func NewBuilder(cfg config.ExtractConfig) *Builder {
	b := &Builder{
		maxChars:        cfg.MaxEvidenceChars,
		windowRadius:    cfg.WindowRadius,
		articleMinScore: cfg.ArticleMinScore,
	}
	if b.maxChars <= 0 {
		b.maxChars = 18000
	}
	if b.windowRadius <= 0 {
		b.windowRadius = 90
	}
	if b.articleMinScore <= 0 {
		b.articleMinScore = 0.45
	}
	return b
}

// Build assembles the evidence pack for one source. Snippet phases run in
// priority order: definition pairs, inline kv rows, field windows, tables,
// spec headings, network-JSON rows, JSON-LD products, embedded-state rows,
// PDF text. The page-content phases respect the character budget; the
// deterministic-candidate tail is exempt so every candidate stays bindable.
func (b *Builder) Build(src model.Source, page *model.PageData, ext *extract.Result, rules *rulestore.CategoryRules, cands []model.Candidate) *model.EvidencePack {
	pack := &model.EvidencePack{
		SourceID:          src.SourceID,
		Meta:              b.meta(src, page, ext),
		CandidateBindings: map[string]string{},
	}
	st := &packState{
		pack:     pack,
		budget:   b.maxChars,
		seenHash: map[string]bool{},
		counters: map[string]int{},
	}
	if page == nil {
		b.bind(st, cands)
		return pack
	}
	if rules == nil {
		rules = &rulestore.CategoryRules{}
	}
	m := extract.NewMatcher(rules)
	feats := featuresOf(ext)

	for _, p := range feats.Definitions {
		st.add("d", model.Snippet{
			Type:             model.SnippetDefinition,
			Text:             truncate(p.Label+": "+p.Value, maxPairChars),
			ExtractionMethod: model.MethodSpecTable,
			KeyPath:          p.KeyPath,
			FieldHints:       hintsOf(p.Field),
		})
	}
	for _, p := range feats.Inline {
		st.add("k", model.Snippet{
			Type:             model.SnippetKV,
			Text:             truncate(p.Label+": "+p.Value, maxPairChars),
			ExtractionMethod: model.MethodSpecTable,
			KeyPath:          p.KeyPath,
			FieldHints:       hintsOf(p.Field),
		})
	}
	for _, w := range m.FieldWindows(b.windowText(page, ext), b.windowRadius) {
		st.add("w", model.Snippet{
			Type:             model.SnippetWindow,
			Text:             w.Text,
			ExtractionMethod: model.MethodArticleWindow,
			KeyPath:          "window." + w.Field,
			FieldHints:       []string{w.Field},
		})
	}
	for _, tb := range feats.Tables {
		st.add("t", model.Snippet{
			Type:             model.SnippetTable,
			Text:             truncate(strings.Join(tb.Rows, "\n"), maxTableChars),
			ExtractionMethod: model.MethodSpecTable,
			KeyPath:          tb.KeyPath,
			FieldHints:       tb.Fields,
		})
	}
	for i, h := range feats.Headings {
		st.add("h", model.Snippet{
			Type:    model.SnippetText,
			Text:    h,
			KeyPath: fmt.Sprintf("heading[%d]", i),
		})
	}
	bodies := make([]string, 0, len(page.NetworkJSON))
	for _, capt := range page.NetworkJSON {
		bodies = append(bodies, capt.Body)
	}
	for _, row := range jsonRows(m, "net", bodies) {
		st.add("j", model.Snippet{
			Type:             model.SnippetJSON,
			Text:             row.text,
			ExtractionMethod: model.MethodNetworkJSON,
			KeyPath:          row.keyPath,
			FieldHints:       row.fields,
		})
	}
	if ext != nil && ext.Structured != nil {
		for i, node := range extract.ProductNodes(ext.Structured.JSONLD) {
			raw, err := json.Marshal(node)
			if err != nil {
				continue
			}
			st.add("l", model.Snippet{
				Type:             model.SnippetJSONLDProduct,
				Text:             truncate(string(raw), maxProductChars),
				ExtractionMethod: model.MethodJSONLD,
				KeyPath:          fmt.Sprintf("jsonld[%d]", i),
				FieldHints:       productHints(m, node),
			})
		}
	}
	for _, row := range jsonRows(m, "state", page.EmbeddedJSON) {
		st.add("e", model.Snippet{
			Type:             model.SnippetJSON,
			Text:             row.text,
			ExtractionMethod: model.MethodEmbeddedState,
			KeyPath:          row.keyPath,
			FieldHints:       row.fields,
		})
	}
	if ext != nil && ext.PDFText != "" {
		for i, chunk := range pdfChunks(ext.PDFText) {
			st.add("p", model.Snippet{
				Type:    model.SnippetPDF,
				Text:    chunk,
				KeyPath: fmt.Sprintf("pdf.chunk[%d]", i),
			})
		}
	}

	b.bind(st, cands)
	zap.L().Debug("evidence: pack built",
		zap.String("source_id", src.SourceID),
		zap.Int("snippets", len(pack.Snippets)),
		zap.Int("bindings", len(pack.CandidateBindings)),
		zap.Int("total_chars", pack.TotalChars),
	)
	return pack
}

// bind pins every surviving candidate to a snippet: the first hint-matching
// snippet that contains the value, else the first containing snippet, else
// a synthesized deterministic-candidate snippet.
func (b *Builder) bind(st *packState, cands []model.Candidate) {
	for _, c := range cands {
		if c.DropReason != "" || c.Unknown() {
			continue
		}
		if id := st.find(c); id != "" {
			st.pack.CandidateBindings[c.CandidateID] = id
			continue
		}
		added := st.add("c", model.Snippet{
			Type:             model.SnippetDeterministic,
			Text:             truncate(c.Field+": "+renderValue(c.Value), maxPairChars),
			ExtractionMethod: c.Method,
			KeyPath:          c.KeyPath,
			FieldHints:       []string{c.Field},
		})
		if added {
			st.pack.CandidateBindings[c.CandidateID] = st.lastID()
		} else if id := st.find(c); id != "" {
			st.pack.CandidateBindings[c.CandidateID] = id
		}
	}
}

// meta identifies the page bit-exactly. Hashes recorded by the fetcher win;
// missing ones are recomputed from the page so a pack rebuilt from persisted
// artifacts carries the same identity.
func (b *Builder) meta(src model.Source, page *model.PageData, ext *extract.Result) model.PackMeta {
	meta := model.PackMeta{
		PageContentHash: src.ContentHash,
		TextHash:        src.TextHash,
		URL:             src.FinalURL,
		Host:            src.Host,
		Tier:            src.Tier,
	}
	if meta.URL == "" {
		meta.URL = src.URL
	}
	if page != nil {
		if meta.URL == "" {
			meta.URL = page.FinalURL
		}
		if meta.PageContentHash == "" {
			meta.PageContentHash = pageContentHash(page)
		}
		if meta.TextHash == "" {
			meta.TextHash = model.HashText(pageText(page, ext))
		}
	}
	return meta
}

// windowText is the haystack for field windows, mirroring the extraction
// pipeline: article text when the readability score clears the bar, else
// the page's rendered text.
func (b *Builder) windowText(page *model.PageData, ext *extract.Result) string {
	if ext != nil && ext.ArticleText != "" && ext.ArticleScore >= b.articleMinScore {
		return ext.ArticleText
	}
	if page.Text != "" {
		return page.Text
	}
	if ext != nil {
		return ext.ArticleText
	}
	return ""
}

func pageText(page *model.PageData, ext *extract.Result) string {
	if page.Text != "" {
		return page.Text
	}
	if ext != nil {
		return ext.ArticleText
	}
	return ""
}

func pageContentHash(page *model.PageData) string {
	h := sha256.New()
	if len(page.PDF) > 0 {
		h.Write(page.PDF)
	} else {
		h.Write([]byte(page.HTML))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func featuresOf(ext *extract.Result) *extract.PageFeatures {
	if ext == nil || ext.Features == nil {
		return &extract.PageFeatures{}
	}
	return ext.Features
}

func hintsOf(field string) []string {
	if field == "" {
		return nil
	}
	return []string{field}
}

// packState tracks slot counters, the budget, and content-hash dedupe while
// a pack assembles.
type packState struct {
	pack     *model.EvidencePack
	budget   int
	seenHash map[string]bool
	counters map[string]int
}

// add normalizes, hashes, and appends one snippet. It refuses duplicates of
// an already-packed text and, except for the deterministic-candidate type,
// anything that would push the pack past its budget.
func (st *packState) add(prefix string, sn model.Snippet) bool {
	sn.Text = strings.TrimSpace(sn.Text)
	if sn.Text == "" {
		return false
	}
	sn.NormalizedText = normalizeText(sn.Text)
	sn.SnippetHash = model.HashText(sn.NormalizedText)
	if st.seenHash[sn.SnippetHash] {
		return false
	}
	if sn.Type != model.SnippetDeterministic && st.pack.TotalChars+len(sn.Text) > st.budget {
		return false
	}
	st.seenHash[sn.SnippetHash] = true
	st.counters[prefix]++
	sn.ID = fmt.Sprintf("%s%02d", prefix, st.counters[prefix])
	sn.SourceID = st.pack.SourceID
	sn.URL = st.pack.Meta.URL
	st.pack.TotalChars += len(sn.Text)
	st.pack.Snippets = append(st.pack.Snippets, sn)
	return true
}

// find returns the ID of the snippet bound to the candidate's value, or "".
func (st *packState) find(c model.Candidate) string {
	needles := valueNeedles(c.Value)
	if len(needles) == 0 {
		return ""
	}
	fallback := ""
	for i := range st.pack.Snippets {
		sn := &st.pack.Snippets[i]
		if !containsAll(sn.NormalizedText, needles) {
			continue
		}
		if hintMatch(sn.FieldHints, c.Field) {
			return sn.ID
		}
		if fallback == "" {
			fallback = sn.ID
		}
	}
	return fallback
}

func (st *packState) lastID() string {
	if len(st.pack.Snippets) == 0 {
		return ""
	}
	return st.pack.Snippets[len(st.pack.Snippets)-1].ID
}

// valueNeedles renders a candidate value as the normalized substrings a
// binding snippet must contain. Lists need every item present.
func valueNeedles(v any) []string {
	switch t := v.(type) {
	case []string:
		needles := make([]string, 0, len(t))
		for _, e := range t {
			if n := model.NormalizeValue(e); n != "" {
				needles = append(needles, n)
			}
		}
		return needles
	case []any:
		needles := make([]string, 0, len(t))
		for _, e := range t {
			if n := model.NormalizeValue(e); n != "" {
				needles = append(needles, n)
			}
		}
		return needles
	default:
		if n := model.NormalizeValue(v); n != "" {
			return []string{n}
		}
		return nil
	}
}

func containsAll(haystack string, needles []string) bool {
	for _, n := range needles {
		if !strings.Contains(haystack, n) {
			return false
		}
	}
	return true
}

func hintMatch(hints []string, field string) bool {
	for _, h := range hints {
		if h == field {
			return true
		}
	}
	return false
}

// renderValue prints a candidate value the way a page would spell it.
func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, ", ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, fmt.Sprint(e))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(t)
	}
}

// jsonRow is one map node from a captured payload whose keys matched field
// rules, rendered compact.
type jsonRow struct {
	keyPath string
	text    string
	fields  []string
	score   int
}

// jsonRows walks decoded payloads collecting field-bearing map nodes,
// highest match count first, key path as the tiebreak.
func jsonRows(m *extract.Matcher, prefix string, payloads []string) []jsonRow {
	var rows []jsonRow
	for i, body := range payloads {
		var v any
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			continue
		}
		collectRows(m, fmt.Sprintf("%s[%d]", prefix, i), v, &rows, 0)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].score != rows[j].score {
			return rows[i].score > rows[j].score
		}
		return rows[i].keyPath < rows[j].keyPath
	})
	return rows
}

func collectRows(m *extract.Matcher, path string, v any, rows *[]jsonRow, depth int) {
	if depth > maxRowDepth {
		return
	}
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var fields []string
		seen := map[string]bool{}
		for _, k := range keys {
			rule := m.Match(k)
			if rule == nil || seen[rule.Key] {
				continue
			}
			seen[rule.Key] = true
			fields = append(fields, rule.Key)
		}
		if len(fields) > 0 {
			if raw, err := json.Marshal(t); err == nil {
				*rows = append(*rows, jsonRow{
					keyPath: path,
					text:    truncate(string(raw), maxJSONRowChars),
					fields:  fields,
					score:   len(fields),
				})
			}
		}
		for _, k := range keys {
			collectRows(m, path+"."+k, t[k], rows, depth+1)
		}
	case []any:
		for i, e := range t {
			collectRows(m, fmt.Sprintf("%s[%d]", path, i), e, rows, depth+1)
		}
	}
}

// productHints resolves a JSON-LD product node's keys and property names to
// field keys.
func productHints(m *extract.Matcher, node map[string]any) []string {
	seen := map[string]bool{}
	var hints []string
	add := func(label string) {
		if rule := m.Match(label); rule != nil && !seen[rule.Key] {
			seen[rule.Key] = true
			hints = append(hints, rule.Key)
		}
	}
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, "additionalProperty") {
			props, _ := node[k].([]any)
			for _, p := range props {
				obj, ok := p.(map[string]any)
				if !ok {
					continue
				}
				if name, ok := obj["name"].(string); ok {
					add(name)
				}
			}
			continue
		}
		if strings.HasPrefix(k, "@") {
			continue
		}
		add(k)
	}
	return hints
}

func pdfChunks(text string) []string {
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		out = append(out, truncate(block, maxPDFChunk))
	}
	return out
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// truncate cuts at a rune boundary so snippet text stays valid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
