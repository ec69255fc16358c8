// Package extract distills fetched pages into field candidates. Surfaces
// run in confidence order: captured network JSON, embedded framework state,
// the structured-metadata sidecar, static DOM shapes, article text windows,
// and PDF text. Every surface is fail-open; a page that defeats all of them
// still reaches the LLM path downstream through its evidence pack.
package extract

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/sells-group/specfactory/internal/config"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
	"github.com/sells-group/specfactory/pkg/sidecar"
)

// Pipeline runs the deterministic extraction surfaces over fetched pages.
type Pipeline struct {
	cfg     config.ExtractConfig
	sidecar *SidecarSurface
	pdf     *PDFRouter
}

// NewPipeline builds a pipeline. A nil sidecar client disables the
// structured-metadata surface.
func NewPipeline(cfg config.ExtractConfig, sc sidecar.Client) (*Pipeline, error) {
	if cfg.ArticleMinScore <= 0 {
		cfg.ArticleMinScore = 0.45
	}
	if cfg.WindowRadius <= 0 {
		cfg.WindowRadius = 90
	}
	pdf, err := NewPDFRouter(cfg)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:     cfg,
		sidecar: NewSidecarSurface(sc, cfg.SidecarCacheSize),
		pdf:     pdf,
	}, nil
}

// Result is everything one page yielded: accepted candidates, the audit
// trail of dropped ones, and the intermediate texts the evidence pack
// builder reuses.
type Result struct {
	Candidates []model.Candidate
	Dropped    []model.Candidate

	Structured   *sidecar.ParseResponse
	Features     *PageFeatures
	ArticleText  string
	ArticleScore float64
	PDFText      string
	PDFScanned   bool
}

// obs is one raw surface observation, before shape checks and tagging.
type obs struct {
	rule    *rulestore.FieldRule
	value   any
	method  model.ExtractionMethod
	keyPath string
	base    float64 // overrides the method confidence base when > 0
	cluster *clusterTag
	ocrConf float64 // > 0 only for OCR-produced rows
}

// Extract runs every applicable surface over the page. Surface failures
// degrade to fewer candidates, never to an error.
func (p *Pipeline) Extract(ctx context.Context, job *model.ProductJob, rules *rulestore.CategoryRules, src model.Source, page *model.PageData) *Result {
	res := &Result{}
	if page == nil {
		return res
	}
	m := NewMatcher(rules)
	lock := job.IdentityLock

	var raw []obs
	raw = append(raw, networkJSONObs(m, lock, page.NetworkJSON)...)
	raw = append(raw, embeddedStateObs(m, lock, page.EmbeddedJSON)...)

	if page.HTML != "" {
		if structured := p.sidecar.Parse(ctx, page.FinalURL, page.HTML); structured != nil {
			res.Structured = structured
			raw = append(raw, structuredObs(m, lock, structured)...)
		}
		doc, err := html.Parse(strings.NewReader(page.HTML))
		if err != nil {
			zap.L().Warn("extract: HTML parse failed",
				zap.String("source_id", src.SourceID),
				zap.Error(err),
			)
		} else {
			domRaw, feats := domSurfaces(m, doc)
			raw = append(raw, domRaw...)
			res.Features = feats

			article := extractArticle(doc)
			res.ArticleText, res.ArticleScore = article.text, article.score
			haystack := article.text
			if article.score < p.cfg.ArticleMinScore {
				haystack = page.Text
				if haystack == "" {
					haystack = blockText(doc)
				}
			}
			raw = append(raw, windowObs(m, haystack, p.cfg.WindowRadius)...)
		}
	}

	if len(page.PDF) > 0 {
		pr, err := p.pdf.Extract(ctx, page.PDF)
		if err != nil {
			zap.L().Warn("extract: PDF extraction failed",
				zap.String("source_id", src.SourceID),
				zap.Error(err),
			)
		} else {
			res.PDFText, res.PDFScanned = pr.Text, pr.Scanned
			raw = append(raw, pdfObs(m, pr)...)
		}
	}

	res.Candidates, res.Dropped = finalize(src.SourceID, raw)
	zap.L().Debug("extract: page complete",
		zap.String("source_id", src.SourceID),
		zap.Int("candidates", len(res.Candidates)),
		zap.Int("dropped", len(res.Dropped)),
	)
	return res
}

// finalize applies the multi-product gate and the shape contract, builds
// model candidates, and splits accepted from dropped.
func finalize(sourceID string, raw []obs) (kept, dropped []model.Candidate) {
	seen := map[string]bool{}
	for _, o := range raw {
		if o.rule == nil {
			continue
		}
		if o.cluster != nil && !o.cluster.passed {
			c := newTagged(sourceID, o, o.value)
			c.DropReason = model.DropTargetMismatch
			dropped = append(dropped, c)
			continue
		}
		value, reason := normalizeShape(o.rule, o.value)
		if reason != "" {
			c := newTagged(sourceID, o, o.value)
			c.DropReason = reason
			dropped = append(dropped, c)
			continue
		}
		if model.IsUnknownValue(value) {
			c := newTagged(sourceID, o, value)
			c.DropReason = model.DropUnknownValue
			dropped = append(dropped, c)
			continue
		}
		c := newTagged(sourceID, o, value)
		if seen[c.CandidateID] {
			continue
		}
		seen[c.CandidateID] = true
		kept = append(kept, c)
	}
	return kept, dropped
}

// newTagged builds the model candidate for an observation, carrying shape
// base overrides plus cluster and OCR provenance.
func newTagged(sourceID string, o obs, value any) model.Candidate {
	c := model.NewCandidate(o.rule.Key, value, o.method, o.keyPath, sourceID)
	if o.base > 0 {
		c.ConfidenceBase = o.base
	}
	if o.cluster != nil {
		c.PageProductClusterID = o.cluster.id
		c.TargetMatchScore = o.cluster.score
		c.TargetMatchPassed = o.cluster.passed
	}
	if o.ocrConf > 0 {
		c.OCRConfidence = o.ocrConf
		c.LowConfidence = o.ocrConf < lowOCRConfidence
	}
	return c
}
