package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/sells-group/specfactory/internal/config"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/ocr"
)

// lowOCRConfidence marks rows whose glyph quality is too poor to trust
// without corroboration.
const lowOCRConfidence = 0.6

// A parsed text layer shorter than scannedTextFloor, from a document bigger
// than scannedSizeFloor, means the PDF is probably scanned images.
const (
	scannedTextFloor = 200
	scannedSizeFloor = 2048
)

// PDFRouter picks the extraction backend per document: the configured text
// extractor first, Mistral OCR for scanned documents when enabled.
type PDFRouter struct {
	primary    ocr.Extractor
	scan       ocr.Extractor
	ocrPrimary bool
}

// NewPDFRouter builds the router from config. Scanned-document escalation
// engages only when enabled and a Mistral key is present.
func NewPDFRouter(cfg config.ExtractConfig) (*PDFRouter, error) {
	primary, err := ocr.NewExtractor(cfg)
	if err != nil {
		return nil, err
	}
	r := &PDFRouter{primary: primary}
	if _, direct := primary.(*ocr.MistralOCR); direct {
		r.ocrPrimary = true
	} else if cfg.ScannedPDFOCR && cfg.OCRKey != "" {
		r.scan = ocr.NewMistralOCR(cfg.OCRKey, "")
	}
	return r, nil
}

// pdfResult carries the extracted text. Scanned means the text came out of
// OCR (or should have, when no OCR backend was configured).
type pdfResult struct {
	Text    string
	Scanned bool
}

// Extract runs the text-layer pass and escalates to OCR when the document
// looks scanned.
func (r *PDFRouter) Extract(ctx context.Context, pdf []byte) (*pdfResult, error) {
	text, err := r.primary.ExtractText(ctx, pdf)
	if err != nil {
		return nil, err
	}
	if r.ocrPrimary {
		return &pdfResult{Text: text, Scanned: true}, nil
	}
	if !looksScanned(text, pdf) {
		return &pdfResult{Text: text}, nil
	}
	if r.scan == nil {
		// No OCR backend; keep whatever thin text the layer had.
		return &pdfResult{Text: text, Scanned: true}, nil
	}
	zap.L().Info("extract: PDF has no text layer, running OCR",
		zap.Int("pdf_bytes", len(pdf)),
	)
	ocrText, err := r.scan.ExtractText(ctx, pdf)
	if err != nil {
		zap.L().Warn("extract: scanned-PDF OCR failed", zap.Error(err))
		return &pdfResult{Text: text, Scanned: true}, nil
	}
	return &pdfResult{Text: ocrText, Scanned: true}, nil
}

// looksScanned flags documents whose text layer is too thin for their size.
func looksScanned(text string, pdf []byte) bool {
	return len(strings.TrimSpace(text)) < scannedTextFloor && len(pdf) > scannedSizeFloor
}

var columnSplitRe = regexp.MustCompile(`\s{2,}`)

// pdfObs mines the PDF text line by line: markdown table rows from OCR
// output, two-column layout rows, and colon pairs. Rows with more than two
// columns are comparison sheets and are skipped. Scanned rows carry an OCR
// confidence estimate.
func pdfObs(m *Matcher, res *pdfResult) []obs {
	if res == nil || strings.TrimSpace(res.Text) == "" {
		return nil
	}
	var out []obs
	for li, rawLine := range strings.Split(res.Text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}
		var o *obs
		if cells := markdownCells(line); len(cells) == 2 {
			o = pairObs(m, cells[0], cells[1], model.MethodPDFTable, fmt.Sprintf("pdf.md[%d]", li))
		} else if cols := columnSplitRe.Split(line, -1); len(cols) == 2 {
			o = pairObs(m, cols[0], cols[1], model.MethodPDFTable, fmt.Sprintf("pdf.col[%d]", li))
		} else if label, value, ok := splitKVLine(line); ok {
			o = pairObs(m, label, value, model.MethodPDFKV, fmt.Sprintf("pdf.line[%d]", li))
		}
		if o == nil {
			continue
		}
		if res.Scanned {
			o.ocrConf = rowOCRConfidence(line)
		}
		out = append(out, *o)
	}
	return out
}

// pairObs builds a single observation when the label matches a field.
func pairObs(m *Matcher, label, value string, method model.ExtractionMethod, keyPath string) *obs {
	rule := m.Match(label)
	if rule == nil {
		return nil
	}
	return &obs{
		rule:    rule,
		value:   strings.TrimSpace(value),
		method:  method,
		keyPath: keyPath,
	}
}

// markdownCells splits an OCR markdown table row into trimmed cells.
// Header separator rows return nil.
func markdownCells(line string) []string {
	if !strings.HasPrefix(line, "|") {
		return nil
	}
	parts := strings.Split(strings.Trim(line, "|"), "|")
	var cells []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if strings.Trim(p, "-: ") == "" {
			return nil
		}
		cells = append(cells, p)
	}
	return cells
}

// rowOCRConfidence estimates glyph quality as the clean-rune fraction of
// the row. Replacement characters are weighted as hard evidence of garble.
func rowOCRConfidence(line string) float64 {
	if line == "" {
		return 0.05
	}
	total, clean := 0, 0
	for _, r := range line {
		total++
		switch {
		case r == unicode.ReplacementChar:
			clean -= 3
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
			clean++
		case strings.ContainsRune(".,:;()/%+-|", r):
			clean++
		}
	}
	c := float64(clean) / float64(total)
	if c < 0.05 {
		return 0.05
	}
	if c > 1 {
		return 1
	}
	return c
}
