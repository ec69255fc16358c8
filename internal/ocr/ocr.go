// Package ocr turns fetched PDF bytes into text. The local provider shells
// out to pdftotext for PDFs that carry a text layer; the mistral provider
// sends the document to the Mistral OCR API and is the only backend that can
// read scanned pages.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/specfactory/internal/config"
)

// Extractor extracts text content from PDF bytes.
type Extractor interface {
	ExtractText(ctx context.Context, pdf []byte) (string, error)
}

// NewExtractor creates an Extractor for the configured provider.
func NewExtractor(cfg config.ExtractConfig) (Extractor, error) {
	switch cfg.OCRProvider {
	case "local", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "mistral":
		if cfg.OCRKey == "" {
			return nil, eris.New("ocr: mistral provider requires extract.ocr_key")
		}
		return NewMistralOCR(cfg.OCRKey, ""), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.OCRProvider)
	}
}
