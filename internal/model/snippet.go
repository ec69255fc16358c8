package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// SnippetType classifies one unit of evidence in a pack.
type SnippetType string

const (
	SnippetTable         SnippetType = "table"
	SnippetDefinition    SnippetType = "definition"
	SnippetKV            SnippetType = "kv"
	SnippetWindow        SnippetType = "window"
	SnippetText          SnippetType = "text"
	SnippetJSON          SnippetType = "json"
	SnippetJSONLDProduct SnippetType = "json_ld_product"
	SnippetPDF           SnippetType = "pdf"
	SnippetDeterministic SnippetType = "deterministic_candidate"
)

// Snippet is one evidence unit with a stable slot ID and content hash.
type Snippet struct {
	ID               string           `json:"id"`
	SourceID         string           `json:"source_id"`
	Type             SnippetType      `json:"type"`
	Text             string           `json:"text"`
	NormalizedText   string           `json:"normalized_text"`
	SnippetHash      string           `json:"snippet_hash"`
	URL              string           `json:"url,omitempty"`
	ExtractionMethod ExtractionMethod `json:"extraction_method,omitempty"`
	KeyPath          string           `json:"key_path,omitempty"`
	FieldHints       []string         `json:"field_hints,omitempty"`
}

// PackMeta identifies the page an evidence pack was distilled from.
type PackMeta struct {
	PageContentHash string     `json:"page_content_hash"`
	TextHash        string     `json:"text_hash"`
	URL             string     `json:"url"`
	Host            string     `json:"host"`
	Tier            SourceTier `json:"tier"`
}

// EvidencePack is the bounded per-source snippet collection shared with LLMs.
// Candidate bindings pin each deterministic candidate fingerprint to exactly
// one snippet ID.
type EvidencePack struct {
	SourceID          string            `json:"source_id"`
	Meta              PackMeta          `json:"meta"`
	Snippets          []Snippet         `json:"snippets"`
	CandidateBindings map[string]string `json:"candidate_bindings,omitempty"`
	TotalChars        int               `json:"total_chars"`
}

// SnippetByID returns the snippet for id, or nil.
func (p *EvidencePack) SnippetByID(id string) *Snippet {
	for i := range p.Snippets {
		if p.Snippets[i].ID == id {
			return &p.Snippets[i]
		}
	}
	return nil
}

// HasSnippet reports whether id resolves inside the pack.
func (p *EvidencePack) HasSnippet(id string) bool {
	return p.SnippetByID(id) != nil
}

// HashText is the snippet content hash: sha256 over the normalized text.
func HashText(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
