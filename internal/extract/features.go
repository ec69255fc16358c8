package extract

import "github.com/sells-group/specfactory/internal/rulestore"

// PageFeatures is the raw material the evidence pack builder renders into
// snippets: labeled pairs annotated with the field their label resolved to,
// tables rendered row by row, and spec-section headings. It is mined in the
// same DOM walk that produces the deterministic observations so the two
// views of a page cannot drift apart.
type PageFeatures struct {
	Definitions []LabeledPair
	Inline      []LabeledPair
	Tables      []TableBlock
	Headings    []string
}

// LabeledPair is one label/value unit from a definition list, spec box, or
// inline key: value line. Field is empty when the label matched no rule.
type LabeledPair struct {
	Label   string
	Value   string
	Field   string
	KeyPath string
}

// TableBlock is one HTML table with its rows rendered as text lines and the
// field keys its kv rows covered.
type TableBlock struct {
	KeyPath string
	Rows    []string
	Fields  []string
}

func labeledPair(label, value string, rule *rulestore.FieldRule, keyPath string) LabeledPair {
	p := LabeledPair{Label: label, Value: value, KeyPath: keyPath}
	if rule != nil {
		p.Field = rule.Key
	}
	return p
}
