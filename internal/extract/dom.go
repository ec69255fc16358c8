package extract

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

const maxDOMDepth = 50

// skipElements are subtrees that never hold product facts.
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	"svg": true, "template": true, "nav": true, "footer": true, "header": true,
}

// Static DOM shape bases. Tables are the most reliable shape, loose inline
// rows the least.
const (
	specTableBase = 0.85
	defListBase   = 0.83
	defPairBase   = 0.80
	inlineKVBase  = 0.78
)

// maxTableRows bounds how many rows of one table the pack material keeps.
const maxTableRows = 40

// domSurfaces mines static DOM shapes: spec tables, definition lists,
// spec-box rows, and inline key: value lines. A pair mined by one shape is
// not mined again by a looser one. Alongside the observations it collects
// the page features the evidence pack builder renders into snippets.
func domSurfaces(m *Matcher, doc *html.Node) ([]obs, *PageFeatures) {
	var out []obs
	feats := &PageFeatures{}
	seen := map[string]bool{}
	featSeen := map[string]bool{}

	for ti, table := range findElements(doc, "table") {
		block := TableBlock{KeyPath: fmt.Sprintf("table[%d]", ti)}
		covered := map[string]bool{}
		for ri, row := range tableRows(table) {
			if len(block.Rows) < maxTableRows {
				block.Rows = append(block.Rows, renderRow(row))
			}
			if len(row) != 2 {
				// Comparison grids are not a kv shape; they go through
				// the gated structured surfaces or the LLM path.
				continue
			}
			rule := addPairObs(m, &out, seen, row[0], row[1], fmt.Sprintf("table[%d].row[%d]", ti, ri), specTableBase)
			if rule != nil && !covered[rule.Key] {
				covered[rule.Key] = true
				block.Fields = append(block.Fields, rule.Key)
			}
		}
		if len(block.Rows) > 0 {
			feats.Tables = append(feats.Tables, block)
		}
	}
	for di, dl := range findElements(doc, "dl") {
		for pi, pair := range dlPairs(dl) {
			keyPath := fmt.Sprintf("dl[%d].item[%d]", di, pi)
			rule := addPairObs(m, &out, seen, pair[0], pair[1], keyPath, defListBase)
			if claimPair(featSeen, pair[0], pair[1]) {
				feats.Definitions = append(feats.Definitions, labeledPair(pair[0], pair[1], rule, keyPath))
			}
		}
	}
	for ci, box := range specContainers(doc) {
		for li, line := range textLines(box) {
			if label, value, ok := splitKVLine(line); ok {
				keyPath := fmt.Sprintf("specbox[%d].line[%d]", ci, li)
				rule := addPairObs(m, &out, seen, label, value, keyPath, defPairBase)
				if claimPair(featSeen, label, value) {
					feats.Definitions = append(feats.Definitions, labeledPair(label, value, rule, keyPath))
				}
			}
		}
	}
	body := findFirst(doc, "body")
	if body == nil {
		body = doc
	}
	for li, line := range textLines(body) {
		if label, value, ok := splitKVLine(line); ok {
			keyPath := fmt.Sprintf("kv.line[%d]", li)
			rule := addPairObs(m, &out, seen, label, value, keyPath, inlineKVBase)
			if claimPair(featSeen, label, value) {
				feats.Inline = append(feats.Inline, labeledPair(label, value, rule, keyPath))
			}
		}
	}
	feats.Headings = specHeadings(doc)
	return out, feats
}

// addPairObs records a (label, value) pair when the label matches a field
// and the pair was not already mined by a tighter shape. The matched rule
// comes back either way so callers can annotate their features.
func addPairObs(m *Matcher, out *[]obs, seen map[string]bool, label, value, keyPath string, base float64) *rulestore.FieldRule {
	rule := m.Match(label)
	if rule == nil {
		return nil
	}
	key := pairKey(label, value)
	if seen[key] {
		return rule
	}
	seen[key] = true
	*out = append(*out, obs{
		rule:    rule,
		value:   strings.TrimSpace(value),
		method:  model.MethodSpecTable,
		keyPath: keyPath,
		base:    base,
	})
	return rule
}

func pairKey(label, value string) string {
	return strings.ToLower(strings.TrimSpace(label)) + "\x00" + strings.ToLower(strings.TrimSpace(value))
}

// claimPair marks a feature pair as taken by the current shape pass.
func claimPair(featSeen map[string]bool, label, value string) bool {
	key := pairKey(label, value)
	if featSeen[key] {
		return false
	}
	featSeen[key] = true
	return true
}

// renderRow renders one table row for pack material: kv rows as a pair,
// wider rows pipe-joined.
func renderRow(row []string) string {
	if len(row) == 2 {
		return row[0] + ": " + row[1]
	}
	return strings.Join(row, " | ")
}

var kvLineRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9 /()+.'%&-]{0,60}?)\s*:\s+(\S.*)$`)

// splitKVLine parses "Label: value" rows. The required space after the
// colon keeps URLs and timestamps out.
func splitKVLine(line string) (label, value string, ok bool) {
	sub := kvLineRe.FindStringSubmatch(line)
	if sub == nil {
		return "", "", false
	}
	label, value = strings.TrimSpace(sub[1]), strings.TrimSpace(sub[2])
	if len(strings.Fields(label)) > 6 || len(value) > 160 {
		return "", "", false
	}
	return label, value, true
}

// findElements returns all elements with the given tag in document order.
func findElements(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node, int)
	walk = func(node *html.Node, depth int) {
		if node == nil || depth > maxDOMDepth {
			return
		}
		if node.Type == html.ElementNode {
			if skipElements[node.Data] {
				return
			}
			if node.Data == tag {
				out = append(out, node)
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
	return out
}

// findFirst returns the first element with the tag, depth-first.
func findFirst(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// tableRows flattens a table's tr elements into cell-text rows. Nested
// tables are left to their own pass.
func tableRows(table *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node, int)
	walk = func(n *html.Node, depth int) {
		if n == nil || depth > maxDOMDepth {
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "table":
				if n != table {
					return
				}
			case "tr":
				var cells []string
				collectCells(n, &cells)
				if len(cells) > 0 {
					rows = append(rows, cells)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(table, 0)
	return rows
}

func collectCells(n *html.Node, cells *[]string) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
			*cells = append(*cells, collapseText(cellText(c)))
			continue
		}
		collectCells(c, cells)
	}
}

// cellText is textContent minus nested tables, which render as rows of
// their own pass.
func cellText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node, int)
	walk = func(node *html.Node, depth int) {
		if node == nil || depth > maxDOMDepth {
			return
		}
		switch node.Type {
		case html.TextNode:
			sb.WriteString(node.Data)
			return
		case html.ElementNode:
			if skipElements[node.Data] || node.Data == "table" {
				return
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
	return sb.String()
}

// dlPairs walks a definition list pairing each dt with its dd run.
// Wrapper divs between the dl and its terms are common and skipped over.
func dlPairs(dl *html.Node) [][2]string {
	var out [][2]string
	label := ""
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.Data {
			case "dt":
				label = collapseText(textContent(c))
			case "dd":
				if label != "" {
					out = append(out, [2]string{label, collapseText(textContent(c))})
				}
			case "div":
				walk(c)
			}
		}
	}
	walk(dl)
	return out
}

// specContainers finds elements whose class or id names a spec section.
func specContainers(doc *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node, int)
	walk = func(n *html.Node, depth int) {
		if n == nil || depth > maxDOMDepth {
			return
		}
		if n.Type == html.ElementNode {
			if skipElements[n.Data] {
				return
			}
			hint := strings.ToLower(getAttr(n, "class") + " " + getAttr(n, "id"))
			if strings.Contains(hint, "spec") {
				out = append(out, n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(doc, 0)
	return out
}

var headingElements = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

// specHeadings collects headings inside spec containers plus any heading
// that names a spec section itself.
func specHeadings(doc *html.Node) []string {
	var out []string
	seen := map[string]bool{}
	add := func(h *html.Node) {
		text := collapseText(textContent(h))
		if text == "" {
			return
		}
		key := strings.ToLower(text)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, text)
	}
	for _, box := range specContainers(doc) {
		for _, h := range findHeadings(box) {
			add(h)
		}
	}
	for _, h := range findHeadings(doc) {
		if strings.Contains(strings.ToLower(collapseText(textContent(h))), "spec") {
			add(h)
		}
	}
	return out
}

func findHeadings(n *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node, int)
	walk = func(node *html.Node, depth int) {
		if node == nil || depth > maxDOMDepth {
			return
		}
		if node.Type == html.ElementNode {
			if headingElements[node.Data] {
				out = append(out, node)
				return
			}
			if skipElements[node.Data] {
				return
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
	return out
}

// getAttr returns the value of the named attribute, or "".
func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// textContent returns the visible text under n.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node, int)
	walk = func(node *html.Node, depth int) {
		if node == nil || depth > maxDOMDepth {
			return
		}
		switch node.Type {
		case html.TextNode:
			sb.WriteString(node.Data)
			return
		case html.ElementNode:
			if skipElements[node.Data] {
				return
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(n, 0)
	return sb.String()
}

// blockElements force line breaks in the text rendering.
var blockElements = map[string]bool{
	"p": true, "div": true, "li": true, "tr": true, "td": true, "th": true,
	"dt": true, "dd": true, "br": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "table": true, "blockquote": true, "pre": true,
}

// blockText renders the node's text with block elements as line breaks.
func blockText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node, int)
	walk = func(node *html.Node, depth int) {
		if node == nil || depth > maxDOMDepth {
			return
		}
		switch node.Type {
		case html.TextNode:
			sb.WriteString(node.Data)
			return
		case html.ElementNode:
			if skipElements[node.Data] {
				return
			}
			if blockElements[node.Data] {
				sb.WriteByte('\n')
			}
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
		if node.Type == html.ElementNode && blockElements[node.Data] {
			sb.WriteByte('\n')
		}
	}
	walk(n, 0)
	return sb.String()
}

// textLines are the non-empty whitespace-collapsed lines of blockText.
func textLines(n *html.Node) []string {
	var out []string
	for _, line := range strings.Split(blockText(n), "\n") {
		if line = collapseText(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// collapseText folds runs of whitespace into single spaces.
func collapseText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
