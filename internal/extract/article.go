package extract

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/sells-group/specfactory/internal/model"
)

// articleResult is the readability pass output.
type articleResult struct {
	text  string
	score float64
}

// contentHints mark containers that usually hold the main article.
var contentHints = []string{"article", "content", "description", "overview", "review", "post", "main"}

// extractArticle picks the densest content container and scores it on char,
// word, and heading mass. A container with 2.5k chars, 400 words, and three
// headings saturates all three signals.
func extractArticle(doc *html.Node) articleResult {
	best := pickContainer(doc)
	if best == nil {
		return articleResult{}
	}
	text := strings.TrimSpace(blockText(best))
	chars := len(text)
	words := len(strings.Fields(text))
	headings := countHeadings(best)

	score := 0.5*capRatio(float64(chars)/2500) +
		0.3*capRatio(float64(words)/400) +
		0.2*capRatio(float64(headings)/3)
	return articleResult{text: text, score: score}
}

func capRatio(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

// pickContainer returns the candidate element with the most text: article
// and main tags, then divs and sections with content-ish class or id hints,
// then body.
func pickContainer(doc *html.Node) *html.Node {
	var best *html.Node
	bestLen := 0
	consider := func(n *html.Node) {
		if l := len(collapseText(textContent(n))); l > bestLen {
			best, bestLen = n, l
		}
	}
	var walk func(*html.Node, int)
	walk = func(n *html.Node, depth int) {
		if n == nil || depth > maxDOMDepth {
			return
		}
		if n.Type == html.ElementNode {
			if skipElements[n.Data] {
				return
			}
			switch n.Data {
			case "article", "main":
				consider(n)
			case "div", "section":
				hint := strings.ToLower(getAttr(n, "class") + " " + getAttr(n, "id"))
				for _, h := range contentHints {
					if strings.Contains(hint, h) {
						consider(n)
						break
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, depth+1)
		}
	}
	walk(doc, 0)
	if best == nil {
		best = findFirst(doc, "body")
	}
	return best
}

func countHeadings(n *html.Node) int {
	count := 0
	var walk func(*html.Node, int)
	walk = func(node *html.Node, depth int) {
		if node == nil || depth > maxDOMDepth {
			return
		}
		if node.Type == html.ElementNode {
			switch node.Data {
			case "h1", "h2", "h3", "h4", "h5", "h6":
				count++
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
	return count
}

// FieldWindow is the text surrounding one field's name token.
type FieldWindow struct {
	Field string
	Text  string
}

// FieldWindows cuts a radius of text around the first occurrence of each
// field's name token, in rule order. Unlike windowObs it covers every field,
// not just numeric ones: the windows feed evidence packs, and an LLM can
// read shapes that prose mining cannot.
func (m *Matcher) FieldWindows(text string, radius int) []FieldWindow {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if radius <= 0 {
		radius = 90
	}
	lower := strings.ToLower(text)

	var out []FieldWindow
	for _, rule := range m.fields {
		for _, tok := range rule.MatchTokens() {
			idx := strings.Index(lower, tok)
			if idx < 0 {
				continue
			}
			start := idx - radius
			if start < 0 {
				start = 0
			}
			end := idx + len(tok) + radius
			if end > len(text) {
				end = len(text)
			}
			out = append(out, FieldWindow{Field: rule.Key, Text: collapseText(text[start:end])})
			break
		}
	}
	return out
}

var windowValueRe = regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*([A-Za-z%]{0,6})`)

// windowObs scans the chars after each numeric field's name tokens and
// mines the first number that follows, with its unit word when present.
// Only number-typed fields are mined this way; prose is too loose for
// anything else, and values trail their labels in running text.
func windowObs(m *Matcher, text string, radius int) []obs {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if radius <= 0 {
		radius = 90
	}
	lower := strings.ToLower(text)

	var out []obs
	for _, rule := range m.fields {
		if rule.DataType != "number" {
			continue
		}
		for _, tok := range rule.MatchTokens() {
			idx := strings.Index(lower, tok)
			if idx < 0 {
				continue
			}
			start := idx + len(tok)
			end := start + radius
			if end > len(text) {
				end = len(text)
			}
			sub := windowValueRe.FindStringSubmatch(text[start:end])
			if sub == nil {
				continue
			}
			value := sub[1]
			if sub[2] != "" {
				value += " " + sub[2]
			}
			out = append(out, obs{
				rule:    rule,
				value:   value,
				method:  model.MethodArticleWindow,
				keyPath: fmt.Sprintf("window.%s[%d]", rule.Key, idx),
			})
			break
		}
	}
	return out
}
