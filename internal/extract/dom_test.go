package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/sells-group/specfactory/internal/model"
)

func parseHTML(t *testing.T, src string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(src))
	require.NoError(t, err)
	return doc
}

func TestDomObsShapes(t *testing.T) {
	doc := parseHTML(t, `<html><body>
		<table>
			<tr><th>Weight</th><td>59 g</td></tr>
			<tr><th>Sensor</th><td>HERO 2</td></tr>
			<tr><th>A</th><th>B</th><th>C</th></tr>
		</table>
		<dl>
			<dt>Battery Life</dt><dd>80 h</dd>
			<dt>Price</dt><dd>$129</dd>
		</dl>
		<div class="product-specs">
			<p>Polling Rate: 8000 Hz</p>
			<p>Weight: 59 g</p>
		</div>
		<p>DPI: 32000</p>
		<script>var junk = "Sensor: fake";</script>
	</body></html>`)

	got, feats := domSurfaces(NewMatcher(testRules()), doc)
	require.Len(t, got, 5)

	assert.Equal(t, "weight", got[0].rule.Key)
	assert.Equal(t, "59 g", got[0].value)
	assert.Equal(t, "table[0].row[0]", got[0].keyPath)
	assert.Equal(t, specTableBase, got[0].base)

	assert.Equal(t, "sensor", got[1].rule.Key)
	assert.Equal(t, "HERO 2", got[1].value)

	assert.Equal(t, "battery_life", got[2].rule.Key)
	assert.Equal(t, "80 h", got[2].value)
	assert.Equal(t, defListBase, got[2].base)

	assert.Equal(t, "polling_rate", got[3].rule.Key)
	assert.Equal(t, "8000 Hz", got[3].value)
	assert.Equal(t, "specbox[0].line[0]", got[3].keyPath)
	assert.Equal(t, defPairBase, got[3].base)

	// "Weight: 59 g" inside the spec box was already mined by the table;
	// only the novel inline pair survives the loose pass.
	assert.Equal(t, "dpi_max", got[4].rule.Key)
	assert.Equal(t, "32000", got[4].value)
	assert.True(t, strings.HasPrefix(got[4].keyPath, "kv.line["))
	assert.Equal(t, inlineKVBase, got[4].base)

	for _, o := range got {
		assert.Equal(t, model.MethodSpecTable, o.method)
	}

	require.NotNil(t, feats)
	require.Len(t, feats.Tables, 1)
	assert.Equal(t, "table[0]", feats.Tables[0].KeyPath)
	assert.Equal(t, []string{"Weight: 59 g", "Sensor: HERO 2", "A | B | C"}, feats.Tables[0].Rows)
	assert.Equal(t, []string{"weight", "sensor"}, feats.Tables[0].Fields)

	require.Len(t, feats.Definitions, 4)
	assert.Equal(t, "battery_life", feats.Definitions[0].Field)
	assert.Equal(t, "Price", feats.Definitions[1].Label)
	assert.Empty(t, feats.Definitions[1].Field)
	assert.Equal(t, "polling_rate", feats.Definitions[2].Field)
	assert.Equal(t, "specbox[0].line[1]", feats.Definitions[3].KeyPath)

	// Pairs claimed by a tighter shape do not repeat in the inline set.
	require.Len(t, feats.Inline, 1)
	assert.Equal(t, "dpi_max", feats.Inline[0].Field)
	assert.Equal(t, "32000", feats.Inline[0].Value)
	assert.Empty(t, feats.Headings)
}

func TestDomObsNestedTable(t *testing.T) {
	doc := parseHTML(t, `<html><body>
		<table>
			<tr><td>Weight</td><td><table><tr><td>Sensor</td><td>HERO 2</td></tr></table></td></tr>
		</table>
	</body></html>`)

	got, feats := domSurfaces(NewMatcher(testRules()), doc)
	require.Len(t, got, 2)

	// The outer cell does not swallow the inner table's text.
	assert.Equal(t, "weight", got[0].rule.Key)
	assert.Equal(t, "", got[0].value)
	assert.Equal(t, "table[0].row[0]", got[0].keyPath)

	assert.Equal(t, "sensor", got[1].rule.Key)
	assert.Equal(t, "HERO 2", got[1].value)
	assert.Equal(t, "table[1].row[0]", got[1].keyPath)

	require.Len(t, feats.Tables, 2)
	assert.Equal(t, []string{"Weight: "}, feats.Tables[0].Rows)
	assert.Equal(t, []string{"Sensor: HERO 2"}, feats.Tables[1].Rows)
}

func TestSpecHeadings(t *testing.T) {
	doc := parseHTML(t, `<html><body>
		<h1>Vortex 2</h1>
		<h2>Technical Specifications</h2>
		<div class="specs"><h3>Performance</h3><p>Weight: 59 g</p></div>
		<div class="specs"><h3>Performance</h3></div>
	</body></html>`)

	got := specHeadings(doc)
	assert.Equal(t, []string{"Performance", "Technical Specifications"}, got)
}

func TestDlPairs(t *testing.T) {
	doc := parseHTML(t, `<html><body><dl>
		<dd>orphan value</dd>
		<div><dt>Weight</dt><dd>59 g</dd></div>
		<div><dt>Connectivity</dt><dd>USB</dd><dd>Bluetooth</dd></div>
	</dl></body></html>`)

	dl := findFirst(doc, "dl")
	require.NotNil(t, dl)

	got := dlPairs(dl)
	require.Len(t, got, 3)
	assert.Equal(t, [2]string{"Weight", "59 g"}, got[0])
	assert.Equal(t, [2]string{"Connectivity", "USB"}, got[1])
	assert.Equal(t, [2]string{"Connectivity", "Bluetooth"}, got[2])
}

func TestSpecContainers(t *testing.T) {
	doc := parseHTML(t, `<html><body>
		<div class="tech-specs"><div class="spec-row">inner</div></div>
		<section id="specifications">x</section>
		<div class="reviews">y</div>
	</body></html>`)

	got := specContainers(doc)
	require.Len(t, got, 2, "nested spec containers collapse into the outermost")
	assert.Equal(t, "div", got[0].Data)
	assert.Equal(t, "section", got[1].Data)
}

func TestSplitKVLine(t *testing.T) {
	tests := []struct {
		line      string
		wantLabel string
		wantValue string
		wantOK    bool
	}{
		{"Weight: 59 g", "Weight", "59 g", true},
		{"Weight : 59 g", "Weight", "59 g", true},
		{"Max. DPI: 32000", "Max. DPI", "32000", true},
		{"Weight (with cable): 75 g", "Weight (with cable)", "75 g", true},
		{"Weight:59 g", "", "", false},
		{"https://example.com/page", "", "", false},
		{"12:30: 45", "", "", false},
		{"One two three four five six seven: too many words", "", "", false},
		{"Note: " + strings.Repeat("x", 200), "", "", false},
		{"no separator here", "", "", false},
	}
	for _, tt := range tests {
		label, value, ok := splitKVLine(tt.line)
		assert.Equal(t, tt.wantOK, ok, "line %q", tt.line)
		if tt.wantOK {
			assert.Equal(t, tt.wantLabel, label, "line %q", tt.line)
			assert.Equal(t, tt.wantValue, value, "line %q", tt.line)
		}
	}
}

func TestBlockText(t *testing.T) {
	doc := parseHTML(t, `<html><body><p>one</p><div>two<br>three</div></body></html>`)

	lines := textLines(findFirst(doc, "body"))
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestTextContentSkipsHiddenSubtrees(t *testing.T) {
	doc := parseHTML(t, `<html><body><div>visible<script>var x = 1;</script><nav>menu</nav></div></body></html>`)

	div := findFirst(doc, "div")
	require.NotNil(t, div)
	assert.Equal(t, "visible", collapseText(textContent(div)))
}
