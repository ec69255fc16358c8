package billing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/specfactory/internal/model"
)

// RenderDigest formats a rollup as the human-readable monthly digest.
// Sections are key-sorted so repeated renders are byte-identical.
func RenderDigest(roll model.MonthlyRollup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "month %s: $%.4f across %d calls\n", roll.Month, roll.TotalCostUSD, roll.TotalCalls)
	fmt.Fprintf(&b, "tokens: %d prompt / %d completion\n", roll.PromptTokens, roll.CompletionTokens)
	writeSection(&b, "by model", roll.ByModel)
	writeSection(&b, "by category", roll.ByCategory)
	writeSection(&b, "by day", roll.ByDay)
	return b.String()
}

func writeSection(b *strings.Builder, title string, vals map[string]float64) {
	if len(vals) == 0 {
		return
	}
	keys := make([]string, 0, len(vals))
	width := 0
	for k := range vals {
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	sort.Strings(keys)
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(b, "  %-*s  $%.4f\n", width, k, vals[k])
	}
}
