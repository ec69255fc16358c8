package needset

import (
	"fmt"
	"strings"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

// PlannedQuery is one search query for the next round, tagged with the
// deficit field it targets and the host hint that biased it, when any.
type PlannedQuery struct {
	Query string `json:"query"`
	Field string `json:"field,omitempty"`
	Host  string `json:"host,omitempty"`
}

// QueryPlanner expands the category's search templates over the needset,
// biased toward hosts the yield model has seen fill the deficit fields.
type QueryPlanner struct {
	rules *rulestore.CategoryRules
	yield *YieldModel
}

// NewQueryPlanner builds a planner. yield may be nil to skip host biasing.
func NewQueryPlanner(rules *rulestore.CategoryRules, yield *YieldModel) *QueryPlanner {
	return &QueryPlanner{rules: rules, yield: yield}
}

// defaultTemplates apply when a category ships no search templates.
var defaultTemplates = []string{
	"{brand} {model} specs",
	"{brand} {model} {field_name}",
}

// yieldHostsPerField caps the site-hinted variants per deficit field.
const yieldHostsPerField = 2

// Plan returns up to max deduplicated queries: the generic templates once,
// then per-need field templates in needset order, then site-hinted variants
// for hosts with historic yield. Queries in issued are not repeated.
func (p *QueryPlanner) Plan(job *model.ProductJob, needs *model.NeedSet, max int, issued map[string]bool) []PlannedQuery {
	templates := p.rules.SearchTemplates
	if len(templates) == 0 {
		templates = defaultTemplates
	}

	var out []PlannedQuery
	seen := map[string]bool{}
	add := func(q PlannedQuery) bool {
		q.Query = strings.Join(strings.Fields(q.Query), " ")
		if q.Query == "" || seen[q.Query] || issued[q.Query] {
			return true
		}
		if max > 0 && len(out) >= max {
			return false
		}
		seen[q.Query] = true
		out = append(out, q)
		return true
	}

	for _, tmpl := range templates {
		if strings.Contains(tmpl, "{field_name}") {
			continue
		}
		if !add(PlannedQuery{Query: p.expand(tmpl, job, "")}) {
			return out
		}
	}
	for _, need := range needs.Needs {
		name := p.fieldName(need.Field)
		for _, tmpl := range templates {
			if !strings.Contains(tmpl, "{field_name}") {
				continue
			}
			if !add(PlannedQuery{Query: p.expand(tmpl, job, name), Field: need.Field}) {
				return out
			}
		}
		if p.yield == nil {
			continue
		}
		for _, host := range p.yield.TopHosts(need.Field, yieldHostsPerField) {
			q := fmt.Sprintf("%s %s %s site:%s", job.IdentityLock.Brand, job.IdentityLock.Model, name, host)
			if !add(PlannedQuery{Query: q, Field: need.Field, Host: host}) {
				return out
			}
		}
	}
	return out
}

func (p *QueryPlanner) expand(tmpl string, job *model.ProductJob, fieldName string) string {
	return strings.NewReplacer(
		"{brand}", job.IdentityLock.Brand,
		"{model}", job.IdentityLock.Model,
		"{variant}", job.IdentityLock.Variant,
		"{category}", job.Category,
		"{field_name}", fieldName,
	).Replace(tmpl)
}

// fieldName is the human spelling used in queries: the rule's display name
// when present, else the key with underscores opened up.
func (p *QueryPlanner) fieldName(key string) string {
	if rule := p.rules.Field(key); rule != nil && rule.Name != "" {
		return rule.Name
	}
	return strings.ReplaceAll(key, "_", " ")
}
