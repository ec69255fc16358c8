// Package llm routes field extraction onto the model ladder, guards the
// spend and call budgets, and runs the extraction loop that turns evidence
// packs into candidates: plan the call, send it, parse and schema-check the
// JSON, verify snippet refs, promote survivors.
package llm

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/specfactory/internal/config"
	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

// Ladder role names accepted in route matrix rows. Anything else in a
// ladder is passed through as a literal model ID.
const (
	roleHaiku  = "haiku"
	roleSonnet = "sonnet"
	roleOpus   = "opus"
)

// Router resolves per-field route decisions from the category route matrix
// and the configured role models.
type Router struct {
	rules *rulestore.CategoryRules
	ai    config.AnthropicConfig
}

// NewRouter builds a router over the loaded category rules.
func NewRouter(rules *rulestore.CategoryRules, ai config.AnthropicConfig) *Router {
	return &Router{rules: rules, ai: ai}
}

// Resolve picks the route for one field. The need row, when present,
// carries the planner's force-high and min-evidence escalations.
func (r *Router) Resolve(field string, need *model.Need) (model.RouteDecision, error) {
	rule := r.rules.Field(field)
	if rule == nil {
		return model.RouteDecision{}, eris.Errorf("llm: no field rule for %q", field)
	}
	row := r.rules.ResolveRoute(rule.Scope, rule.RequiredLevel)

	minRefs := row.MinEvidenceRefs
	if rule.MinEvidenceRefs > minRefs {
		minRefs = rule.MinEvidenceRefs
	}
	forceHigh := false
	if need != nil {
		if need.MinEvidenceRefs > minRefs {
			minRefs = need.MinEvidenceRefs
		}
		forceHigh = need.ForceHigh
	}

	return model.RouteDecision{
		Field:           field,
		Scope:           rule.Scope,
		ModelLadder:     r.ladder(row.ModelLadder, forceHigh),
		AllSourceData:   row.AllSourceData,
		EnableWebsearch: row.EnableWebsearch,
		MaxTokens:       row.MaxTokens,
		SendPacket:      row.SendPacket,
		MinEvidenceRefs: minRefs,
		OnInsufficient:  row.OnInsufficient,
		Essential:       rule.RequiredLevel == model.LevelCritical || forceHigh,
	}, nil
}

// ladder maps role names to concrete model IDs. Force-high appends the top
// model when the row's ladder stops short of it.
func (r *Router) ladder(names []string, forceHigh bool) []string {
	if len(names) == 0 {
		names = []string{roleHaiku, roleSonnet}
	}
	out := make([]string, 0, len(names)+1)
	for _, n := range names {
		out = append(out, r.Model(n))
	}
	if forceHigh && out[len(out)-1] != r.ai.OpusModel {
		out = append(out, r.ai.OpusModel)
	}
	return out
}

// Model resolves a ladder entry to a model ID.
func (r *Router) Model(name string) string {
	switch name {
	case roleHaiku:
		return r.ai.HaikuModel
	case roleSonnet:
		return r.ai.SonnetModel
	case roleOpus:
		return r.ai.OpusModel
	default:
		return name
	}
}

// HighTier reports whether the model ID is the top ladder model.
func (r *Router) HighTier(mdl string) bool {
	return mdl != "" && mdl == r.ai.OpusModel
}
