package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/specfactory/internal/model"
	"github.com/sells-group/specfactory/internal/rulestore"
)

// Role selects the system contract for a call.
type Role string

const (
	RolePlan     Role = "plan"
	RoleExtract  Role = "extract"
	RoleValidate Role = "validate"
)

const extractSystemText = `You are a product specification extractor. You read evidence snippets from one web page and report field values for one target product.

Rules:
- Use only the evidence snippets provided. Never use outside knowledge for values.
- Report a field only when the evidence states it for the target product.
- Every candidate must cite the snippet IDs that state its value in evidence_refs.
- When the evidence does not state a field, omit that field. Never guess.
- Respect the anchors: skip any value that contradicts an anchor.
- Return a single JSON object matching the requested schema. No prose, no markdown fences.`

const planSystemText = `You are a research planner for product specification harvesting. You read the product identity and the outstanding fields and propose search queries and source hints.

Rules:
- Name the brand and model in every query.
- Prefer manufacturer and lab-database sources over retailers and forums.
- Return a single JSON object matching the requested schema. No prose, no markdown fences.`

const validateSystemText = `You are a product specification validator. You compare extracted field values against the cited evidence snippets.

Rules:
- Judge only from the provided snippets.
- Flag every value the cited evidence does not support.
- Return a single JSON object matching the requested schema. No prose, no markdown fences.`

func systemFor(role Role) string {
	switch role {
	case RolePlan:
		return planSystemText
	case RoleValidate:
		return validateSystemText
	default:
		return extractSystemText
	}
}

// FieldTask is one field to extract, with its contract and resolved route.
type FieldTask struct {
	Key      string
	Rule     *rulestore.FieldRule
	Decision model.RouteDecision
}

// PrimeRow is one already-known value shipped with a
// values_plus_prime_sources packet.
type PrimeRow struct {
	Field string
	Value any
	URL   string
	Tier  model.SourceTier
}

// buildUserPrompt renders the extraction payload: identity context, per-field
// contracts, anchors, prime rows when the packet shape calls for them, the
// pack's snippets, and the output schema.
func buildUserPrompt(job *model.ProductJob, tasks []FieldTask, pack *model.EvidencePack, prime []PrimeRow, hint string) string {
	var b strings.Builder

	b.WriteString("Target product:\n")
	fmt.Fprintf(&b, "  category: %s\n", job.Category)
	fmt.Fprintf(&b, "  brand: %s\n", job.IdentityLock.Brand)
	fmt.Fprintf(&b, "  model: %s\n", job.IdentityLock.Model)
	if job.IdentityLock.Variant != "" {
		fmt.Fprintf(&b, "  variant: %s\n", job.IdentityLock.Variant)
	}
	if job.IdentityLock.SKU != "" {
		fmt.Fprintf(&b, "  sku: %s\n", job.IdentityLock.SKU)
	}
	if job.IdentityLock.MPN != "" {
		fmt.Fprintf(&b, "  mpn: %s\n", job.IdentityLock.MPN)
	}
	if job.IdentityLock.GTIN != "" {
		fmt.Fprintf(&b, "  gtin: %s\n", job.IdentityLock.GTIN)
	}

	if len(job.Anchors) > 0 {
		b.WriteString("\nAnchors (trusted reference values; reject evidence that contradicts them):\n")
		for _, key := range sortedKeys(job.Anchors) {
			fmt.Fprintf(&b, "  %s: %s\n", key, job.Anchors[key])
		}
	}

	b.WriteString("\nTarget fields:\n")
	for _, t := range tasks {
		b.WriteString(fieldContract(t))
	}

	if len(prime) > 0 {
		b.WriteString("\nKnown values (prime sources; extract only if this page confirms or corrects them):\n")
		for _, p := range prime {
			fmt.Fprintf(&b, "  %s = %s [tier %d] %s\n", p.Field, model.NormalizeValue(p.Value), p.Tier, p.URL)
		}
	}

	fmt.Fprintf(&b, "\nEvidence snippets from %s (tier %d):\n", pack.Meta.URL, pack.Meta.Tier)
	for _, sn := range pack.Snippets {
		fmt.Fprintf(&b, "[%s] (%s) %s\n", sn.ID, sn.Type, sn.Text)
	}

	fmt.Fprintf(&b, "\nOutput JSON schema:\n%s\n", hint)
	b.WriteString("\nExtract the target fields from the snippets. Return valid JSON matching the schema above.")
	return b.String()
}

// fieldContract renders one target-field line: type, unit, scope, evidence
// minimum, closed-enum options, golden examples.
func fieldContract(t FieldTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s: %s", t.Key, t.Rule.DataType)
	if t.Rule.Unit != "" {
		fmt.Fprintf(&b, " in %s", t.Rule.Unit)
	}
	fmt.Fprintf(&b, ", %s scope", t.Decision.Scope)
	if t.Decision.MinEvidenceRefs > 1 {
		fmt.Fprintf(&b, "; cite at least %d snippet refs", t.Decision.MinEvidenceRefs)
	}
	if t.Rule.ClosedEnum() {
		fmt.Fprintf(&b, "; allowed values: %s", strings.Join(t.Rule.EnumOptions, " | "))
	}
	if len(t.Rule.GoldenExamples) > 0 {
		fmt.Fprintf(&b, "; examples: %s", strings.Join(t.Rule.GoldenExamples, ", "))
	}
	b.WriteString("\n")
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
