package llm

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/specfactory/internal/model"
)

// Envelope schemas per route scope. A response is validated against the
// scope's schema on the decoded JSON before any candidate is promoted.
const envelopeSchemaFmt = `{
  "type": "object",
  "required": ["candidates"],
  "properties": {
    "candidates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field", "value", "evidence_refs"],
        "properties": {
          "field": {"type": "string", "minLength": 1},
          "value": %s,
          "unit": {"type": "string"},
          "evidence_refs": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "notes": {"type": "string"}
        }
      }
    }
  }
}`

var (
	scalarSchema = jsonschema.MustCompileString("scalar.json",
		fmt.Sprintf(envelopeSchemaFmt, `{"type": ["string", "number", "boolean"]}`))
	componentSchema = jsonschema.MustCompileString("component.json",
		fmt.Sprintf(envelopeSchemaFmt, `{"type": ["object", "string"]}`))
	listSchema = jsonschema.MustCompileString("list.json",
		fmt.Sprintf(envelopeSchemaFmt, `{"type": "array", "items": {"type": ["string", "number"]}}`))
)

func schemaFor(scope model.RouteScope) *jsonschema.Schema {
	switch scope {
	case model.ScopeComponent:
		return componentSchema
	case model.ScopeList:
		return listSchema
	default:
		return scalarSchema
	}
}

// schemaHint is the compact shape block shown to the model in the prompt.
func schemaHint(scope model.RouteScope) string {
	var value string
	switch scope {
	case model.ScopeComponent:
		value = `<object or string>`
	case model.ScopeList:
		value = `[<string or number>, ...]`
	default:
		value = `<string, number, or boolean>`
	}
	return fmt.Sprintf(`{"candidates": [{"field": "<field key>", "value": %s, "unit": "<unit if any>", "evidence_refs": ["<snippet id>", ...], "confidence": <0..1>}]}`, value)
}
