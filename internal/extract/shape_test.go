package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/specfactory/internal/model"
)

func TestNormalizeShapeScalar(t *testing.T) {
	rules := testRules()
	weight := ruleFor(t, rules, "weight")

	val, reason := normalizeShape(weight, "59 g")
	assert.Empty(t, reason)
	assert.Equal(t, "59 g", val)

	val, reason = normalizeShape(weight, "  59 g  ")
	assert.Empty(t, reason)
	assert.Equal(t, "59 g", val)

	val, reason = normalizeShape(weight, 59.0)
	assert.Empty(t, reason)
	assert.Equal(t, 59.0, val)
}

func TestNormalizeShapeSingletonUnwrap(t *testing.T) {
	rules := testRules()
	weight := ruleFor(t, rules, "weight")

	val, reason := normalizeShape(weight, []any{"59 g"})
	assert.Empty(t, reason)
	assert.Equal(t, "59 g", val)

	val, reason = normalizeShape(weight, []string{"59 g"})
	assert.Empty(t, reason)
	assert.Equal(t, "59 g", val)

	// Nested singletons unwrap all the way down.
	val, reason = normalizeShape(weight, []any{[]any{"59 g"}})
	assert.Empty(t, reason)
	assert.Equal(t, "59 g", val)
}

func TestNormalizeShapeMismatches(t *testing.T) {
	rules := testRules()
	sensor := ruleFor(t, rules, "sensor")

	_, reason := normalizeShape(sensor, []any{"HERO 2", "HERO"})
	assert.Equal(t, model.DropShapeMismatchArray, reason)

	_, reason = normalizeShape(sensor, []string{"HERO 2", "HERO"})
	assert.Equal(t, model.DropShapeMismatchArray, reason)

	_, reason = normalizeShape(sensor, map[string]any{"name": "HERO 2"})
	assert.Equal(t, model.DropShapeMismatchObject, reason)
}

func TestNormalizeShapeEmptyCollectionPassesThrough(t *testing.T) {
	rules := testRules()
	sensor := ruleFor(t, rules, "sensor")

	val, reason := normalizeShape(sensor, []any{})
	assert.Empty(t, reason)
	assert.True(t, model.IsUnknownValue(val))
}

func TestNormalizeList(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"separators", "USB, Bluetooth; 2.4GHz | Wired/Wireless", []string{"USB", "Bluetooth", "2.4GHz", "Wired", "Wireless"}},
		{"dedupe keeps first casing", "USB, usb, Bluetooth", []string{"USB", "Bluetooth"}},
		{"unknown tokens stripped", "USB, n/a, Bluetooth, unknown", []string{"USB", "Bluetooth"}},
		{"any slice", []any{"USB", "Bluetooth, 2.4GHz"}, []string{"USB", "Bluetooth", "2.4GHz"}},
		{"string slice", []string{"USB", "USB"}, []string{"USB"}},
		{"numbers", []any{1000.0, 2000.0}, []string{"1000", "2000"}},
		{"scalar fallback", 42, []string{"42"}},
		{"nil", nil, []string{}},
		{"whitespace only", "  ,  ;  ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeList(tt.in))
		})
	}
}

func TestNormalizeShapeListField(t *testing.T) {
	rules := testRules()
	conn := ruleFor(t, rules, "connectivity")

	val, reason := normalizeShape(conn, "USB, Bluetooth")
	assert.Empty(t, reason)
	assert.Equal(t, []string{"USB", "Bluetooth"}, val)
}
