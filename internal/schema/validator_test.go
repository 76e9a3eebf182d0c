package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emailSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"to":      map[string]any{"type": "string"},
			"subject": map[string]any{"type": "string", "maxLength": 200},
			"count":   map[string]any{"type": "number", "minimum": 1, "maximum": 50},
			"urgent":  map[string]any{"type": "boolean"},
			"folder":  map[string]any{"type": "string", "enum": []any{"inbox", "archive"}},
			"cc": map[string]any{
				"type":     "array",
				"maxItems": 3,
				"items":    map[string]any{"type": "string"},
			},
		},
		"required": []string{"to"},
	}
}

func TestValidInputPasses(t *testing.T) {
	input := map[string]any{
		"to":      "a@example.com",
		"subject": "hello",
		"count":   float64(5),
		"urgent":  true,
		"folder":  "inbox",
		"cc":      []any{"b@example.com"},
	}
	out, errs := Validate(input, emailSchema())
	require.Nil(t, errs)
	assert.Equal(t, input, out)
}

func TestMissingRequiredField(t *testing.T) {
	out, errs := Validate(map[string]any{"subject": "x"}, emailSchema())
	assert.Nil(t, out)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `"to"`)
	assert.Contains(t, errs[0], "required")
}

func TestTypeViolationsAreCollected(t *testing.T) {
	input := map[string]any{
		"to":     42,
		"count":  "five",
		"urgent": "yes",
	}
	out, errs := Validate(input, emailSchema())
	assert.Nil(t, out)
	assert.Len(t, errs, 3)
}

func TestUnknownFieldsPassThrough(t *testing.T) {
	input := map[string]any{
		"to":          "a@example.com",
		"newFeature":  map[string]any{"nested": true},
		"anotherFlag": 7,
	}
	out, errs := Validate(input, emailSchema())
	require.Nil(t, errs)
	assert.Equal(t, map[string]any{"nested": true}, out["newFeature"])
	assert.Equal(t, 7, out["anotherFlag"])
}

func TestEnumViolation(t *testing.T) {
	input := map[string]any{"to": "a@example.com", "folder": "trash"}
	out, errs := Validate(input, emailSchema())
	assert.Nil(t, out)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "inbox, archive")
}

func TestNumericBounds(t *testing.T) {
	_, errs := Validate(map[string]any{"to": "x", "count": float64(0)}, emailSchema())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "at least 1")

	_, errs = Validate(map[string]any{"to": "x", "count": float64(51)}, emailSchema())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "at most 50")

	// Integer literals in Go-authored inputs coerce.
	out, errs := Validate(map[string]any{"to": "x", "count": 3}, emailSchema())
	require.Nil(t, errs)
	assert.Equal(t, 3, out["count"])
}

func TestExplicitMaxLengthRejects(t *testing.T) {
	input := map[string]any{"to": "x", "subject": strings.Repeat("s", 201)}
	out, errs := Validate(input, emailSchema())
	assert.Nil(t, out)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "maximum length 200")
}

func TestUnboundedStringIsClamped(t *testing.T) {
	long := strings.Repeat("x", DefaultMaxStringLen+500)
	out, errs := Validate(map[string]any{"to": long}, emailSchema())
	require.Nil(t, errs)
	got := out["to"].(string)
	assert.Len(t, []rune(got), DefaultMaxStringLen)

	// Re-validating the sanitized copy accepts it unchanged.
	again, errs := Validate(out, emailSchema())
	require.Nil(t, errs)
	assert.Equal(t, out, again)
}

func TestArrayItemRecursionAndBounds(t *testing.T) {
	input := map[string]any{"to": "x", "cc": []any{"a", "b", "c", "d"}}
	_, errs := Validate(input, emailSchema())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "at most 3 items")

	input = map[string]any{"to": "x", "cc": []any{"a", 2}}
	_, errs = Validate(input, emailSchema())
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `"cc[1]"`)
}

func TestNestedObjectValidation(t *testing.T) {
	sc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filter": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"limit": map[string]any{"type": "number", "minimum": 1},
				},
				"required": []string{"limit"},
			},
		},
	}
	_, errs := Validate(map[string]any{"filter": map[string]any{}}, sc)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "filter")
	assert.Contains(t, errs[0], `"limit"`)

	out, errs := Validate(map[string]any{"filter": map[string]any{"limit": float64(10)}}, sc)
	require.Nil(t, errs)
	assert.NotNil(t, out)
}

func TestEmptySchemaAcceptsAnything(t *testing.T) {
	input := map[string]any{"whatever": []any{1, 2, 3}}
	out, errs := Validate(input, map[string]any{"type": "object"})
	require.Nil(t, errs)
	assert.Equal(t, input, out)
}

func TestRequiredFromJSONDecodedSchema(t *testing.T) {
	// JSON-decoded schemas carry []any for required and float64 for bounds.
	sc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"n": map[string]any{"type": "number", "maximum": float64(5)},
		},
		"required": []any{"n"},
	}
	_, errs := Validate(map[string]any{}, sc)
	require.Len(t, errs, 1)

	_, errs = Validate(map[string]any{"n": float64(9)}, sc)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "at most 5")
}
