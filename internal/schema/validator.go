// Package schema validates tool inputs against the JSON-schema subset
// carried by tool definitions: object properties with type, enum,
// minimum/maximum, minItems/maxItems and maxLength, plus required fields.
// Validation is permissive: fields the schema does not mention pass through
// untouched so newer clients are not wedged by older schemas.
package schema

import (
	"fmt"
	"strings"
)

// DefaultMaxStringLen caps string fields that carry no explicit maxLength.
// Overlong values are truncated rather than rejected.
const DefaultMaxStringLen = 10000

// Validate checks input against an object schema. It returns a sanitized
// copy of the input when valid, or a list of human-readable violations.
// Exactly one of the two return values is non-nil.
func Validate(input map[string]any, sc map[string]any) (map[string]any, []string) {
	var errs []string
	if input == nil {
		input = map[string]any{}
	}

	for _, name := range stringSlice(sc["required"]) {
		if _, ok := input[name]; !ok {
			errs = append(errs, fmt.Sprintf("missing required field %q", name))
		}
	}

	props, _ := sc["properties"].(map[string]any)
	out := make(map[string]any, len(input))
	for name, val := range input {
		fieldSchema, ok := props[name].(map[string]any)
		if !ok {
			out[name] = val
			continue
		}
		cleaned, fieldErrs := validateValue(name, val, fieldSchema)
		if len(fieldErrs) > 0 {
			errs = append(errs, fieldErrs...)
			continue
		}
		out[name] = cleaned
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func validateValue(name string, val any, sc map[string]any) (any, []string) {
	if enum, ok := sc["enum"].([]any); ok && len(enum) > 0 {
		if !enumContains(enum, val) {
			return nil, []string{fmt.Sprintf("field %q must be one of: %s", name, enumList(enum))}
		}
	}

	typ, _ := sc["type"].(string)
	switch typ {
	case "":
		return val, nil
	case "string":
		return validateString(name, val, sc)
	case "number", "integer":
		return validateNumber(name, val, sc)
	case "boolean":
		b, ok := val.(bool)
		if !ok {
			return nil, []string{fmt.Sprintf("field %q must be a boolean", name)}
		}
		return b, nil
	case "array":
		return validateArray(name, val, sc)
	case "object":
		m, ok := val.(map[string]any)
		if !ok {
			return nil, []string{fmt.Sprintf("field %q must be an object", name)}
		}
		cleaned, errs := Validate(m, sc)
		if len(errs) > 0 {
			prefixed := make([]string, len(errs))
			for i, e := range errs {
				prefixed[i] = fmt.Sprintf("%s: %s", name, e)
			}
			return nil, prefixed
		}
		return cleaned, nil
	default:
		// Unrecognized declared type: pass through rather than wedge.
		return val, nil
	}
}

func validateString(name string, val any, sc map[string]any) (any, []string) {
	s, ok := val.(string)
	if !ok {
		return nil, []string{fmt.Sprintf("field %q must be a string", name)}
	}
	if maxLen, ok := asInt(sc["maxLength"]); ok {
		if len([]rune(s)) > maxLen {
			return nil, []string{fmt.Sprintf("field %q exceeds maximum length %d", name, maxLen)}
		}
		return s, nil
	}
	// No declared bound: clamp instead of rejecting.
	if r := []rune(s); len(r) > DefaultMaxStringLen {
		return string(r[:DefaultMaxStringLen]), nil
	}
	return s, nil
}

func validateNumber(name string, val any, sc map[string]any) (any, []string) {
	n, ok := asFloat(val)
	if !ok {
		return nil, []string{fmt.Sprintf("field %q must be a number", name)}
	}
	if min, ok := asFloat(sc["minimum"]); ok && n < min {
		return nil, []string{fmt.Sprintf("field %q must be at least %v", name, min)}
	}
	if max, ok := asFloat(sc["maximum"]); ok && n > max {
		return nil, []string{fmt.Sprintf("field %q must be at most %v", name, max)}
	}
	return val, nil
}

func validateArray(name string, val any, sc map[string]any) (any, []string) {
	arr, ok := val.([]any)
	if !ok {
		return nil, []string{fmt.Sprintf("field %q must be an array", name)}
	}
	if min, ok := asInt(sc["minItems"]); ok && len(arr) < min {
		return nil, []string{fmt.Sprintf("field %q must have at least %d items", name, min)}
	}
	if max, ok := asInt(sc["maxItems"]); ok && len(arr) > max {
		return nil, []string{fmt.Sprintf("field %q must have at most %d items", name, max)}
	}
	items, ok := sc["items"].(map[string]any)
	if !ok {
		return arr, nil
	}
	var errs []string
	out := make([]any, len(arr))
	for i, el := range arr {
		cleaned, elErrs := validateValue(fmt.Sprintf("%s[%d]", name, i), el, items)
		if len(elErrs) > 0 {
			errs = append(errs, elErrs...)
			continue
		}
		out[i] = cleaned
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func enumContains(enum []any, val any) bool {
	for _, e := range enum {
		if e == val {
			return true
		}
		ef, ok1 := asFloat(e)
		vf, ok2 := asFloat(val)
		if ok1 && ok2 && ef == vf {
			return true
		}
	}
	return false
}

func enumList(enum []any) string {
	parts := make([]string, len(enum))
	for i, e := range enum {
		parts[i] = fmt.Sprintf("%v", e)
	}
	return strings.Join(parts, ", ")
}

// asFloat coerces JSON and Go numeric literals. Schemas authored in Go use
// int constants; schemas decoded from JSON carry float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	f, ok := asFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, el := range s {
			if str, ok := el.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
