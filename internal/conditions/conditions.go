// Package conditions implements the closed condition algebra shared by
// workflow transition guards and trigger rules: a (field, operator, value)
// triple evaluated against a context map. Field lookup supports dotted
// paths into nested maps.
package conditions

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Operator is one of the fixed comparison operators.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// Condition compares one field of the evaluation context against a literal.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// All reports whether every condition holds against data. An empty
// condition list is vacuously true.
func All(conds []Condition, data map[string]any) bool {
	for _, c := range conds {
		if !c.Evaluate(data) {
			return false
		}
	}
	return true
}

// Evaluate applies the condition to data. A missing field satisfies only
// not_equals and not_in.
func (c Condition) Evaluate(data map[string]any) bool {
	actual, ok := Lookup(data, c.Field)
	if !ok {
		return c.Operator == OpNotEquals || c.Operator == OpNotIn
	}

	switch c.Operator {
	case OpEquals:
		return looseEqual(actual, c.Value)
	case OpNotEquals:
		return !looseEqual(actual, c.Value)
	case OpContains:
		return contains(actual, c.Value)
	case OpGreaterThan:
		cmp, ok := compareNumeric(actual, c.Value)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := compareNumeric(actual, c.Value)
		return ok && cmp < 0
	case OpIn:
		return member(c.Value, actual)
	case OpNotIn:
		return !member(c.Value, actual)
	default:
		return false
	}
}

// Lookup resolves a dotted path like "case.priority" inside nested maps.
func Lookup(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := toStringMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// looseEqual compares across the numeric/string representations produced
// by JSON decoding, so 5, 5.0 and "5" all match.
func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if cmp, ok := compareNumeric(a, b); ok {
		return cmp == 0
	}
	return asString(a) == asString(b)
}

// contains covers substring match, slice membership and map-key presence.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, asString(needle))
	case []string:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := h[asString(needle)]
		return ok
	default:
		return false
	}
}

// member reports whether needle appears in the literal set.
func member(set, needle any) bool {
	switch s := set.(type) {
	case []any:
		for _, item := range s {
			if looseEqual(item, needle) {
				return true
			}
		}
	case []string:
		for _, item := range s {
			if looseEqual(item, needle) {
				return true
			}
		}
	case string:
		// Allow a comma-separated literal, e.g. "HIGH,CRITICAL".
		for _, item := range strings.Split(s, ",") {
			if looseEqual(strings.TrimSpace(item), needle) {
				return true
			}
		}
	}
	return false
}

// compareNumeric compares two values as float64 if both are numeric.
// Returns -1, 0 or 1 and whether the comparison was possible.
func compareNumeric(a, b any) (int, bool) {
	fa, ok := toFloat(a)
	if !ok {
		return 0, false
	}
	fb, ok := toFloat(b)
	if !ok {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
