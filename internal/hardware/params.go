package hardware

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/rendis/labflow/pkg/schema"
)

// params wraps operation parameters with typed, defaulting accessors.
// Type mismatches are reported as VALIDATION_ERROR rather than coerced.
type params map[string]any

func (p params) str(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidParam(key, "string", v)
	}
	return s, nil
}

func (p params) float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, invalidParam(key, "number", v)
	}
	return f, nil
}

// floats reads each key with its default, stopping at the first bad value.
func (p params) floats(keys []string, defs []float64) ([]float64, error) {
	out := make([]float64, len(keys))
	for i, k := range keys {
		v, err := p.float(k, defs[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (p params) int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, invalidParam(key, "integer", v)
	}
	return int(f), nil
}

func (p params) bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, invalidParam(key, "boolean", v)
	}
	return b, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func invalidParam(key, want string, got any) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"parameter %q must be a %s, got %T", key, want, got).
		WithDetails(map[string]any{"parameter": key, "value": fmt.Sprint(got)})
}

func invalidChoice(key, got string, allowed ...string) error {
	return schema.NewErrorf(schema.ErrCodeValidation,
		"invalid %s %q", key, got).
		WithDetails(map[string]any{"parameter": key, "allowed": allowed})
}

// section returns a nested map from a config block, or nil.
func section(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]any)
	return sub
}
