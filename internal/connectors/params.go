package connectors

import (
	"encoding/json"
	"math"
)

// typed returns params[key] when it holds a T, else def.
func typed[T any](params map[string]any, key string, def T) T {
	if v, ok := params[key].(T); ok {
		return v
	}
	return def
}

func stringParam(params map[string]any, key, def string) string {
	return typed(params, key, def)
}

func boolParam(params map[string]any, key string, def bool) bool {
	return typed(params, key, def)
}

// intParam accepts any numeric representation a decoded document or an
// expression result can produce. Fractions are truncated.
func intParam(params map[string]any, key string, def int) int {
	switch n := params[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return def
		}
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
		if f, err := n.Float64(); err == nil {
			return int(f)
		}
	}
	return def
}
