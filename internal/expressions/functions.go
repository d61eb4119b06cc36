package expressions

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
)

// functionOptions registers the helper functions available to data-binding
// expressions on top of the expr-lang builtins.
func functionOptions() []expr.Option {
	return []expr.Option{
		expr.Function("coalesce", coalesce),
		expr.Function("toNumber", toNumber),
		expr.Function("slugify", slugify),
	}
}

// coalesce returns its first argument that is neither nil nor "".
func coalesce(params ...any) (any, error) {
	for _, p := range params {
		if p == nil {
			continue
		}
		if s, ok := p.(string); ok && s == "" {
			continue
		}
		return p, nil
	}
	return nil, nil
}

func toNumber(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("toNumber expects 1 argument, got %d", len(params))
	}
	switch v := params[0].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("toNumber: %q is not numeric", v)
		}
		return f, nil
	case nil:
		return nil, fmt.Errorf("toNumber: nil is not numeric")
	default:
		return nil, fmt.Errorf("toNumber: unsupported type %T", v)
	}
}

// slugify lowercases s and collapses every run of non-alphanumerics into "-".
func slugify(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("slugify expects 1 argument, got %d", len(params))
	}
	s, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("slugify: expected string, got %T", params[0])
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-"), nil
}
