package expressions

import (
	"context"

	"github.com/itchyny/gojq"
	"github.com/rendis/weave/pkg/schema"
)

// JQEngine runs jq programs for transform nodes. Compiled programs are cached
// and shared across goroutines.
type JQEngine struct {
	cache *programCache[*gojq.Code]
}

// NewJQEngine creates a jq engine.
func NewJQEngine() *JQEngine {
	return &JQEngine{cache: newProgramCache[*gojq.Code]()}
}

func (e *JQEngine) Name() string { return "jq" }

// Evaluate runs query against data. A single output is returned as-is,
// several are collected into a slice, none yields nil.
func (e *JQEngine) Evaluate(ctx context.Context, query string, data map[string]any) (any, error) {
	results, err := e.Run(ctx, query, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Run executes query against an arbitrary JSON-shaped input and returns
// every output it emits.
func (e *JQEngine) Run(ctx context.Context, query string, input any) ([]any, error) {
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq query")
	}
	code, err := e.compile(query)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeConnector, "jq query %q failed: %s", query, jqErr.Error()).
				WithCause(jqErr).
				WithDetails(map[string]any{"query": query})
		}
		results = append(results, val)
	}
	return results, nil
}

func (e *JQEngine) compile(query string) (*gojq.Code, error) {
	return e.cache.get(query, compileJQ)
}

func compileJQ(query string) (*gojq.Code, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq parse error in %q: %s", query, err.Error()).WithCause(err)
	}
	// No $ENV inside transforms.
	code, err := gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq compile error in %q: %s", query, err.Error()).WithCause(err)
	}
	return code, nil
}

// normalizeForJQ converts Go integer types to float64; gojq rejects int64
// and friends produced by connectors that do not round-trip through JSON.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*JQEngine)(nil)
