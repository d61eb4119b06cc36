// Package params materialises a node's declared parameters.
package params

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rendis/weave/internal/expressions"
	"github.com/rendis/weave/internal/validation"
	"github.com/rendis/weave/pkg/schema"
)

// Resolver resolves ParamSpecs through the expression evaluator.
type Resolver struct {
	eval    *expressions.Evaluator
	schemas *validation.SchemaValidator
}

// NewResolver creates a Resolver. schemas may be nil, which disables input
// schema validation.
func NewResolver(eval *expressions.Evaluator, schemas *validation.SchemaValidator) *Resolver {
	return &Resolver{eval: eval, schemas: schemas}
}

// ResolveParamValue resolves one parameter. path names it in errors, e.g.
// "channel" or "body.text". Expressions nested in literal maps and lists are
// resolved too.
func (r *Resolver) ResolveParamValue(path string, spec schema.ParamSpec, ec *expressions.EvalContext) (any, error) {
	switch s := spec.(type) {
	case nil:
		return nil, nil
	case schema.Literal:
		return r.resolveLiteral(path, s.Value, ec)
	case *schema.Literal:
		return r.resolveLiteral(path, s.Value, ec)
	case schema.Expression:
		return r.resolveExpression(path, s, ec)
	case *schema.Expression:
		return r.resolveExpression(path, *s, ec)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeParamResolution, "param %q: unsupported spec %T", path, spec).
			WithDetails(map[string]any{"param": path})
	}
}

// ResolveAll resolves every parameter, in name order. The first failure
// aborts and is returned as PARAM_RESOLUTION_ERROR naming the parameter.
func (r *Resolver) ResolveAll(params schema.Params, ec *expressions.EvalContext) (map[string]any, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(params))
	for _, name := range names {
		v, err := r.ResolveParamValue(name, params[name], ec)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// ResolveAndValidate resolves params and validates the result against
// inputSchema when both a schema and a validator are present.
func (r *Resolver) ResolveAndValidate(params schema.Params, ec *expressions.EvalContext, inputSchema []byte) (map[string]any, error) {
	resolved, err := r.ResolveAll(params, ec)
	if err != nil {
		return nil, err
	}
	if r.schemas == nil || len(inputSchema) == 0 {
		return resolved, nil
	}
	if err := r.schemas.ValidateInput(resolved, inputSchema); err != nil {
		return nil, err
	}
	return resolved, nil
}

func (r *Resolver) resolveExpression(path string, e schema.Expression, ec *expressions.EvalContext) (any, error) {
	if len(e.Vars) > 0 {
		ec = ec.WithVars(e.Vars)
	}
	var opts []expressions.EvalOption
	if e.Fallback != nil {
		opts = append(opts, expressions.WithFallback(*e.Fallback))
	}
	v, err := r.eval.Evaluate(e.Expr, ec, opts...)
	if err != nil {
		return nil, resolutionError(path, err)
	}
	return v, nil
}

func (r *Resolver) resolveLiteral(path string, v any, ec *expressions.EvalContext) (any, error) {
	switch val := v.(type) {
	case schema.Expression:
		return r.resolveExpression(path, val, ec)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveLiteral(path+"."+k, item, ec)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveLiteral(fmt.Sprintf("%s[%d]", path, i), item, ec)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolutionError(path string, err error) error {
	details := map[string]any{"param": path}
	var ee *schema.ExpressionError
	if errors.As(err, &ee) {
		details["expression"] = ee.Expression
		details["position"] = ee.Position
	}
	return schema.NewErrorf(schema.ErrCodeParamResolution, "param %q: %s", path, err.Error()).
		WithCause(err).
		WithDetails(details)
}
