package expressions

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendis/weave/internal/validation"
	"github.com/rendis/weave/pkg/schema"
)

// contextSchemaDepth bounds how deep ContextSchema describes nested values.
const contextSchemaDepth = 4

// DetailedOptions configures EvaluateDetailed.
type DetailedOptions struct {
	// ExpectedResultSchema is a JSON schema the result is checked against.
	// Mismatches are reported as warnings and never change Valid.
	ExpectedResultSchema json.RawMessage
	Fallback             *any
}

// DetailedResult is the outcome of EvaluateDetailed, shaped for editors and
// validation tooling.
type DetailedResult struct {
	Value         any                      `json:"value"`
	Valid         bool                     `json:"valid"`
	Diagnostics   []schema.ValidationIssue `json:"diagnostics,omitempty"`
	TypeHint      string                   `json:"type_hint"`
	ContextSchema map[string]any           `json:"context_schema"`
}

// SetSchemaValidator enables the expected-result check of EvaluateDetailed.
func (e *Evaluator) SetSchemaValidator(v *validation.SchemaValidator) {
	e.mu.Lock()
	e.schemas = v
	e.mu.Unlock()
}

// EvaluateDetailed evaluates expression and reports diagnostics instead of
// failing. A failed evaluation yields Valid=false and the fallback (or nil)
// as Value.
func (e *Evaluator) EvaluateDetailed(expression string, ec *EvalContext, opts DetailedOptions) *DetailedResult {
	res := &DetailedResult{ContextSchema: describeContext(ec)}

	v, err := e.evaluate(expression, ec)
	if err != nil {
		res.Diagnostics = append(res.Diagnostics, expressionDiagnostic(err))
		if opts.Fallback != nil {
			res.Value = *opts.Fallback
		}
		res.TypeHint = typeHint(res.Value)
		return res
	}

	res.Value = v
	res.Valid = true
	res.TypeHint = typeHint(v)

	if len(opts.ExpectedResultSchema) > 0 {
		res.Diagnostics = append(res.Diagnostics, e.checkResult(v, opts.ExpectedResultSchema)...)
	}
	return res
}

func (e *Evaluator) checkResult(v any, schemaBytes []byte) []schema.ValidationIssue {
	e.mu.RLock()
	sv := e.schemas
	e.mu.RUnlock()
	if sv == nil {
		return nil
	}

	violations, err := sv.Violations(v, schemaBytes)
	if err != nil {
		return []schema.ValidationIssue{{
			Path:     "expectedResultSchema",
			Code:     schema.ErrCodeValidation,
			Message:  err.Error(),
			Severity: schema.SeverityWarning,
		}}
	}
	issues := make([]schema.ValidationIssue, 0, len(violations))
	for _, vi := range violations {
		issues = append(issues, schema.ValidationIssue{
			Path:     "result" + vi.Path,
			Code:     schema.ErrCodeValidation,
			Message:  vi.Message,
			Severity: schema.SeverityWarning,
		})
	}
	return issues
}

func expressionDiagnostic(err error) schema.ValidationIssue {
	issue := schema.ValidationIssue{
		Code:     schema.ErrCodeExpression,
		Message:  err.Error(),
		Severity: schema.SeverityError,
	}
	var ee *schema.ExpressionError
	if errors.As(err, &ee) {
		issue.Message = ee.Message
		if ee.Position >= 0 {
			issue.Path = fmt.Sprintf("@%d", ee.Position)
		}
	}
	return issue
}

// typeHint names the JSON type of v.
func typeHint(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// describeContext produces a JSON-schema-like outline of what an expression
// can reference.
func describeContext(ec *EvalContext) map[string]any {
	env := ec.Env()
	props := make(map[string]any, len(env))
	for k, v := range env {
		props[k] = describeValue(v, contextSchemaDepth)
	}
	return map[string]any{"type": "object", "properties": props}
}

func describeValue(v any, depth int) map[string]any {
	out := map[string]any{"type": typeHint(v)}
	if depth == 0 {
		return out
	}
	switch val := v.(type) {
	case map[string]any:
		props := make(map[string]any, len(val))
		for k, item := range val {
			props[k] = describeValue(item, depth-1)
		}
		out["properties"] = props
	case []any:
		if len(val) > 0 {
			out["items"] = describeValue(val[0], depth-1)
		}
	}
	return out
}
