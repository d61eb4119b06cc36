package expressions

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/file"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/weave/internal/validation"
	"github.com/rendis/weave/pkg/schema"
)

// snippetRadius bounds the text reported around a failure position.
const snippetRadius = 24

// Evaluator evaluates data-binding expressions against an EvalContext. It is
// pure: no I/O, no mutation of the context, and it never panics. Compiled
// programs are cached and shared across goroutines.
type Evaluator struct {
	cache *programCache[*compiled]

	mu      sync.RWMutex // guards schemas
	schemas *validation.SchemaValidator
}

type compiled struct {
	program *vm.Program
	// offset in the source of the first predicate rewrite, -1 if none.
	rewriteAt int
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: newProgramCache[*compiled]()}
}

// EvalOption customises a single evaluation.
type EvalOption func(*evalOptions)

type evalOptions struct {
	fallback    any
	hasFallback bool
}

// WithFallback makes a failing evaluation return v instead of an error.
func WithFallback(v any) EvalOption {
	return func(o *evalOptions) {
		o.fallback = v
		o.hasFallback = true
	}
}

// Evaluate evaluates expression against ec. Strings containing `{{ }}`
// markers are treated as templates. On failure the fallback is returned when
// one was supplied, otherwise a *schema.ExpressionError.
func (e *Evaluator) Evaluate(expression string, ec *EvalContext, opts ...EvalOption) (any, error) {
	var o evalOptions
	for _, opt := range opts {
		opt(&o)
	}
	v, err := e.evaluate(expression, ec)
	if err != nil {
		if o.hasFallback {
			return o.fallback, nil
		}
		return nil, err
	}
	return v, nil
}

func (e *Evaluator) evaluate(expression string, ec *EvalContext) (any, error) {
	if isTemplate(expression) {
		return e.renderTemplate(expression, ec)
	}
	return e.run(expression, ec)
}

// run evaluates a bare expression, converting panics into ExpressionErrors.
func (e *Evaluator) run(expression string, ec *EvalContext) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = newExpressionError(expression, -1, fmt.Sprintf("evaluation panicked: %v", r), nil)
		}
	}()

	if strings.TrimSpace(expression) == "" {
		return nil, newExpressionError(expression, 0, "empty expression", nil)
	}
	c, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	out, err = vm.Run(c.program, ec.Env())
	if err != nil {
		return nil, wrapExprError(expression, c.rewriteAt, err)
	}
	return out, nil
}

func (e *Evaluator) compile(expression string) (*compiled, error) {
	return e.cache.get(expression, compileExpr)
}

func compileExpr(expression string) (*compiled, error) {
	source, rewriteAt, err := rewritePredicates(expression)
	if err != nil {
		return nil, newExpressionError(expression, -1, err.Error(), err)
	}
	opts := append([]expr.Option{
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	}, functionOptions()...)
	prg, err := expr.Compile(source, opts...)
	if err != nil {
		return nil, wrapExprError(expression, rewriteAt, err)
	}

	return &compiled{program: prg, rewriteAt: rewriteAt}, nil
}

// CacheSize returns the number of compiled programs held.
func (e *Evaluator) CacheSize() int {
	return e.cache.len()
}

// wrapExprError converts an expr-lang error into an ExpressionError whose
// position refers to the original expression text.
func wrapExprError(expression string, rewriteAt int, err error) *schema.ExpressionError {
	var fe *file.Error
	if !errors.As(err, &fe) {
		return newExpressionError(expression, -1, err.Error(), err)
	}
	pos := lineColumnOffset(expression, fe.Line, fe.Column)
	if rewriteAt >= 0 && pos >= rewriteAt {
		pos = -1
	}
	return newExpressionError(expression, pos, fe.Message, err)
}

// lineColumnOffset converts a 1-based line and 0-based column into a byte
// offset, or -1 when they fall outside s.
func lineColumnOffset(s string, line, column int) int {
	if line < 1 || column < 0 {
		return -1
	}
	offset := 0
	for l := 1; l < line; l++ {
		nl := strings.IndexByte(s[offset:], '\n')
		if nl < 0 {
			return -1
		}
		offset += nl + 1
	}
	// Columns count runes.
	for i := range s[offset:] {
		if column == 0 {
			return offset + i
		}
		column--
	}
	if column == 0 {
		return len(s)
	}
	return -1
}

func newExpressionError(expression string, pos int, msg string, cause error) *schema.ExpressionError {
	if pos > len(expression) {
		pos = -1
	}
	return &schema.ExpressionError{
		Expression: expression,
		Snippet:    snippet(expression, pos),
		Position:   pos,
		Message:    msg,
		Cause:      cause,
	}
}

func snippet(s string, pos int) string {
	if pos < 0 || len(s) <= 2*snippetRadius {
		return s
	}
	from := max(pos-snippetRadius, 0)
	to := min(pos+snippetRadius, len(s))
	return s[from:to]
}
