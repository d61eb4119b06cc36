package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/rendis/weave/pkg/schema"
)

// celVariables are the top-level names visible to node condition guards.
var celVariables = []string{KeyNodes, KeyVars, "execution"}

// CELEngine evaluates node run conditions. Compiled programs are cached and
// reused across goroutines.
type CELEngine struct {
	env   *cel.Env
	cache *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine exposing:
//   - nodes:     map(string, dyn), node outputs keyed by node id
//   - trigger:   dyn, the trigger payload
//   - vars:      map(string, dyn), execution variables
//   - execution: map(string, dyn), workflow/execution/user/organization ids
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := []cel.EnvOption{cel.Variable(KeyTrigger, cel.DynType)}
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, cache: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate compiles (or fetches from cache) expression and runs it against
// data, which should carry the keys listed in NewCELEngine.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// EvaluateCondition runs a guard against an evaluation context. An empty
// condition is true; a non-boolean result is an error.
func (e *CELEngine) EvaluateCondition(ctx context.Context, condition string, ec *EvalContext) (bool, error) {
	if condition == "" {
		return true, nil
	}
	out, err := e.Evaluate(ctx, condition, ConditionData(ec))
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression, "condition %q returned %T, expected bool", condition, out)
	}
	return b, nil
}

// ConditionData maps an EvalContext onto the CEL variable set.
func ConditionData(ec *EvalContext) map[string]any {
	data := map[string]any{}
	if ec == nil {
		return data
	}
	data[KeyNodes] = ec.Nodes
	data[KeyTrigger] = ec.Trigger
	data[KeyVars] = ec.Vars
	data["execution"] = map[string]any{
		KeyWorkflowID:     ec.WorkflowID,
		KeyExecutionID:    ec.ExecutionID,
		KeyUserID:         ec.UserID,
		KeyOrganizationID: ec.OrganizationID,
	}
	return data
}

func (e *CELEngine) program(expression string) (cel.Program, error) {
	return e.cache.get(expression, e.compile)
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "CEL program error for %q: %s", expression, err.Error()).
			WithCause(err)
	}
	return prg, nil
}

// buildActivation fills missing map variables with empty maps so that a
// lookup on an absent key fails as "no such key" rather than a nil deref.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables)+1)
	for _, key := range celVariables {
		if v, ok := data[key].(map[string]any); ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	activation[KeyTrigger] = data[KeyTrigger]
	return activation
}

var _ Engine = (*CELEngine)(nil)
