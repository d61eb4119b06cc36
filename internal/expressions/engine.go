package expressions

import "context"

// Engine evaluates expressions of one language against a data map. The CEL
// and jq engines implement it; the data-binding Evaluator has its own richer
// contract.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
