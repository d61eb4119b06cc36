package validation

import "github.com/rendis/weave/pkg/schema"

// GraphValidator runs the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (node ids, edge endpoints, connector availability)
// 3. DAG (cycles, reachability)
type GraphValidator struct {
	schemas    *SchemaValidator
	connectors ConnectorLookup
}

var _ Validator = (*GraphValidator)(nil)

// NewGraphValidator creates a GraphValidator. lookup may be nil to skip
// connector existence checks.
func NewGraphValidator(lookup ConnectorLookup) (*GraphValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{schemas: sv, connectors: lookup}, nil
}

// Schemas exposes the underlying schema validator for value checks.
func (gv *GraphValidator) Schemas() *SchemaValidator { return gv.schemas }

// Validate runs the pipeline and returns an aggregated result. Structural
// errors short-circuit the later stages.
func (gv *GraphValidator) Validate(g *schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if g == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow graph is nil")
		return result
	}

	violations, err := gv.schemas.GraphViolations(g)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	for _, v := range violations {
		result.AddError(v.Path, schema.ErrCodeValidation, v.Message)
	}
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(g, gv.connectors))
	if result.Valid() {
		result.Merge(validateDAG(g))
	}
	return result
}

// ValidateGraph satisfies Validator.
func (gv *GraphValidator) ValidateGraph(g *schema.WorkflowGraph) error {
	return gv.Validate(g).ToError()
}

// ValidateInput delegates to the schema validator.
func (gv *GraphValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return gv.schemas.ValidateInput(input, inputSchema)
}
