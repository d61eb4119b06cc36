package validation

import "github.com/rendis/weave/pkg/schema"

// Validator checks workflow graphs for correctness before execution.
type Validator interface {
	ValidateGraph(g *schema.WorkflowGraph) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ConnectorLookup reports whether a handler is registered for a node's
// (kind, appId, operationId) triple.
type ConnectorLookup interface {
	Has(kind schema.NodeKind, appID, operationID string) bool
}
