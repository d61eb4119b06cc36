package validation

import (
	"fmt"
	"time"

	"github.com/rendis/weave/pkg/schema"
)

// maxRetryAttempts is the point above which a retry policy draws a warning.
const maxRetryAttempts = 10

// validateSemantic checks what the JSON Schema cannot: unique node ids, edge
// endpoints, connector availability, and retry durations.
func validateSemantic(g *schema.WorkflowGraph, lookup ConnectorLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(g.Nodes))
	for i, n := range g.Nodes {
		if nodeIDs[n.ID] {
			result.AddError(fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
		}
		nodeIDs[n.ID] = true
	}

	for i := range g.Nodes {
		validateNodeSemantic(&g.Nodes[i], fmt.Sprintf("nodes[%d]", i), lookup, result)
	}

	seenEdges := make(map[schema.Edge]bool, len(g.Edges))
	for i, e := range g.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		if !nodeIDs[e.From] {
			result.AddError(path+".from", schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", e.From))
		}
		if !nodeIDs[e.To] {
			result.AddError(path+".to", schema.ErrCodeValidation, fmt.Sprintf("references non-existent node %q", e.To))
		}
		if e.From == e.To {
			result.AddError(path, schema.ErrCodeCycleDetected, fmt.Sprintf("node %q depends on itself", e.From))
		}
		if seenEdges[e] {
			result.AddWarning(path, schema.ErrCodeValidation, fmt.Sprintf("duplicate edge %s -> %s", e.From, e.To))
		}
		seenEdges[e] = true
	}

	for i, id := range g.TerminalNodes {
		if !nodeIDs[id] {
			result.AddError(fmt.Sprintf("terminal_nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent node %q", id))
		}
	}

	return result
}

func validateNodeSemantic(n *schema.Node, path string, lookup ConnectorLookup, result *schema.ValidationResult) {
	if n.RuntimeCode == nil {
		if n.AppID == "" || n.OperationID == "" {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q needs app_id and operation_id or runtime_code", n.ID))
		} else if lookup != nil && !lookup.Has(n.Kind, n.AppID, n.OperationID) {
			result.AddError(path, schema.ErrCodeNoRuntimeImplementation,
				fmt.Sprintf("no handler registered for %s %s.%s", n.Kind, n.AppID, n.OperationID))
		}
	}

	if n.Retry != nil {
		if n.Retry.MaxAttempts > maxRetryAttempts {
			result.AddWarning(path+".retry.max_attempts", schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", n.Retry.MaxAttempts))
		}
		var delay, maxDelay time.Duration
		if n.Retry.Delay != "" {
			delay, _ = time.ParseDuration(n.Retry.Delay)
		}
		if n.Retry.MaxDelay != "" {
			maxDelay, _ = time.ParseDuration(n.Retry.MaxDelay)
		}
		if maxDelay > 0 && delay > maxDelay {
			result.AddWarning(path+".retry.max_delay", schema.ErrCodeValidation,
				fmt.Sprintf("max_delay (%s) is below delay (%s)", n.Retry.MaxDelay, n.Retry.Delay))
		}
	}
}
