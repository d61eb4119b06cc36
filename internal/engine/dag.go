package engine

import (
	"sort"

	"github.com/rendis/weave/pkg/schema"
)

// DAG is the in-memory directed acyclic graph of a workflow.
// Built from a WorkflowGraph, used by the Runtime to determine execution order.
type DAG struct {
	Nodes      map[string]*schema.Node // node ID → definition
	Deps       map[string][]string     // node ID → upstream nodes
	Dependents map[string][]string     // node ID → downstream nodes
	Sorted     []string                // topological order
	Roots      []string                // nodes with no upstream
	Sinks      []string                // nodes with no downstream
	Terminals  []string                // nodes whose outputs form finalOutput
}

// ParseGraph parses a WorkflowGraph into an executable DAG.
// It builds adjacency lists, performs a deterministic topological sort using
// Kahn's algorithm and rejects cycles with CYCLE_DETECTED. Duplicate edges are
// collapsed.
func ParseGraph(g *schema.WorkflowGraph) (*DAG, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow graph is nil")
	}
	if len(g.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	dag := &DAG{
		Nodes:      make(map[string]*schema.Node, len(g.Nodes)),
		Deps:       make(map[string][]string, len(g.Nodes)),
		Dependents: make(map[string][]string, len(g.Nodes)),
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := dag.Nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", n.ID)
		}
		if !n.Kind.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown kind: %s", n.ID, n.Kind)
		}
		dag.Nodes[n.ID] = n
	}

	seen := make(map[schema.Edge]bool, len(g.Edges))
	for _, e := range g.Edges {
		if _, ok := dag.Nodes[e.From]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown node: %s", e.From)
		}
		if _, ok := dag.Nodes[e.To]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge references unknown node: %s", e.To)
		}
		if e.From == e.To {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s depends on itself", e.From).
				WithNode(e.From)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		dag.Deps[e.To] = append(dag.Deps[e.To], e.From)
		dag.Dependents[e.From] = append(dag.Dependents[e.From], e.To)
	}
	for id := range dag.Nodes {
		sort.Strings(dag.Deps[id])
		sort.Strings(dag.Dependents[id])
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Nodes))
	for id := range dag.Nodes {
		inDegree[id] = len(dag.Deps[id])
	}
	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	dag.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(dag.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)

		var ready []string
		for _, dep := range dag.Dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
		queue = append(queue, ready...)
	}

	if len(sorted) != len(dag.Nodes) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle").
			WithDetails(map[string]any{"nodes": stuck})
	}
	dag.Sorted = sorted

	for _, id := range sorted {
		if len(dag.Dependents[id]) == 0 {
			dag.Sinks = append(dag.Sinks, id)
		}
	}

	if len(g.TerminalNodes) > 0 {
		for _, id := range g.TerminalNodes {
			if _, ok := dag.Nodes[id]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "terminal node %s does not exist", id)
			}
		}
		dag.Terminals = append([]string(nil), g.TerminalNodes...)
	} else {
		dag.Terminals = dag.Sinks
	}

	return dag, nil
}

// Downstream returns every node reachable from id, in topological order.
func (d *DAG) Downstream(id string) []string {
	reach := map[string]bool{}
	stack := append([]string(nil), d.Dependents[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reach[n] {
			continue
		}
		reach[n] = true
		stack = append(stack, d.Dependents[n]...)
	}
	out := make([]string, 0, len(reach))
	for _, n := range d.Sorted {
		if reach[n] {
			out = append(out, n)
		}
	}
	return out
}
