package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/weave/pkg/schema"
)

// validateDAG runs Kahn's algorithm for cycle detection, then warns about
// action nodes that no trigger can reach.
func validateDAG(g *schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	inDegree := make(map[string]int, len(g.Nodes))
	downstream := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		inDegree[n.ID] = 0
	}
	seen := make(map[schema.Edge]bool, len(g.Edges))
	for _, e := range g.Edges {
		if seen[e] || e.From == e.To {
			continue
		}
		seen[e] = true
		inDegree[e.To]++
		downstream[e.From] = append(downstream[e.From], e.To)
	}

	queue := make([]string, 0, len(g.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range downstream[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(inDegree) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		result.AddError("edges", schema.ErrCodeCycleDetected,
			fmt.Sprintf("cycle detected involving nodes: %v", stuck))
		return result
	}

	var triggers []string
	for _, n := range g.Nodes {
		if n.Kind == schema.NodeKindTrigger {
			triggers = append(triggers, n.ID)
		}
	}
	if len(triggers) == 0 {
		return result
	}

	reachable := make(map[string]bool, len(g.Nodes))
	bfs := append([]string(nil), triggers...)
	for _, id := range triggers {
		reachable[id] = true
	}
	for len(bfs) > 0 {
		id := bfs[0]
		bfs = bfs[1:]
		for _, next := range downstream[id] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}
	for i, n := range g.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is not reachable from any trigger", n.ID))
		}
	}
	return result
}
