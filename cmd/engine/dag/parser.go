package dag

import "fmt"

// Parse validates a definition and derives its executable plan. On
// validation failure the returned error is a ValidationErrors carrying every
// problem found; no plan is produced.
func Parse(def *Definition) (*ParsedWorkflow, error) {
	if errs := validateDefinition(def); len(errs) > 0 {
		return nil, errs
	}

	nodeByID := make(map[string]*Node, len(def.DAG.Nodes))
	for i := range def.DAG.Nodes {
		nodeByID[def.DAG.Nodes[i].ID] = &def.DAG.Nodes[i]
	}

	outgoing := make(map[string][]string, len(nodeByID))
	dependencies := make(map[string][]string, len(nodeByID))
	for i := range def.DAG.Edges {
		edge := &def.DAG.Edges[i]
		outgoing[edge.FromNodeID] = append(outgoing[edge.FromNodeID], edge.ToNodeID)
		dependencies[edge.ToNodeID] = append(dependencies[edge.ToNodeID], edge.FromNodeID)
	}

	var entryNodes, exitNodes []string
	for i := range def.DAG.Nodes {
		id := def.DAG.Nodes[i].ID
		if len(dependencies[id]) == 0 {
			entryNodes = append(entryNodes, id)
		}
		if len(outgoing[id]) == 0 {
			exitNodes = append(exitNodes, id)
		}
	}

	order, err := topologicalOrder(def.DAG, dependencies, outgoing)
	if err != nil {
		return nil, err
	}

	return &ParsedWorkflow{
		Definition:       def,
		TopologicalOrder: order,
		EntryNodes:       entryNodes,
		ExitNodes:        exitNodes,
		NodeByID:         nodeByID,
		OutgoingEdges:    outgoing,
		Dependencies:     dependencies,
	}, nil
}

// topologicalOrder runs Kahn's algorithm over computed in-degrees. Ties are
// broken by node iteration order in the definition, so the plan is stable
// for a given definition. A short result means the graph has a cycle; the
// DFS check in validation reports the path, this is the belt-and-braces
// guard.
func topologicalOrder(g *Graph, dependencies, outgoing map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		inDegree[g.Nodes[i].ID] = len(dependencies[g.Nodes[i].ID])
	}

	// Seed the frontier in definition order
	var frontier []string
	for i := range g.Nodes {
		if inDegree[g.Nodes[i].ID] == 0 {
			frontier = append(frontier, g.Nodes[i].ID)
		}
	}

	order := make([]string, 0, len(g.Nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		for _, next := range outgoing[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, ValidationErrors{{
			Code:    CodeCycleDetected,
			Message: fmt.Sprintf("topological sort consumed %d of %d nodes, graph has a cycle", len(order), len(g.Nodes)),
		}}
	}

	return order, nil
}
