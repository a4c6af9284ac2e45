package dag

// NodeSets is the run progress view the eligibility computation works over.
// Membership maps come from the run state's node id sets.
type NodeSets struct {
	Completed map[string]bool
	Failed    map[string]bool
	Skipped   map[string]bool
	Current   map[string]bool
}

// EligibleNodes returns, in topological order, every node that has not
// started and whose dependencies are all settled: completed, or skipped by
// an untaken branch. Failed dependencies block their dependents; they never
// cause skipping, failure is handled at the workflow level.
func (p *ParsedWorkflow) EligibleNodes(sets NodeSets) []string {
	var eligible []string

	for _, id := range p.TopologicalOrder {
		if sets.Completed[id] || sets.Failed[id] || sets.Skipped[id] || sets.Current[id] {
			continue
		}

		ready := true
		for _, dep := range p.Dependencies[id] {
			if !sets.Completed[dep] && !sets.Skipped[dep] {
				ready = false
				break
			}
		}
		if ready {
			eligible = append(eligible, id)
		}
	}

	return eligible
}

// AllDependenciesSkipped reports whether a node sits entirely in the shadow
// of an untaken branch: it has dependencies and every one of them was
// skipped. Such a node is skipped too, not executed.
func (p *ParsedWorkflow) AllDependenciesSkipped(id string, skipped map[string]bool) bool {
	deps := p.Dependencies[id]
	if len(deps) == 0 {
		return false
	}
	for _, dep := range deps {
		if !skipped[dep] {
			return false
		}
	}
	return true
}

// IsComplete reports whether every node has reached a terminal bucket
func (p *ParsedWorkflow) IsComplete(sets NodeSets) bool {
	return len(sets.Completed)+len(sets.Failed)+len(sets.Skipped) == len(p.NodeByID)
}

// Downstream returns every node reachable from the given roots, excluding
// the roots themselves unless they are reachable from another root.
func (p *ParsedWorkflow) Downstream(roots []string) map[string]bool {
	reached := make(map[string]bool)
	frontier := append([]string{}, roots...)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, next := range p.OutgoingEdges[id] {
			if !reached[next] {
				reached[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return reached
}
