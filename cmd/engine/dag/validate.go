package dag

import (
	"fmt"
	"strings"
)

// Validation error codes
const (
	CodeMissingDefinition   = "MISSING_DEFINITION"
	CodeNoNodes             = "NO_NODES"
	CodeMissingNodeID       = "MISSING_NODE_ID"
	CodeMissingNodeName     = "MISSING_NODE_NAME"
	CodeMissingNodeType     = "MISSING_NODE_TYPE"
	CodeUnsupportedNodeType = "UNSUPPORTED_NODE_TYPE"
	CodeInvalidRetryPolicy  = "INVALID_RETRY_POLICY"
	CodeInvalidBackoff      = "INVALID_BACKOFF"
	CodeInvalidTimeout      = "INVALID_TIMEOUT"
	CodeInvalidFromNode     = "INVALID_FROM_NODE"
	CodeInvalidToNode       = "INVALID_TO_NODE"
	CodeSelfReferencingEdge = "SELF_REFERENCING_EDGE"
	CodeDuplicateNodeIDs    = "DUPLICATE_NODE_IDS"
	CodeDuplicateEdgeIDs    = "DUPLICATE_EDGE_IDS"
	CodeDuplicateEdges      = "DUPLICATE_EDGES"
	CodeNoEntryNodes        = "NO_ENTRY_NODES"
	CodeCycleDetected       = "CYCLE_DETECTED"
)

// Retry policy and timeout bounds
const (
	maxRetriesUpperBound = 10
	backoffMSLowerBound  = 100
	backoffMSUpperBound  = 300_000
	timeoutMSLowerBound  = 1_000
	timeoutMSUpperBound  = 3_600_000
)

// ValidationError is one rejected aspect of a definition
type ValidationError struct {
	Code    string `json:"code"`
	NodeID  string `json:"nodeId,omitempty"`
	EdgeID  string `json:"edgeId,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationErrors aggregates every problem found in one pass
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("workflow validation failed: %s", strings.Join(msgs, "; "))
}

// HasCode reports whether any error carries the given code
func (e ValidationErrors) HasCode(code string) bool {
	for _, ve := range e {
		if ve.Code == code {
			return true
		}
	}
	return false
}

// validateDefinition collects every validation error in the definition.
// Structural checks (cycles, entries) only run when the node/edge sets are
// referentially sound, otherwise they would report noise.
func validateDefinition(def *Definition) ValidationErrors {
	var errs ValidationErrors

	if def == nil || def.DAG == nil {
		return append(errs, ValidationError{
			Code:    CodeMissingDefinition,
			Message: "workflow definition or dag is missing",
		})
	}

	if len(def.DAG.Nodes) == 0 {
		return append(errs, ValidationError{
			Code:    CodeNoNodes,
			Message: "workflow has no nodes",
		})
	}

	nodeIDs := make(map[string]bool, len(def.DAG.Nodes))
	for i := range def.DAG.Nodes {
		node := &def.DAG.Nodes[i]
		errs = append(errs, validateNode(node)...)

		if node.ID == "" {
			continue
		}
		if nodeIDs[node.ID] {
			errs = append(errs, ValidationError{
				Code:    CodeDuplicateNodeIDs,
				NodeID:  node.ID,
				Message: fmt.Sprintf("duplicate node id: %s", node.ID),
			})
			continue
		}
		nodeIDs[node.ID] = true
	}

	edgeIDs := make(map[string]bool, len(def.DAG.Edges))
	edgePairs := make(map[string]bool, len(def.DAG.Edges))
	edgesSound := true
	for i := range def.DAG.Edges {
		edge := &def.DAG.Edges[i]

		if edge.ID != "" {
			if edgeIDs[edge.ID] {
				errs = append(errs, ValidationError{
					Code:    CodeDuplicateEdgeIDs,
					EdgeID:  edge.ID,
					Message: fmt.Sprintf("duplicate edge id: %s", edge.ID),
				})
			}
			edgeIDs[edge.ID] = true
		}

		if !nodeIDs[edge.FromNodeID] {
			edgesSound = false
			errs = append(errs, ValidationError{
				Code:    CodeInvalidFromNode,
				EdgeID:  edge.ID,
				Message: fmt.Sprintf("edge %s references unknown from node: %s", edge.ID, edge.FromNodeID),
			})
		}
		if !nodeIDs[edge.ToNodeID] {
			edgesSound = false
			errs = append(errs, ValidationError{
				Code:    CodeInvalidToNode,
				EdgeID:  edge.ID,
				Message: fmt.Sprintf("edge %s references unknown to node: %s", edge.ID, edge.ToNodeID),
			})
		}
		if edge.FromNodeID != "" && edge.FromNodeID == edge.ToNodeID {
			edgesSound = false
			errs = append(errs, ValidationError{
				Code:    CodeSelfReferencingEdge,
				EdgeID:  edge.ID,
				NodeID:  edge.FromNodeID,
				Message: fmt.Sprintf("edge %s loops node %s onto itself", edge.ID, edge.FromNodeID),
			})
		}

		pair := edge.FromNodeID + "->" + edge.ToNodeID
		if edgePairs[pair] {
			errs = append(errs, ValidationError{
				Code:    CodeDuplicateEdges,
				EdgeID:  edge.ID,
				Message: fmt.Sprintf("duplicate edge: %s", pair),
			})
		}
		edgePairs[pair] = true
	}

	if !edgesSound || len(errs) > 0 {
		return errs
	}

	// Entry nodes: at least one node with in-degree 0
	inDegree := make(map[string]int, len(nodeIDs))
	for i := range def.DAG.Edges {
		inDegree[def.DAG.Edges[i].ToNodeID]++
	}
	hasEntry := false
	for i := range def.DAG.Nodes {
		if inDegree[def.DAG.Nodes[i].ID] == 0 {
			hasEntry = true
			break
		}
	}
	if !hasEntry {
		errs = append(errs, ValidationError{
			Code:    CodeNoEntryNodes,
			Message: "workflow has no entry nodes (no place to start)",
		})
	}

	if cycle := findCycle(def.DAG); cycle != nil {
		errs = append(errs, ValidationError{
			Code:    CodeCycleDetected,
			NodeID:  cycle[0],
			Message: fmt.Sprintf("workflow contains a cycle: %s", strings.Join(cycle, " -> ")),
		})
	}

	return errs
}

func validateNode(node *Node) ValidationErrors {
	var errs ValidationErrors

	if node.ID == "" {
		errs = append(errs, ValidationError{
			Code:    CodeMissingNodeID,
			Message: fmt.Sprintf("node %q has no id", node.Name),
		})
	}
	if node.Name == "" {
		errs = append(errs, ValidationError{
			Code:    CodeMissingNodeName,
			NodeID:  node.ID,
			Message: fmt.Sprintf("node %s has no name", node.ID),
		})
	}
	if node.Type == "" {
		errs = append(errs, ValidationError{
			Code:    CodeMissingNodeType,
			NodeID:  node.ID,
			Message: fmt.Sprintf("node %s has no type", node.ID),
		})
	} else if !SupportedNodeTypes[node.Type] {
		errs = append(errs, ValidationError{
			Code:    CodeUnsupportedNodeType,
			NodeID:  node.ID,
			Message: fmt.Sprintf("node %s has unsupported type: %s", node.ID, node.Type),
		})
	}

	if rp := node.RetryPolicy; rp != nil {
		if rp.MaxRetries < 0 || rp.MaxRetries > maxRetriesUpperBound {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidRetryPolicy,
				NodeID:  node.ID,
				Message: fmt.Sprintf("node %s: maxRetries %d outside [0, %d]", node.ID, rp.MaxRetries, maxRetriesUpperBound),
			})
		}
		if rp.BackoffMS < backoffMSLowerBound || rp.BackoffMS > backoffMSUpperBound {
			errs = append(errs, ValidationError{
				Code:    CodeInvalidBackoff,
				NodeID:  node.ID,
				Message: fmt.Sprintf("node %s: backoffMs %d outside [%d, %d]", node.ID, rp.BackoffMS, backoffMSLowerBound, backoffMSUpperBound),
			})
		}
	}

	if node.TimeoutMS != 0 && (node.TimeoutMS < timeoutMSLowerBound || node.TimeoutMS > timeoutMSUpperBound) {
		errs = append(errs, ValidationError{
			Code:    CodeInvalidTimeout,
			NodeID:  node.ID,
			Message: fmt.Sprintf("node %s: timeoutMs %d outside [%d, %d]", node.ID, node.TimeoutMS, timeoutMSLowerBound, timeoutMSUpperBound),
		})
	}

	return errs
}

// findCycle runs DFS with a recursion stack. On a back-edge it returns the
// cycle path: the detected node plus the ordered stack from that node,
// closed with the detected node again.
func findCycle(g *Graph) []string {
	adjacency := make(map[string][]string, len(g.Nodes))
	for i := range g.Edges {
		adjacency[g.Edges[i].FromNodeID] = append(adjacency[g.Edges[i].FromNodeID], g.Edges[i].ToNodeID)
	}

	visited := make(map[string]bool, len(g.Nodes))
	onStack := make(map[string]bool, len(g.Nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, next := range adjacency[id] {
			if onStack[next] {
				// Back-edge: slice the stack from the first occurrence of next
				start := 0
				for i, n := range stack {
					if n == next {
						start = i
						break
					}
				}
				cycle = append([]string{}, stack[start:]...)
				cycle = append(cycle, next)
				return true
			}
			if !visited[next] {
				if visit(next) {
					return true
				}
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return false
	}

	for i := range g.Nodes {
		id := g.Nodes[i].ID
		if !visited[id] {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}
