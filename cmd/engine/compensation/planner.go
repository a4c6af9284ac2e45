// Package compensation unwinds the side effects of failed runs: provisioned
// accounts are deprovisioned, distributed documents cleaned up, and people
// notified that earlier emails no longer apply.
package compensation

import (
	"sort"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/state"
)

// Compensation types
const (
	TypeRollback     = "rollback"
	TypeCleanup      = "cleanup"
	TypeNotification = "notification"
	TypeCustom       = "custom"
)

// Errors that mean the run never did anything worth undoing
var nonCompensatableCodes = map[string]bool{
	"VALIDATION_ERROR": true,
	"INVALID_INPUT":    true,
	"UNAUTHORIZED":     true,
	"FORBIDDEN":        true,
}

// synthesized describes the automatic reverse of a forward node type
type synthesized struct {
	nodeType         string
	compensationType string
	order            int
}

// Forward types with known reverses. Everything else either has a declared
// compensation node in the DAG or no side effects to unwind.
var synthesizedReverses = map[string]synthesized{
	dag.NodeTypeIdentityProvision:  {nodeType: dag.NodeTypeIdentityDeprovision, compensationType: TypeRollback, order: 100},
	dag.NodeTypeEmailSend:          {nodeType: dag.NodeTypeEmailSend, compensationType: TypeNotification, order: 10},
	dag.NodeTypeDocumentDistribute: {nodeType: dag.NodeTypeCompensation, compensationType: TypeCleanup, order: 50},
}

// Step is one compensation action against a completed forward node
type Step struct {
	NodeID           string
	TargetNodeID     string
	NodeType         string
	CompensationType string
	Order            int
	Params           map[string]interface{}
}

// ContinuesOnFailure reports whether a failed step aborts the rest of the
// plan. Cleanup and notification steps are best-effort.
func (s Step) ContinuesOnFailure() bool {
	return s.CompensationType == TypeCleanup || s.CompensationType == TypeNotification
}

// Compensatable reports whether the failure justifies compensation at all
func Compensatable(failure *state.ErrorDetails) bool {
	if failure == nil {
		return true
	}
	return !nonCompensatableCodes[failure.Code]
}

// Plan derives the compensation steps for a failed run: declared
// compensation nodes take precedence for the forward nodes they name, the
// rest get synthesized reverses. Steps come back in execution order,
// descending by compensationOrder with later-finishing nodes first on ties.
func Plan(parsed *dag.ParsedWorkflow, ws *state.WorkflowState, failure *state.ErrorDetails) []Step {
	if !Compensatable(failure) {
		return nil
	}

	declared := declaredCompensations(parsed)

	topoPos := make(map[string]int, len(parsed.TopologicalOrder))
	for i, id := range parsed.TopologicalOrder {
		topoPos[id] = i
	}

	var steps []Step
	for _, targetID := range ws.CompletedNodes.Members() {
		target := parsed.Node(targetID)
		if target == nil || target.Type == dag.NodeTypeCompensation {
			continue
		}

		if comp, ok := declared[targetID]; ok {
			steps = append(steps, Step{
				NodeID:           comp.ID,
				TargetNodeID:     targetID,
				NodeType:         comp.Type,
				CompensationType: compensationType(comp.Params),
				Order:            compensationOrder(comp.Params),
				Params:           comp.Params,
			})
			continue
		}

		reverse, ok := synthesizedReverses[target.Type]
		if !ok {
			continue
		}
		steps = append(steps, Step{
			NodeID:           "compensate:" + targetID,
			TargetNodeID:     targetID,
			NodeType:         reverse.nodeType,
			CompensationType: reverse.compensationType,
			Order:            reverse.order,
			Params: map[string]interface{}{
				"compensatesFor":   []interface{}{targetID},
				"compensationType": reverse.compensationType,
			},
		})
	}

	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].Order != steps[j].Order {
			return steps[i].Order > steps[j].Order
		}
		return topoPos[steps[i].TargetNodeID] > topoPos[steps[j].TargetNodeID]
	})
	return steps
}

// declaredCompensations indexes DAG compensation nodes by the forward node
// ids they compensate for
func declaredCompensations(parsed *dag.ParsedWorkflow) map[string]*dag.Node {
	index := make(map[string]*dag.Node)
	for _, node := range parsed.NodeByID {
		if node.Type != dag.NodeTypeCompensation {
			continue
		}
		targets, ok := node.Params["compensatesFor"].([]interface{})
		if !ok {
			continue
		}
		for _, t := range targets {
			if id, ok := t.(string); ok {
				index[id] = node
			}
		}
	}
	return index
}

func compensationType(params map[string]interface{}) string {
	if t, ok := params["compensationType"].(string); ok && t != "" {
		return t
	}
	return TypeCustom
}

func compensationOrder(params map[string]interface{}) int {
	switch v := params["compensationOrder"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
