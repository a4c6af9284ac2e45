package orchestrator

import (
	"context"
	"strings"

	"github.com/officeflow/engine/cmd/engine/state"
)

// CompensationNodePrefix marks synthetic compensation step nodes. Their
// results bypass the run lock: the compensation executor already holds it
// and polls node state directly.
const CompensationNodePrefix = "compensate:"

// IsCompensationNode reports whether a node id names a compensation step
func IsCompensationNode(nodeID string) bool {
	return strings.HasPrefix(nodeID, CompensationNodePrefix)
}

// HandleNodeCompletion applies a successful worker result: the node goes
// COMPLETED, its output lands in the context tree, and the run advances.
// Results for runs already settled or nodes already cancelled are dropped.
func (o *Orchestrator) HandleNodeCompletion(ctx context.Context, runID, nodeID string, output map[string]interface{}) error {
	if IsCompensationNode(nodeID) {
		return o.recordCompensationResult(ctx, runID, nodeID, output, nil)
	}

	return o.withRunLock(ctx, runID, func(ws *state.WorkflowState) error {
		if ws.Status.Terminal() || ws.Status == state.WorkflowFailed || ws.Status == state.WorkflowCompensating {
			o.logger.Debug("dropping result for settled run", "run_id", runID, "node_id", nodeID)
			return nil
		}

		ns, err := o.store.GetNodeState(ctx, runID, nodeID)
		if err != nil {
			return err
		}
		if ns == nil || ns.Status != state.NodeRunning {
			o.logger.Debug("dropping result for node not running",
				"run_id", runID,
				"node_id", nodeID,
			)
			return nil
		}

		now := o.clock.Now()
		if err := state.TransitionNode(ns, state.TriggerComplete, now); err != nil {
			return err
		}
		ns.Output = output
		if err := o.store.PutNodeState(ctx, ns); err != nil {
			return err
		}

		ws.CurrentNodes.Remove(nodeID)
		ws.CompletedNodes.Add(nodeID)
		o.metrics.NodesCompleted.Add(1)

		plan, err := o.loader.Load(ctx, ws.WorkflowID)
		if err != nil {
			return err
		}
		if node := plan.Node(nodeID); node != nil {
			o.mergeOutput(ws, node, output)
			if o.cfg.EnableCircuitBreaker && o.breaker != nil {
				if service, ok := o.breakerService(node.Type); ok {
					o.breaker.RecordSuccess(ctx, service)
				}
			}
		}

		o.logger.Info("node completed", "run_id", runID, "node_id", nodeID)

		if ws.Status == state.WorkflowPaused {
			return o.store.PutWorkflowState(ctx, ws)
		}
		if err := o.advance(ctx, plan, ws); err != nil {
			return err
		}
		return o.store.PutWorkflowState(ctx, ws)
	})
}

// recordCompensationResult writes a compensation step's terminal state; the
// compensation executor picks it up by polling.
func (o *Orchestrator) recordCompensationResult(ctx context.Context, runID, nodeID string, output map[string]interface{}, failure *state.ErrorDetails) error {
	ns, err := o.store.GetNodeState(ctx, runID, nodeID)
	if err != nil {
		return err
	}
	if ns == nil || ns.Status.Terminal() || ns.Status == state.NodeFailed {
		return nil
	}

	now := o.clock.Now()
	if ns.Status == state.NodeQueued {
		if err := state.TransitionNode(ns, state.TriggerStart, now); err != nil {
			return err
		}
	}
	trigger := state.TriggerComplete
	if failure != nil {
		trigger = state.TriggerFail
	}
	if err := state.TransitionNode(ns, trigger, now); err != nil {
		return err
	}
	ns.Output = output
	ns.ErrorDetails = failure
	return o.store.PutNodeState(ctx, ns)
}
