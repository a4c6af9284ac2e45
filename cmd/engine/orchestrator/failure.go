package orchestrator

import (
	"context"

	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/errorlog"
)

// HandleNodeFailure applies a failed worker result. Transient failures with
// budget left go back through the retry schedule; terminal ones land in
// failedNodes and may settle the run, compensation included.
func (o *Orchestrator) HandleNodeFailure(ctx context.Context, runID, nodeID string, failure *state.ErrorDetails) error {
	if IsCompensationNode(nodeID) {
		return o.recordCompensationResult(ctx, runID, nodeID, nil, failure)
	}

	return o.withRunLock(ctx, runID, func(ws *state.WorkflowState) error {
		if ws.Status.Terminal() || ws.Status == state.WorkflowFailed || ws.Status == state.WorkflowCompensating {
			o.logger.Debug("dropping failure for settled run", "run_id", runID, "node_id", nodeID)
			return nil
		}

		ns, err := o.store.GetNodeState(ctx, runID, nodeID)
		if err != nil {
			return err
		}
		if ns == nil || ns.Status != state.NodeRunning {
			o.logger.Debug("dropping failure for node not running",
				"run_id", runID,
				"node_id", nodeID,
			)
			return nil
		}

		now := o.clock.Now()
		if err := state.TransitionNode(ns, state.TriggerFail, now); err != nil {
			return err
		}
		ns.ErrorDetails = failure

		plan, err := o.loader.Load(ctx, ws.WorkflowID)
		if err != nil {
			return err
		}
		node := plan.Node(nodeID)

		if node != nil && o.cfg.EnableCircuitBreaker && o.breaker != nil {
			if service, ok := o.breakerService(node.Type); ok {
				o.breaker.RecordFailure(ctx, service)
			}
		}

		o.reportError(errorlog.LevelError, errorlog.CategoryNode, "NODE_EXECUTION_FAILED", failure, map[string]interface{}{
			"run_id":  runID,
			"node_id": nodeID,
			"attempt": ns.Attempt,
		})
		o.logger.Warn("node failed",
			"run_id", runID,
			"node_id", nodeID,
			"attempt", ns.Attempt,
			"error", failure,
		)

		if node != nil && o.cfg.EnableRetry && o.retry.ShouldRetry(node, ns.Attempt, failure) {
			retryAt, err := o.retry.Schedule(ctx, ns, node)
			if err != nil {
				return err
			}
			ws.CurrentNodes.Remove(nodeID)
			o.metrics.RetriesScheduled.Add(1)
			o.logger.Info("node will retry",
				"run_id", runID,
				"node_id", nodeID,
				"attempt", ns.Attempt,
				"retry_at", retryAt,
			)
			return o.store.PutWorkflowState(ctx, ws)
		}

		if err := o.store.PutNodeState(ctx, ns); err != nil {
			return err
		}
		ws.CurrentNodes.Remove(nodeID)
		ws.FailedNodes.Add(nodeID)
		o.metrics.NodesFailed.Add(1)

		if ws.Status == state.WorkflowPaused {
			return o.store.PutWorkflowState(ctx, ws)
		}
		if err := o.advance(ctx, plan, ws); err != nil {
			return err
		}
		return o.store.PutWorkflowState(ctx, ws)
	})
}
