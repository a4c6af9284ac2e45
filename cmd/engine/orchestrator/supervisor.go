package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/dispatch"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/errorlog"
)

// timeoutScanLimit bounds one timeout sweep. Runs beyond it are caught on
// the next tick.
const timeoutScanLimit = 500

// pausedRetryDefer is how far a due retry gets pushed when its run is paused
const pausedRetryDefer = 30 * time.Second

// Start launches the retry processor and the timeout monitor. Both stop
// when ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.retryLoop(ctx)
	go o.timeoutLoop(ctx)
	o.logger.Info("orchestrator supervisors started",
		"instance_id", o.cfg.InstanceID,
		"retry_poll_interval", o.cfg.RetryPollInterval,
		"timeout_check_interval", o.cfg.TimeoutCheckInterval,
	)
}

func (o *Orchestrator) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.RetryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ProcessDueRetries(ctx)
		}
	}
}

func (o *Orchestrator) timeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.TimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.CheckTimeouts(ctx)
		}
	}
}

// ProcessDueRetries drains one batch of due retry entries. Every entry is
// removed from the schedule before redispatch; a run that cannot take the
// retry right now gets a fresh entry instead of keeping a stale one.
func (o *Orchestrator) ProcessDueRetries(ctx context.Context) {
	entries, err := o.store.GetNodesReadyForRetry(ctx, o.cfg.RetryBatchSize)
	if err != nil {
		o.logger.Error("retry schedule poll failed", "error", err)
		return
	}
	for _, entry := range entries {
		if err := o.store.RemoveFromRetrySchedule(ctx, entry.RunID, entry.NodeID); err != nil {
			o.logger.Error("retry schedule remove failed", "run_id", entry.RunID, "node_id", entry.NodeID, "error", err)
			continue
		}
		if err := o.redispatch(ctx, entry.RunID, entry.NodeID); err != nil {
			var lockErr *LockUnavailableError
			if errors.As(err, &lockErr) {
				// Another instance owns the run; put the entry back and let
				// the next tick race again.
				_ = o.store.ScheduleRetry(ctx, entry.RunID, entry.NodeID, o.clock.Now())
				continue
			}
			o.logger.Error("retry redispatch failed", "run_id", entry.RunID, "node_id", entry.NodeID, "error", err)
			o.reportError(errorlog.LevelError, errorlog.CategorySystem, "RETRY_REDISPATCH_FAILED", err, map[string]interface{}{
				"run_id":  entry.RunID,
				"node_id": entry.NodeID,
			})
		}
	}
}

// redispatch puts one due node back in flight: delay nodes complete, failed
// nodes get a fresh attempt.
func (o *Orchestrator) redispatch(ctx context.Context, runID, nodeID string) error {
	return o.withRunLock(ctx, runID, func(ws *state.WorkflowState) error {
		switch ws.Status {
		case state.WorkflowPaused:
			return o.store.ScheduleRetry(ctx, runID, nodeID, o.clock.Now().Add(pausedRetryDefer))
		case state.WorkflowRunning:
		default:
			// Cancelled, failed or finished while the retry was pending.
			return nil
		}

		ns, err := o.store.GetNodeState(ctx, runID, nodeID)
		if err != nil {
			return err
		}
		if ns == nil || ns.Status != state.NodeRetrying {
			return nil
		}

		plan, err := o.loader.Load(ctx, ws.WorkflowID)
		if err != nil {
			return err
		}
		node := plan.Node(nodeID)
		if node == nil {
			return nil
		}

		now := o.clock.Now()
		if err := state.TransitionNode(ns, state.TriggerQueue, now); err != nil {
			return err
		}

		if node.Type == dag.NodeTypeDelay {
			delayMS, _ := node.Params["delayMs"].(float64)
			if err := o.completeInline(ctx, ws, ns, node, map[string]interface{}{"delayedMs": int64(delayMS)}); err != nil {
				return err
			}
			if err := o.advance(ctx, plan, ws); err != nil {
				return err
			}
			return o.store.PutWorkflowState(ctx, ws)
		}

		ns.Attempt++
		input, err := o.nodeInput(ws, node)
		if err != nil {
			if err := o.failNodeLocal(ctx, ws, ns, nodeID, &state.ErrorDetails{
				Code:    "MISSING_REQUIRED_PARAMETER",
				Message: err.Error(),
			}); err != nil {
				return err
			}
			if err := o.advance(ctx, plan, ws); err != nil {
				return err
			}
			return o.store.PutWorkflowState(ctx, ws)
		}

		if node.TimeoutMS == 0 {
			node = cloneWithTimeout(node, o.cfg.NodeTimeout)
		}
		ws.CurrentNodes.Add(nodeID)
		if err := o.dispatcher.Dispatch(ctx, dispatch.Work{
			Node:       node,
			Run:        ws,
			NodeState:  ns,
			Input:      input,
			ContextVar: ws.Context,
		}); err != nil {
			ws.CurrentNodes.Remove(nodeID)
			ws.FailedNodes.Add(nodeID)
			o.metrics.NodesFailed.Add(1)
			if err := o.advance(ctx, plan, ws); err != nil {
				return err
			}
			return o.store.PutWorkflowState(ctx, ws)
		}
		o.metrics.NodesDispatched.Add(1)

		o.logger.Info("node retry dispatched",
			"run_id", runID,
			"node_id", nodeID,
			"attempt", ns.Attempt,
		)
		return o.store.PutWorkflowState(ctx, ws)
	})
}

// CheckTimeouts sweeps known runs for blown workflow and node deadlines
func (o *Orchestrator) CheckTimeouts(ctx context.Context) {
	runIDs, err := o.store.ListRunIDs(ctx, timeoutScanLimit)
	if err != nil {
		o.logger.Error("timeout scan failed", "error", err)
		return
	}
	for _, runID := range runIDs {
		ws, err := o.store.GetWorkflowState(ctx, runID)
		if err != nil || ws == nil {
			continue
		}
		if ws.Status != state.WorkflowRunning {
			continue
		}

		now := o.clock.Now()
		if now.Sub(ws.StartedAt) > o.cfg.WorkflowTimeout {
			if err := o.timeoutWorkflow(ctx, runID); err != nil {
				o.logger.Error("workflow timeout handling failed", "run_id", runID, "error", err)
			}
			continue
		}
		o.checkNodeTimeouts(ctx, runID, now)
	}
}

// timeoutWorkflow moves a run to TIMEOUT and cancels whatever is in flight
func (o *Orchestrator) timeoutWorkflow(ctx context.Context, runID string) error {
	return o.withRunLock(ctx, runID, func(ws *state.WorkflowState) error {
		if err := state.TransitionWorkflow(ws, state.TriggerTimeout, o.clock.Now()); err != nil {
			return err
		}

		states, err := o.store.GetAllNodeStates(ctx, runID)
		if err != nil {
			return err
		}
		now := o.clock.Now()
		var updated []*state.NodeState
		for _, ns := range states {
			switch ns.Status {
			case state.NodeRunning:
				if err := o.dispatcher.Cancel(ctx, runID, ns.NodeID, ws.OrgID, "workflow timed out"); err != nil {
					o.logger.Warn("cancel publish failed", "run_id", runID, "node_id", ns.NodeID, "error", err)
				}
			case state.NodeQueued:
			case state.NodeRetrying:
				_ = o.store.RemoveFromRetrySchedule(ctx, runID, ns.NodeID)
			default:
				continue
			}
			if err := state.TransitionNode(ns, state.TriggerCancel, now); err != nil {
				continue
			}
			updated = append(updated, ns)
		}
		if err := o.store.BatchPutNodeStates(ctx, updated); err != nil {
			return err
		}

		ws.CurrentNodes = state.NewStringSet()
		ws.ErrorDetails = &state.ErrorDetails{
			Code:    "WORKFLOW_TIMEOUT",
			Message: "workflow exceeded its execution timeout",
		}
		o.metrics.WorkflowsFailed.Add(1)
		o.metrics.ActiveWorkflows.Add(-1)
		o.reportError(errorlog.LevelError, errorlog.CategoryWorkflow, "WORKFLOW_TIMEOUT", ws.ErrorDetails, map[string]interface{}{
			"run_id":      runID,
			"workflow_id": ws.WorkflowID,
		})
		o.logger.Error("workflow timed out", "run_id", runID, "workflow_id", ws.WorkflowID)
		if err := o.store.PutWorkflowState(ctx, ws); err != nil {
			return err
		}
		o.notifyStatus(ctx, ws)
		return nil
	})
}

// checkNodeTimeouts fails RUNNING nodes that blew their per-node deadline.
// The failure goes through the normal failure path, so retry budget and
// compensation apply.
func (o *Orchestrator) checkNodeTimeouts(ctx context.Context, runID string, now time.Time) {
	states, err := o.store.GetAllNodeStates(ctx, runID)
	if err != nil {
		return
	}
	ws, err := o.store.GetWorkflowState(ctx, runID)
	if err != nil || ws == nil {
		return
	}
	plan, err := o.loader.Load(ctx, ws.WorkflowID)
	if err != nil {
		return
	}

	for _, ns := range states {
		if ns.Status != state.NodeRunning || ns.StartedAt == nil {
			continue
		}
		deadline := o.cfg.NodeTimeout
		if node := plan.Node(ns.NodeID); node != nil && node.TimeoutMS > 0 {
			deadline = time.Duration(node.TimeoutMS) * time.Millisecond
		}
		if now.Sub(*ns.StartedAt) <= deadline {
			continue
		}

		o.logger.Warn("node timed out", "run_id", runID, "node_id", ns.NodeID, "deadline", deadline)
		if err := o.dispatcher.Cancel(ctx, runID, ns.NodeID, ws.OrgID, "node timed out"); err != nil {
			o.logger.Warn("cancel publish failed", "run_id", runID, "node_id", ns.NodeID, "error", err)
		}
		if err := o.HandleNodeFailure(ctx, runID, ns.NodeID, &state.ErrorDetails{
			Code:    "NODE_TIMEOUT",
			Message: "node exceeded its execution timeout",
		}); err != nil {
			o.logger.Error("node timeout handling failed", "run_id", runID, "node_id", ns.NodeID, "error", err)
		}
	}
}
