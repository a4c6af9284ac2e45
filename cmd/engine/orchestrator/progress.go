package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/officeflow/engine/cmd/engine/breaker"
	"github.com/officeflow/engine/cmd/engine/compensation"
	"github.com/officeflow/engine/cmd/engine/condition"
	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/dispatch"
	"github.com/officeflow/engine/cmd/engine/execctx"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/errorlog"
)

// advance pushes a run as far as it can go without waiting on workers:
// inline nodes resolve on the spot, shadowed nodes are skipped, everything
// else is dispatched. When nothing moves and nothing is in flight the run
// is settled. Caller holds the run lock and persists ws afterwards.
func (o *Orchestrator) advance(ctx context.Context, plan *dag.ParsedWorkflow, ws *state.WorkflowState) error {
	for {
		sets, states, err := o.progressSets(ctx, ws)
		if err != nil {
			return err
		}

		eligible := plan.EligibleNodes(sets)
		progressed := false
		var work []dispatch.Work

		for _, id := range eligible {
			node := plan.Node(id)

			if plan.AllDependenciesSkipped(id, sets.Skipped) {
				if err := o.skipNode(ctx, ws, states[id], id); err != nil {
					return err
				}
				progressed = true
				continue
			}

			switch node.Type {
			case dag.NodeTypeCondition:
				if err := o.resolveCondition(ctx, plan, ws, states, node); err != nil {
					return err
				}
				progressed = true
			case dag.NodeTypeParallel:
				if err := o.completeInline(ctx, ws, states[id], node, map[string]interface{}{"branches": len(plan.OutgoingEdges[id])}); err != nil {
					return err
				}
				progressed = true
			case dag.NodeTypeDelay:
				if err := o.scheduleDelay(ctx, ws, states[id], node); err != nil {
					return err
				}
				progressed = true
			default:
				input, err := o.nodeInput(ws, node)
				if err != nil {
					if err := o.failNodeLocal(ctx, ws, states[id], id, &state.ErrorDetails{
						Code:    "MISSING_REQUIRED_PARAMETER",
						Message: err.Error(),
					}); err != nil {
						return err
					}
					progressed = true
					continue
				}

				if o.cfg.EnableCircuitBreaker && o.breaker != nil {
					if service, ok := o.breakerService(node.Type); ok {
						if allowErr := o.breaker.Allow(ctx, service); allowErr != nil {
							if err := o.failNodeLocal(ctx, ws, states[id], id, &state.ErrorDetails{
								Code:    "CIRCUIT_BREAKER_OPEN",
								Message: allowErr.Error(),
								Service: service,
							}); err != nil {
								return err
							}
							progressed = true
							continue
						}
					}
				}

				ns := states[id]
				if ns == nil {
					ns = &state.NodeState{RunID: ws.RunID, NodeID: id, Status: state.NodeQueued, Attempt: 1}
				}
				if node.TimeoutMS == 0 {
					node = cloneWithTimeout(node, o.cfg.NodeTimeout)
				}
				work = append(work, dispatch.Work{
					Node:       node,
					Run:        ws,
					NodeState:  ns,
					Input:      input,
					ContextVar: ws.Context,
				})
			}
		}

		if len(work) > 0 {
			for _, w := range work {
				ws.CurrentNodes.Add(w.Node.ID)
			}
			failures := o.dispatcher.DispatchAll(ctx, work)
			o.metrics.NodesDispatched.Add(int64(len(work) - len(failures)))
			for nodeID, dispatchErr := range failures {
				ws.CurrentNodes.Remove(nodeID)
				ws.FailedNodes.Add(nodeID)
				o.metrics.NodesFailed.Add(1)
				o.reportError(errorlog.LevelError, errorlog.CategoryNode, "DISPATCH_FAILED", dispatchErr, map[string]interface{}{
					"run_id":  ws.RunID,
					"node_id": nodeID,
				})
			}
			if len(failures) == 0 {
				return nil
			}
			progressed = true
		}

		if !progressed {
			return o.settle(ctx, plan, ws)
		}
	}
}

// progressSets derives the eligibility view from the run's membership sets
// plus the live node states. Nodes past QUEUED that are not in a terminal
// bucket count as in flight, which keeps RETRYING nodes out of eligibility
// even though they leave currentNodes.
func (o *Orchestrator) progressSets(ctx context.Context, ws *state.WorkflowState) (dag.NodeSets, map[string]*state.NodeState, error) {
	states, err := o.store.GetAllNodeStates(ctx, ws.RunID)
	if err != nil {
		return dag.NodeSets{}, nil, err
	}

	sets := dag.NodeSets{
		Completed: ws.CompletedNodes.AsMap(),
		Failed:    ws.FailedNodes.AsMap(),
		Skipped:   ws.SkippedNodes.AsMap(),
		Current:   ws.CurrentNodes.AsMap(),
	}
	for id, ns := range states {
		if sets.Completed[id] || sets.Failed[id] || sets.Skipped[id] {
			continue
		}
		if ns.Status != state.NodeQueued {
			sets.Current[id] = true
		}
	}
	return sets, states, nil
}

// settle decides what a quiescent run means: still waiting, completed, or
// failed. A run with retrying or running nodes is waiting regardless of
// currentNodes.
func (o *Orchestrator) settle(ctx context.Context, plan *dag.ParsedWorkflow, ws *state.WorkflowState) error {
	if len(ws.CurrentNodes) > 0 {
		return nil
	}

	states, err := o.store.GetAllNodeStates(ctx, ws.RunID)
	if err != nil {
		return err
	}
	for _, ns := range states {
		if ns.Status == state.NodeRunning || ns.Status == state.NodeRetrying {
			return nil
		}
	}

	if len(ws.FailedNodes) > 0 {
		return o.failWorkflow(ctx, plan, ws, o.firstFailure(states, ws))
	}

	if err := state.TransitionWorkflow(ws, state.TriggerComplete, o.clock.Now()); err != nil {
		return err
	}
	o.metrics.WorkflowsCompleted.Add(1)
	o.metrics.ActiveWorkflows.Add(-1)
	o.logger.Info("workflow completed",
		"run_id", ws.RunID,
		"workflow_id", ws.WorkflowID,
		"completed_nodes", len(ws.CompletedNodes),
		"skipped_nodes", len(ws.SkippedNodes),
	)
	o.notifyStatus(ctx, ws)
	return nil
}

// failWorkflow marks the run FAILED and, when enabled and worthwhile, runs
// the compensation plan. Compensation lands the run back on FAILED either
// way.
func (o *Orchestrator) failWorkflow(ctx context.Context, plan *dag.ParsedWorkflow, ws *state.WorkflowState, failure *state.ErrorDetails) error {
	if ws.Status == state.WorkflowRunning {
		if err := state.TransitionWorkflow(ws, state.TriggerFail, o.clock.Now()); err != nil {
			return err
		}
	}
	ws.ErrorDetails = failure
	o.metrics.WorkflowsFailed.Add(1)
	o.metrics.ActiveWorkflows.Add(-1)
	o.reportError(errorlog.LevelError, errorlog.CategoryWorkflow, "WORKFLOW_FAILED", failure, map[string]interface{}{
		"run_id":      ws.RunID,
		"workflow_id": ws.WorkflowID,
	})
	o.logger.Error("workflow failed",
		"run_id", ws.RunID,
		"workflow_id", ws.WorkflowID,
		"failed_nodes", ws.FailedNodes.Members(),
		"error", failure,
	)

	if !o.cfg.EnableCompensation || o.compensator == nil || !compensation.Compensatable(failure) {
		o.notifyStatus(ctx, ws)
		return nil
	}
	steps := compensation.Plan(plan, ws, failure)
	if len(steps) == 0 {
		o.notifyStatus(ctx, ws)
		return nil
	}
	if err := o.store.PutWorkflowState(ctx, ws); err != nil {
		return err
	}
	o.metrics.CompensationsRun.Add(1)
	if err := o.compensator.Execute(ctx, ws, steps); err != nil {
		return err
	}
	o.notifyStatus(ctx, ws)
	return nil
}

// firstFailure picks the error to pin on the run: the earliest-failing
// node's details, falling back to a generic summary.
func (o *Orchestrator) firstFailure(states map[string]*state.NodeState, ws *state.WorkflowState) *state.ErrorDetails {
	var chosen *state.NodeState
	for _, id := range ws.FailedNodes.Members() {
		ns := states[id]
		if ns == nil || ns.ErrorDetails == nil {
			continue
		}
		if chosen == nil || (ns.EndedAt != nil && chosen.EndedAt != nil && ns.EndedAt.Before(*chosen.EndedAt)) {
			chosen = ns
		}
	}
	if chosen != nil {
		return chosen.ErrorDetails
	}
	return &state.ErrorDetails{
		Code:    "NODE_FAILED",
		Message: fmt.Sprintf("%d node(s) failed", len(ws.FailedNodes)),
	}
}

// resolveCondition evaluates the node's expression, records {result} as its
// output and skips the untaken branch roots. Downstream shadow skipping
// happens on later advance iterations.
func (o *Orchestrator) resolveCondition(ctx context.Context, plan *dag.ParsedWorkflow, ws *state.WorkflowState, states map[string]*state.NodeState, node *dag.Node) error {
	params, err := condition.ParseParams(node.Params)
	if err != nil {
		return o.failNodeLocal(ctx, ws, states[node.ID], node.ID, &state.ErrorDetails{
			Code:    "CONDITION_EVALUATION_FAILED",
			Message: err.Error(),
		})
	}

	result, err := o.conditions.Evaluate(params.Expression, ws.Context)
	if err != nil {
		return o.failNodeLocal(ctx, ws, states[node.ID], node.ID, &state.ErrorDetails{
			Code:    "CONDITION_EVALUATION_FAILED",
			Message: err.Error(),
		})
	}

	if err := o.completeInline(ctx, ws, states[node.ID], node, map[string]interface{}{"result": result}); err != nil {
		return err
	}

	untaken := params.OnFalse
	if !result {
		untaken = params.OnTrue
	}
	for _, skipID := range untaken {
		if plan.Node(skipID) == nil {
			continue
		}
		if ws.CompletedNodes.Has(skipID) || ws.SkippedNodes.Has(skipID) || ws.FailedNodes.Has(skipID) {
			continue
		}
		if err := o.skipNode(ctx, ws, states[skipID], skipID); err != nil {
			return err
		}
	}

	o.logger.Debug("condition resolved",
		"run_id", ws.RunID,
		"node_id", node.ID,
		"result", result,
		"skipped", untaken,
	)
	return nil
}

// completeInline settles a control-flow node without a worker round trip
func (o *Orchestrator) completeInline(ctx context.Context, ws *state.WorkflowState, ns *state.NodeState, node *dag.Node, output map[string]interface{}) error {
	if ns == nil {
		ns = &state.NodeState{RunID: ws.RunID, NodeID: node.ID, Status: state.NodeQueued, Attempt: 1}
	}
	now := o.clock.Now()
	if ns.Status == state.NodeQueued {
		if err := state.TransitionNode(ns, state.TriggerStart, now); err != nil {
			return err
		}
	}
	if err := state.TransitionNode(ns, state.TriggerComplete, now); err != nil {
		return err
	}
	ns.Output = output
	if err := o.store.PutNodeState(ctx, ns); err != nil {
		return err
	}

	ws.CompletedNodes.Add(node.ID)
	o.metrics.NodesCompleted.Add(1)
	o.mergeOutput(ws, node, output)
	return nil
}

// skipNode marks a node SKIPPED and files it in the run's skipped set
func (o *Orchestrator) skipNode(ctx context.Context, ws *state.WorkflowState, ns *state.NodeState, id string) error {
	if ns == nil {
		ns = &state.NodeState{RunID: ws.RunID, NodeID: id, Status: state.NodeQueued, Attempt: 1}
	}
	if err := state.TransitionNode(ns, state.TriggerSkip, o.clock.Now()); err != nil {
		return err
	}
	if err := o.store.PutNodeState(ctx, ns); err != nil {
		return err
	}
	ws.SkippedNodes.Add(id)
	o.metrics.NodesSkipped.Add(1)
	return nil
}

// failNodeLocal fails a node that never reached a worker: bad input, open
// breaker, broken condition. The run's continuation is decided by the
// surrounding advance loop.
func (o *Orchestrator) failNodeLocal(ctx context.Context, ws *state.WorkflowState, ns *state.NodeState, id string, details *state.ErrorDetails) error {
	if ns == nil {
		ns = &state.NodeState{RunID: ws.RunID, NodeID: id, Status: state.NodeQueued, Attempt: 1}
	}
	now := o.clock.Now()
	if ns.Status == state.NodeQueued {
		if err := state.TransitionNode(ns, state.TriggerStart, now); err != nil {
			return err
		}
	}
	if err := state.TransitionNode(ns, state.TriggerFail, now); err != nil {
		return err
	}
	ns.ErrorDetails = details
	if err := o.store.PutNodeState(ctx, ns); err != nil {
		return err
	}
	ws.FailedNodes.Add(id)
	o.metrics.NodesFailed.Add(1)
	return nil
}

// scheduleDelay parks a delay node on the retry schedule instead of
// sleeping. The node sits in RETRYING until its due time, when the retry
// processor completes it.
func (o *Orchestrator) scheduleDelay(ctx context.Context, ws *state.WorkflowState, ns *state.NodeState, node *dag.Node) error {
	delayMS, _ := node.Params["delayMs"].(float64)
	if delayMS <= 0 {
		return o.completeInline(ctx, ws, ns, node, map[string]interface{}{"delayedMs": int64(0)})
	}

	if ns == nil {
		ns = &state.NodeState{RunID: ws.RunID, NodeID: node.ID, Status: state.NodeQueued, Attempt: 1}
	}
	dueAt := o.clock.Now().Add(time.Duration(delayMS) * time.Millisecond)
	ns.Status = state.NodeRetrying
	ns.NextRetryAt = &dueAt
	if err := o.store.PutNodeState(ctx, ns); err != nil {
		return err
	}
	if err := o.store.ScheduleRetry(ctx, ws.RunID, node.ID, dueAt); err != nil {
		return err
	}

	o.logger.Debug("delay scheduled", "run_id", ws.RunID, "node_id", node.ID, "due_at", dueAt)
	return nil
}

// nodeInput builds a node's input: declared parameter mappings resolve
// against the run context, remaining params pass through verbatim.
func (o *Orchestrator) nodeInput(ws *state.WorkflowState, node *dag.Node) (map[string]interface{}, error) {
	input := make(map[string]interface{}, len(node.Params))
	for k, v := range node.Params {
		if k == "parameterMappings" {
			continue
		}
		input[k] = v
	}

	rawMappings, ok := node.Params["parameterMappings"]
	if !ok {
		return input, nil
	}
	encoded, err := json.Marshal(rawMappings)
	if err != nil {
		return nil, fmt.Errorf("encode parameter mappings of node %s: %w", node.ID, err)
	}
	var mappings []execctx.Mapping
	if err := json.Unmarshal(encoded, &mappings); err != nil {
		return nil, fmt.Errorf("decode parameter mappings of node %s: %w", node.ID, err)
	}

	ec := execctx.FromVariables(ws.RunID, ws.WorkflowID, ws.OrgID, ws.EmployeeID, ws.Context)
	resolved, err := ec.ResolveInput(mappings)
	if err != nil {
		return nil, err
	}
	for k, v := range resolved {
		input[k] = v
	}
	return input, nil
}

// mergeOutput folds a node's output into the shared context tree
func (o *Orchestrator) mergeOutput(ws *state.WorkflowState, node *dag.Node, output map[string]interface{}) {
	ec := execctx.FromVariables(ws.RunID, ws.WorkflowID, ws.OrgID, ws.EmployeeID, ws.Context)
	ec.MergeNodeOutput(node.ID, node.Name, output)
	ws.Context = ec.Variables
}

func (o *Orchestrator) breakerService(nodeType string) (string, bool) {
	return breaker.ServiceFor(nodeType)
}

// reportError forwards a failure to the error sink when one is wired
func (o *Orchestrator) reportError(level errorlog.Level, category errorlog.Category, code string, cause error, ctx map[string]interface{}) {
	if o.errors == nil {
		return
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	o.errors.Log(&errorlog.Entry{
		Timestamp: o.clock.Now(),
		Level:     level,
		Category:  category,
		Code:      code,
		Message:   message,
		Context:   ctx,
	})
}

// cloneWithTimeout returns a copy of the node with the default timeout
// applied; definitions stay immutable.
func cloneWithTimeout(node *dag.Node, d time.Duration) *dag.Node {
	clone := *node
	clone.TimeoutMS = d.Milliseconds()
	return &clone
}
