package state

import (
	"fmt"
	"time"
)

// Trigger names the event driving a transition
type Trigger string

const (
	TriggerStart    Trigger = "start"
	TriggerPause    Trigger = "pause"
	TriggerResume   Trigger = "resume"
	TriggerComplete Trigger = "complete"
	TriggerFail     Trigger = "fail"
	TriggerRetry    Trigger = "retry"
	TriggerQueue    Trigger = "queue"
	TriggerSkip     Trigger = "skip"
	TriggerCancel   Trigger = "cancel"
	TriggerTimeout  Trigger = "timeout"
)

// InvalidTransitionError reports a trigger the current status does not admit
type InvalidTransitionError struct {
	From    string
	Trigger Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("INVALID_TRANSITION: no transition from %s on trigger %q", e.From, e.Trigger)
}

type workflowKey struct {
	from    WorkflowStatus
	trigger Trigger
}

type nodeKey struct {
	from    NodeStatus
	trigger Trigger
}

// workflowTransitions is the full workflow table. FAILED re-enters via
// start into COMPENSATING, and COMPENSATING always lands back on FAILED
// regardless of compensation outcome.
var workflowTransitions = map[workflowKey]WorkflowStatus{
	{WorkflowPending, TriggerStart}:         WorkflowRunning,
	{WorkflowPending, TriggerCancel}:        WorkflowCancelled,
	{WorkflowRunning, TriggerPause}:         WorkflowPaused,
	{WorkflowPaused, TriggerResume}:         WorkflowRunning,
	{WorkflowRunning, TriggerComplete}:      WorkflowCompleted,
	{WorkflowRunning, TriggerFail}:          WorkflowFailed,
	{WorkflowRunning, TriggerCancel}:        WorkflowCancelled,
	{WorkflowPaused, TriggerCancel}:         WorkflowCancelled,
	{WorkflowRunning, TriggerTimeout}:       WorkflowTimeout,
	{WorkflowFailed, TriggerStart}:          WorkflowCompensating,
	{WorkflowCompensating, TriggerComplete}: WorkflowFailed,
}

// nodeTransitions is the full node table. RETRYING nodes are cancellable
// because run cancellation sweeps the retry schedule.
var nodeTransitions = map[nodeKey]NodeStatus{
	{NodeQueued, TriggerStart}:     NodeRunning,
	{NodeRunning, TriggerComplete}: NodeCompleted,
	{NodeRunning, TriggerFail}:     NodeFailed,
	{NodeFailed, TriggerRetry}:     NodeRetrying,
	{NodeRetrying, TriggerQueue}:   NodeQueued,
	{NodeQueued, TriggerSkip}:      NodeSkipped,
	{NodeRunning, TriggerCancel}:   NodeCancelled,
	{NodeQueued, TriggerCancel}:    NodeCancelled,
	{NodeRetrying, TriggerCancel}:  NodeCancelled,
	{NodeRunning, TriggerTimeout}:  NodeTimeout,
}

// TransitionWorkflow applies a trigger to a workflow state in place,
// stamping lastUpdatedAt. The caller persists the result.
func TransitionWorkflow(ws *WorkflowState, trigger Trigger, now time.Time) error {
	next, ok := workflowTransitions[workflowKey{ws.Status, trigger}]
	if !ok {
		return &InvalidTransitionError{From: string(ws.Status), Trigger: trigger}
	}
	ws.Status = next
	ws.LastUpdatedAt = now
	return nil
}

// CanTransitionWorkflow reports whether the trigger is admissible
func CanTransitionWorkflow(from WorkflowStatus, trigger Trigger) bool {
	_, ok := workflowTransitions[workflowKey{from, trigger}]
	return ok
}

// TransitionNode applies a trigger to a node state in place. startedAt is
// set on the first entry into RUNNING, endedAt on any terminal status, and
// nextRetryAt survives only while the node is RETRYING.
func TransitionNode(ns *NodeState, trigger Trigger, now time.Time) error {
	next, ok := nodeTransitions[nodeKey{ns.Status, trigger}]
	if !ok {
		return &InvalidTransitionError{From: string(ns.Status), Trigger: trigger}
	}

	ns.Status = next
	switch {
	case next == NodeRunning && ns.StartedAt == nil:
		t := now
		ns.StartedAt = &t
	case next == NodeCompleted || next == NodeSkipped || next == NodeCancelled || next == NodeTimeout || next == NodeFailed:
		t := now
		ns.EndedAt = &t
	}
	if next == NodeRetrying {
		// The failure was not final after all
		ns.EndedAt = nil
	} else {
		ns.NextRetryAt = nil
	}
	return nil
}

// CanTransitionNode reports whether the trigger is admissible
func CanTransitionNode(from NodeStatus, trigger Trigger) bool {
	_, ok := nodeTransitions[nodeKey{from, trigger}]
	return ok
}
