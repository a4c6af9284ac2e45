package compensation

import (
	"context"
	"fmt"
	"time"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/dispatch"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/clock"
)

// Logger is the minimal logging surface the executor needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts configures an Executor
type Opts struct {
	Store      *state.Store
	Dispatcher *dispatch.Dispatcher
	Logger     Logger
	Clock      clock.Clock
	// StepTimeout bounds the wait for each step's terminal status
	StepTimeout time.Duration
	// PollInterval is how often a pending step's state is re-read
	PollInterval time.Duration
}

// Executor runs a compensation plan serially. Each step is dispatched like
// a regular node and awaited; results arrive through the normal result
// consumer, which writes the step's node state.
type Executor struct {
	store        *state.Store
	dispatcher   *dispatch.Dispatcher
	logger       Logger
	clock        clock.Clock
	stepTimeout  time.Duration
	pollInterval time.Duration
}

// NewExecutor builds an Executor
func NewExecutor(opts Opts) *Executor {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.StepTimeout == 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Executor{
		store:        opts.Store,
		dispatcher:   opts.Dispatcher,
		logger:       opts.Logger,
		clock:        opts.Clock,
		stepTimeout:  opts.StepTimeout,
		pollInterval: opts.PollInterval,
	}
}

// Execute transitions the run into COMPENSATING, walks the plan serially,
// and lands the run on FAILED whether the plan succeeded or aborted.
func (e *Executor) Execute(ctx context.Context, ws *state.WorkflowState, steps []Step) error {
	now := e.clock.Now()
	if err := state.TransitionWorkflow(ws, state.TriggerStart, now); err != nil {
		return fmt.Errorf("enter compensating: %w", err)
	}
	if err := e.store.PutWorkflowState(ctx, ws); err != nil {
		return err
	}

	e.logger.Info("compensation started", "run_id", ws.RunID, "steps", len(steps))

	for _, step := range steps {
		ok := e.runStep(ctx, ws, step)
		if !ok && !step.ContinuesOnFailure() {
			e.logger.Warn("compensation aborted",
				"run_id", ws.RunID,
				"step", step.NodeID,
				"compensation_type", step.CompensationType,
			)
			break
		}
	}

	if err := state.TransitionWorkflow(ws, state.TriggerComplete, e.clock.Now()); err != nil {
		return fmt.Errorf("leave compensating: %w", err)
	}
	if err := e.store.PutWorkflowState(ctx, ws); err != nil {
		return err
	}
	e.logger.Info("compensation finished", "run_id", ws.RunID)
	return nil
}

// runStep dispatches one compensation step and waits for its terminal
// status. Returns false on dispatch failure, step failure, or wait timeout.
func (e *Executor) runStep(ctx context.Context, ws *state.WorkflowState, step Step) bool {
	params := step.Params
	if params == nil {
		params = map[string]interface{}{}
	}

	input := map[string]interface{}{
		"compensatesFor":   step.TargetNodeID,
		"compensationType": step.CompensationType,
	}
	if output := targetOutput(ws, step.TargetNodeID); output != nil {
		input["originalOutput"] = output
	}

	node := &dag.Node{
		ID:     step.NodeID,
		Type:   step.NodeType,
		Name:   "compensate " + step.TargetNodeID,
		Params: params,
	}
	ns := &state.NodeState{
		RunID:   ws.RunID,
		NodeID:  step.NodeID,
		Status:  state.NodeQueued,
		Attempt: 1,
	}

	err := e.dispatcher.Dispatch(ctx, dispatch.Work{
		Node:      node,
		Run:       ws,
		NodeState: ns,
		Input:     input,
	})
	if err != nil {
		e.logger.Error("compensation step dispatch failed", "run_id", ws.RunID, "step", step.NodeID, "error", err)
		return false
	}

	status, err := e.awaitTerminal(ctx, ws.RunID, step.NodeID)
	if err != nil {
		e.logger.Error("compensation step wait failed", "run_id", ws.RunID, "step", step.NodeID, "error", err)
		return false
	}
	if status != state.NodeCompleted {
		e.logger.Warn("compensation step did not complete", "run_id", ws.RunID, "step", step.NodeID, "status", status)
		return false
	}
	return true
}

// awaitTerminal polls the step's node state until it leaves RUNNING
func (e *Executor) awaitTerminal(ctx context.Context, runID, nodeID string) (state.NodeStatus, error) {
	deadline := time.After(e.stepTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline:
			return "", fmt.Errorf("compensation step %s timed out", nodeID)
		case <-ticker.C:
			ns, err := e.store.GetNodeState(ctx, runID, nodeID)
			if err != nil {
				return "", err
			}
			if ns == nil {
				continue
			}
			switch ns.Status {
			case state.NodeCompleted, state.NodeFailed, state.NodeCancelled, state.NodeTimeout, state.NodeSkipped:
				return ns.Status, nil
			}
		}
	}
}

func targetOutput(ws *state.WorkflowState, targetID string) map[string]interface{} {
	nodes, ok := ws.Context["nodes"].(map[string]interface{})
	if !ok {
		return nil
	}
	entry, ok := nodes[targetID].(map[string]interface{})
	if !ok {
		return nil
	}
	output, _ := entry["output"].(map[string]interface{})
	return output
}
