package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/bus"
	"github.com/officeflow/engine/common/clock"
)

const (
	messageSource  = "workflow-engine"
	messageVersion = "1.0"
)

// Logger is the minimal logging surface the dispatcher needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts configures a Dispatcher
type Opts struct {
	Bus            bus.Bus
	Store          *state.Store
	Logger         Logger
	Clock          clock.Clock
	DefaultTimeout int64
}

// Dispatcher turns eligible nodes into execution requests. It owns the
// QUEUED -> RUNNING transition so a node is only ever RUNNING when a request
// for it is on the wire (or failed to get there, which marks it FAILED).
type Dispatcher struct {
	bus            bus.Bus
	store          *state.Store
	logger         Logger
	clock          clock.Clock
	defaultTimeout int64
}

// Work is one node dispatch: the node, its run, and its resolved input
type Work struct {
	Node       *dag.Node
	Run        *state.WorkflowState
	NodeState  *state.NodeState
	Input      map[string]interface{}
	ContextVar map[string]interface{}
}

// NewDispatcher builds a Dispatcher
func NewDispatcher(opts Opts) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 300_000
	}
	return &Dispatcher{
		bus:            opts.Bus,
		store:          opts.Store,
		logger:         opts.Logger,
		clock:          opts.Clock,
		defaultTimeout: opts.DefaultTimeout,
	}
}

// IdempotencyKey identifies one attempt of one node in one run
func IdempotencyKey(runID, nodeID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", runID, nodeID, attempt)
}

// Dispatch publishes one execution request. The node state transitions to
// RUNNING before the publish; a publish failure marks it FAILED with
// DISPATCH_FAILED and surfaces the error.
func (d *Dispatcher) Dispatch(ctx context.Context, w Work) error {
	topic, err := TopicFor(w.Node.Type)
	if err != nil {
		return err
	}

	now := d.clock.Now()
	if err := state.TransitionNode(w.NodeState, state.TriggerStart, now); err != nil {
		return fmt.Errorf("mark node running: %w", err)
	}
	w.NodeState.Input = w.Input
	if err := d.store.PutNodeState(ctx, w.NodeState); err != nil {
		return err
	}

	timeout := w.Node.TimeoutMS
	if timeout == 0 {
		timeout = d.defaultTimeout
	}

	request := ExecutionRequest{
		RunID:          w.Run.RunID,
		NodeID:         w.Node.ID,
		OrgID:          w.Run.OrgID,
		EmployeeID:     w.Run.EmployeeID,
		NodeType:       w.Node.Type,
		Input:          w.Input,
		Context:        w.ContextVar,
		IdempotencyKey: IdempotencyKey(w.Run.RunID, w.Node.ID, w.NodeState.Attempt),
		RetryAttempt:   w.NodeState.Attempt,
		TimeoutMS:      timeout,
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("encode execution request: %w", err)
	}
	envelope, err := json.Marshal(Envelope{
		Type:    TypeExecuteRequest,
		Payload: payload,
		Metadata: Metadata{
			CorrelationID:  uuid.NewString(),
			OrganizationID: w.Run.OrgID,
			EmployeeID:     w.Run.EmployeeID,
			Source:         messageSource,
			Version:        messageVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	// Keyed by org so one organization's work stays ordered
	if err := d.bus.Publish(ctx, topic, w.Run.OrgID, envelope); err != nil {
		d.markDispatchFailed(ctx, w.NodeState, err)
		return fmt.Errorf("DISPATCH_FAILED: publish to %s: %w", topic, err)
	}

	d.logger.Info("node dispatched",
		"run_id", w.Run.RunID,
		"node_id", w.Node.ID,
		"node_type", w.Node.Type,
		"topic", topic,
		"attempt", w.NodeState.Attempt,
	)
	return nil
}

// DispatchAll publishes requests for a set of eligible nodes in parallel.
// Each failure is returned against its node id; successes are unaffected by
// sibling failures.
func (d *Dispatcher) DispatchAll(ctx context.Context, work []Work) map[string]error {
	if len(work) == 0 {
		return nil
	}

	var mu sync.Mutex
	failures := make(map[string]error)

	var wg sync.WaitGroup
	for _, w := range work {
		wg.Add(1)
		go func(w Work) {
			defer wg.Done()
			if err := d.Dispatch(ctx, w); err != nil {
				mu.Lock()
				failures[w.Node.ID] = err
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(failures) == 0 {
		return nil
	}
	return failures
}

// Cancel publishes a best-effort cancellation for an in-flight node
func (d *Dispatcher) Cancel(ctx context.Context, runID, nodeID, orgID, reason string) error {
	payload, err := json.Marshal(CancelMessage{RunID: runID, NodeID: nodeID, Reason: reason})
	if err != nil {
		return fmt.Errorf("encode cancel message: %w", err)
	}
	envelope, err := json.Marshal(Envelope{
		Type:    TypeExecuteCancel,
		Payload: payload,
		Metadata: Metadata{
			CorrelationID:  uuid.NewString(),
			OrganizationID: orgID,
			Source:         messageSource,
			Version:        messageVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return d.bus.Publish(ctx, TopicCancel, orgID, envelope)
}

func (d *Dispatcher) markDispatchFailed(ctx context.Context, ns *state.NodeState, cause error) {
	now := d.clock.Now()
	if err := state.TransitionNode(ns, state.TriggerFail, now); err != nil {
		d.logger.Error("cannot mark node failed after dispatch failure", "run_id", ns.RunID, "node_id", ns.NodeID, "error", err)
		return
	}
	ns.ErrorDetails = &state.ErrorDetails{
		Code:    "DISPATCH_FAILED",
		Message: cause.Error(),
	}
	if err := d.store.PutNodeState(ctx, ns); err != nil {
		d.logger.Error("cannot persist dispatch failure", "run_id", ns.RunID, "node_id", ns.NodeID, "error", err)
	}
}
