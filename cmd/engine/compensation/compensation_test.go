package compensation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/dispatch"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/bus"
	"github.com/officeflow/engine/common/redis"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

func parse(t *testing.T, def *dag.Definition) *dag.ParsedWorkflow {
	t.Helper()
	p, err := dag.Parse(def)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return p
}

func onboardingDefinition() *dag.Definition {
	return &dag.Definition{
		ID: "wf-1", OrgID: "org-1", Name: "onboard", Trigger: "employee.onboard", Version: 1, IsActive: true,
		DAG: &dag.Graph{
			Nodes: []dag.Node{
				{ID: "provision", Name: "provision account", Type: dag.NodeTypeIdentityProvision},
				{ID: "welcome", Name: "welcome email", Type: dag.NodeTypeEmailSend},
				{ID: "docs", Name: "distribute handbook", Type: dag.NodeTypeDocumentDistribute},
				{ID: "announce", Name: "announce in slack", Type: dag.NodeTypeSlackMessage},
			},
			Edges: []dag.Edge{
				{ID: "e1", FromNodeID: "provision", ToNodeID: "welcome"},
				{ID: "e2", FromNodeID: "welcome", ToNodeID: "docs"},
				{ID: "e3", FromNodeID: "docs", ToNodeID: "announce"},
			},
		},
	}
}

func TestPlanSynthesizesReversesInOrder(t *testing.T) {
	p := parse(t, onboardingDefinition())
	ws := &state.WorkflowState{
		RunID:          "run-1",
		CompletedNodes: state.NewStringSet("provision", "welcome", "docs"),
	}

	steps := Plan(p, ws, &state.ErrorDetails{Message: "slack exploded", StatusCode: 502})
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3: %+v", len(steps), steps)
	}

	// Descending order: rollback 100, cleanup 50, notification 10
	if steps[0].TargetNodeID != "provision" || steps[0].NodeType != dag.NodeTypeIdentityDeprovision || steps[0].Order != 100 {
		t.Errorf("step 0 = %+v", steps[0])
	}
	if steps[1].TargetNodeID != "docs" || steps[1].CompensationType != TypeCleanup || steps[1].Order != 50 {
		t.Errorf("step 1 = %+v", steps[1])
	}
	if steps[2].TargetNodeID != "welcome" || steps[2].CompensationType != TypeNotification || steps[2].Order != 10 {
		t.Errorf("step 2 = %+v", steps[2])
	}
}

func TestPlanSkipsNonCompensatableErrors(t *testing.T) {
	p := parse(t, onboardingDefinition())
	ws := &state.WorkflowState{RunID: "run-1", CompletedNodes: state.NewStringSet("provision")}

	for _, code := range []string{"VALIDATION_ERROR", "INVALID_INPUT", "UNAUTHORIZED", "FORBIDDEN"} {
		if steps := Plan(p, ws, &state.ErrorDetails{Code: code, Message: "nope"}); steps != nil {
			t.Errorf("code %s should skip compensation, got %+v", code, steps)
		}
	}
}

func TestPlanSkipsSideEffectFreeNodes(t *testing.T) {
	p := parse(t, onboardingDefinition())
	ws := &state.WorkflowState{RunID: "run-1", CompletedNodes: state.NewStringSet("announce")}

	if steps := Plan(p, ws, nil); len(steps) != 0 {
		t.Errorf("slack message has no reverse, got %+v", steps)
	}
}

func TestPlanPrefersDeclaredCompensation(t *testing.T) {
	def := onboardingDefinition()
	def.DAG.Nodes = append(def.DAG.Nodes, dag.Node{
		ID:   "undo-provision",
		Name: "custom deprovision",
		Type: dag.NodeTypeCompensation,
		Params: map[string]interface{}{
			"compensatesFor":    []interface{}{"provision"},
			"compensationType":  TypeCustom,
			"compensationOrder": float64(200),
		},
	})
	def.DAG.Edges = append(def.DAG.Edges, dag.Edge{ID: "e4", FromNodeID: "provision", ToNodeID: "undo-provision"})

	p := parse(t, def)
	ws := &state.WorkflowState{RunID: "run-1", CompletedNodes: state.NewStringSet("provision")}

	steps := Plan(p, ws, nil)
	if len(steps) != 1 {
		t.Fatalf("steps = %+v", steps)
	}
	if steps[0].NodeID != "undo-provision" || steps[0].Order != 200 || steps[0].CompensationType != TypeCustom {
		t.Errorf("declared compensation not used: %+v", steps[0])
	}
}

// completingBus lets the test play executor: every dispatched compensation
// request is completed (or failed) by writing the step's node state.
type completingBus struct {
	mu       sync.Mutex
	store    *state.Store
	failures map[string]bool
	seen     []string
}

func (b *completingBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	var env dispatch.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	var req dispatch.ExecutionRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return err
	}

	b.mu.Lock()
	b.seen = append(b.seen, req.NodeID)
	fail := b.failures[req.NodeID]
	b.mu.Unlock()

	status := state.NodeCompleted
	if fail {
		status = state.NodeFailed
	}
	now := time.Now()
	return b.store.PutNodeState(ctx, &state.NodeState{
		RunID:   req.RunID,
		NodeID:  req.NodeID,
		Status:  status,
		Attempt: req.RetryAttempt,
		EndedAt: &now,
	})
}

func (b *completingBus) Subscribe(context.Context, string, bus.Handler) error { return nil }
func (b *completingBus) Close() error                                         { return nil }

func (b *completingBus) dispatched() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.seen...)
}

func newTestExecutor(t *testing.T, failures map[string]bool) (*Executor, *state.Store, *completingBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nopLogger{})
	store := state.NewStore(state.StoreOpts{Redis: client, Logger: nopLogger{}, Namespace: "test:"})
	b := &completingBus{store: store, failures: failures}
	d := dispatch.NewDispatcher(dispatch.Opts{Bus: b, Store: store, Logger: nopLogger{}})
	e := NewExecutor(Opts{
		Store:        store,
		Dispatcher:   d,
		Logger:       nopLogger{},
		StepTimeout:  2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	})
	return e, store, b
}

func failedRun() *state.WorkflowState {
	return &state.WorkflowState{
		RunID:          "run-1",
		WorkflowID:     "wf-1",
		OrgID:          "org-1",
		EmployeeID:     "emp-1",
		Status:         state.WorkflowFailed,
		CompletedNodes: state.NewStringSet("provision", "welcome"),
		CurrentNodes:   state.NewStringSet(),
		FailedNodes:    state.NewStringSet("docs"),
		SkippedNodes:   state.NewStringSet(),
		Context:        map[string]interface{}{},
	}
}

func TestExecuteRunsPlanAndLandsOnFailed(t *testing.T) {
	e, store, b := newTestExecutor(t, nil)
	p := parse(t, onboardingDefinition())
	ws := failedRun()

	steps := Plan(p, ws, &state.ErrorDetails{Message: "service unavailable"})
	if err := e.Execute(context.Background(), ws, steps); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if ws.Status != state.WorkflowFailed {
		t.Errorf("final status = %s, want FAILED", ws.Status)
	}

	dispatched := b.dispatched()
	if len(dispatched) != 2 {
		t.Fatalf("dispatched = %v", dispatched)
	}
	// Serial, descending order: deprovision before the notification
	if dispatched[0] != "compensate:provision" || dispatched[1] != "compensate:welcome" {
		t.Errorf("dispatch order = %v", dispatched)
	}

	stored, _ := store.GetWorkflowState(context.Background(), "run-1")
	if stored == nil || stored.Status != state.WorkflowFailed {
		t.Errorf("stored run = %+v", stored)
	}
}

func TestExecuteAbortsOnRollbackFailure(t *testing.T) {
	e, _, b := newTestExecutor(t, map[string]bool{"compensate:provision": true})
	p := parse(t, onboardingDefinition())
	ws := failedRun()

	steps := Plan(p, ws, nil)
	if err := e.Execute(context.Background(), ws, steps); err != nil {
		t.Fatalf("execute: %v", err)
	}

	dispatched := b.dispatched()
	if len(dispatched) != 1 {
		t.Errorf("rollback failure should abort the plan, dispatched = %v", dispatched)
	}
	if ws.Status != state.WorkflowFailed {
		t.Errorf("final status = %s, want FAILED", ws.Status)
	}
}

func TestExecuteContinuesPastNotificationFailure(t *testing.T) {
	e, _, b := newTestExecutor(t, map[string]bool{"compensate:welcome": true})
	p := parse(t, onboardingDefinition())
	ws := failedRun()
	ws.CompletedNodes = state.NewStringSet("welcome", "docs")

	steps := Plan(p, ws, nil)
	// cleanup(docs, 50) runs before notification(welcome, 10); make the
	// notification fail and check nothing aborts
	if err := e.Execute(context.Background(), ws, steps); err != nil {
		t.Fatalf("execute: %v", err)
	}

	dispatched := b.dispatched()
	if len(dispatched) != 2 {
		t.Errorf("best-effort steps should not abort, dispatched = %v", dispatched)
	}
}
