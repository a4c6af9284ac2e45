package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/officeflow/engine/cmd/engine/condition"
	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/dispatch"
	"github.com/officeflow/engine/cmd/engine/orchestrator"
	"github.com/officeflow/engine/cmd/engine/registry"
	"github.com/officeflow/engine/cmd/engine/retry"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/bus"
	"github.com/officeflow/engine/common/clock"
	"github.com/officeflow/engine/common/redis"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

type recordingBus struct {
	mu       sync.Mutex
	messages []recorded
}

type recorded struct {
	Topic   string
	Key     string
	Payload []byte
}

func (b *recordingBus) Publish(_ context.Context, topic, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, recorded{Topic: topic, Key: key, Payload: payload})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, bus.Handler) error { return nil }
func (b *recordingBus) Close() error                                         { return nil }

func (b *recordingBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.messages {
		if m.Topic == topic {
			n++
		}
	}
	return n
}

func newService(t *testing.T) (*Service, *recordingBus, *registry.Memory, *state.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nopLogger{})
	clk := clock.NewManual(time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC))
	store := state.NewStore(state.StoreOpts{
		Redis:     client,
		Logger:    nopLogger{},
		Clock:     clk,
		Namespace: "test:",
	})
	rb := &recordingBus{}
	dispatcher := dispatch.NewDispatcher(dispatch.Opts{
		Bus:    rb,
		Store:  store,
		Logger: nopLogger{},
		Clock:  clk,
	})
	repo := registry.NewMemory()
	loader := registry.NewLoader(repo, nil)
	evaluator, err := condition.NewEvaluator()
	if err != nil {
		t.Fatalf("evaluator: %v", err)
	}

	orc := orchestrator.New(orchestrator.Opts{
		Loader:     loader,
		Store:      store,
		Dispatcher: dispatcher,
		Retry:      retry.NewManager(retry.Opts{Store: store, Logger: nopLogger{}, Clock: clk}),
		Conditions: evaluator,
		Logger:     nopLogger{},
		Clock:      clk,
		Config:     orchestrator.DefaultConfig("svc-test"),
	})

	svc := New(Opts{
		Bus:          rb,
		Orchestrator: orc,
		Loader:       loader,
		Logger:       nopLogger{},
	})
	return svc, rb, repo, store
}

func simpleDefinition(id, orgID, trigger string, active bool) *dag.Definition {
	return &dag.Definition{
		ID:       id,
		OrgID:    orgID,
		Name:     id,
		Trigger:  trigger,
		Version:  1,
		IsActive: active,
		DAG: &dag.Graph{
			Nodes: []dag.Node{
				{ID: "provision", Type: dag.NodeTypeIdentityProvision, Name: "Provision"},
			},
		},
	}
}

func eventPayload(t *testing.T, orgID, employeeID string) []byte {
	t.Helper()
	raw, err := json.Marshal(LifecycleEvent{
		Type:           "employee.onboard",
		OrganizationID: orgID,
		EmployeeID:     employeeID,
		Payload:        map[string]interface{}{"department": "sales"},
		Timestamp:      time.Date(2026, 4, 2, 9, 59, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func TestLifecycleEventStartsMatchingWorkflows(t *testing.T) {
	svc, rb, repo, _ := newService(t)
	ctx := context.Background()

	for _, def := range []*dag.Definition{
		simpleDefinition("wf-a", "org-1", "employee.onboard", true),
		simpleDefinition("wf-b", "org-1", "employee.onboard", true),
		simpleDefinition("wf-off", "org-1", "employee.onboard", false),
		simpleDefinition("wf-other", "org-2", "employee.onboard", true),
	} {
		if err := repo.Save(ctx, def); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	if err := svc.HandleLifecycleEvent(ctx, "employee.onboard", eventPayload(t, "org-1", "emp-1")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	// One provision dispatch per matching active workflow.
	if got := rb.count("identity.execute"); got != 2 {
		t.Fatalf("identity.execute dispatches = %d, want 2", got)
	}
}

func TestLifecycleEventWithoutWorkflowsIsNoOp(t *testing.T) {
	svc, rb, _, _ := newService(t)
	if err := svc.HandleLifecycleEvent(context.Background(), "employee.exit", eventPayload(t, "org-9", "emp-9")); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if len(rb.messages) != 0 {
		t.Fatalf("unexpected dispatches: %v", rb.messages)
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	if err := svc.HandleLifecycleEvent(ctx, "employee.onboard", []byte("{not json")); err != nil {
		t.Fatalf("malformed event should be dropped, got %v", err)
	}
	if err := svc.HandleResult(ctx, []byte("{not json")); err != nil {
		t.Fatalf("malformed result should be dropped, got %v", err)
	}
	if err := svc.HandleResult(ctx, []byte(`{"runId":"","nodeId":""}`)); err != nil {
		t.Fatalf("incomplete result should be dropped, got %v", err)
	}
}

func TestResultRoutesToOrchestrator(t *testing.T) {
	svc, _, repo, store := newService(t)
	ctx := context.Background()

	if err := repo.Save(ctx, simpleDefinition("wf-a", "org-1", "employee.onboard", true)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := svc.HandleLifecycleEvent(ctx, "employee.onboard", eventPayload(t, "org-1", "emp-1")); err != nil {
		t.Fatalf("handle event: %v", err)
	}

	runIDs, err := store.ListRunIDs(ctx, 10)
	if err != nil || len(runIDs) != 1 {
		t.Fatalf("runs = %v err = %v", runIDs, err)
	}
	runID := runIDs[0]

	result, _ := json.Marshal(dispatch.ExecutionResult{
		RunID:  runID,
		NodeID: "provision",
		Status: dispatch.ResultSuccess,
		Output: map[string]interface{}{"accountId": "acct-1"},
	})
	if err := svc.HandleResult(ctx, result); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	ws, err := store.GetWorkflowState(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if ws.Status != state.WorkflowCompleted {
		t.Fatalf("status = %s, want COMPLETED", ws.Status)
	}
}

func TestFailureResultRoutesToFailureHandling(t *testing.T) {
	svc, _, repo, store := newService(t)
	ctx := context.Background()

	if err := repo.Save(ctx, simpleDefinition("wf-a", "org-1", "employee.onboard", true)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := svc.HandleLifecycleEvent(ctx, "employee.onboard", eventPayload(t, "org-1", "emp-1")); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	runIDs, _ := store.ListRunIDs(ctx, 10)
	runID := runIDs[0]

	result, _ := json.Marshal(dispatch.ExecutionResult{
		RunID:  runID,
		NodeID: "provision",
		Status: dispatch.ResultFailed,
		Error: &state.ErrorDetails{
			Code:       "EXTERNAL_SERVICE_ERROR",
			Message:    "idp down",
			StatusCode: 503,
		},
	})
	if err := svc.HandleResult(ctx, result); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	// identity.provision retries; the node parks on the schedule.
	ns, err := store.GetNodeState(ctx, runID, "provision")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if ns.Status != state.NodeRetrying {
		t.Fatalf("node status = %s, want RETRYING", ns.Status)
	}
}
