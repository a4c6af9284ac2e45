package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	goredis "github.com/redis/go-redis/v9"

	"github.com/officeflow/engine/cmd/engine/condition"
	"github.com/officeflow/engine/cmd/engine/dispatch"
	"github.com/officeflow/engine/cmd/engine/history"
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

type nullBus struct{}

func (nullBus) Publish(context.Context, string, string, []byte) error { return nil }
func (nullBus) Subscribe(context.Context, string, bus.Handler) error  { return nil }
func (nullBus) Close() error                                          { return nil }

func newTestRouter(t *testing.T) (*echo.Echo, *registry.Memory, *history.Memory) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nopLogger{})
	clk := clock.NewManual(time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC))
	store := state.NewStore(state.StoreOpts{
		Redis:     client,
		Logger:    nopLogger{},
		Clock:     clk,
		Namespace: "test:",
	})
	dispatcher := dispatch.NewDispatcher(dispatch.Opts{
		Bus:    nullBus{},
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
	hist := history.NewMemory()

	orc := orchestrator.New(orchestrator.Opts{
		Loader:     loader,
		Store:      store,
		Dispatcher: dispatcher,
		Retry:      retry.NewManager(retry.Opts{Store: store, Logger: nopLogger{}, Clock: clk}),
		Conditions: evaluator,
		Status:     history.NewRecorder(hist, nopLogger{}),
		Logger:     nopLogger{},
		Clock:      clk,
		Config:     orchestrator.DefaultConfig("api-test"),
	})

	h := NewHandler(Opts{
		Orchestrator: orc,
		Repo:         repo,
		History:      hist,
		Logger:       nopLogger{},
	})
	return NewRouter(h), repo, hist
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return body
}

const validWorkflow = `{
	"id": "wf-api",
	"orgId": "org-1",
	"name": "API test workflow",
	"trigger": "employee.onboard",
	"version": 1,
	"isActive": true,
	"dag": {
		"nodes": [
			{"id": "provision", "type": "identity.provision", "name": "Provision"},
			{"id": "welcome", "type": "email.send", "name": "Welcome"}
		],
		"edges": [
			{"id": "e1", "fromNodeId": "provision", "toNodeId": "welcome"}
		]
	}
}`

func TestHealth(t *testing.T) {
	e, _, _ := newTestRouter(t)
	rec := do(e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}

func TestCreateAndGetWorkflow(t *testing.T) {
	e, _, _ := newTestRouter(t)

	rec := do(e, http.MethodPost, "/api/v1/workflows", validWorkflow)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodGet, "/api/v1/workflows/wf-api", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["id"] != "wf-api" {
		t.Fatalf("workflow id = %v", body["id"])
	}

	rec = do(e, http.MethodGet, "/api/v1/workflows/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing workflow = %d", rec.Code)
	}
}

func TestCreateWorkflowRejectsInvalidGraph(t *testing.T) {
	e, _, _ := newTestRouter(t)

	cyclic := `{
		"id": "wf-cycle", "orgId": "org-1", "name": "Cycle", "trigger": "employee.onboard",
		"version": 1, "isActive": true,
		"dag": {
			"nodes": [
				{"id": "a", "type": "email.send", "name": "A"},
				{"id": "b", "type": "email.send", "name": "B"}
			],
			"edges": [
				{"id": "e1", "fromNodeId": "a", "toNodeId": "b"},
				{"id": "e2", "fromNodeId": "b", "toNodeId": "a"}
			]
		}
	}`
	rec := do(e, http.MethodPost, "/api/v1/workflows", cyclic)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("cyclic create = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["error"] != "INVALID_WORKFLOW" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	e, _, _ := newTestRouter(t)

	if rec := do(e, http.MethodPost, "/api/v1/workflows", validWorkflow); rec.Code != http.StatusCreated {
		t.Fatalf("create workflow = %d", rec.Code)
	}

	start := `{"workflowId":"wf-api","organizationId":"org-1","employeeId":"emp-1","eventType":"employee.onboard","eventPayload":{"department":"sales"}}`
	rec := do(e, http.MethodPost, "/api/v1/runs", start)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start run = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	runID, _ := body["runId"].(string)
	if runID == "" {
		t.Fatalf("no runId in %v", body)
	}
	if body["status"] != "RUNNING" {
		t.Fatalf("status = %v", body["status"])
	}

	rec = do(e, http.MethodGet, "/api/v1/runs/"+runID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get run = %d", rec.Code)
	}
	body = decodeBody(t, rec)
	if _, ok := body["nodes"]; !ok {
		t.Fatalf("run view has no nodes: %v", body)
	}

	rec = do(e, http.MethodPost, "/api/v1/runs/"+runID+"/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause = %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["status"] != "PAUSED" {
		t.Fatal("pause did not report PAUSED")
	}

	rec = do(e, http.MethodPost, "/api/v1/runs/"+runID+"/resume", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume = %d", rec.Code)
	}

	rec = do(e, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel = %d", rec.Code)
	}
	if decodeBody(t, rec)["status"] != "CANCELLED" {
		t.Fatal("cancel did not report CANCELLED")
	}

	// Cancelling again is an invalid transition.
	rec = do(e, http.MethodPost, "/api/v1/runs/"+runID+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("double cancel = %d", rec.Code)
	}

	rec = do(e, http.MethodPost, "/api/v1/runs/nope/pause", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("pause missing run = %d", rec.Code)
	}
}

func TestStartRunRejectsUnknownWorkflow(t *testing.T) {
	e, _, _ := newTestRouter(t)
	rec := do(e, http.MethodPost, "/api/v1/runs", `{"workflowId":"nope","organizationId":"org-1","employeeId":"emp-1"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown workflow = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListEmployeeRuns(t *testing.T) {
	e, _, hist := newTestRouter(t)
	ctx := context.Background()

	now := time.Date(2026, 4, 5, 8, 0, 0, 0, time.UTC)
	for _, runID := range []string{"run-1", "run-2"} {
		rec := history.FromWorkflowState(&state.WorkflowState{
			RunID:          runID,
			WorkflowID:     "wf-api",
			OrgID:          "org-1",
			EmployeeID:     "emp-1",
			Status:         state.WorkflowCompleted,
			CurrentNodes:   state.NewStringSet(),
			CompletedNodes: state.NewStringSet("provision", "welcome"),
			FailedNodes:    state.NewStringSet(),
			SkippedNodes:   state.NewStringSet(),
			StartedAt:      now,
			LastUpdatedAt:  now.Add(time.Minute),
		})
		if err := hist.Upsert(ctx, rec); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	rec := do(e, http.MethodGet, "/api/v1/employees/emp-1/runs?organizationId=org-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	runs, _ := body["runs"].([]interface{})
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}

	rec = do(e, http.MethodGet, "/api/v1/employees/emp-1/runs", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing org = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e, _, _ := newTestRouter(t)
	rec := do(e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
	var snap map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if _, ok := snap["workflows_started"]; !ok {
		t.Fatalf("snapshot keys = %v", snap)
	}
}
