package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/dispatch"
	"github.com/officeflow/engine/cmd/webhook-worker/urlcheck"
	"github.com/officeflow/engine/common/bus"
	"github.com/officeflow/engine/common/clients"
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

func (b *recordingBus) lastResult(t *testing.T) *dispatch.ExecutionResult {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		t.Fatal("no result published")
	}
	last := b.messages[len(b.messages)-1]
	if last.Topic != dispatch.TopicResult {
		t.Fatalf("result published to %s", last.Topic)
	}
	result, err := dispatch.DecodeResult(last.Payload)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return result
}

// openChecker lets httptest's loopback listeners through; the real checker
// rejects loopback targets
type openChecker struct{}

func (openChecker) Validate(string) error { return nil }

func newExecutor(rb *recordingBus, check URLChecker) *Executor {
	return NewExecutor(ExecutorOpts{
		Bus:    rb,
		HTTP:   clients.NewHTTPClient(nil, nopLogger{}),
		Check:  check,
		Logger: nopLogger{},
	})
}

func requestMessage(t *testing.T, req dispatch.ExecutionRequest) *bus.Message {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	envelope, err := json.Marshal(dispatch.Envelope{
		Type:    dispatch.TypeExecuteRequest,
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return &bus.Message{Topic: TopicWebhookExecute, Key: req.OrgID, Payload: envelope}
}

func TestWebhookCallSucceeds(t *testing.T) {
	var gotHeaders http.Header
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"received": true}`))
	}))
	defer srv.Close()

	rb := &recordingBus{}
	e := newExecutor(rb, openChecker{})

	err := e.HandleMessage(context.Background(), requestMessage(t, dispatch.ExecutionRequest{
		RunID:          "run-1",
		NodeID:         "notify",
		OrgID:          "org-1",
		NodeType:       dag.NodeTypeWebhookCall,
		IdempotencyKey: "run-1:notify:1",
		RetryAttempt:   1,
		Input: map[string]interface{}{
			"url":     srv.URL + "/hook",
			"payload": map[string]interface{}{"event": "employee.onboard"},
		},
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	result := rb.lastResult(t)
	if result.Status != dispatch.ResultSuccess {
		t.Fatalf("status = %s, error = %v", result.Status, result.Error)
	}
	if code, _ := result.Output["statusCode"].(float64); int(code) != 200 {
		t.Fatalf("statusCode = %v", result.Output["statusCode"])
	}
	body, _ := result.Output["body"].(map[string]interface{})
	if body["received"] != true {
		t.Fatalf("body = %v", result.Output["body"])
	}

	if gotHeaders.Get("X-Organization-ID") != "org-1" {
		t.Fatalf("X-Organization-ID = %q", gotHeaders.Get("X-Organization-ID"))
	}
	if gotHeaders.Get("X-Idempotency-Key") != "run-1:notify:1" {
		t.Fatalf("X-Idempotency-Key = %q", gotHeaders.Get("X-Idempotency-Key"))
	}
	if gotBody["event"] != "employee.onboard" {
		t.Fatalf("forwarded payload = %v", gotBody)
	}
}

func TestWebhookServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rb := &recordingBus{}
	e := newExecutor(rb, openChecker{})

	err := e.HandleMessage(context.Background(), requestMessage(t, dispatch.ExecutionRequest{
		RunID:    "run-2",
		NodeID:   "notify",
		OrgID:    "org-1",
		NodeType: dag.NodeTypeWebhookCall,
		Input:    map[string]interface{}{"url": srv.URL},
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	result := rb.lastResult(t)
	if result.Status != dispatch.ResultFailed {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Error.Code != "EXTERNAL_SERVICE_ERROR" || result.Error.StatusCode != 503 {
		t.Fatalf("error = %+v", result.Error)
	}
}

func TestWebhookClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	rb := &recordingBus{}
	e := newExecutor(rb, openChecker{})

	err := e.HandleMessage(context.Background(), requestMessage(t, dispatch.ExecutionRequest{
		RunID:    "run-3",
		NodeID:   "notify",
		OrgID:    "org-1",
		NodeType: dag.NodeTypeWebhookCall,
		Input:    map[string]interface{}{"url": srv.URL},
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	result := rb.lastResult(t)
	if result.Error == nil || result.Error.Code != "WEBHOOK_REJECTED" {
		t.Fatalf("error = %+v", result.Error)
	}
}

func TestWebhookBlockedURLFailsValidation(t *testing.T) {
	rb := &recordingBus{}
	e := newExecutor(rb, urlcheck.New())

	err := e.HandleMessage(context.Background(), requestMessage(t, dispatch.ExecutionRequest{
		RunID:    "run-4",
		NodeID:   "notify",
		OrgID:    "org-1",
		NodeType: dag.NodeTypeWebhookCall,
		Input:    map[string]interface{}{"url": "http://169.254.169.254/latest/meta-data/"},
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	result := rb.lastResult(t)
	if result.Error == nil || result.Error.Code != "VALIDATION_ERROR" {
		t.Fatalf("error = %+v", result.Error)
	}
}

func TestWebhookMissingURL(t *testing.T) {
	rb := &recordingBus{}
	e := newExecutor(rb, openChecker{})

	err := e.HandleMessage(context.Background(), requestMessage(t, dispatch.ExecutionRequest{
		RunID:    "run-5",
		NodeID:   "notify",
		OrgID:    "org-1",
		NodeType: dag.NodeTypeWebhookCall,
		Input:    map[string]interface{}{},
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	result := rb.lastResult(t)
	if result.Error == nil || result.Error.Code != "MISSING_REQUIRED_PARAMETER" {
		t.Fatalf("error = %+v", result.Error)
	}
}

func TestMalformedAndForeignMessagesAreDropped(t *testing.T) {
	rb := &recordingBus{}
	e := newExecutor(rb, openChecker{})
	ctx := context.Background()

	if err := e.HandleMessage(ctx, &bus.Message{Payload: []byte("{not json")}); err != nil {
		t.Fatalf("malformed payload should be dropped: %v", err)
	}

	// Wrong node type on the topic is dropped, not failed.
	if err := e.HandleMessage(ctx, requestMessage(t, dispatch.ExecutionRequest{
		RunID:    "run-6",
		NodeID:   "send",
		OrgID:    "org-1",
		NodeType: dag.NodeTypeEmailSend,
		Input:    map[string]interface{}{},
	})); err != nil {
		t.Fatalf("foreign node type should be dropped: %v", err)
	}

	if len(rb.messages) != 0 {
		t.Fatalf("unexpected publishes: %d", len(rb.messages))
	}
}
