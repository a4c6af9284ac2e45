package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/dispatch"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/cmd/webhook-worker/urlcheck"
	"github.com/officeflow/engine/common/bus"
	"github.com/officeflow/engine/common/clients"
	"github.com/officeflow/engine/common/clock"
)

// TopicWebhookExecute is the request topic this worker consumes
const TopicWebhookExecute = "webhook.execute"

// maxResponseBytes bounds how much of a webhook response is kept as output
const maxResponseBytes = 64 * 1024

// defaultTimeout applies when a request carries no timeout
const defaultTimeout = 30 * time.Second

// Logger is the minimal logging surface the executor needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// URLChecker vets webhook targets before they are called
type URLChecker interface {
	Validate(rawURL string) error
}

// Executor runs webhook.call nodes: it consumes execution requests,
// performs the outbound HTTP call, and reports a result the engine can act
// on. Retryability is encoded in the error details, not decided here.
type Executor struct {
	bus    bus.Bus
	http   *clients.HTTPClient
	check  URLChecker
	logger Logger
	clock  clock.Clock
}

// ExecutorOpts wires an Executor
type ExecutorOpts struct {
	Bus    bus.Bus
	HTTP   *clients.HTTPClient
	Check  URLChecker
	Logger Logger
	Clock  clock.Clock
}

// NewExecutor builds an Executor
func NewExecutor(opts ExecutorOpts) *Executor {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Check == nil {
		opts.Check = urlcheck.New()
	}
	return &Executor{
		bus:    opts.Bus,
		http:   opts.HTTP,
		check:  opts.Check,
		logger: opts.Logger,
		clock:  opts.Clock,
	}
}

// Start subscribes the executor to its request topic
func (e *Executor) Start(ctx context.Context) error {
	return e.bus.Subscribe(ctx, TopicWebhookExecute, e.HandleMessage)
}

// HandleMessage processes one execution request. Malformed messages are
// dropped; publish failures bubble up for redelivery.
func (e *Executor) HandleMessage(ctx context.Context, msg *bus.Message) error {
	var env dispatch.Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		e.logger.Warn("dropping malformed envelope", "topic", msg.Topic, "error", err)
		return nil
	}
	if env.Type != dispatch.TypeExecuteRequest {
		return nil
	}
	var req dispatch.ExecutionRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		e.logger.Warn("dropping malformed execution request", "topic", msg.Topic, "error", err)
		return nil
	}
	if req.NodeType != dag.NodeTypeWebhookCall {
		e.logger.Warn("unexpected node type on webhook topic",
			"node_type", req.NodeType, "run_id", req.RunID, "node_id", req.NodeID)
		return nil
	}

	result := e.execute(ctx, &req)
	return e.publishResult(ctx, &req, result)
}

func (e *Executor) execute(ctx context.Context, req *dispatch.ExecutionRequest) *dispatch.ExecutionResult {
	started := e.clock.Now()

	output, errDetails := e.call(ctx, req)

	result := &dispatch.ExecutionResult{
		RunID:  req.RunID,
		NodeID: req.NodeID,
		Metadata: dispatch.ResultMetadata{
			ExecutionTimeMS: e.clock.Now().Sub(started).Milliseconds(),
			Attempt:         req.RetryAttempt,
			Timestamp:       e.clock.Now(),
		},
	}
	switch {
	case errDetails == nil:
		result.Status = dispatch.ResultSuccess
		result.Output = output
	default:
		result.Status = dispatch.ResultFailed
		result.Error = errDetails
	}
	return result
}

// call performs the HTTP request described by the node input
func (e *Executor) call(ctx context.Context, req *dispatch.ExecutionRequest) (map[string]interface{}, *state.ErrorDetails) {
	rawURL, _ := req.Input["url"].(string)
	if rawURL == "" {
		return nil, &state.ErrorDetails{
			Code:    "MISSING_REQUIRED_PARAMETER",
			Message: "webhook.call requires a url parameter",
			Service: "webhook",
		}
	}
	if err := e.check.Validate(rawURL); err != nil {
		return nil, &state.ErrorDetails{
			Code:    "VALIDATION_ERROR",
			Message: fmt.Sprintf("webhook url rejected: %v", err),
			Service: "webhook",
		}
	}

	method := "POST"
	if m, ok := req.Input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if raw, ok := req.Input["headers"].(map[string]interface{}); ok {
		for name, v := range raw {
			if s, ok := v.(string); ok {
				headers[name] = s
			}
		}
	}

	var body io.Reader
	if payload, ok := req.Input["payload"]; ok {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &state.ErrorDetails{
				Code:    "VALIDATION_ERROR",
				Message: fmt.Sprintf("webhook payload not serializable: %v", err),
				Service: "webhook",
			}
		}
		body = bytes.NewReader(encoded)
	}

	timeout := defaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	callCtx = clients.WithOrgID(callCtx, req.OrgID)
	callCtx = clients.WithRunID(callCtx, req.RunID)
	callCtx = clients.WithIdempotencyKey(callCtx, req.IdempotencyKey)

	resp, err := e.http.Do(callCtx, method, rawURL, headers, body)
	if err != nil {
		return nil, &state.ErrorDetails{
			Code:    "EXTERNAL_SERVICE_ERROR",
			Message: fmt.Sprintf("webhook call failed: %v", err),
			Service: "webhook",
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &state.ErrorDetails{
			Code:       "EXTERNAL_SERVICE_ERROR",
			Message:    fmt.Sprintf("reading webhook response: %v", err),
			StatusCode: resp.StatusCode,
			Service:    "webhook",
		}
	}

	if resp.StatusCode >= 400 {
		code := "WEBHOOK_REJECTED"
		if resp.StatusCode >= 500 || resp.StatusCode == 408 || resp.StatusCode == 429 {
			code = "EXTERNAL_SERVICE_ERROR"
		}
		return nil, &state.ErrorDetails{
			Code:       code,
			Message:    fmt.Sprintf("webhook returned %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
			Service:    "webhook",
		}
	}

	output := map[string]interface{}{
		"statusCode": resp.StatusCode,
	}
	var parsed interface{}
	if json.Unmarshal(raw, &parsed) == nil {
		output["body"] = parsed
	} else if len(raw) > 0 {
		output["body"] = string(raw)
	}
	return output, nil
}

func (e *Executor) publishResult(ctx context.Context, req *dispatch.ExecutionRequest, result *dispatch.ExecutionResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result for %s/%s: %w", req.RunID, req.NodeID, err)
	}
	envelope, err := json.Marshal(dispatch.Envelope{
		Type:    "node.execute.result",
		Payload: payload,
		Metadata: dispatch.Metadata{
			OrganizationID: req.OrgID,
			EmployeeID:     req.EmployeeID,
			Source:         "webhook-worker",
			Version:        "1.0",
		},
	})
	if err != nil {
		return err
	}
	e.logger.Info("webhook result",
		"run_id", req.RunID,
		"node_id", req.NodeID,
		"status", result.Status,
		"duration_ms", result.Metadata.ExecutionTimeMS,
	)
	return e.bus.Publish(ctx, dispatch.TopicResult, req.OrgID, envelope)
}
