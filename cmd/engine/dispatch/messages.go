package dispatch

import (
	"encoding/json"
	"time"

	"github.com/officeflow/engine/cmd/engine/state"
)

// Envelope is the outer message shape on every dispatcher-owned topic
type Envelope struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Metadata Metadata        `json:"metadata"`
}

// Metadata rides on every outbound message
type Metadata struct {
	CorrelationID  string `json:"correlationId"`
	OrganizationID string `json:"organizationId"`
	EmployeeID     string `json:"employeeId,omitempty"`
	Source         string `json:"source"`
	Version        string `json:"version"`
}

// ExecutionRequest asks a worker to run one node attempt
type ExecutionRequest struct {
	RunID          string                 `json:"runId"`
	NodeID         string                 `json:"nodeId"`
	OrgID          string                 `json:"orgId"`
	EmployeeID     string                 `json:"employeeId"`
	NodeType       string                 `json:"nodeType"`
	Input          map[string]interface{} `json:"input"`
	Context        map[string]interface{} `json:"context"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	RetryAttempt   int                    `json:"retryAttempt"`
	TimeoutMS      int64                  `json:"timeoutMs"`
}

// Result statuses reported by executors
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultRetry   = "retry"
)

// ResultMetadata describes one executed attempt
type ResultMetadata struct {
	ExecutionTimeMS int64     `json:"executionTimeMs"`
	Attempt         int       `json:"attempt"`
	Timestamp       time.Time `json:"timestamp"`
}

// ExecutionResult is what executors publish on the result topic
type ExecutionResult struct {
	RunID    string                 `json:"runId"`
	NodeID   string                 `json:"nodeId"`
	Status   string                 `json:"status"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Error    *state.ErrorDetails    `json:"error,omitempty"`
	Metadata ResultMetadata         `json:"metadata"`
}

// CancelMessage is the best-effort cancellation signal to executors
type CancelMessage struct {
	RunID  string `json:"runId"`
	NodeID string `json:"nodeId"`
	Reason string `json:"reason"`
}

// DecodeResult parses an execution result from a bus payload. The payload
// may be a bare result or wrapped in an Envelope.
func DecodeResult(payload []byte) (*ExecutionResult, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err == nil && len(env.Payload) > 0 {
		payload = env.Payload
	}
	var result ExecutionResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
