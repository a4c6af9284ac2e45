package state

import (
	"encoding/json"
	"sort"
	"time"
)

// WorkflowStatus is the lifecycle status of a run
type WorkflowStatus string

const (
	WorkflowPending      WorkflowStatus = "PENDING"
	WorkflowRunning      WorkflowStatus = "RUNNING"
	WorkflowPaused       WorkflowStatus = "PAUSED"
	WorkflowCompleted    WorkflowStatus = "COMPLETED"
	WorkflowFailed       WorkflowStatus = "FAILED"
	WorkflowCancelled    WorkflowStatus = "CANCELLED"
	WorkflowTimeout      WorkflowStatus = "TIMEOUT"
	WorkflowCompensating WorkflowStatus = "COMPENSATING"
)

// Terminal reports whether a workflow status admits no further transitions.
// FAILED is not terminal in the strict sense: compensation re-enters it.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowCancelled, WorkflowTimeout:
		return true
	}
	return false
}

// NodeStatus is the lifecycle status of one node within a run
type NodeStatus string

const (
	NodeQueued    NodeStatus = "QUEUED"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeRetrying  NodeStatus = "RETRYING"
	NodeSkipped   NodeStatus = "SKIPPED"
	NodeCancelled NodeStatus = "CANCELLED"
	NodeTimeout   NodeStatus = "TIMEOUT"
)

// Terminal reports whether a node status admits no further transitions.
// FAILED can still move to RETRYING, so it is not terminal here; callers
// that need "done for good" check Terminal() after the retry decision.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeSkipped, NodeCancelled, NodeTimeout:
		return true
	}
	return false
}

// StringSet is a set of node ids serialized as a sorted JSON array
type StringSet map[string]struct{}

// NewStringSet builds a set from members
func NewStringSet(members ...string) StringSet {
	s := make(StringSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// Add inserts a member
func (s StringSet) Add(member string) {
	s[member] = struct{}{}
}

// Remove deletes a member
func (s StringSet) Remove(member string) {
	delete(s, member)
}

// Has reports membership
func (s StringSet) Has(member string) bool {
	_, ok := s[member]
	return ok
}

// Members returns the sorted member list
func (s StringSet) Members() []string {
	members := make([]string, 0, len(s))
	for m := range s {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}

// AsMap returns a bool-map view for graph computations
func (s StringSet) AsMap() map[string]bool {
	m := make(map[string]bool, len(s))
	for k := range s {
		m[k] = true
	}
	return m
}

// MarshalJSON serializes the set as a sorted array
func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Members())
}

// UnmarshalJSON rehydrates an array into a set
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	*s = NewStringSet(members...)
	return nil
}

// ErrorDetails carries the cause of a node or run failure
type ErrorDetails struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
	Service    string `json:"service,omitempty"`
}

func (e *ErrorDetails) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// WorkflowState is the authoritative per-run record. The four node id sets
// are pairwise disjoint; every member of CurrentNodes has a live node state.
type WorkflowState struct {
	RunID          string                 `json:"runId"`
	WorkflowID     string                 `json:"workflowId"`
	OrgID          string                 `json:"orgId"`
	EmployeeID     string                 `json:"employeeId"`
	Status         WorkflowStatus         `json:"status"`
	CurrentNodes   StringSet              `json:"currentNodes"`
	CompletedNodes StringSet              `json:"completedNodes"`
	FailedNodes    StringSet              `json:"failedNodes"`
	SkippedNodes   StringSet              `json:"skippedNodes"`
	Context        map[string]interface{} `json:"context"`
	StartedAt      time.Time              `json:"startedAt"`
	LastUpdatedAt  time.Time              `json:"lastUpdatedAt"`
	ErrorDetails   *ErrorDetails          `json:"errorDetails,omitempty"`
}

// NodeState is the authoritative per-(run, node) record
type NodeState struct {
	RunID        string                 `json:"runId"`
	NodeID       string                 `json:"nodeId"`
	Status       NodeStatus             `json:"status"`
	Attempt      int                    `json:"attempt"`
	Input        map[string]interface{} `json:"input,omitempty"`
	Output       map[string]interface{} `json:"output,omitempty"`
	ErrorDetails *ErrorDetails          `json:"errorDetails,omitempty"`
	StartedAt    *time.Time             `json:"startedAt,omitempty"`
	EndedAt      *time.Time             `json:"endedAt,omitempty"`
	NextRetryAt  *time.Time             `json:"nextRetryAt,omitempty"`
}

// RetryEntry is one due member popped from the retry schedule
type RetryEntry struct {
	RunID  string
	NodeID string
	DueAt  time.Time
}

// BreakerState is the shared circuit breaker record for one external service
type BreakerState struct {
	State         string     `json:"state"`
	FailureCount  int64      `json:"failureCount"`
	SuccessCount  int64      `json:"successCount"`
	TotalRequests int64      `json:"totalRequests"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
}
