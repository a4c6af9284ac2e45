// Package history keeps the durable record of runs. Redis run state expires
// with its TTL; every status change is mirrored here so audits and employee
// timelines survive.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/officeflow/engine/cmd/engine/state"
)

// ErrNotFound marks an unknown run id
var ErrNotFound = errors.New("run record not found")

// Record is one run's durable summary
type Record struct {
	RunID          string     `json:"runId"`
	WorkflowID     string     `json:"workflowId"`
	OrgID          string     `json:"organizationId"`
	EmployeeID     string     `json:"employeeId"`
	Status         string     `json:"status"`
	ErrorCode      string     `json:"errorCode,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	CompletedNodes int        `json:"completedNodes"`
	FailedNodes    int        `json:"failedNodes"`
	SkippedNodes   int        `json:"skippedNodes"`
	StartedAt      time.Time  `json:"startedAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Repository is the run history storage contract
type Repository interface {
	Upsert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, runID string) (*Record, error)
	ListByEmployee(ctx context.Context, orgID, employeeID string, limit int) ([]*Record, error)
}

// FromWorkflowState summarizes a run state into its history record
func FromWorkflowState(ws *state.WorkflowState) *Record {
	rec := &Record{
		RunID:          ws.RunID,
		WorkflowID:     ws.WorkflowID,
		OrgID:          ws.OrgID,
		EmployeeID:     ws.EmployeeID,
		Status:         string(ws.Status),
		CompletedNodes: len(ws.CompletedNodes),
		FailedNodes:    len(ws.FailedNodes),
		SkippedNodes:   len(ws.SkippedNodes),
		StartedAt:      ws.StartedAt,
		UpdatedAt:      ws.LastUpdatedAt,
	}
	if ws.ErrorDetails != nil {
		rec.ErrorCode = ws.ErrorDetails.Code
		rec.ErrorMessage = ws.ErrorDetails.Message
	}
	if ws.Status.Terminal() || ws.Status == state.WorkflowFailed {
		finished := ws.LastUpdatedAt
		rec.FinishedAt = &finished
	}
	return rec
}

// Memory is an in-process Repository for tests and single-node development
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

// Upsert stores or replaces a record
func (m *Memory) Upsert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *rec
	m.records[rec.RunID] = &clone
	return nil
}

// Get returns a record by run id
func (m *Memory) Get(_ context.Context, runID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[runID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

// ListByEmployee returns an employee's runs, newest first
func (m *Memory) ListByEmployee(_ context.Context, orgID, employeeID string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, rec := range m.records {
		if rec.OrgID == orgID && rec.EmployeeID == employeeID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
