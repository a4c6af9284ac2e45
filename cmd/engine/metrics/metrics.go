// Package metrics keeps engine counters for the admin surface.
package metrics

import "sync/atomic"

// Metrics is the engine's counter set. Counters only ever go up;
// ActiveWorkflows is a gauge bounded by maxConcurrentWorkflows.
type Metrics struct {
	WorkflowsStarted   atomic.Int64
	WorkflowsCompleted atomic.Int64
	WorkflowsFailed    atomic.Int64
	WorkflowsCancelled atomic.Int64
	NodesDispatched    atomic.Int64
	NodesCompleted     atomic.Int64
	NodesFailed        atomic.Int64
	NodesSkipped       atomic.Int64
	RetriesScheduled   atomic.Int64
	CompensationsRun   atomic.Int64
	ActiveWorkflows    atomic.Int64
}

// New creates a zeroed Metrics
func New() *Metrics {
	return &Metrics{}
}

// Snapshot returns a point-in-time view of every counter
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"workflows_started":   m.WorkflowsStarted.Load(),
		"workflows_completed": m.WorkflowsCompleted.Load(),
		"workflows_failed":    m.WorkflowsFailed.Load(),
		"workflows_cancelled": m.WorkflowsCancelled.Load(),
		"nodes_dispatched":    m.NodesDispatched.Load(),
		"nodes_completed":     m.NodesCompleted.Load(),
		"nodes_failed":        m.NodesFailed.Load(),
		"nodes_skipped":       m.NodesSkipped.Load(),
		"retries_scheduled":   m.RetriesScheduled.Load(),
		"compensations_run":   m.CompensationsRun.Load(),
		"active_workflows":    m.ActiveWorkflows.Load(),
	}
}
