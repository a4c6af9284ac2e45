package metrics

import "testing"

func TestSnapshot(t *testing.T) {
	m := New()
	m.WorkflowsStarted.Add(3)
	m.WorkflowsCompleted.Add(2)
	m.NodesDispatched.Add(9)
	m.ActiveWorkflows.Add(1)

	snap := m.Snapshot()
	if len(snap) != 11 {
		t.Fatalf("snapshot has %d counters, want 11", len(snap))
	}
	for key, want := range map[string]int64{
		"workflows_started":   3,
		"workflows_completed": 2,
		"nodes_dispatched":    9,
		"active_workflows":    1,
		"workflows_failed":    0,
	} {
		if snap[key] != want {
			t.Errorf("%s = %d, want %d", key, snap[key], want)
		}
	}

	m.ActiveWorkflows.Add(-1)
	if snap["active_workflows"] != 1 {
		t.Error("snapshot mutated after the fact")
	}
	if got := m.Snapshot()["active_workflows"]; got != 0 {
		t.Errorf("active_workflows = %d, want 0 after decrement", got)
	}
}
