package retry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/clock"
	"github.com/officeflow/engine/common/redis"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

func noJitter(node *dag.Node) *dag.Node {
	f := false
	if node.RetryPolicy == nil {
		node.RetryPolicy = &dag.RetryPolicy{}
	}
	node.RetryPolicy.Jitter = &f
	return node
}

func TestDelayGrowsExponentially(t *testing.T) {
	m := NewManager(Opts{Logger: nopLogger{}})

	f := false
	node := &dag.Node{
		ID:   "n1",
		Type: dag.NodeTypeIdentityProvision,
		RetryPolicy: &dag.RetryPolicy{
			MaxRetries:   5,
			BackoffMS:    2_000,
			Multiplier:   2,
			MaxBackoffMS: 60_000,
			Jitter:       &f,
		},
	}

	if d := m.Delay(node, 1); d != 2*time.Second {
		t.Errorf("attempt 1 delay = %v, want 2s", d)
	}
	if d := m.Delay(node, 2); d != 4*time.Second {
		t.Errorf("attempt 2 delay = %v, want 4s", d)
	}
	if d := m.Delay(node, 10); d != 60*time.Second {
		t.Errorf("attempt 10 delay = %v, want capped 60s", d)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	cases := []struct {
		rand float64
		want time.Duration
	}{
		{0.0, 900 * time.Millisecond},  // full negative jitter
		{0.5, 1000 * time.Millisecond}, // midpoint, no noise
		{1.0, 1100 * time.Millisecond}, // full positive jitter
	}
	for _, tc := range cases {
		m := NewManager(Opts{Logger: nopLogger{}, Rand: func() float64 { return tc.rand }})
		node := &dag.Node{ID: "n1", Type: dag.NodeTypeSlackMessage}
		if d := m.Delay(node, 1); d != tc.want {
			t.Errorf("rand=%v: delay = %v, want %v", tc.rand, d, tc.want)
		}
	}
}

func TestPolicyForLayering(t *testing.T) {
	// Bare node of a known type picks up the type override
	p := PolicyFor(&dag.Node{ID: "n1", Type: dag.NodeTypeWebhookCall})
	if p.MaxRetries != 3 || p.BackoffMS != 500 || p.MaxBackoffMS != 15_000 {
		t.Errorf("webhook policy = %+v", p)
	}
	if p.Multiplier != 2 || p.Jitter == nil || !*p.Jitter {
		t.Errorf("globals not inherited: %+v", p)
	}

	// Unknown-to-the-table type falls back to the global default
	p = PolicyFor(&dag.Node{ID: "n2", Type: dag.NodeTypeSlackMessage})
	if p.MaxRetries != 3 || p.BackoffMS != 1_000 || p.MaxBackoffMS != 300_000 {
		t.Errorf("default policy = %+v", p)
	}

	// Node-level policy wins over both
	p = PolicyFor(&dag.Node{
		ID:          "n3",
		Type:        dag.NodeTypeIdentityProvision,
		RetryPolicy: &dag.RetryPolicy{MaxRetries: 1, BackoffMS: 9_000},
	})
	if p.MaxRetries != 1 || p.BackoffMS != 9_000 {
		t.Errorf("node policy not applied: %+v", p)
	}
	if p.MaxBackoffMS != 60_000 {
		t.Errorf("unset node field should keep type override: %+v", p)
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := []*state.ErrorDetails{
		{Message: "connect ETIMEDOUT 10.0.0.1:443"},
		{Message: "Socket Hang Up"},
		{Message: "upstream returned Bad Gateway"},
		{Message: "boom", StatusCode: 503},
		{Message: "slow down", StatusCode: 429},
		{Message: "db write failed", Code: "DATABASE_ERROR"},
		{Message: "throttled", Code: "RATE_LIMIT_EXCEEDED"},
	}
	for _, e := range retryable {
		if !IsRetryable(e) {
			t.Errorf("expected retryable: %+v", e)
		}
	}

	permanent := []*state.ErrorDetails{
		nil,
		{Message: "invalid email address", Code: "VALIDATION_ERROR"},
		{Message: "no such employee", StatusCode: 404},
		{Message: "forbidden", StatusCode: 403, Code: "FORBIDDEN"},
	}
	for _, e := range permanent {
		if IsRetryable(e) {
			t.Errorf("expected non-retryable: %+v", e)
		}
	}
}

func TestShouldRetryBudget(t *testing.T) {
	m := NewManager(Opts{Logger: nopLogger{}})
	node := noJitter(&dag.Node{ID: "n1", Type: dag.NodeTypeEmailSend, RetryPolicy: &dag.RetryPolicy{MaxRetries: 2, BackoffMS: 1000}})
	transient := &state.ErrorDetails{Message: "service unavailable"}

	if !m.ShouldRetry(node, 1, transient) {
		t.Error("attempt 1 of 2 should retry")
	}
	if m.ShouldRetry(node, 2, transient) {
		t.Error("attempt 2 of 2 should not retry")
	}
	if m.ShouldRetry(node, 1, &state.ErrorDetails{Message: "bad payload", Code: "INVALID_INPUT"}) {
		t.Error("permanent error should not retry")
	}
}

func TestScheduleWritesStateAndSchedule(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nopLogger{})
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := state.NewStore(state.StoreOpts{Redis: client, Logger: nopLogger{}, Clock: clk, Namespace: "test:"})
	m := NewManager(Opts{Store: store, Logger: nopLogger{}, Clock: clk})

	node := noJitter(&dag.Node{ID: "a", Type: dag.NodeTypeIdentityProvision, RetryPolicy: &dag.RetryPolicy{MaxRetries: 5, BackoffMS: 2_000, Multiplier: 2, MaxBackoffMS: 60_000}})
	ns := &state.NodeState{RunID: "run-1", NodeID: "a", Status: state.NodeFailed, Attempt: 1}

	retryAt, err := m.Schedule(context.Background(), ns, node)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if want := clk.Now().Add(2 * time.Second); !retryAt.Equal(want) {
		t.Errorf("retryAt = %v, want %v", retryAt, want)
	}
	if ns.Status != state.NodeRetrying || ns.NextRetryAt == nil {
		t.Errorf("node not marked RETRYING: %+v", ns)
	}

	stored, err := store.GetNodeState(context.Background(), "run-1", "a")
	if err != nil || stored == nil {
		t.Fatalf("stored node state: %v %v", stored, err)
	}
	if stored.Status != state.NodeRetrying {
		t.Errorf("stored status = %s", stored.Status)
	}

	clk.Advance(3 * time.Second)
	due, err := store.GetNodesReadyForRetry(context.Background(), 50)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %v, err = %v", due, err)
	}
	if due[0].RunID != "run-1" || due[0].NodeID != "a" {
		t.Errorf("wrong due entry: %+v", due[0])
	}
}
