package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/clock"
)

// Logger is the minimal logging surface the manager needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts configures a Manager
type Opts struct {
	Store  *state.Store
	Logger Logger
	Clock  clock.Clock
	// Rand overrides the jitter source in tests
	Rand func() float64
}

// Manager owns the retry decision and the schedule it feeds
type Manager struct {
	store  *state.Store
	logger Logger
	clock  clock.Clock
	rand   func() float64
}

// NewManager builds a Manager
func NewManager(opts Opts) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Manager{
		store:  opts.Store,
		logger: opts.Logger,
		clock:  opts.Clock,
		rand:   opts.Rand,
	}
}

// ShouldRetry reports whether the node gets another attempt: budget left
// and a transient error. Attempt counting is 1-based.
func (m *Manager) ShouldRetry(node *dag.Node, attempt int, errDetails *state.ErrorDetails) bool {
	policy := PolicyFor(node)
	return attempt < policy.MaxRetries && IsRetryable(errDetails)
}

// Delay computes the backoff before the next attempt: exponential growth
// capped at maxBackoffMs, optionally with uniform ±10% jitter.
func (m *Manager) Delay(node *dag.Node, attempt int) time.Duration {
	policy := PolicyFor(node)

	base := float64(policy.BackoffMS) * math.Pow(policy.Multiplier, float64(attempt-1))
	delay := math.Min(base, float64(policy.MaxBackoffMS))

	if policy.Jitter != nil && *policy.Jitter {
		noise := (m.rand()*2 - 1) * 0.1 * delay
		delay = math.Max(0, delay+noise)
	}
	return time.Duration(math.Round(delay)) * time.Millisecond
}

// Schedule transitions the node FAILED -> RETRYING, stamps nextRetryAt and
// inserts the pair into the retry schedule. Returns the due time.
func (m *Manager) Schedule(ctx context.Context, ns *state.NodeState, node *dag.Node) (time.Time, error) {
	now := m.clock.Now()
	retryAt := now.Add(m.Delay(node, ns.Attempt))

	if err := state.TransitionNode(ns, state.TriggerRetry, now); err != nil {
		return time.Time{}, fmt.Errorf("mark node retrying: %w", err)
	}
	ns.NextRetryAt = &retryAt

	if err := m.store.PutNodeState(ctx, ns); err != nil {
		return time.Time{}, err
	}
	if err := m.store.ScheduleRetry(ctx, ns.RunID, ns.NodeID, retryAt); err != nil {
		return time.Time{}, err
	}

	m.logger.Info("node retry scheduled",
		"run_id", ns.RunID,
		"node_id", ns.NodeID,
		"attempt", ns.Attempt,
		"retry_at", retryAt,
	)
	return retryAt, nil
}
