// Package breaker implements per-service circuit breaking shared across
// engine instances through the state store.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/clock"
)

// Breaker states
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

// serviceByNodeType maps executable node types to the external service they
// call. Inline control-flow types have no service and bypass the breaker.
var serviceByNodeType = map[string]string{
	dag.NodeTypeIdentityProvision:   "identity-service",
	dag.NodeTypeIdentityDeprovision: "identity-service",
	dag.NodeTypeEmailSend:           "email-service",
	dag.NodeTypeCalendarSchedule:    "calendar-service",
	dag.NodeTypeSlackMessage:        "slack-service",
	dag.NodeTypeSlackChannelInvite:  "slack-service",
	dag.NodeTypeDocumentDistribute:  "document-service",
	dag.NodeTypeAIGenerateContent:   "ai-service",
	dag.NodeTypeWebhookCall:         "webhook-service",
	dag.NodeTypeCompensation:        "compensation-service",
}

// ServiceFor returns the external service behind a node type
func ServiceFor(nodeType string) (string, bool) {
	svc, ok := serviceByNodeType[nodeType]
	return svc, ok
}

// OpenError is returned when a call is rejected by an open breaker
type OpenError struct {
	Service     string
	NextRetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("CIRCUIT_BREAKER_OPEN: %s rejecting calls until %s", e.Service, e.NextRetryAt.Format(time.RFC3339))
}

// Config bounds the breaker's trip and recovery behavior
type Config struct {
	FailureThreshold  int64
	RecoveryTimeout   time.Duration
	MinimumThroughput int64
}

// DefaultConfig is the stock breaker tuning
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		RecoveryTimeout:   60 * time.Second,
		MinimumThroughput: 10,
	}
}

// Logger is the minimal logging surface the breaker needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts configures a Breaker
type Opts struct {
	Store  *state.Store
	Logger Logger
	Clock  clock.Clock
	Config Config
}

// Breaker tracks failure accounting per external service. Because node
// execution is asynchronous, callers gate dispatch with Allow and feed
// results back with RecordSuccess/RecordFailure; Execute wraps the two for
// synchronous calls.
type Breaker struct {
	store  *state.Store
	logger Logger
	clock  clock.Clock
	config Config
}

// New builds a Breaker
func New(opts Opts) *Breaker {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Config == (Config{}) {
		opts.Config = DefaultConfig()
	}
	return &Breaker{
		store:  opts.Store,
		logger: opts.Logger,
		clock:  opts.Clock,
		config: opts.Config,
	}
}

// Allow reports whether a call to the service may proceed. An open breaker
// past its recovery deadline admits exactly one trial call and moves to
// HALF_OPEN; while the trial is in flight further calls are rejected.
func (b *Breaker) Allow(ctx context.Context, service string) error {
	bs, err := b.load(ctx, service)
	if err != nil {
		// Degrade open: breaker storage trouble must not stop dispatch
		b.logger.Warn("breaker state unreadable, allowing call", "service", service, "error", err)
		return nil
	}

	switch bs.State {
	case StateClosed:
		return nil
	case StateHalfOpen:
		next := b.clock.Now().Add(b.config.RecoveryTimeout)
		return &OpenError{Service: service, NextRetryAt: next}
	case StateOpen:
		now := b.clock.Now()
		if bs.NextRetryAt != nil && now.Before(*bs.NextRetryAt) {
			return &OpenError{Service: service, NextRetryAt: *bs.NextRetryAt}
		}
		bs.State = StateHalfOpen
		if err := b.store.PutBreakerState(ctx, service, bs); err != nil {
			b.logger.Warn("breaker half-open write failed", "service", service, "error", err)
		}
		b.logger.Info("circuit breaker half-open, admitting trial call", "service", service)
		return nil
	default:
		return nil
	}
}

// RecordSuccess feeds a successful call result back into the breaker
func (b *Breaker) RecordSuccess(ctx context.Context, service string) {
	bs, err := b.load(ctx, service)
	if err != nil {
		b.logger.Warn("breaker state unreadable on success", "service", service, "error", err)
		return
	}

	if bs.State == StateHalfOpen {
		// Trial passed, close and reset the counters
		b.put(ctx, service, &state.BreakerState{State: StateClosed})
		b.logger.Info("circuit breaker closed after successful trial", "service", service)
		return
	}

	bs.SuccessCount++
	bs.TotalRequests++
	b.put(ctx, service, bs)
}

// RecordFailure feeds a failed call result back into the breaker and trips
// it when the failure accounting crosses the threshold
func (b *Breaker) RecordFailure(ctx context.Context, service string) {
	bs, err := b.load(ctx, service)
	if err != nil {
		b.logger.Warn("breaker state unreadable on failure", "service", service, "error", err)
		return
	}

	now := b.clock.Now()
	if bs.State == StateHalfOpen {
		next := now.Add(b.config.RecoveryTimeout)
		bs.State = StateOpen
		bs.LastFailureAt = &now
		bs.NextRetryAt = &next
		b.put(ctx, service, bs)
		b.logger.Warn("circuit breaker reopened after failed trial", "service", service, "next_retry_at", next)
		return
	}

	bs.FailureCount++
	bs.TotalRequests++
	bs.LastFailureAt = &now

	if bs.State == StateClosed && b.shouldTrip(bs) {
		next := now.Add(b.config.RecoveryTimeout)
		bs.State = StateOpen
		bs.NextRetryAt = &next
		b.logger.Warn("circuit breaker opened",
			"service", service,
			"failure_count", bs.FailureCount,
			"total_requests", bs.TotalRequests,
			"next_retry_at", next,
		)
	}
	b.put(ctx, service, bs)
}

// Execute wraps a synchronous call with the full breaker protocol
func (b *Breaker) Execute(ctx context.Context, service string, op func(context.Context) error) error {
	if err := b.Allow(ctx, service); err != nil {
		return err
	}
	if err := op(ctx); err != nil {
		b.RecordFailure(ctx, service)
		return err
	}
	b.RecordSuccess(ctx, service)
	return nil
}

// State returns the current breaker state of a service
func (b *Breaker) State(ctx context.Context, service string) (*state.BreakerState, error) {
	return b.load(ctx, service)
}

func (b *Breaker) shouldTrip(bs *state.BreakerState) bool {
	if bs.TotalRequests < b.config.MinimumThroughput {
		return false
	}
	if bs.FailureCount >= b.config.FailureThreshold {
		return true
	}
	failureRate := float64(bs.FailureCount) / float64(bs.TotalRequests)
	return failureRate > 0.5
}

func (b *Breaker) load(ctx context.Context, service string) (*state.BreakerState, error) {
	bs, err := b.store.GetBreakerState(ctx, service)
	if err != nil {
		return nil, err
	}
	if bs == nil {
		bs = &state.BreakerState{State: StateClosed}
	}
	if bs.State == "" {
		bs.State = StateClosed
	}
	return bs, nil
}

func (b *Breaker) put(ctx context.Context, service string, bs *state.BreakerState) {
	if err := b.store.PutBreakerState(ctx, service, bs); err != nil {
		b.logger.Warn("breaker state write failed", "service", service, "error", err)
	}
}
