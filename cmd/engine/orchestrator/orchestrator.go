// Package orchestrator drives workflow runs: it starts them, reacts to node
// results, schedules retries, unwinds failures, and polices timeouts. All
// run state lives in the store; any engine instance can act on any run once
// it holds the run lock.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/officeflow/engine/cmd/engine/breaker"
	"github.com/officeflow/engine/cmd/engine/compensation"
	"github.com/officeflow/engine/cmd/engine/condition"
	"github.com/officeflow/engine/cmd/engine/dispatch"
	"github.com/officeflow/engine/cmd/engine/execctx"
	"github.com/officeflow/engine/cmd/engine/metrics"
	"github.com/officeflow/engine/cmd/engine/registry"
	"github.com/officeflow/engine/cmd/engine/retry"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/clock"
	"github.com/officeflow/engine/common/errorlog"
	"github.com/officeflow/engine/common/ratelimit"
)

// Logger is the minimal logging surface the orchestrator needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ErrorSink records structured error entries; nil disables it
type ErrorSink interface {
	Log(entry *errorlog.Entry)
}

// StatusNotifier observes run status changes; nil disables it
type StatusNotifier interface {
	RunStatusChanged(ctx context.Context, ws *state.WorkflowState)
}

// ErrRunNotFound marks an unknown run id
var ErrRunNotFound = errors.New("run not found")

// LockUnavailableError means another instance is mutating the run
type LockUnavailableError struct {
	RunID string
}

func (e *LockUnavailableError) Error() string {
	return fmt.Sprintf("LOCK_UNAVAILABLE: run %s is locked by another holder", e.RunID)
}

// SaturatedError means the instance is at its concurrent run budget
type SaturatedError struct {
	Limit int64
}

func (e *SaturatedError) Error() string {
	return fmt.Sprintf("ENGINE_SATURATED: at the limit of %d concurrent workflows", e.Limit)
}

// RateLimitedError means the organization is over its run-start budget
type RateLimitedError struct {
	OrgID      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("ORG_RATE_LIMITED: org %s is over its run-start budget, retry in %s", e.OrgID, e.RetryAfter)
}

// Config is the orchestrator's tuning
type Config struct {
	InstanceID             string
	MaxConcurrentWorkflows int64
	LockRenewInterval      time.Duration
	RetryPollInterval      time.Duration
	RetryBatchSize         int64
	TimeoutCheckInterval   time.Duration
	WorkflowTimeout        time.Duration
	NodeTimeout            time.Duration
	EnableRetry            bool
	EnableCompensation     bool
	EnableCircuitBreaker   bool
}

// DefaultConfig returns the stock orchestrator tuning
func DefaultConfig(instanceID string) Config {
	return Config{
		InstanceID:             instanceID,
		MaxConcurrentWorkflows: 100,
		LockRenewInterval:      time.Minute,
		RetryPollInterval:      5 * time.Second,
		RetryBatchSize:         50,
		TimeoutCheckInterval:   30 * time.Second,
		WorkflowTimeout:        time.Hour,
		NodeTimeout:            5 * time.Minute,
		EnableRetry:            true,
		EnableCompensation:     true,
		EnableCircuitBreaker:   true,
	}
}

// Opts wires an Orchestrator
type Opts struct {
	Loader      *registry.Loader
	Store       *state.Store
	Dispatcher  *dispatch.Dispatcher
	Retry       *retry.Manager
	Breaker     *breaker.Breaker
	Compensator *compensation.Executor
	Conditions  *condition.Evaluator
	Errors      ErrorSink
	Status      StatusNotifier
	RateLimit   *ratelimit.Limiter
	Metrics     *metrics.Metrics
	Logger      Logger
	Clock       clock.Clock
	Config      Config
}

// Orchestrator coordinates one engine instance's share of the runs
type Orchestrator struct {
	loader      *registry.Loader
	store       *state.Store
	dispatcher  *dispatch.Dispatcher
	retry       *retry.Manager
	breaker     *breaker.Breaker
	compensator *compensation.Executor
	conditions  *condition.Evaluator
	errors      ErrorSink
	status      StatusNotifier
	rateLimit   *ratelimit.Limiter
	metrics     *metrics.Metrics
	logger      Logger
	clock       clock.Clock
	cfg         Config
}

// New builds an Orchestrator
func New(opts Opts) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Config.InstanceID == "" {
		opts.Config = DefaultConfig("engine-" + uuid.NewString()[:8])
	}
	return &Orchestrator{
		loader:      opts.Loader,
		store:       opts.Store,
		dispatcher:  opts.Dispatcher,
		retry:       opts.Retry,
		breaker:     opts.Breaker,
		compensator: opts.Compensator,
		conditions:  opts.Conditions,
		errors:      opts.Errors,
		status:      opts.Status,
		rateLimit:   opts.RateLimit,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		clock:       opts.Clock,
		cfg:         opts.Config,
	}
}

// Metrics exposes the orchestrator's counters
func (o *Orchestrator) Metrics() *metrics.Metrics {
	return o.metrics
}

// StartRequest asks for a new run of a workflow
type StartRequest struct {
	WorkflowID    string
	OrgID         string
	EmployeeID    string
	Event         execctx.Event
	CorrelationID string
}

// ExecuteWorkflow creates and starts a run: parse, lock, seed state,
// dispatch the entry nodes. The returned state reflects the first round of
// dispatches.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, req StartRequest) (*state.WorkflowState, error) {
	if active := o.metrics.ActiveWorkflows.Load(); active >= o.cfg.MaxConcurrentWorkflows {
		return nil, &SaturatedError{Limit: o.cfg.MaxConcurrentWorkflows}
	}
	if o.rateLimit != nil {
		res, err := o.rateLimit.AllowRunStart(ctx, req.OrgID)
		if err != nil {
			return nil, err
		}
		if !res.Allowed {
			return nil, &RateLimitedError{OrgID: req.OrgID, RetryAfter: res.RetryAfter}
		}
	}

	plan, err := o.loader.Load(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !plan.Definition.IsActive {
		return nil, fmt.Errorf("workflow %s is not active", req.WorkflowID)
	}

	runID := uuid.NewString()
	now := o.clock.Now()

	ec := execctx.New(runID, req.WorkflowID, req.OrgID, req.EmployeeID, req.Event, now)
	ws := &state.WorkflowState{
		RunID:          runID,
		WorkflowID:     req.WorkflowID,
		OrgID:          req.OrgID,
		EmployeeID:     req.EmployeeID,
		Status:         state.WorkflowPending,
		CurrentNodes:   state.NewStringSet(),
		CompletedNodes: state.NewStringSet(),
		FailedNodes:    state.NewStringSet(),
		SkippedNodes:   state.NewStringSet(),
		Context:        ec.Variables,
		StartedAt:      now,
		LastUpdatedAt:  now,
	}

	acquired, release, err := o.store.AcquireLockWithRenewal(ctx, runID, o.cfg.InstanceID, o.cfg.LockRenewInterval)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, &LockUnavailableError{RunID: runID}
	}
	defer release()

	nodeStates := make([]*state.NodeState, 0, len(plan.NodeByID))
	for _, id := range plan.NodeIDs() {
		nodeStates = append(nodeStates, &state.NodeState{
			RunID:   runID,
			NodeID:  id,
			Status:  state.NodeQueued,
			Attempt: 1,
		})
	}
	if err := o.store.BatchPutNodeStates(ctx, nodeStates); err != nil {
		return nil, err
	}
	if err := o.store.PutWorkflowState(ctx, ws); err != nil {
		return nil, err
	}

	if err := state.TransitionWorkflow(ws, state.TriggerStart, o.clock.Now()); err != nil {
		return nil, err
	}
	o.metrics.WorkflowsStarted.Add(1)
	o.metrics.ActiveWorkflows.Add(1)

	o.logger.Info("workflow started",
		"run_id", runID,
		"workflow_id", req.WorkflowID,
		"org_id", req.OrgID,
		"employee_id", req.EmployeeID,
		"trigger", req.Event.Type,
	)

	if err := o.advance(ctx, plan, ws); err != nil {
		return ws, err
	}
	if err := o.store.PutWorkflowState(ctx, ws); err != nil {
		return ws, err
	}
	o.notifyStatus(ctx, ws)
	return ws, nil
}

func (o *Orchestrator) notifyStatus(ctx context.Context, ws *state.WorkflowState) {
	if o.status != nil {
		o.status.RunStatusChanged(ctx, ws)
	}
}

// PauseWorkflow suspends a RUNNING run. In-flight nodes finish; nothing new
// is dispatched until resume.
func (o *Orchestrator) PauseWorkflow(ctx context.Context, runID string) error {
	return o.withRunLock(ctx, runID, func(ws *state.WorkflowState) error {
		if err := state.TransitionWorkflow(ws, state.TriggerPause, o.clock.Now()); err != nil {
			return err
		}
		o.logger.Info("workflow paused", "run_id", runID)
		if err := o.store.PutWorkflowState(ctx, ws); err != nil {
			return err
		}
		o.notifyStatus(ctx, ws)
		return nil
	})
}

// ResumeWorkflow continues a PAUSED run and dispatches whatever became
// eligible while it slept
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, runID string) error {
	return o.withRunLock(ctx, runID, func(ws *state.WorkflowState) error {
		if err := state.TransitionWorkflow(ws, state.TriggerResume, o.clock.Now()); err != nil {
			return err
		}
		plan, err := o.loader.Load(ctx, ws.WorkflowID)
		if err != nil {
			return err
		}
		o.logger.Info("workflow resumed", "run_id", runID)
		if err := o.advance(ctx, plan, ws); err != nil {
			return err
		}
		if err := o.store.PutWorkflowState(ctx, ws); err != nil {
			return err
		}
		o.notifyStatus(ctx, ws)
		return nil
	})
}

// CancelWorkflow cancels a RUNNING or PAUSED run: every pending, running or
// retrying node is cancelled, in-flight executors get a best-effort signal.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, runID string) error {
	return o.withRunLock(ctx, runID, func(ws *state.WorkflowState) error {
		if err := state.TransitionWorkflow(ws, state.TriggerCancel, o.clock.Now()); err != nil {
			return err
		}

		states, err := o.store.GetAllNodeStates(ctx, runID)
		if err != nil {
			return err
		}
		now := o.clock.Now()
		var updated []*state.NodeState
		for _, ns := range states {
			switch ns.Status {
			case state.NodeRunning:
				if err := o.dispatcher.Cancel(ctx, runID, ns.NodeID, ws.OrgID, "workflow cancelled"); err != nil {
					o.logger.Warn("cancel publish failed", "run_id", runID, "node_id", ns.NodeID, "error", err)
				}
			case state.NodeQueued:
			case state.NodeRetrying:
				if err := o.store.RemoveFromRetrySchedule(ctx, runID, ns.NodeID); err != nil {
					o.logger.Warn("retry schedule cleanup failed", "run_id", runID, "node_id", ns.NodeID, "error", err)
				}
			default:
				continue
			}
			if err := state.TransitionNode(ns, state.TriggerCancel, now); err != nil {
				continue
			}
			updated = append(updated, ns)
		}
		if err := o.store.BatchPutNodeStates(ctx, updated); err != nil {
			return err
		}

		ws.CurrentNodes = state.NewStringSet()
		o.metrics.WorkflowsCancelled.Add(1)
		o.metrics.ActiveWorkflows.Add(-1)
		o.logger.Info("workflow cancelled", "run_id", runID, "cancelled_nodes", len(updated))
		if err := o.store.PutWorkflowState(ctx, ws); err != nil {
			return err
		}
		o.notifyStatus(ctx, ws)
		return nil
	})
}

// GetRun returns the current state of a run
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*state.WorkflowState, error) {
	return o.store.GetWorkflowState(ctx, runID)
}

// GetRunNodes returns the node states of a run
func (o *Orchestrator) GetRunNodes(ctx context.Context, runID string) (map[string]*state.NodeState, error) {
	return o.store.GetAllNodeStates(ctx, runID)
}

// withRunLock serializes a mutation of one run across engine instances
func (o *Orchestrator) withRunLock(ctx context.Context, runID string, fn func(ws *state.WorkflowState) error) error {
	acquired, release, err := o.store.AcquireLockWithRenewal(ctx, runID, o.cfg.InstanceID, o.cfg.LockRenewInterval)
	if err != nil {
		return err
	}
	if !acquired {
		return &LockUnavailableError{RunID: runID}
	}
	defer release()

	ws, err := o.store.GetWorkflowState(ctx, runID)
	if err != nil {
		return err
	}
	if ws == nil {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return fn(ws)
}
