// Package service connects the orchestrator to the outside world: lifecycle
// events start runs, worker results feed back, control messages pause,
// resume and cancel.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/officeflow/engine/cmd/engine/dispatch"
	"github.com/officeflow/engine/cmd/engine/execctx"
	"github.com/officeflow/engine/cmd/engine/orchestrator"
	"github.com/officeflow/engine/cmd/engine/registry"
	"github.com/officeflow/engine/common/bus"
)

// Logger is the minimal logging surface the service needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Lifecycle topics the engine listens on. Each is also a workflow trigger.
var LifecycleTopics = []string{
	"employee.onboard",
	"employee.exit",
	"employee.transfer",
	"employee.update",
}

// Control topics
const (
	TopicPause  = "workflow.run.pause"
	TopicResume = "workflow.run.resume"
	TopicCancel = "workflow.run.cancel"
)

// LifecycleEvent is an employee lifecycle message
type LifecycleEvent struct {
	Type           string                 `json:"type"`
	OrganizationID string                 `json:"organizationId"`
	EmployeeID     string                 `json:"employeeId"`
	Payload        map[string]interface{} `json:"payload"`
	Timestamp      time.Time              `json:"timestamp"`
}

// ControlMessage addresses one run
type ControlMessage struct {
	RunID  string `json:"runId"`
	Reason string `json:"reason,omitempty"`
}

// Opts wires a Service
type Opts struct {
	Bus          bus.Bus
	Orchestrator *orchestrator.Orchestrator
	Loader       *registry.Loader
	Logger       Logger
}

// Service is the engine's consumer surface
type Service struct {
	bus    bus.Bus
	orc    *orchestrator.Orchestrator
	loader *registry.Loader
	logger Logger
}

// New builds a Service
func New(opts Opts) *Service {
	return &Service{
		bus:    opts.Bus,
		orc:    opts.Orchestrator,
		loader: opts.Loader,
		logger: opts.Logger,
	}
}

// Start subscribes every topic the engine consumes
func (s *Service) Start(ctx context.Context) error {
	for _, topic := range LifecycleTopics {
		topic := topic
		if err := s.bus.Subscribe(ctx, topic, func(ctx context.Context, msg *bus.Message) error {
			return s.HandleLifecycleEvent(ctx, topic, msg.Payload)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	if err := s.bus.Subscribe(ctx, dispatch.TopicResult, func(ctx context.Context, msg *bus.Message) error {
		return s.HandleResult(ctx, msg.Payload)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", dispatch.TopicResult, err)
	}

	for topic, op := range map[string]func(context.Context, string) error{
		TopicPause:  s.orc.PauseWorkflow,
		TopicResume: s.orc.ResumeWorkflow,
		TopicCancel: s.orc.CancelWorkflow,
	} {
		op := op
		if err := s.bus.Subscribe(ctx, topic, func(ctx context.Context, msg *bus.Message) error {
			return s.handleControl(ctx, msg.Payload, op)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	s.logger.Info("engine service subscribed",
		"lifecycle_topics", LifecycleTopics,
		"result_topic", dispatch.TopicResult,
	)
	return nil
}

// HandleLifecycleEvent starts a run of every workflow registered for the
// event's trigger in the event's organization. Saturation and lock errors
// bubble up for redelivery.
func (s *Service) HandleLifecycleEvent(ctx context.Context, topic string, payload []byte) error {
	var event LifecycleEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		s.logger.Error("undecodable lifecycle event", "topic", topic, "error", err)
		// Malformed payloads never improve on redelivery.
		return nil
	}
	if event.Type == "" {
		event.Type = topic
	}
	if event.OrganizationID == "" || event.EmployeeID == "" {
		s.logger.Error("lifecycle event missing org or employee", "topic", topic)
		return nil
	}

	plans, err := s.loader.LoadByTrigger(ctx, event.OrganizationID, event.Type)
	if err != nil {
		return fmt.Errorf("load workflows for %s: %w", event.Type, err)
	}
	if len(plans) == 0 {
		s.logger.Debug("no workflows registered for trigger",
			"org_id", event.OrganizationID,
			"trigger", event.Type,
		)
		return nil
	}

	for _, plan := range plans {
		ws, err := s.orc.ExecuteWorkflow(ctx, orchestrator.StartRequest{
			WorkflowID: plan.Definition.ID,
			OrgID:      event.OrganizationID,
			EmployeeID: event.EmployeeID,
			Event: execctx.Event{
				Type:      event.Type,
				Payload:   event.Payload,
				Timestamp: event.Timestamp,
			},
		})
		if err != nil {
			return fmt.Errorf("start workflow %s: %w", plan.Definition.ID, err)
		}
		s.logger.Info("run started from lifecycle event",
			"run_id", ws.RunID,
			"workflow_id", plan.Definition.ID,
			"trigger", event.Type,
		)
	}
	return nil
}

// HandleResult applies one worker result to its run
func (s *Service) HandleResult(ctx context.Context, payload []byte) error {
	result, err := dispatch.DecodeResult(payload)
	if err != nil {
		s.logger.Error("undecodable execution result", "error", err)
		return nil
	}
	if result.RunID == "" || result.NodeID == "" {
		s.logger.Error("execution result missing run or node id")
		return nil
	}

	switch result.Status {
	case dispatch.ResultSuccess:
		err = s.orc.HandleNodeCompletion(ctx, result.RunID, result.NodeID, result.Output)
	case dispatch.ResultFailed, dispatch.ResultRetry:
		err = s.orc.HandleNodeFailure(ctx, result.RunID, result.NodeID, result.Error)
	default:
		s.logger.Error("unknown result status", "status", result.Status, "run_id", result.RunID)
		return nil
	}

	var lockErr *orchestrator.LockUnavailableError
	if errors.As(err, &lockErr) {
		// Another instance holds the run; redelivery will retry against a
		// free lock.
		return err
	}
	if err != nil {
		s.logger.Error("result handling failed",
			"run_id", result.RunID,
			"node_id", result.NodeID,
			"status", result.Status,
			"error", err,
		)
		return err
	}
	return nil
}

func (s *Service) handleControl(ctx context.Context, payload []byte, op func(context.Context, string) error) error {
	var msg ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.RunID == "" {
		s.logger.Error("undecodable control message", "error", err)
		return nil
	}
	return op(ctx, msg.RunID)
}
