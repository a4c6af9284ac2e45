package history

import (
	"context"

	"github.com/officeflow/engine/cmd/engine/state"
)

// Logger is the minimal logging surface the recorder needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Recorder mirrors run status changes into the repository. History is an
// audit surface; a failed write never interferes with the run itself.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder builds a Recorder
func NewRecorder(repo Repository, logger Logger) *Recorder {
	return &Recorder{repo: repo, logger: logger}
}

// RunStatusChanged records the run's current shape
func (r *Recorder) RunStatusChanged(ctx context.Context, ws *state.WorkflowState) {
	if err := r.repo.Upsert(ctx, FromWorkflowState(ws)); err != nil {
		r.logger.Error("run history write failed",
			"run_id", ws.RunID,
			"status", ws.Status,
			"error", err,
		)
	}
}
