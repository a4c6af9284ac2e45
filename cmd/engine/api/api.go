// Package api is the engine's admin HTTP surface: workflow registration,
// run control, run inspection, history and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/officeflow/engine/cmd/engine/dag"
	"github.com/officeflow/engine/cmd/engine/execctx"
	"github.com/officeflow/engine/cmd/engine/history"
	"github.com/officeflow/engine/cmd/engine/orchestrator"
	"github.com/officeflow/engine/cmd/engine/registry"
	"github.com/officeflow/engine/cmd/engine/state"
	"github.com/officeflow/engine/common/middleware"
)

// Logger is the minimal logging surface the handlers need
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Opts wires a Handler
type Opts struct {
	Orchestrator *orchestrator.Orchestrator
	Repo         registry.Repository
	History      history.Repository
	Logger       Logger
}

// Handler serves the admin API
type Handler struct {
	orc     *orchestrator.Orchestrator
	repo    registry.Repository
	history history.Repository
	logger  Logger
}

// NewHandler builds a Handler
func NewHandler(opts Opts) *Handler {
	return &Handler{
		orc:     opts.Orchestrator,
		repo:    opts.Repo,
		history: opts.History,
		logger:  opts.Logger,
	}
}

// NewRouter builds the echo instance with every admin route registered
func NewRouter(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(h.logger))

	e.GET("/health", h.Health)
	e.GET("/metrics", h.Metrics)

	v1 := e.Group("/api/v1")
	{
		v1.POST("/workflows", h.CreateWorkflow)
		v1.GET("/workflows/:id", h.GetWorkflow)

		v1.POST("/runs", h.StartRun)
		v1.GET("/runs/:id", h.GetRun)
		v1.POST("/runs/:id/pause", h.PauseRun)
		v1.POST("/runs/:id/resume", h.ResumeRun)
		v1.POST("/runs/:id/cancel", h.CancelRun)

		v1.GET("/employees/:id/runs", h.ListEmployeeRuns)
	}
	return e
}

// Health reports liveness
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Metrics returns the engine counter snapshot
// GET /metrics
func (h *Handler) Metrics(c echo.Context) error {
	return c.JSON(http.StatusOK, h.orc.Metrics().Snapshot())
}

// CreateWorkflow validates and stores a workflow definition
// POST /api/v1/workflows
func (h *Handler) CreateWorkflow(c echo.Context) error {
	var def dag.Definition
	if err := c.Bind(&def); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error()))
	}

	if _, err := dag.Parse(&def); err != nil {
		var verrs dag.ValidationErrors
		if errors.As(err, &verrs) {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error":  "INVALID_WORKFLOW",
				"issues": verrs,
			})
		}
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_WORKFLOW", err.Error()))
	}

	if err := h.repo.Save(c.Request().Context(), &def); err != nil {
		h.logger.Error("workflow save failed", "workflow_id", def.ID, "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody("SAVE_FAILED", err.Error()))
	}
	h.logger.Info("workflow saved", "workflow_id", def.ID, "version", def.Version)
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":      def.ID,
		"version": def.Version,
	})
}

// GetWorkflow returns a stored definition
// GET /api/v1/workflows/:id
func (h *Handler) GetWorkflow(c echo.Context) error {
	def, err := h.repo.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "workflow not found"))
		}
		return c.JSON(http.StatusInternalServerError, errorBody("LOAD_FAILED", err.Error()))
	}
	return c.JSON(http.StatusOK, def)
}

// StartRunRequest asks for a new run
type StartRunRequest struct {
	WorkflowID     string                 `json:"workflowId"`
	OrganizationID string                 `json:"organizationId"`
	EmployeeID     string                 `json:"employeeId"`
	EventType      string                 `json:"eventType"`
	EventPayload   map[string]interface{} `json:"eventPayload"`
}

// StartRun starts a run directly, outside the event path
// POST /api/v1/runs
func (h *Handler) StartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", err.Error()))
	}
	if req.WorkflowID == "" || req.OrganizationID == "" || req.EmployeeID == "" {
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", "workflowId, organizationId and employeeId are required"))
	}
	if req.EventType == "" {
		req.EventType = "manual"
	}

	ws, err := h.orc.ExecuteWorkflow(c.Request().Context(), orchestrator.StartRequest{
		WorkflowID: req.WorkflowID,
		OrgID:      req.OrganizationID,
		EmployeeID: req.EmployeeID,
		Event: execctx.Event{
			Type:      req.EventType,
			Payload:   req.EventPayload,
			Timestamp: time.Now().UTC(),
		},
	})
	if err != nil {
		return h.runError(c, err)
	}
	return c.JSON(http.StatusCreated, runView(ws, nil))
}

// GetRun returns a run with its node states
// GET /api/v1/runs/:id
func (h *Handler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")

	ws, err := h.orc.GetRun(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody("LOAD_FAILED", err.Error()))
	}
	if ws == nil {
		// Expired from hot state; fall back to history.
		if h.history != nil {
			if rec, err := h.history.Get(ctx, runID); err == nil {
				return c.JSON(http.StatusOK, map[string]interface{}{"run": rec, "archived": true})
			}
		}
		return c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "run not found"))
	}

	nodes, err := h.orc.GetRunNodes(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody("LOAD_FAILED", err.Error()))
	}
	return c.JSON(http.StatusOK, runView(ws, nodes))
}

// PauseRun pauses a running run
// POST /api/v1/runs/:id/pause
func (h *Handler) PauseRun(c echo.Context) error {
	return h.control(c, h.orc.PauseWorkflow)
}

// ResumeRun resumes a paused run
// POST /api/v1/runs/:id/resume
func (h *Handler) ResumeRun(c echo.Context) error {
	return h.control(c, h.orc.ResumeWorkflow)
}

// CancelRun cancels a run
// POST /api/v1/runs/:id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	return h.control(c, h.orc.CancelWorkflow)
}

// ListEmployeeRuns returns an employee's run history
// GET /api/v1/employees/:id/runs?organizationId=...&limit=...
func (h *Handler) ListEmployeeRuns(c echo.Context) error {
	if h.history == nil {
		return c.JSON(http.StatusNotImplemented, errorBody("HISTORY_DISABLED", "run history is not configured"))
	}
	orgID := c.QueryParam("organizationId")
	if orgID == "" {
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", "organizationId is required"))
	}
	limit := 50
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("INVALID_REQUEST", "limit must be an integer"))
	}

	runs, err := h.history.ListByEmployee(c.Request().Context(), orgID, c.Param("id"), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody("LOAD_FAILED", err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *Handler) control(c echo.Context, op func(ctx context.Context, runID string) error) error {
	runID := c.Param("id")
	if err := op(c.Request().Context(), runID); err != nil {
		return h.runError(c, err)
	}
	ws, err := h.orc.GetRun(c.Request().Context(), runID)
	if err != nil || ws == nil {
		return c.JSON(http.StatusOK, map[string]string{"runId": runID})
	}
	return c.JSON(http.StatusOK, runView(ws, nil))
}

func errorBody(code, message string) map[string]string {
	return map[string]string{"error": code, "message": message}
}

func runView(ws *state.WorkflowState, nodes map[string]*state.NodeState) map[string]interface{} {
	view := map[string]interface{}{
		"runId":          ws.RunID,
		"workflowId":     ws.WorkflowID,
		"organizationId": ws.OrgID,
		"employeeId":     ws.EmployeeID,
		"status":         ws.Status,
		"currentNodes":   ws.CurrentNodes.Members(),
		"completedNodes": ws.CompletedNodes.Members(),
		"failedNodes":    ws.FailedNodes.Members(),
		"skippedNodes":   ws.SkippedNodes.Members(),
		"startedAt":      ws.StartedAt,
		"lastUpdatedAt":  ws.LastUpdatedAt,
	}
	if ws.ErrorDetails != nil {
		view["error"] = ws.ErrorDetails
	}
	if nodes != nil {
		view["nodes"] = nodes
	}
	return view
}

func (h *Handler) runError(c echo.Context, err error) error {
	var lockErr *orchestrator.LockUnavailableError
	var satErr *orchestrator.SaturatedError
	var limitErr *orchestrator.RateLimitedError
	var transErr *state.InvalidTransitionError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "workflow not found"))
	case errors.Is(err, orchestrator.ErrRunNotFound):
		return c.JSON(http.StatusNotFound, errorBody("NOT_FOUND", "run not found"))
	case errors.As(err, &lockErr):
		return c.JSON(http.StatusConflict, errorBody("LOCK_UNAVAILABLE", err.Error()))
	case errors.As(err, &satErr):
		return c.JSON(http.StatusTooManyRequests, errorBody("ENGINE_SATURATED", err.Error()))
	case errors.As(err, &limitErr):
		return c.JSON(http.StatusTooManyRequests, errorBody("ORG_RATE_LIMITED", err.Error()))
	case errors.As(err, &transErr):
		return c.JSON(http.StatusConflict, errorBody("INVALID_TRANSITION", err.Error()))
	default:
		h.logger.Error("run operation failed", "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody("INTERNAL_ERROR", err.Error()))
	}
}
