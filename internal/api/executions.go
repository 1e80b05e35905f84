package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"successhub/engine/internal/services"
	"successhub/engine/pkg/models"
)

// ListDefinitions returns the ids of the loaded workflow definitions
// (GET /api/v1/definitions)
func (s *Server) ListDefinitions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"definitions": s.Registry.IDs()})
}

// CreateExecutionRequest instantiates a definition against a subject.
type CreateExecutionRequest struct {
	DefinitionID string         `json:"definition_id"`
	SubjectRef   string         `json:"subject_ref"`
	Owner        string         `json:"owner"`
	Context      map[string]any `json:"context,omitempty"`
}

// CreateExecution instantiates a workflow execution
// (POST /api/v1/executions)
func (s *Server) CreateExecution(c echo.Context) error {
	var req CreateExecutionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	exec, err := s.Actions.Instantiate(c.Request().Context(), req.DefinitionID, req.SubjectRef, req.Owner, req.Context)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, exec)
}

// ApplyActionRequest performs one lifecycle action on an execution.
type ApplyActionRequest struct {
	Action  models.ActionType      `json:"action"`
	ActorID string                 `json:"actor_id"`
	Payload services.ActionPayload `json:"payload"`
}

// ApplyAction applies a lifecycle action to an execution
// (POST /api/v1/executions/:id/actions)
func (s *Server) ApplyAction(c echo.Context) error {
	var req ApplyActionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.ActorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "actor_id is required")
	}

	result, err := s.Actions.Apply(c.Request().Context(), c.Param("id"), req.ActorID, req.Action, req.Payload)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetExecution returns one execution
// (GET /api/v1/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	exec, err := s.Store.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, exec)
}

// ListExecutions returns a named view of an owner's executions
// (GET /api/v1/executions?view=...&owner=...)
func (s *Server) ListExecutions(c echo.Context) error {
	ctx := c.Request().Context()
	owner := c.QueryParam("owner")
	if owner == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner is required")
	}

	limit := s.HistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		if n < limit {
			limit = n
		}
	}

	var (
		execs []*models.Execution
		err   error
	)
	switch view := c.QueryParam("view"); view {
	case "", "active":
		execs, err = s.Queries.Active(ctx, owner)
	case "snoozed":
		execs, err = s.Queries.Snoozed(ctx, owner)
	case "snoozed-due":
		execs, err = s.Queries.SnoozedDue(ctx, owner, time.Now())
	case "escalated-to-me":
		execs, err = s.Queries.EscalatedToMe(ctx, owner)
	case "escalated-by-me":
		execs, err = s.Queries.EscalatedByMe(ctx, owner)
	case "completed":
		execs, err = s.Queries.History(ctx, owner, models.StatusCompleted, limit)
	case "skipped":
		execs, err = s.Queries.History(ctx, owner, models.StatusSkipped, limit)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown view: "+view)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": execs})
}

// GetCounts returns the dashboard counts for an owner
// (GET /api/v1/executions/counts?owner=...)
func (s *Server) GetCounts(c echo.Context) error {
	owner := c.QueryParam("owner")
	if owner == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner is required")
	}
	counts, err := s.Queries.CountsFor(c.Request().Context(), owner, time.Now())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, counts)
}

// ListAuditTrail returns an execution's full action history
// (GET /api/v1/executions/:id/actions)
func (s *Server) ListAuditTrail(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.Store.GetExecution(ctx, id); err != nil {
		return httpError(err)
	}
	actions, err := s.Store.ListActions(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"actions": actions})
}

// RenderStep resolves the execution's current step content
// (GET /api/v1/executions/:id/step)
func (s *Server) RenderStep(c echo.Context) error {
	rendered, err := s.Actions.RenderStep(c.Request().Context(), c.Param("id"), nil)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rendered)
}
