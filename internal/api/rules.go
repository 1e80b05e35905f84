package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"successhub/engine/pkg/models"
)

// IngestEvents evaluates one or more events against the active rules
// (POST /api/v1/events)
func (s *Server) IngestEvents(c echo.Context) error {
	var events []models.Event
	if err := c.Bind(&events); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if len(events) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one event is required")
	}
	for i := range events {
		if events[i].ID == "" || events[i].SubjectRef == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "every event needs an id and a subject_ref")
		}
		if events[i].OccurredAt.IsZero() {
			events[i].OccurredAt = time.Now()
		}
	}

	results, err := s.Matcher.EvaluateBatch(c.Request().Context(), events)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

// CreateRule registers an automation rule
// (POST /api/v1/rules)
func (s *Server) CreateRule(c echo.Context) error {
	var rule models.AutomationRule
	if err := c.Bind(&rule); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if _, err := s.Registry.Get(rule.DefinitionID); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "unknown definition_id: "+rule.DefinitionID)
	}
	if len(rule.Conditions) == 0 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "a rule needs at least one condition")
	}
	switch rule.Logic {
	case models.LogicAnd, models.LogicOr:
	default:
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "logic must be and or or")
	}

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := s.Store.CreateRule(c.Request().Context(), &rule); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rule)
}

// TestRuleRequest carries the sample event for a rule dry run.
type TestRuleRequest struct {
	Event models.Event `json:"event"`
}

// TestRule dry-runs one rule against a sample event with no side effects
// (POST /api/v1/rules/:id/test)
func (s *Server) TestRule(c echo.Context) error {
	var req TestRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	result, err := s.Matcher.TestRule(c.Request().Context(), c.Param("id"), req.Event)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}
