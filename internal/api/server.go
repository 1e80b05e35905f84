// Package api contains the HTTP handlers for the workflow engine REST API.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"successhub/engine/internal/execution"
	"successhub/engine/internal/logging"
	"successhub/engine/internal/registry"
	"successhub/engine/internal/repository"
	"successhub/engine/internal/services"
)

// Server holds the dependencies for the API server. HistoryLimit bounds
// the history views: it is the page size when the caller supplies no
// limit, and the ceiling when they do.
type Server struct {
	Actions      *services.ActionService
	Queries      *services.QueryService
	Matcher      *services.RuleMatcher
	Registry     *registry.Registry
	Store        repository.Store
	Logger       *logging.Logger
	HistoryLimit int
}

// NewServer creates a new Server.
func NewServer(actions *services.ActionService, queries *services.QueryService, matcher *services.RuleMatcher, reg *registry.Registry, store repository.Store, logger *logging.Logger, historyLimit int) *Server {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &Server{
		Actions:      actions,
		Queries:      queries,
		Matcher:      matcher,
		Registry:     reg,
		Store:        store,
		Logger:       logger,
		HistoryLimit: historyLimit,
	}
}

// RegisterRoutes mounts the API surface on e.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", s.HandleHealth)

	v1 := e.Group("/api/v1")
	v1.GET("/definitions", s.ListDefinitions)
	v1.POST("/executions", s.CreateExecution)
	v1.GET("/executions", s.ListExecutions)
	v1.GET("/executions/counts", s.GetCounts)
	v1.GET("/executions/:id", s.GetExecution)
	v1.POST("/executions/:id/actions", s.ApplyAction)
	v1.GET("/executions/:id/actions", s.ListAuditTrail)
	v1.GET("/executions/:id/step", s.RenderStep)
	v1.POST("/events", s.IngestEvents)
	v1.POST("/rules", s.CreateRule)
	v1.POST("/rules/:id/test", s.TestRule)
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// HandleHealth returns basic health status (always returns 200 OK).
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "successhub-engine",
	})
}

// httpError translates domain error kinds onto status codes. Validation
// failures and illegal transitions are the caller's fault but not a
// malformed request, conflicts signal a concurrent writer won, missing
// entities are 404, anything else is a server fault.
func httpError(err error) *echo.HTTPError {
	var (
		verr  *services.ValidationError
		iterr *execution.InvalidTransitionError
		cerr  *repository.ConflictError
		nferr *repository.NotFoundError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &iterr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &cerr):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &nferr):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
