// Package httpapi exposes the submission and agent APIs over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/integrationd/internal/agents"
	"github.com/fyrsmithlabs/integrationd/internal/integrator"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides HTTP endpoints for integrationd.
type Server struct {
	echo       *echo.Echo
	integrator *integrator.Service
	registry   *agents.Registry
	logger     *zap.Logger
	config     *Config
}

// NewServer creates the HTTP server.
func NewServer(svc *integrator.Service, registry *agents.Registry, logger *zap.Logger, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, fmt.Errorf("integrator service cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("agent registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8420}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:       e,
		integrator: svc,
		registry:   registry,
		logger:     logger,
		config:     cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/submissions", s.handleSubmit)
	v1.GET("/submissions/:id", s.handleStatus)
	v1.POST("/submissions/:id/verify", s.handleVerify)
	v1.POST("/submissions/:id/integrate", s.handleIntegrate)
	v1.POST("/attempts/:id/cancel", s.handleCancel)

	v1.POST("/agents", s.handleRegisterAgent)
	v1.DELETE("/agents/:id", s.handleDeregisterAgent)
	v1.POST("/agents/:id/heartbeat", s.handleHeartbeat)
	v1.GET("/agents", s.handleListAgents)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// SubmitRequest is the request body for POST /api/v1/submissions.
type SubmitRequest struct {
	ProjectID string            `json:"project_id"`
	Artifact  json.RawMessage   `json:"artifact"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.ProjectID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id field is required")
	}
	if len(req.Artifact) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "artifact field is required")
	}

	submission, err := s.integrator.Submit(c.Request().Context(), req.ProjectID, req.Artifact, req.Metadata)
	if errors.Is(err, integrator.ErrInvalidProjectID) {
		return echo.NewHTTPError(http.StatusBadRequest, "project_id must be a single path element")
	}
	if err != nil {
		s.logger.Warn("submission intake failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record submission")
	}
	return c.JSON(http.StatusAccepted, submission)
}

func (s *Server) handleStatus(c echo.Context) error {
	status, err := s.integrator.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.submissionError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleVerify(c echo.Context) error {
	report, err := s.integrator.VerifySubmission(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.submissionError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// IntegrateRequest is the request body for POST /submissions/:id/integrate.
type IntegrateRequest struct {
	Strategy string `json:"strategy,omitempty"`
}

func (s *Server) handleIntegrate(c echo.Context) error {
	var req IntegrateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	attempt, err := s.integrator.IntegrateSubmission(c.Request().Context(), c.Param("id"), req.Strategy)
	switch {
	case errors.Is(err, integrator.ErrIntegrationConflict):
		return c.JSON(http.StatusConflict, attempt)
	case errors.Is(err, integrator.ErrNotIntegrable):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		return s.submissionError(err)
	}
	return c.JSON(http.StatusOK, attempt)
}

func (s *Server) handleCancel(c echo.Context) error {
	err := s.integrator.Cancel(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, integrator.ErrAttemptNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "attempt not found")
	case errors.Is(err, integrator.ErrCancelNotAllowed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "cancel failed")
	}
	return c.NoContent(http.StatusNoContent)
}

// RegisterAgentRequest is the request body for POST /api/v1/agents.
type RegisterAgentRequest struct {
	ID           string   `json:"id"`
	Capabilities []string `json:"capabilities"`
	Endpoint     string   `json:"endpoint"`
}

func (s *Server) handleRegisterAgent(c echo.Context) error {
	var req RegisterAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err := s.registry.Register(agents.Descriptor{
		ID:           req.ID,
		Capabilities: req.Capabilities,
		Endpoint:     req.Endpoint,
	})
	switch {
	case errors.Is(err, agents.ErrDuplicateAgent):
		return echo.NewHTTPError(http.StatusConflict, "agent id already registered")
	case errors.Is(err, agents.ErrInvalidAgent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "registration failed")
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) handleDeregisterAgent(c echo.Context) error {
	if err := s.registry.Deregister(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "agent not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// HeartbeatRequest is the request body for POST /api/v1/agents/:id/heartbeat.
type HeartbeatRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	var req HeartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	status := agents.HealthState(req.Status)
	if req.Status == "" {
		status = agents.Healthy
	}

	if err := s.registry.Heartbeat(c.Param("id"), status); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "agent not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListAgents(c echo.Context) error {
	capability := c.QueryParam("capability")
	if capability != "" {
		return c.JSON(http.StatusOK, s.registry.ListByCapability(capability))
	}
	return c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) submissionError(err error) error {
	if errors.Is(err, integrator.ErrSubmissionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "submission not found")
	}
	s.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
