// Package http exposes the run engine over an echo HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/logging"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

// Runs is the engine surface served by the API. orchestrator.Service
// satisfies it.
type Runs interface {
	Submit(ctx context.Context, task orchestrator.Task, hints map[string]string) (*orchestrator.State, error)
	Enqueue(ctx context.Context, task orchestrator.Task, hints map[string]string) (string, error)
	Query(ctx context.Context, runID string) (*orchestrator.State, error)
}

// HealthCheck reports a named dependency's health. A nil error is healthy.
type HealthCheck func(ctx context.Context) error

// Config holds HTTP server configuration.
type Config struct {
	Host         string
	Port         int
	StatusPrefix string
	// WatchTimeout bounds a single status stream.
	WatchTimeout time.Duration
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	runs    Runs
	events  orchestrator.EventBus
	checks  map[string]HealthCheck
	logger  *logging.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Option configures a Server.
type Option func(*Server)

// WithEventBus enables GET /api/v1/runs/:id/events.
func WithEventBus(bus orchestrator.EventBus) Option {
	return func(s *Server) { s.events = bus }
}

// WithHealthCheck adds a dependency to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer creates a new HTTP server.
func NewServer(runs Runs, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}
	if cfg.WatchTimeout <= 0 {
		cfg.WatchTimeout = 10 * time.Minute
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		runs:    runs,
		checks:  make(map[string]HealthCheck),
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return err
		}
	})

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleSubmit)
	v1.POST("/runs/async", s.handleEnqueue)
	v1.GET("/runs/:id", s.handleQuery)
	v1.GET("/runs/:id/events", s.handleWatch)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
	}
	for name, check := range s.checks {
		if err := check(c.Request().Context()); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// handleSubmit runs a task inline. ?mode=async behaves like /runs/async.
func (s *Server) handleSubmit(c echo.Context) error {
	if c.QueryParam("mode") == "async" {
		return s.handleEnqueue(c)
	}
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}

	st, err := s.runs.Submit(c.Request().Context(), req.Task, req.Hints)
	if err != nil && st == nil {
		return s.writeError(c, err)
	}
	if err != nil {
		s.logger.Warn(c.Request().Context(), "run ended abnormally", zap.String("run.id", st.RunID), zap.Error(err))
	}
	return c.JSON(http.StatusOK, RunResponse{
		RunID:   st.RunID,
		Status:  st.Status,
		Outcome: st.Outcome,
		Error:   st.Error,
		State:   st,
	})
}

func (s *Server) handleEnqueue(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	runID, err := s.runs.Enqueue(c.Request().Context(), req.Task, req.Hints)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, RunResponse{RunID: runID, Status: orchestrator.StatusQueued})
}

func (s *Server) handleQuery(c echo.Context) error {
	st, err := s.runs.Query(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, RunResponse{
		RunID:   st.RunID,
		Status:  st.Status,
		Outcome: st.Outcome,
		Error:   st.Error,
		State:   st,
	})
}

// handleWatch streams status snapshots as server-sent events until the run
// reaches a terminal status.
func (s *Server) handleWatch(c echo.Context) error {
	if s.events == nil {
		return c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "status streaming not configured"})
	}
	runID := c.Param("id")
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.config.WatchTimeout)
	defer cancel()

	// Subscribe first so no snapshot published after the query is lost.
	msgs, err := s.events.Subscribe(ctx, orchestrator.StatusChannel(s.config.StatusPrefix, runID))
	if err != nil {
		return s.writeError(c, orchestrator.Unavailable("event_bus", "subscribe", err))
	}
	current, err := s.runs.Query(ctx, runID)
	if err != nil {
		return s.writeError(c, err)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)

	data, err := orchestrator.EncodeStatus(current)
	if err != nil {
		return err
	}
	if err := writeEvent(w, data); err != nil || current.Status.Terminal() {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := writeEvent(w, msg.Data); err != nil {
				return err
			}
			status, err := orchestrator.DecodeStatus(msg.Data)
			if err == nil && status.Status.Terminal() {
				return nil
			}
		}
	}
}

func writeEvent(w *echo.Response, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// writeError maps engine errors to status codes.
func (s *Server) writeError(c echo.Context, err error) error {
	var (
		verrs orchestrator.ValidationErrors
		verr  *orchestrator.ValidationError
		ce    *orchestrator.CollaboratorError
	)
	switch {
	case errors.As(err, &verrs):
		fields := make(map[string]string, len(verrs))
		for _, v := range verrs {
			fields[v.Field] = v.Message
		}
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid task", Fields: fields})
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid task", Fields: map[string]string{verr.Field: verr.Message}})
	case errors.Is(err, orchestrator.ErrRunNotFound):
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "run not found"})
	case errors.Is(err, orchestrator.ErrQueueUnavailable), errors.As(err, &ce):
		s.logger.Warn(c.Request().Context(), "dependency unavailable", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
