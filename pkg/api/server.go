package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/geo-mak/autonomic-playground/pkg/manager"
	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/telemetry"
)

const defaultHistoryLimit = 20

// ActivateRequest is the body of an activation.
type ActivateRequest struct {
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// MessageResponse acknowledges a control request.
type MessageResponse struct {
	Message string `json:"message"`
}

// operationURI addresses one operation.
type operationURI struct {
	Controller string `uri:"ctrl" binding:"required"`
	Operation  string `uri:"op" binding:"required"`
}

// controllerURI addresses one controller.
type controllerURI struct {
	Controller string `uri:"ctrl" binding:"required"`
}

// HealthFunc reports whether a backing dependency is usable.
type HealthFunc func(ctx context.Context) error

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics mounts the Prometheus handler on /metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithHealthCheck makes /healthz consult check.
func WithHealthCheck(check HealthFunc) Option {
	return func(s *Server) {
		s.health = check
	}
}

// Server exposes a manager over HTTP.
type Server struct {
	manager *manager.Manager
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	health  HealthFunc
	router  *gin.Engine
}

// NewServer builds the router for m.
func NewServer(m *manager.Manager, opts ...Option) *Server {
	s := &Server{
		manager: m,
		logger:  telemetry.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.NewComponentLogger("api")

	router := gin.New()
	router.Use(s.requestLogger(), s.recovery())

	router.GET("/healthz", s.healthz)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	router.GET("/controllers", s.listControllers)
	ctrl := router.Group("/controllers/:ctrl")
	{
		ctrl.GET("/operations", s.listOperations)
		ctrl.GET("/active", s.activeOperations)

		op := ctrl.Group("/operations/:op")
		op.GET("", s.getOperation)
		op.POST("/activate", s.activate)
		op.POST("/abort", s.control(s.manager.Abort, "Abort requested"))
		op.POST("/lock", s.control(s.manager.Lock, "Operation locked"))
		op.POST("/unlock", s.control(s.manager.Unlock, "Operation unlocked"))
		op.POST("/sensor/activate", s.control(s.manager.ActivateSensor, "Sensor activated"))
		op.POST("/sensor/deactivate", s.control(s.manager.DeactivateSensor, "Sensor deactivated"))
		op.GET("/history", s.history)
	}
	router.POST("/change_state/:ctrl", s.changeState)

	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// shutdownTimeout. Open state streams are cut at shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", addr).Info("API server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listControllers(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Controllers())
}

func (s *Server) listOperations(c *gin.Context) {
	var uri controllerURI
	if err := c.ShouldBindUri(&uri); err != nil {
		handleInvalidInput(c, err)
		return
	}
	infos, err := s.manager.Operations(uri.Controller)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) activeOperations(c *gin.Context) {
	var uri controllerURI
	if err := c.ShouldBindUri(&uri); err != nil {
		handleInvalidInput(c, err)
		return
	}
	active, err := s.manager.ActiveOperations(uri.Controller)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, active)
}

func (s *Server) getOperation(c *gin.Context) {
	var uri operationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		handleInvalidInput(c, err)
		return
	}
	info, err := s.manager.Operation(uri.Controller, uri.Operation)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// activate streams the invocation's states as NDJSON. Rejections that
// produce a stream (locked, busy, denied) are streamed with status 200 like
// any other outcome.
func (s *Server) activate(c *gin.Context) {
	var uri operationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		handleInvalidInput(c, err)
		return
	}

	var req ActivateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			handleInvalidInput(c, err)
			return
		}
	}

	params, err := s.manager.DecodeParameters(uri.Controller, uri.Operation, req.Parameters)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}

	ctx := c.Request.Context()
	stream, err := s.manager.Activate(ctx, uri.Controller, uri.Operation, params)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	defer stream.Close()

	c.Header("Content-Type", ContentTypeNDJSON)
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	enc := NewEncoder(c.Writer)
	for state := range stream.All(ctx) {
		if err := enc.Encode(state); err != nil {
			s.logger.WithError(err).
				WithOperation(uri.Controller, uri.Operation).
				Debug("State stream client went away")
			return
		}
	}
}

// control adapts a manager call that takes an operation address.
func (s *Server) control(fn func(controllerID, operationID string) error, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri operationURI
		if err := c.ShouldBindUri(&uri); err != nil {
			handleInvalidInput(c, err)
			return
		}
		if err := fn(uri.Controller, uri.Operation); err != nil {
			handleError(c, s.logger, err)
			return
		}
		c.JSON(http.StatusOK, MessageResponse{Message: message})
	}
}

func (s *Server) history(c *gin.Context) {
	var uri operationURI
	if err := c.ShouldBindUri(&uri); err != nil {
		handleInvalidInput(c, err)
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			handleInvalidInput(c, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	records, err := s.manager.History(c.Request.Context(), uri.Controller, uri.Operation, limit)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// changeState writes a JSON string body into a drift controller's resource.
func (s *Server) changeState(c *gin.Context) {
	var uri controllerURI
	if err := c.ShouldBindUri(&uri); err != nil {
		handleInvalidInput(c, err)
		return
	}

	var value string
	if err := c.ShouldBindJSON(&value); err != nil {
		handleInvalidInput(c, err)
		return
	}

	store, err := s.manager.Resource(uri.Controller)
	if err != nil {
		handleError(c, s.logger, err)
		return
	}
	if err := store.Write(c.Request.Context(), value); err != nil {
		handleError(c, s.logger, operation.NewIOError("failed to write state", err).WithController(uri.Controller))
		return
	}
	c.JSON(http.StatusOK, MessageResponse{Message: "State updated"})
}

// requestLogger logs every request once it completes.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger := s.logger.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if len(c.Errors) > 0 {
			logger.WithField("errors", c.Errors.String()).Warn("Request completed with errors")
			return
		}
		logger.Debug("Request completed")
	}
}

// recovery turns a handler panic into a 500 response.
func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.WithField("panic", recovered).
			WithField("path", c.Request.URL.Path).
			Error("Handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, &ErrorResponse{
			Status:  http.StatusInternalServerError,
			Code:    operation.ErrCodeInternal,
			Message: "internal server error",
		})
	})
}
