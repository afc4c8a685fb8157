// Package agent is the server that runs inside every sandbox instance.
package agent

import (
	"context"
	"net/http"
	"sync"

	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
)

// ActionRunner executes an ordered batch of actions.
type ActionRunner interface {
	Execute(ctx context.Context, actions model.ActionList) []model.Observation
}

// UsageSource reports the instance's current resource usage.
type UsageSource interface {
	Sample() (model.UsageSample, error)
}

type Server struct {
	sandboxID string
	runner    ActionRunner
	usage     UsageSource

	// Batches run one at a time so their observations never interleave.
	execMu sync.Mutex
}

func NewServer(sandboxID string, runner ActionRunner, usage UsageSource) *Server {
	return &Server{sandboxID: sandboxID, runner: runner, usage: usage}
}

// Router builds the instance HTTP surface.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logx.RequestIDMiddleware())
	r.Use(func(c *gin.Context) {
		c.Request = c.Request.WithContext(logx.WithSandboxID(c.Request.Context(), s.sandboxID))
		c.Next()
	})
	r.Use(logx.AccessLogMiddleware("agent_http", "/health", "/resource_usage"))
	s.RegisterRoutes(&r.RouterGroup)
	return r
}

func (s *Server) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/health", s.Health)
	r.GET("/resource_usage", s.ResourceUsage)
	r.POST("/execute", s.Execute)
}

func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) ResourceUsage(c *gin.Context) {
	sample, err := s.usage.Sample()
	if err != nil {
		logx.LoggerWithRequestID(c.Request.Context()).Warn("failed to sample resource usage",
			"component", "agent", "sandbox_id", s.sandboxID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sample)
}

func (s *Server) Execute(c *gin.Context) {
	var req model.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.NewErrorResponse(model.NewConfigurationError("invalid execute request: %v", err)))
		return
	}

	s.execMu.Lock()
	observations := s.runner.Execute(c.Request.Context(), req.Actions)
	s.execMu.Unlock()

	logx.LoggerWithRequestID(c.Request.Context()).Info("actions executed",
		"component", "agent", "sandbox_id", s.sandboxID, "actions", len(req.Actions))
	c.JSON(http.StatusOK, model.ExecuteResponse{Observations: observations})
}
