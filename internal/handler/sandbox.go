package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/fslongjin/sandboxd/internal/store"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
)

// Sandboxes is the lifecycle surface the sandbox routes drive.
type Sandboxes interface {
	CreateSandbox(ctx context.Context, spec model.SandboxSpec) (model.StartSandboxResponse, error)
	EndSandbox(ctx context.Context, id string) error
	Status(id string) (model.SandboxStatus, error)
	List() []model.SandboxStatus
	History(ctx context.Context, id string, limit int, beforeID int64) ([]store.SandboxStatusHistoryRecord, error)
	AdjustResourceLimits(ctx context.Context, id string, multiplier float64) (model.ComputeResources, error)
}

// LogSource reads instance logs.
type LogSource interface {
	Logs(ctx context.Context, sandboxID string, tailLines int64) (string, error)
}

type SandboxHandler struct {
	sandboxes Sandboxes
	logs      LogSource
}

func NewSandboxHandler(sandboxes Sandboxes, logs LogSource) *SandboxHandler {
	return &SandboxHandler{sandboxes: sandboxes, logs: logs}
}

type statusHistoryItem struct {
	ID         int64     `json:"id"`
	Source     string    `json:"source"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type statusHistoryResponse struct {
	Items        []statusHistoryItem `json:"items"`
	NextBeforeID int64               `json:"next_before_id,omitempty"`
}

func (h *SandboxHandler) RegisterRoutes(r *gin.RouterGroup) {
	sandbox := r.Group("/sandbox")
	{
		sandbox.POST("/start", h.Start)
		sandbox.POST("/stop", h.Stop)
		sandbox.POST("/adjust", h.Adjust)
		sandbox.GET("", h.List)
		sandbox.GET("/:id/status", h.Get)
		sandbox.GET("/:id/history", h.GetStatusHistory)
		sandbox.GET("/:id/logs", h.GetLogs)
	}
}

func (h *SandboxHandler) Start(c *gin.Context) {
	var req model.StartSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	resp, err := h.sandboxes.CreateSandbox(c.Request.Context(), req.Spec())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SandboxHandler) Stop(c *gin.Context) {
	var req model.StopSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	if err := h.sandboxes.EndSandbox(c.Request.Context(), req.ID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.StatusResponse{Status: "stopped"})
}

func (h *SandboxHandler) Adjust(c *gin.Context) {
	var req model.AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	if req.ID == "" {
		writeError(c, model.NewConfigurationError("id is required"))
		return
	}

	res, err := h.sandboxes.AdjustResourceLimits(c.Request.Context(), req.ID, req.Multiplier)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.AdjustResponse{ID: req.ID, Resources: res})
}

func (h *SandboxHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sandboxes": h.sandboxes.List()})
}

func (h *SandboxHandler) Get(c *gin.Context) {
	st, err := h.sandboxes.Status(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *SandboxHandler) GetStatusHistory(c *gin.Context) {
	id := c.Param("id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	beforeID, _ := strconv.ParseInt(c.DefaultQuery("before_id", "0"), 10, 64)

	records, err := h.sandboxes.History(c.Request.Context(), id, limit, beforeID)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := statusHistoryResponse{Items: make([]statusHistoryItem, 0, len(records))}
	for _, r := range records {
		resp.Items = append(resp.Items, statusHistoryItem{
			ID:         r.ID,
			Source:     r.Source,
			FromStatus: r.FromStatus,
			ToStatus:   r.ToStatus,
			Reason:     r.Reason,
			CreatedAt:  r.CreatedAt,
		})
	}
	if len(records) == limit {
		resp.NextBeforeID = records[len(records)-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

func (h *SandboxHandler) GetLogs(c *gin.Context) {
	if h.logs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "logs are not available"})
		return
	}
	id := c.Param("id")
	if _, err := h.sandboxes.Status(id); err != nil {
		writeError(c, err)
		return
	}
	tail, _ := strconv.ParseInt(c.DefaultQuery("tail", "200"), 10, 64)
	logs, err := h.logs.Logs(c.Request.Context(), id, tail)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}
