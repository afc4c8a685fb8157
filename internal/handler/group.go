package handler

import (
	"context"
	"net/http"

	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
)

// Groups is the group surface of the lifecycle manager.
type Groups interface {
	StartGroup(ctx context.Context, req model.StartGroupRequest) (model.GroupResult, error)
	EndGroup(ctx context.Context) model.GroupResult
	GroupStatus() model.GroupStatus
	AdjustGroup(ctx context.Context, multiplier float64) model.GroupResult
}

type GroupHandler struct {
	groups Groups
}

func NewGroupHandler(groups Groups) *GroupHandler {
	return &GroupHandler{groups: groups}
}

type groupAdjustRequest struct {
	Multiplier float64 `json:"multiplier"`
}

func (h *GroupHandler) RegisterRoutes(r *gin.RouterGroup) {
	group := r.Group("/group")
	{
		group.POST("/start", h.Start)
		group.POST("/stop", h.Stop)
		group.POST("/adjust", h.Adjust)
		group.GET("/status", h.Status)
	}
}

func (h *GroupHandler) Start(c *gin.Context) {
	var req model.StartGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	res, err := h.groups.StartGroup(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Stop always answers 200; member failures are listed in the body.
func (h *GroupHandler) Stop(c *gin.Context) {
	c.JSON(http.StatusOK, h.groups.EndGroup(c.Request.Context()))
}

func (h *GroupHandler) Adjust(c *gin.Context) {
	var req groupAdjustRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeBindError(c, err)
			return
		}
	}
	if req.Multiplier != 0 && req.Multiplier < 1 {
		writeError(c, model.NewConfigurationError("multiplier must be >= 1, got %v", req.Multiplier))
		return
	}
	c.JSON(http.StatusOK, h.groups.AdjustGroup(c.Request.Context(), req.Multiplier))
}

func (h *GroupHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.groups.GroupStatus())
}
