package handler

import (
	"net/http"

	"github.com/fslongjin/sandboxd/internal/lifecycle"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
)

// Resources reports ledger accounting and the latest usage samples.
type Resources interface {
	ResourceSummary() model.ResourceSummary
	Usage() map[string]model.UsageSample
}

// ToolCatalog lists the functions available under the tools root.
type ToolCatalog interface {
	Catalog() ([]model.ToolDescriptor, error)
}

type SystemHandler struct {
	resources  Resources
	tools      ToolCatalog
	drainState *lifecycle.DrainManager
}

func NewSystemHandler(resources Resources, tools ToolCatalog, drainState *lifecycle.DrainManager) *SystemHandler {
	return &SystemHandler{resources: resources, tools: tools, drainState: drainState}
}

func (h *SystemHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "sandboxd"})
	})
	r.GET("/readyz", h.Ready)
	r.GET("/resources", h.Summary)
	r.GET("/resources/usage", h.Usage)
	r.GET("/tools", h.Tools)
}

func (h *SystemHandler) Ready(c *gin.Context) {
	if h.drainState.IsDraining() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "draining", "service": "sandboxd"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "sandboxd"})
}

func (h *SystemHandler) Summary(c *gin.Context) {
	c.JSON(http.StatusOK, h.resources.ResourceSummary())
}

func (h *SystemHandler) Usage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"usage": h.resources.Usage()})
}

func (h *SystemHandler) Tools(c *gin.Context) {
	tools, err := h.tools.Catalog()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}
