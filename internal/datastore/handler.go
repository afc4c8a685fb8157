package datastore

import (
	"net/http"
	"strconv"

	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/security"
	"github.com/fslongjin/sandboxd/internal/store"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
)

const (
	namespaceParam = "namespace"
	grantsKey      = "datastore_grants"
	sandboxKey     = "sandbox_id"
)

// TokenResolver maps a sandbox access token to the sandbox and its grants.
type TokenResolver interface {
	GrantsForToken(token string) (string, []model.DatabaseAccess, error)
}

// Handler is the datastore gateway reached by sandboxes over their network.
type Handler struct {
	svc    *Service
	tokens TokenResolver
}

func NewHandler(svc *Service, tokens TokenResolver) *Handler {
	return &Handler{svc: svc, tokens: tokens}
}

type vectorUpsertRequest struct {
	Documents []VectorDocument `json:"documents" binding:"required"`
}

type vectorQueryRequest struct {
	Embedding []float32         `json:"embedding" binding:"required"`
	Limit     int               `json:"limit"`
	Where     map[string]string `json:"where"`
}

type vectorDeleteRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

type nodesRequest struct {
	Nodes []store.GraphNode `json:"nodes" binding:"required"`
}

type edgesRequest struct {
	Edges []store.GraphEdge `json:"edges" binding:"required"`
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	ds := r.Group("/datastore")
	ds.Use(h.AuthMiddleware())

	vector := ds.Group("/vector/:" + namespaceParam)
	{
		vector.POST("/upsert", h.authorize(model.DatabaseVector, true), h.VectorUpsert)
		vector.POST("/query", h.authorize(model.DatabaseVector, false), h.VectorQuery)
		vector.POST("/delete", h.authorize(model.DatabaseVector, true), h.VectorDelete)
		vector.GET("/count", h.authorize(model.DatabaseVector, false), h.VectorCount)
	}

	graph := ds.Group("/graph/:" + namespaceParam)
	{
		graph.POST("/nodes", h.authorize(model.DatabaseGraph, true), h.GraphUpsertNodes)
		graph.GET("/nodes", h.authorize(model.DatabaseGraph, false), h.GraphListNodes)
		graph.GET("/nodes/:id", h.authorize(model.DatabaseGraph, false), h.GraphGetNode)
		graph.POST("/edges", h.authorize(model.DatabaseGraph, true), h.GraphUpsertEdges)
		graph.GET("/neighbors/:id", h.authorize(model.DatabaseGraph, false), h.GraphNeighbors)
		graph.GET("/traverse/:id", h.authorize(model.DatabaseGraph, false), h.GraphTraverse)
	}
}

// AuthMiddleware resolves the caller's access token into its grants.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := logx.LoggerWithRequestID(c.Request.Context()).With("component", "datastore_auth")
		token := security.TokenFromRequest(c.Request)
		if token == "" {
			logger.Warn("missing access token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing access token"})
			return
		}
		id, grants, err := h.tokens.GrantsForToken(token)
		if err != nil {
			logger.Warn("datastore token rejected", "error", err)
			abortWithError(c, err)
			return
		}
		c.Set(sandboxKey, id)
		c.Set(grantsKey, grants)
		c.Next()
	}
}

func (h *Handler) authorize(t model.DatabaseType, write bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		grants, _ := c.Get(grantsKey)
		access, _ := grants.([]model.DatabaseAccess)
		ns := c.Param(namespaceParam)
		if err := Authorize(access, t, ns, write); err != nil {
			logx.LoggerWithRequestID(c.Request.Context()).Warn("datastore access denied",
				"component", "datastore_auth",
				"sandbox_id", c.GetString(sandboxKey),
				"database_type", t,
				"namespace", ns,
				"write", write,
			)
			abortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (h *Handler) VectorUpsert(c *gin.Context) {
	var req vectorUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ns := c.Param(namespaceParam)
	if err := h.svc.Vector.Upsert(c.Request.Context(), ns, req.Documents); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upserted": len(req.Documents), "count": h.svc.Vector.Count(ns)})
}

func (h *Handler) VectorQuery(c *gin.Context) {
	var req vectorQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	matches, err := h.svc.Vector.Query(c.Request.Context(), c.Param(namespaceParam), req.Embedding, req.Limit, req.Where)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

func (h *Handler) VectorDelete(c *gin.Context) {
	var req vectorDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ns := c.Param(namespaceParam)
	if err := h.svc.Vector.Delete(c.Request.Context(), ns, req.IDs...); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": h.svc.Vector.Count(ns)})
}

func (h *Handler) VectorCount(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.svc.Vector.Count(c.Param(namespaceParam))})
}

func (h *Handler) GraphUpsertNodes(c *gin.Context) {
	var req nodesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.Graph.UpsertNodes(c.Request.Context(), c.Param(namespaceParam), req.Nodes); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upserted": len(req.Nodes)})
}

func (h *Handler) GraphUpsertEdges(c *gin.Context) {
	var req edgesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.svc.Graph.UpsertEdges(c.Request.Context(), c.Param(namespaceParam), req.Edges); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upserted": len(req.Edges)})
}

func (h *Handler) GraphListNodes(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	nodes, err := h.svc.Graph.Nodes(c.Request.Context(), c.Param(namespaceParam), c.Query("label"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (h *Handler) GraphGetNode(c *gin.Context) {
	node, err := h.svc.Graph.Node(c.Request.Context(), c.Param(namespaceParam), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, model.NewErrorResponse(err))
		return
	}
	c.JSON(http.StatusOK, node)
}

func (h *Handler) GraphNeighbors(c *gin.Context) {
	edges, err := h.svc.Graph.Neighbors(c.Request.Context(), c.Param(namespaceParam), c.Param("id"), c.Query("relation"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges})
}

func (h *Handler) GraphTraverse(c *gin.Context) {
	depth, _ := strconv.Atoi(c.Query("depth"))
	sub, err := h.svc.Graph.Traverse(c.Request.Context(), c.Param(namespaceParam), c.Param("id"), c.Query("relation"), depth)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(model.HTTPStatus(err), model.NewErrorResponse(err))
}
