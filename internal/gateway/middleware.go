package gateway

import (
	"net/http"

	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/security"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
)

const (
	sandboxIDParam = "sandbox"
	actionParam    = "action"
	targetKey      = "target"
)

// AuthMiddleware creates authentication middleware for the gateway
func (s *Service) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sandboxID := c.Param(sandboxIDParam)
		if sandboxID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, model.ErrorResponse{Error: "sandbox ID is required"})
			return
		}
		c.Request = c.Request.WithContext(logx.WithSandboxID(c.Request.Context(), sandboxID))
		logger := logx.LoggerWithRequestID(c.Request.Context()).With("component", "gateway_auth")

		token := security.TokenFromRequest(c.Request)
		if token == "" {
			logger.Warn("missing access token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{Error: "missing access token"})
			return
		}

		addr, err := s.sandboxes.Authenticate(sandboxID, token)
		if err != nil {
			logger.Warn("gateway auth rejected", "error", err)
			c.AbortWithStatusJSON(model.HTTPStatus(err), model.NewErrorResponse(err))
			return
		}

		logger.Debug("gateway auth success", "target", addr)
		c.Set(targetKey, addr)
		c.Next()
	}
}
