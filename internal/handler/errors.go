package handler

import (
	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
)

func writeError(c *gin.Context, err error) {
	status := model.HTTPStatus(err)
	if status >= 500 {
		logx.LoggerWithRequestID(c.Request.Context()).Error("request failed",
			"component", "api",
			"path", c.FullPath(),
			"kind", model.KindOf(err),
			"error", err,
		)
	}
	_ = c.Error(err)
	c.JSON(status, model.NewErrorResponse(err))
}

func writeBindError(c *gin.Context, err error) {
	writeError(c, model.NewConfigurationError("invalid request body: %v", err))
}
