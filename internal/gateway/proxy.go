package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/fslongjin/sandboxd/internal/logx"
	"github.com/fslongjin/sandboxd/internal/security"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
)

// ProxyHandler forwards the request to the sandbox instance
func (s *Service) ProxyHandler(c *gin.Context) {
	target := &url.URL{Scheme: "http", Host: c.GetString(targetKey)}
	sandboxID := c.Param(sandboxIDParam)
	realPath := c.Param(actionParam)
	if realPath == "" {
		realPath = "/"
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = s.transport
	director := proxy.Director
	proxy.Director = func(req *http.Request) {
		director(req)
		// Original path: /sandboxes/{id}/...
		// Target path: /...
		req.URL.Path = realPath
		req.URL.RawPath = ""
		req.Host = target.Host

		// The instance never sees the caller's access token
		req.Header.Del(security.AccessTokenHeader)
		req.Header.Del("Authorization")
		req.Header.Set("X-Sandbox-ID", sandboxID)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logx.LoggerWithRequestID(r.Context()).Warn("sandbox proxy failed",
			"component", "gateway_proxy",
			"target", target.Host,
			"error", err,
		)
		c.AbortWithStatusJSON(http.StatusBadGateway, model.ErrorResponse{Error: "sandbox unreachable: " + err.Error()})
	}

	proxy.ServeHTTP(c.Writer, c.Request)
}
