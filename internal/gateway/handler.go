package gateway

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Authenticator checks a sandbox access token and returns the instance address.
// A successful check counts as activity on the sandbox.
type Authenticator interface {
	Authenticate(sandboxID, token string) (string, error)
}

// Service is the gateway service
type Service struct {
	sandboxes Authenticator
	config    *Config
	transport http.RoundTripper
}

// NewService creates a new gateway service
func NewService(sandboxes Authenticator, config *Config) *Service {
	cfg := config.withDefaults()
	return &Service{
		sandboxes: sandboxes,
		config:    cfg,
		transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       cfg.IdleConnTimeout,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		},
	}
}

// RegisterRoutes registers the sandbox access routes.
// Format: /sandboxes/:sandbox/*action, where action is forwarded to the instance.
func (s *Service) RegisterRoutes(r *gin.RouterGroup) {
	proxyGroup := r.Group("/sandboxes")
	proxyGroup.Use(s.AuthMiddleware())
	proxyGroup.Any("/:sandbox/*action", s.ProxyHandler)
}
