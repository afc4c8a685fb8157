// Package auth guards the operator API with pre-shared keys stored as bcrypt
// hashes. Sandbox traffic is authenticated separately by access token.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/fslongjin/sandboxd/internal/security"
	"github.com/fslongjin/sandboxd/pkg/model"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	APIKeyPrefix    = "sbxk_"
	BcryptCost      = 12
	ContextKeyKeyID = "auth_api_key_id"
)

var ErrInvalidAPIKey = errors.New("invalid API key")

// GenerateAPIKey returns a new key and the bcrypt hash to put in the config.
func GenerateAPIKey() (key, hash string, err error) {
	raw, err := security.GenerateToken(24)
	if err != nil {
		return "", "", err
	}
	key = APIKeyPrefix + raw
	h, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return key, string(h), nil
}

// KeyVerifier checks presented keys against the configured hashes.
// Verified keys are remembered by their sha256 so bcrypt runs once per key.
type KeyVerifier struct {
	hashes [][]byte

	mu       sync.RWMutex
	verified map[string]struct{}
}

func NewKeyVerifier(hashes []string) *KeyVerifier {
	v := &KeyVerifier{verified: make(map[string]struct{})}
	for _, h := range hashes {
		if h = strings.TrimSpace(h); h != "" {
			v.hashes = append(v.hashes, []byte(h))
		}
	}
	return v
}

// Enabled reports whether any key is configured.
func (v *KeyVerifier) Enabled() bool {
	return v != nil && len(v.hashes) > 0
}

func (v *KeyVerifier) Verify(key string) error {
	if key == "" {
		return ErrInvalidAPIKey
	}
	digest := security.HashToken(key)
	v.mu.RLock()
	_, ok := v.verified[digest]
	v.mu.RUnlock()
	if ok {
		return nil
	}
	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			v.mu.Lock()
			v.verified[digest] = struct{}{}
			v.mu.Unlock()
			return nil
		}
	}
	return ErrInvalidAPIKey
}

// APIKeyMiddleware rejects requests without a valid Bearer key. It passes
// everything through when no key is configured, and always passes the
// probe paths in skip.
func APIKeyMiddleware(v *KeyVerifier, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if !v.Enabled() {
			c.Next()
			return
		}
		if _, ok := skipped[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		key := bearer(c.GetHeader("Authorization"))
		if err := v.Verify(key); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{Error: "authentication required"})
			return
		}
		c.Set(ContextKeyKeyID, key[:min(len(key), len(APIKeyPrefix)+4)])
		c.Next()
	}
}

func bearer(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
