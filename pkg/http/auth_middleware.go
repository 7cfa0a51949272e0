package http

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"voice-integrity-server/pkg/errors"
)

// AuthConfig holds API key authentication configuration
type AuthConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	APIKeys     []string `yaml:"api_keys" json:"-"`
	ExemptPaths []string `yaml:"exempt_paths" json:"exempt_paths"` // Paths that don't require authentication
}

// AuthMiddleware checks API keys on every non-exempt request
type AuthMiddleware struct {
	logger *logrus.Entry
	config AuthConfig
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(config AuthConfig, logger *logrus.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		logger: logger.WithField("component", "auth_middleware"),
		config: config,
	}
}

// Middleware returns the authentication middleware handler
func (am *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !am.config.Enabled || am.isPathExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if !am.authenticate(r) {
			am.logger.WithFields(logrus.Fields{
				"path":   r.URL.Path,
				"method": r.Method,
			}).Warn("Authentication failed")
			errors.WriteError(w, errors.Wrap(errors.ErrUnauthorized, "valid API key required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate accepts X-API-Key, a bearer token, or for WebSocket
// upgrades an api_key query parameter
func (am *AuthMiddleware) authenticate(r *http.Request) bool {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return am.validKey(key)
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return am.validKey(strings.TrimPrefix(header, "Bearer "))
	}
	if isWebSocketRequest(r) {
		if key := r.URL.Query().Get("api_key"); key != "" {
			return am.validKey(key)
		}
	}
	return false
}

func (am *AuthMiddleware) validKey(candidate string) bool {
	for _, key := range am.config.APIKeys {
		if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

// isPathExempt checks if a path is exempt from authentication
func (am *AuthMiddleware) isPathExempt(path string) bool {
	for _, exempt := range am.config.ExemptPaths {
		if path == exempt || strings.HasPrefix(path, exempt+"/") {
			return true
		}
	}
	return false
}

func isWebSocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
