package apikey

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kestrelhq/fraudscan/internal/fraud"
	"github.com/kestrelhq/fraudscan/internal/logging"
)

const (
	// ContextKeyAPIKey is the key for storing the API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyID is the key for storing the authenticated key's ID
	ContextKeyID = "key_id"
	// ContextKeyAuthStatus carries the validation status for rejected keys
	ContextKeyAuthStatus = "auth_status"
)

// Middleware extracts and validates the API key from the request.
// Sets apiKey and key_id in context if valid; invalid keys pass through
// unauthenticated so RequireScope can reject with the right status.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		if raw != "" {
			res := m.ValidateKey(c.Request.Context(), raw)
			if res.Valid {
				c.Set(ContextKeyAPIKey, res.Key)
				c.Set(ContextKeyID, res.Key.ID)
				c.Request = c.Request.WithContext(
					fraud.WithKeyID(c.Request.Context(), res.Key.ID))
			} else if res.Status != StatusMissing {
				c.Set(ContextKeyAuthStatus, res.Status)
				logging.L(c.Request.Context()).Debug("api key rejected",
					"status", string(res.Status))
			}
		}

		c.Next()
	}
}

// RequireScope rejects requests whose key is missing or lacks the scope.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := Get(c)
		if !ok {
			if st, exists := c.Get(ContextKeyAuthStatus); exists && st == StatusSuspended {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "account suspended",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		if !key.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "API key does not have the required scope: " + scope,
			})
			return
		}
		c.Next()
	}
}

// Get returns the API key from context (if authenticated).
func Get(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// IsAuthenticated checks if the request is authenticated.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}

// RateLimitKey returns the identity and allowance the rate limiter should
// use for this request: the key ID with its tier's RPM when authenticated,
// empty otherwise (the limiter falls back to client IP).
func RateLimitKey(c *gin.Context) (string, int) {
	key, ok := Get(c)
	if !ok {
		return "", 0
	}
	return "key:" + key.ID, ConfigForTier(key.Tier).RateLimitRPM
}
