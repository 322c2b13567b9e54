package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyClient is the gin context key for the authenticated *Client.
const ContextKeyClient = "authClient"

// RequireAPIKey rejects requests without a valid key in the Authorization
// (Bearer) or X-API-Key header. With an empty key set every request passes
// as the demo client.
func RequireAPIKey(keys *KeySet) gin.HandlerFunc {
	return func(c *gin.Context) {
		if keys.Len() == 0 {
			c.Set(ContextKeyClient, demoClient)
			c.Next()
			return
		}

		raw := extractKey(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer <key>' or 'X-API-Key' header.",
			})
			return
		}

		client, ok := keys.Validate(raw)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid API key.",
			})
			return
		}

		c.Set(ContextKeyClient, client)
		c.Next()
	}
}

// RequireAdmin checks X-Admin-Secret against secret. When secret is empty
// (demo mode) any request that passed RequireAPIKey is admitted.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if !IsAuthenticated(c) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Authentication required.",
				})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		c.Next()
	}
}

// GetClient returns the authenticated client, if any.
func GetClient(c *gin.Context) (*Client, bool) {
	v, exists := c.Get(ContextKeyClient)
	if !exists {
		return nil, false
	}
	client, ok := v.(*Client)
	return client, ok
}

// IsAuthenticated reports whether RequireAPIKey admitted the request.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetClient(c)
	return ok
}

func extractKey(c *gin.Context) string {
	if k := strings.TrimSpace(c.GetHeader("X-API-Key")); k != "" {
		return k
	}
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
