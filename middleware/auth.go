package middleware

import (
	"net/http"
	"strings"

	"custcat-prediction-api/services"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding *services.Claims.
const ClaimsKey = "claims"

// RequireAuth accepts "Authorization: Bearer <jwt>" and, for clients that
// cannot set headers such as browsers opening a websocket, a token query
// parameter.
func RequireAuth(auth *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := auth.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// RequireRole must run after RequireAuth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := c.Get(ClaimsKey)
		cl, ok := claims.(*services.Claims)
		if !ok || cl.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
