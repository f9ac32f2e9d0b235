package relayhttp

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/chatgate/internal/gate"
	"github.com/router-for-me/chatgate/internal/security"
	internalsettings "github.com/router-for-me/chatgate/internal/settings"
)

// Context keys set by IdentityMiddleware.
const (
	ContextUserID    = "userID"
	ContextUserEmail = "userEmail"
	ContextUserName  = "userName"
)

// IdentityMiddleware resolves the caller. A bearer token must be a valid user
// JWT. Requests without one are keyed by client address when allowAnonymous
// is set and rejected otherwise.
func IdentityMiddleware(jwtSecret string, allowAnonymous bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			if !allowAnonymous {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
				return
			}
			c.Set(ContextUserID, internalsettings.AnonymousUserPrefix+c.ClientIP())
			c.Next()
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseUserToken(jwtSecret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextUserID, claims.UserID())
		c.Set(ContextUserEmail, claims.Email)
		c.Set(ContextUserName, claims.Name)
		c.Next()
	}
}

// UserFromContext returns the caller resolved by IdentityMiddleware.
func UserFromContext(c *gin.Context) gate.User {
	return gate.User{
		ID:    c.GetString(ContextUserID),
		Email: c.GetString(ContextUserEmail),
		Name:  c.GetString(ContextUserName),
	}
}
