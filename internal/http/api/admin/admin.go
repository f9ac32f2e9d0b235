package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/chatgate/internal/gate"
	handlers "github.com/router-for-me/chatgate/internal/http/api/admin/handlers"
	"github.com/router-for-me/chatgate/internal/security"
)

// HeaderAdminKey carries the operator API key.
const HeaderAdminKey = "X-Admin-Key"

// RegisterAdminRoutes registers health and operator routes.
func RegisterAdminRoutes(r *gin.Engine, service *gate.Service, adminKeyHash string, checks map[string]handlers.Pinger) {
	if r == nil || service == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(checks)
	r.GET("/healthz", healthHandler.Healthz)

	authed := r.Group("/v0/admin")
	authed.Use(adminAuthMiddleware(adminKeyHash))

	subscriptionHandler := handlers.NewSubscriptionAdminHandler(service)
	authed.DELETE("/subscription-cache", subscriptionHandler.InvalidateAll)
	authed.DELETE("/subscription-cache/:user_id", subscriptionHandler.InvalidateUser)
	authed.DELETE("/customers/:user_id", subscriptionHandler.DeleteCustomer)
	authed.GET("/webhook-events", subscriptionHandler.ListWebhookEvents)
}

// adminAuthMiddleware checks the operator key against its bcrypt hash. The key
// is read from X-Admin-Key or an Authorization bearer.
func adminAuthMiddleware(keyHash string) gin.HandlerFunc {
	keyHash = strings.TrimSpace(keyHash)
	return func(c *gin.Context) {
		if keyHash == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin api disabled"})
			return
		}

		key := strings.TrimSpace(c.GetHeader(HeaderAdminKey))
		if key == "" {
			authHeader := c.GetHeader("Authorization")
			if authHeader == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing admin key"})
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
				return
			}
			key = strings.TrimSpace(token)
		}
		if !security.CheckAdminKey(keyHash, key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
			return
		}
		c.Set("adminAuthenticated", true)
		c.Next()
	}
}
