package front

import (
	"github.com/gin-gonic/gin"
	"github.com/router-for-me/chatgate/internal/config"
	"github.com/router-for-me/chatgate/internal/gate"
	relayhttp "github.com/router-for-me/chatgate/internal/http"
	handlers "github.com/router-for-me/chatgate/internal/http/api/front/handlers"
	"github.com/router-for-me/chatgate/internal/ratelimit"
)

// RegisterFrontRoutes registers the user-facing gate and subscription routes.
func RegisterFrontRoutes(r *gin.Engine, service *gate.Service, jwtCfg config.JWTConfig) {
	if r == nil || service == nil {
		return
	}

	webhookHandler := handlers.NewWebhookHandler(service)
	r.POST("/v1/billing/webhook", webhookHandler.Receive)

	gateHandler := handlers.NewGateHandler(service)
	r.GET("/v1/gate/tiers", gateHandler.Tiers)

	v1 := r.Group("/v1")
	v1.Use(relayhttp.IdentityMiddleware(jwtCfg.Secret, true))
	v1.POST("/gate/check", gateHandler.Check)
	v1.GET("/gate/auth", relayhttp.RequireQuota(service, relayhttp.TierFromHeader(ratelimit.Level0)), gateHandler.Authorize)

	subscriptionHandler := handlers.NewSubscriptionHandler(service)
	v1.GET("/subscription", subscriptionHandler.Get)
	v1.POST("/subscription/checkout", subscriptionHandler.Checkout)
	v1.POST("/subscription/portal", subscriptionHandler.Portal)
	v1.POST("/subscription/checkout/success", subscriptionHandler.CheckoutSuccess)
}
