package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/chatgate/internal/billing"
	"github.com/router-for-me/chatgate/internal/gate"
	log "github.com/sirupsen/logrus"
)

// writeServiceError renders a gate error. Unrecognized errors are logged and
// reported with fallback.
func writeServiceError(c *gin.Context, err error, fallback string) {
	var statusErr *billing.StatusError
	switch {
	case errors.Is(err, gate.ErrAnonymous):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "sign in required"})
	case errors.Is(err, gate.ErrBillingDisabled), errors.Is(err, gate.ErrWebhookDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing not configured"})
	case errors.Is(err, billing.ErrCustomerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "customer not found"})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "billing request timed out"})
	case errors.As(err, &statusErr):
		log.WithError(err).Warn("billing request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "billing request failed"})
	default:
		log.WithError(err).Error(fallback)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
