package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/chatgate/internal/billing"
	"github.com/router-for-me/chatgate/internal/gate"
	log "github.com/sirupsen/logrus"
)

// maxWebhookBody caps the accepted webhook payload size.
const maxWebhookBody = 1 << 20

// WebhookHandler receives billing authority webhooks.
type WebhookHandler struct {
	service *gate.Service
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(service *gate.Service) *WebhookHandler {
	return &WebhookHandler{service: service}
}

// Receive verifies and applies one webhook delivery.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if errRead != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body failed"})
		return
	}
	if len(body) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
		return
	}

	result, errHandle := h.service.HandleBillingEvent(c.Request.Context(), c.Request.Header, body)
	switch {
	case errHandle == nil:
		c.JSON(http.StatusAccepted, result)
	case errors.Is(errHandle, billing.ErrInvalidSignature), errors.Is(errHandle, billing.ErrStaleWebhook):
		log.WithError(errHandle).Warn("billing webhook: rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
	case errors.Is(errHandle, billing.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
	case errors.Is(errHandle, gate.ErrWebhookDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "webhooks not configured"})
	default:
		log.WithError(errHandle).Error("billing webhook: handle failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "handle webhook failed"})
	}
}
