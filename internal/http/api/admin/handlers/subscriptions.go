package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/chatgate/internal/gate"
	"github.com/router-for-me/chatgate/internal/store"
	log "github.com/sirupsen/logrus"
)

// SubscriptionAdminHandler serves operator actions on entitlements.
type SubscriptionAdminHandler struct {
	service *gate.Service
}

// NewSubscriptionAdminHandler constructs a SubscriptionAdminHandler.
func NewSubscriptionAdminHandler(service *gate.Service) *SubscriptionAdminHandler {
	return &SubscriptionAdminHandler{service: service}
}

// InvalidateUser drops the cached entitlement of one user.
func (h *SubscriptionAdminHandler) InvalidateUser(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	if errInvalidate := h.service.InvalidateSubscriptionCache(c.Request.Context(), userID, "admin"); errInvalidate != nil {
		log.WithError(errInvalidate).WithField("user_id", userID).Error("admin: invalidate subscription cache failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "invalidate failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "invalidated": true})
}

// InvalidateAll drops every cached entitlement.
func (h *SubscriptionAdminHandler) InvalidateAll(c *gin.Context) {
	removed, errClear := h.service.ClearAllSubscriptionCache(c.Request.Context())
	if errClear != nil {
		log.WithError(errClear).Error("admin: clear subscription cache failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "clear failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// DeleteCustomer removes a user's billing customer.
func (h *SubscriptionAdminHandler) DeleteCustomer(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	deleted, errDelete := h.service.DeleteCustomer(c.Request.Context(), userID)
	switch {
	case errDelete == nil:
	case errors.Is(errDelete, gate.ErrAnonymous):
		c.JSON(http.StatusBadRequest, gin.H{"error": "anonymous users have no customer"})
		return
	case errors.Is(errDelete, gate.ErrBillingDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "billing not configured"})
		return
	default:
		log.WithError(errDelete).WithField("user_id", userID).Error("admin: delete customer failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "delete customer failed"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "deleted": true})
}

// ListWebhookEvents returns recorded billing webhook deliveries.
func (h *SubscriptionAdminHandler) ListWebhookEvents(c *gin.Context) {
	filter := store.WebhookEventFilter{
		CustomerID: strings.TrimSpace(c.Query("customer_id")),
		Type:       strings.TrimSpace(c.Query("type")),
	}
	if pageQ := strings.TrimSpace(c.Query("page")); pageQ != "" {
		if page, errParse := strconv.Atoi(pageQ); errParse == nil {
			filter.Page = page
		}
	}
	if sizeQ := strings.TrimSpace(c.Query("page_size")); sizeQ != "" {
		if size, errParse := strconv.Atoi(sizeQ); errParse == nil {
			filter.PageSize = size
		}
	}

	rows, total, errList := h.service.ListWebhookEvents(c.Request.Context(), filter)
	if errList != nil {
		log.WithError(errList).Error("admin: list webhook events failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list webhook events failed"})
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"id":           row.ID,
			"webhook_id":   row.WebhookID,
			"type":         row.Type,
			"customer_id":  row.CustomerID,
			"status":       row.Status.String(),
			"error":        row.Error,
			"processed_at": row.ProcessedAt,
			"created_at":   row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out, "total": total})
}
