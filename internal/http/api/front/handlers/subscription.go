package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/chatgate/internal/gate"
	relayhttp "github.com/router-for-me/chatgate/internal/http"
)

// SubscriptionHandler serves the caller's subscription state and billing flows.
type SubscriptionHandler struct {
	service *gate.Service
}

// NewSubscriptionHandler constructs a SubscriptionHandler.
func NewSubscriptionHandler(service *gate.Service) *SubscriptionHandler {
	return &SubscriptionHandler{service: service}
}

// Get returns the caller's entitlement and active subscriptions.
func (h *SubscriptionHandler) Get(c *gin.Context) {
	user := relayhttp.UserFromContext(c)
	status, errDetail := h.service.SubscriptionDetail(c.Request.Context(), user.ID)
	if errors.Is(errDetail, gate.ErrAnonymous) {
		c.JSON(http.StatusOK, gin.H{"subscribed": false, "anonymous": true, "subscriptions": status.Subscriptions})
		return
	}
	if errDetail != nil {
		writeServiceError(c, errDetail, "load subscription failed")
		return
	}
	c.JSON(http.StatusOK, status)
}

type checkoutRequest struct {
	SuccessURL string `json:"success_url"`
}

// Checkout opens a hosted checkout session.
func (h *SubscriptionHandler) Checkout(c *gin.Context) {
	var req checkoutRequest
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&req); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	session, errCreate := h.service.CreateCheckout(c.Request.Context(), relayhttp.UserFromContext(c), req.SuccessURL)
	if errCreate != nil {
		writeServiceError(c, errCreate, "create checkout failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": session.ID, "url": session.URL})
}

// Portal opens the hosted customer portal.
func (h *SubscriptionHandler) Portal(c *gin.Context) {
	session, errCreate := h.service.CreatePortal(c.Request.Context(), c.GetString(relayhttp.ContextUserID))
	if errCreate != nil {
		writeServiceError(c, errCreate, "create portal failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": session.ID, "url": session.URL})
}

// CheckoutSuccess refreshes the caller's entitlement after a completed checkout.
func (h *SubscriptionHandler) CheckoutSuccess(c *gin.Context) {
	subscribed, errComplete := h.service.CompleteCheckout(c.Request.Context(), c.GetString(relayhttp.ContextUserID))
	if errComplete != nil {
		writeServiceError(c, errComplete, "refresh subscription failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": subscribed})
}
