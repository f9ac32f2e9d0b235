package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/chatgate/internal/gate"
	relayhttp "github.com/router-for-me/chatgate/internal/http"
	"github.com/router-for-me/chatgate/internal/ratelimit"
)

// GateHandler serves quota checks.
type GateHandler struct {
	service *gate.Service
}

// NewGateHandler constructs a GateHandler.
func NewGateHandler(service *gate.Service) *GateHandler {
	return &GateHandler{service: service}
}

type checkRequest struct {
	Tier string `json:"tier"`
}

// Check consumes one request from the caller's quota and reports the decision.
func (h *GateHandler) Check(c *gin.Context) {
	var req checkRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	tier, errTier := ratelimit.ParseTier(req.Tier)
	if errTier != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown tier"})
		return
	}

	decision, errCheck := h.service.CheckAndConsume(c.Request.Context(), c.GetString(relayhttp.ContextUserID), tier)
	if errCheck != nil {
		status, body := relayhttp.QuotaErrorResponse(errCheck)
		c.JSON(status, body)
		return
	}
	now := time.Now()
	relayhttp.WriteQuotaHeaders(c, decision, now)
	if !decision.Allowed {
		c.JSON(http.StatusTooManyRequests, relayhttp.DenialBody(decision, now))
		return
	}
	c.JSON(http.StatusOK, decision)
}

// Authorize answers reverse-proxy auth subrequests once RequireQuota has
// admitted the caller. The tier comes from the X-Chat-Tier header.
func (h *GateHandler) Authorize(c *gin.Context) {
	c.Header("X-Chat-User", c.GetString(relayhttp.ContextUserID))
	c.Status(http.StatusNoContent)
}

// Tiers lists the tier table in force.
func (h *GateHandler) Tiers(c *gin.Context) {
	tiers, unlimited := h.service.Tiers()
	c.JSON(http.StatusOK, gin.H{"tiers": tiers, "unlimited": unlimited})
}
