package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthTimeout bounds each dependency check.
const healthTimeout = 2 * time.Second

// Pinger checks one dependency.
type Pinger func(ctx context.Context) error

// HealthHandler reports process and dependency health.
type HealthHandler struct {
	checks map[string]Pinger
}

// NewHealthHandler constructs a HealthHandler over named checks.
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Healthz returns 200 when every check passes and 503 otherwise.
func (h *HealthHandler) Healthz(c *gin.Context) {
	status := http.StatusOK
	results := make(gin.H, len(h.checks))
	for name, check := range h.checks {
		if check == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		errCheck := check(ctx)
		cancel()
		if errCheck != nil {
			status = http.StatusServiceUnavailable
			results[name] = errCheck.Error()
			continue
		}
		results[name] = "ok"
	}
	body := gin.H{"status": "ok", "checks": results}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}
