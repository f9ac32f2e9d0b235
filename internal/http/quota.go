package relayhttp

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/chatgate/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// HeaderTier selects the tier of a gated request.
const HeaderTier = "X-Chat-Tier"

// ContextDecision holds the quota decision of the current request.
const ContextDecision = "quotaDecision"

// QuotaChecker decides whether a user may make one more request.
type QuotaChecker interface {
	CheckAndConsume(ctx context.Context, userID string, tier ratelimit.Tier) (ratelimit.Decision, error)
}

// TierFunc picks the tier of a request.
type TierFunc func(c *gin.Context) (ratelimit.Tier, error)

// TierFromHeader reads the tier from HeaderTier and falls back when absent.
func TierFromHeader(fallback ratelimit.Tier) TierFunc {
	return func(c *gin.Context) (ratelimit.Tier, error) {
		raw := strings.TrimSpace(c.GetHeader(HeaderTier))
		if raw == "" {
			return fallback, nil
		}
		return ratelimit.ParseTier(raw)
	}
}

// RequireQuota consumes one request from the caller's quota before the
// handler runs. Denials stop the chain with 429, and a store failure with 503.
func RequireQuota(checker QuotaChecker, tierFn TierFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		tier, errTier := tierFn(c)
		if errTier != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown tier"})
			return
		}
		decision, errCheck := checker.CheckAndConsume(c.Request.Context(), c.GetString(ContextUserID), tier)
		if errCheck != nil {
			status, body := QuotaErrorResponse(errCheck)
			c.AbortWithStatusJSON(status, body)
			return
		}
		WriteQuotaHeaders(c, decision, time.Now())
		c.Set(ContextDecision, decision)
		if !decision.Allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, DenialBody(decision, time.Now()))
			return
		}
		c.Next()
	}
}

// QuotaErrorResponse maps a CheckAndConsume error to a status and body.
func QuotaErrorResponse(err error) (int, gin.H) {
	switch {
	case errors.Is(err, ratelimit.ErrUnknownTier):
		return http.StatusBadRequest, gin.H{"error": "unknown tier"}
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, gin.H{"error": "rate limit store unavailable"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, gin.H{"error": "request canceled"}
	default:
		log.WithError(err).Error("rate limit: check failed")
		return http.StatusInternalServerError, gin.H{"error": "rate limit check failed"}
	}
}

// WriteQuotaHeaders sets the X-RateLimit-* headers, and Retry-After on denial.
func WriteQuotaHeaders(c *gin.Context, decision ratelimit.Decision, now time.Time) {
	binding := decision.Hourly
	if decision.Daily.Remaining < decision.Hourly.Remaining {
		binding = decision.Daily
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit()))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining()))
	if !binding.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(binding.ResetAt.Unix(), 10))
	}
	if !decision.Allowed {
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(decision, now)))
	}
}

// DenialBody is the JSON body of a 429 response.
func DenialBody(decision ratelimit.Decision, now time.Time) gin.H {
	retryAt := decision.RetryAt()
	body := gin.H{
		"error":               "rate_limit_exceeded",
		"tier":                decision.Tier.String(),
		"entitled":            decision.Entitled,
		"remaining":           decision.Remaining(),
		"retry_after_seconds": retryAfterSeconds(decision, now),
		"limits": gin.H{
			"hourly": decision.Hourly,
			"daily":  decision.Daily,
		},
	}
	if !retryAt.IsZero() {
		body["reset_at"] = retryAt.UTC()
	}
	return body
}

func retryAfterSeconds(decision ratelimit.Decision, now time.Time) int {
	retryAt := decision.RetryAt()
	if retryAt.IsZero() || !retryAt.After(now) {
		return 1
	}
	return int(math.Ceil(retryAt.Sub(now).Seconds()))
}
