package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEventStatus represents the processing state of a billing webhook.
type WebhookEventStatus int

// WebhookEventStatus constants define processing states.
const (
	// WebhookEventStatusReceived marks a verified, stored delivery.
	WebhookEventStatusReceived WebhookEventStatus = 1
	// WebhookEventStatusProcessed marks a delivery whose invalidation completed.
	WebhookEventStatusProcessed WebhookEventStatus = 2
	// WebhookEventStatusIgnored marks a delivery that does not affect entitlements.
	WebhookEventStatusIgnored WebhookEventStatus = 3
	// WebhookEventStatusFailed marks a delivery whose invalidation failed.
	WebhookEventStatusFailed WebhookEventStatus = 4
)

// String returns the lowercase status name.
func (s WebhookEventStatus) String() string {
	switch s {
	case WebhookEventStatusReceived:
		return "received"
	case WebhookEventStatusProcessed:
		return "processed"
	case WebhookEventStatusIgnored:
		return "ignored"
	case WebhookEventStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WebhookEvent records a billing webhook delivery for idempotency and audit.
type WebhookEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	WebhookID  string `gorm:"type:varchar(128);not null;uniqueIndex"` // Delivery id from the webhook-id header.
	Type       string `gorm:"type:varchar(64);not null;index"`        // Event type, e.g. subscription.updated.
	CustomerID string `gorm:"type:varchar(255);index"`                // External customer id carried by the event.

	Payload datatypes.JSON `gorm:"type:jsonb"` // Raw event body.

	Status WebhookEventStatus `gorm:"not null;default:1"` // Processing state.
	Error  string             `gorm:"type:text"`          // Last processing error.

	ProcessedAt *time.Time // Time the invalidation finished.
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime"` // Receive timestamp.
	UpdatedAt   time.Time  `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
