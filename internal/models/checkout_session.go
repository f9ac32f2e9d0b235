package models

import "time"

// CheckoutSession records a hosted checkout started for a user.
type CheckoutSession struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID    string `gorm:"type:varchar(255);not null;index"` // Account id the checkout belongs to.
	Email     string `gorm:"type:varchar(255);not null"`       // Customer email sent to billing.
	SessionID string `gorm:"type:varchar(128);index"`          // Billing authority checkout id.
	URL       string `gorm:"type:text;not null"`               // Hosted checkout URL.

	CompletedAt *time.Time // Time the success redirect was observed.
	CreatedAt   time.Time  `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
