package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/router-for-me/chatgate/internal/db"
	"github.com/router-for-me/chatgate/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// GormEventStore persists billing webhook deliveries and checkout sessions.
type GormEventStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewGormEventStore constructs a GormEventStore.
func NewGormEventStore(conn *gorm.DB) *GormEventStore {
	return &GormEventStore{db: conn, nowFn: time.Now}
}

// WebhookEventInput describes a verified webhook delivery.
type WebhookEventInput struct {
	WebhookID  string
	Type       string
	CustomerID string
	Payload    []byte
	Relevant   bool
}

// RecordWebhookEvent stores a delivery once. It returns false when the
// webhook id was already recorded, which marks a redelivery.
func (s *GormEventStore) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (uint64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, fmt.Errorf("gorm event store: not initialized")
	}
	webhookID := strings.TrimSpace(in.WebhookID)
	if webhookID == "" {
		return 0, false, fmt.Errorf("gorm event store: missing webhook id")
	}
	status := models.WebhookEventStatusReceived
	if !in.Relevant {
		status = models.WebhookEventStatusIgnored
	}
	record := models.WebhookEvent{
		WebhookID:  webhookID,
		Type:       strings.TrimSpace(in.Type),
		CustomerID: strings.TrimSpace(in.CustomerID),
		Payload:    datatypes.JSON(in.Payload),
		Status:     status,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "webhook_id"}},
		DoNothing: true,
	}).Create(&record)
	if res.Error != nil {
		return 0, false, fmt.Errorf("gorm event store: insert webhook event: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, false, nil
	}
	return record.ID, true, nil
}

// MarkWebhookEvent records the processing result for a stored delivery.
func (s *GormEventStore) MarkWebhookEvent(ctx context.Context, id uint64, errProcess error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm event store: not initialized")
	}
	now := s.nowFn().UTC()
	updates := map[string]any{
		"status":       models.WebhookEventStatusProcessed,
		"error":        "",
		"processed_at": &now,
	}
	if errProcess != nil {
		updates["status"] = models.WebhookEventStatusFailed
		updates["error"] = errProcess.Error()
	}
	if errUpdate := s.db.WithContext(ctx).Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error; errUpdate != nil {
		return fmt.Errorf("gorm event store: mark webhook event: %w", errUpdate)
	}
	return nil
}

// WebhookEventFilter narrows ListWebhookEvents.
type WebhookEventFilter struct {
	CustomerID string
	Type       string
	Page       int
	PageSize   int
}

// ListWebhookEvents returns deliveries newest first along with the total count.
func (s *GormEventStore) ListWebhookEvents(ctx context.Context, filter WebhookEventFilter) ([]models.WebhookEvent, int64, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("gorm event store: not initialized")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	query := s.db.WithContext(ctx).Model(&models.WebhookEvent{})
	if customer := strings.TrimSpace(filter.CustomerID); customer != "" {
		pattern := db.NormalizeLikePattern(s.db, "%"+customer+"%")
		query = query.Where(db.CaseInsensitiveLikeExpr(s.db, "customer_id"), pattern)
	}
	if eventType := strings.TrimSpace(filter.Type); eventType != "" {
		query = query.Where("type = ?", eventType)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("gorm event store: count webhook events: %w", errCount)
	}
	var rows []models.WebhookEvent
	if errFind := query.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("gorm event store: list webhook events: %w", errFind)
	}
	return rows, total, nil
}

// RecordCheckout stores a created checkout session.
func (s *GormEventStore) RecordCheckout(ctx context.Context, session *models.CheckoutSession) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm event store: not initialized")
	}
	if session == nil {
		return fmt.Errorf("gorm event store: checkout is nil")
	}
	if errCreate := s.db.WithContext(ctx).Create(session).Error; errCreate != nil {
		return fmt.Errorf("gorm event store: insert checkout: %w", errCreate)
	}
	return nil
}

// CompleteCheckouts marks the user's open checkouts as completed.
func (s *GormEventStore) CompleteCheckouts(ctx context.Context, userID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("gorm event store: not initialized")
	}
	now := s.nowFn().UTC()
	res := s.db.WithContext(ctx).Model(&models.CheckoutSession{}).
		Where("user_id = ? AND completed_at IS NULL", strings.TrimSpace(userID)).
		Update("completed_at", &now)
	if res.Error != nil {
		return 0, fmt.Errorf("gorm event store: complete checkouts: %w", res.Error)
	}
	return res.RowsAffected, nil
}
