package gate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/chatgate/internal/billing"
	"github.com/router-for-me/chatgate/internal/metrics"
	"github.com/router-for-me/chatgate/internal/models"
	"github.com/router-for-me/chatgate/internal/ratelimit"
	"github.com/router-for-me/chatgate/internal/store"
	"github.com/router-for-me/chatgate/internal/subscription"
	log "github.com/sirupsen/logrus"
)

// defaultInvalidateTimeout bounds an asynchronous webhook invalidation.
const defaultInvalidateTimeout = 10 * time.Second

var (
	// ErrAnonymous is returned for operations that need an account.
	ErrAnonymous = errors.New("gate: operation requires a signed-in user")
	// ErrBillingDisabled is returned when no billing client is configured.
	ErrBillingDisabled = errors.New("gate: billing is not configured")
	// ErrWebhookDisabled is returned when no webhook secret is configured.
	ErrWebhookDisabled = errors.New("gate: billing webhooks are not configured")
)

// BillingAPI is the part of the billing client the service drives directly.
type BillingAPI interface {
	CreateCheckoutSession(ctx context.Context, params billing.CheckoutParams) (*billing.Session, error)
	CreatePortalSession(ctx context.Context, externalID string) (*billing.Session, error)
	DeleteCustomer(ctx context.Context, externalID string) (bool, error)
}

// EventStore persists webhook deliveries and checkouts.
type EventStore interface {
	RecordWebhookEvent(ctx context.Context, in store.WebhookEventInput) (uint64, bool, error)
	MarkWebhookEvent(ctx context.Context, id uint64, errProcess error) error
	ListWebhookEvents(ctx context.Context, filter store.WebhookEventFilter) ([]models.WebhookEvent, int64, error)
	RecordCheckout(ctx context.Context, session *models.CheckoutSession) error
	CompleteCheckouts(ctx context.Context, userID string) (int64, error)
}

// Options wires a Service.
type Options struct {
	Limiter       *ratelimit.Manager
	Subscriptions *subscription.Cache
	Billing       BillingAPI
	Events        EventStore
	Verifier      *billing.WebhookVerifier
	Metrics       *metrics.Metrics
	// InvalidateTimeout bounds webhook-triggered invalidations.
	InvalidateTimeout time.Duration
}

// Service is the gate's public surface: quota checks, entitlement reads,
// invalidation and the billing flows that change entitlement.
type Service struct {
	limiter           *ratelimit.Manager
	subs              *subscription.Cache
	billing           BillingAPI
	events            EventStore
	verifier          *billing.WebhookVerifier
	metrics           *metrics.Metrics
	invalidateTimeout time.Duration

	pending sync.WaitGroup
}

// New constructs a Service. Limiter and Subscriptions are required.
func New(opts Options) (*Service, error) {
	if opts.Limiter == nil {
		return nil, errors.New("gate: nil limiter")
	}
	if opts.Subscriptions == nil {
		return nil, errors.New("gate: nil subscription cache")
	}
	timeout := opts.InvalidateTimeout
	if timeout <= 0 {
		timeout = defaultInvalidateTimeout
	}
	return &Service{
		limiter:           opts.Limiter,
		subs:              opts.Subscriptions,
		billing:           opts.Billing,
		events:            opts.Events,
		verifier:          opts.Verifier,
		metrics:           opts.Metrics,
		invalidateTimeout: timeout,
	}, nil
}

// CheckAndConsume decides whether userID may make one request at tier.
func (s *Service) CheckAndConsume(ctx context.Context, userID string, tier ratelimit.Tier) (ratelimit.Decision, error) {
	return s.limiter.CheckAndConsume(ctx, userID, tier)
}

// Tiers lists the tier table currently in force.
func (s *Service) Tiers() ([]ratelimit.TierPolicy, ratelimit.Policy) {
	table := s.limiter.Table()
	return table.List(), table.Unlimited()
}

// IsSubscribed reports whether userID holds an active subscription.
// Anonymous callers are never subscribed.
func (s *Service) IsSubscribed(ctx context.Context, userID string) (bool, error) {
	if ratelimit.IsAnonymous(userID) {
		return false, nil
	}
	return s.subs.Resolve(ctx, userID)
}

// SubscriptionStatus is the entitlement view returned to a signed-in user.
type SubscriptionStatus struct {
	UserID        string                 `json:"user_id"`
	Subscribed    bool                   `json:"subscribed"`
	Outcome       subscription.Outcome   `json:"outcome,omitempty"`
	CheckedAt     *time.Time             `json:"checked_at,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	Subscriptions []billing.Subscription `json:"subscriptions"`
}

// SubscriptionDetail resolves the user's entitlement and attaches the cached
// subscription list.
func (s *Service) SubscriptionDetail(ctx context.Context, userID string) (SubscriptionStatus, error) {
	status := SubscriptionStatus{UserID: userID, Subscriptions: []billing.Subscription{}}
	if ratelimit.IsAnonymous(userID) {
		return status, ErrAnonymous
	}
	subscribed, errResolve := s.subs.Resolve(ctx, userID)
	if errResolve != nil {
		return status, errResolve
	}
	status.Subscribed = subscribed
	if entry, ok, errLookup := s.subs.Lookup(ctx, userID); errLookup == nil && ok {
		checkedAt, expiresAt := entry.CheckedAt, entry.ExpiresAt
		status.Outcome = entry.Outcome
		status.CheckedAt = &checkedAt
		status.ExpiresAt = &expiresAt
	}
	state, errDetail := s.subs.Detail(ctx, userID)
	if errDetail != nil {
		return status, errDetail
	}
	if state != nil && len(state.ActiveSubscriptions) > 0 {
		status.Subscriptions = state.ActiveSubscriptions
	}
	return status, nil
}

// InvalidateSubscriptionCache drops every cached layer for userID.
func (s *Service) InvalidateSubscriptionCache(ctx context.Context, userID, source string) error {
	if errInvalidate := s.subs.Invalidate(ctx, userID); errInvalidate != nil {
		return errInvalidate
	}
	s.metrics.ObserveInvalidation(source)
	return nil
}

// ClearAllSubscriptionCache drops every cached entitlement and returns the
// number of shared keys removed.
func (s *Service) ClearAllSubscriptionCache(ctx context.Context) (int, error) {
	removed, errClear := s.subs.InvalidateAll(ctx)
	if errClear != nil {
		return 0, errClear
	}
	s.metrics.ObserveInvalidation("admin_all")
	log.WithField("removed", removed).Info("subscription cache: cleared")
	return removed, nil
}

// WebhookResult summarizes how a delivery was handled.
type WebhookResult struct {
	EventID      uint64 `json:"event_id,omitempty"`
	Type         string `json:"type"`
	CustomerID   string `json:"customer_id,omitempty"`
	Duplicate    bool   `json:"duplicate"`
	Invalidating bool   `json:"invalidating"`
}

// HandleBillingEvent verifies a billing webhook, records it once and, when the
// event can change entitlement, invalidates the customer's cache in the
// background. Redeliveries of a recorded webhook id are acknowledged without
// side effects.
func (s *Service) HandleBillingEvent(ctx context.Context, header http.Header, body []byte) (WebhookResult, error) {
	if s.verifier == nil {
		return WebhookResult{}, ErrWebhookDisabled
	}
	if errVerify := s.verifier.Verify(header, body); errVerify != nil {
		return WebhookResult{}, errVerify
	}
	event, errParse := billing.ParseEvent(body)
	if errParse != nil {
		return WebhookResult{}, errParse
	}
	result := WebhookResult{Type: event.Type, CustomerID: event.CustomerExternalID()}
	relevant := event.AffectsEntitlement()

	if s.events != nil {
		id, inserted, errRecord := s.events.RecordWebhookEvent(ctx, store.WebhookEventInput{
			WebhookID:  header.Get(billing.HeaderWebhookID),
			Type:       event.Type,
			CustomerID: result.CustomerID,
			Payload:    body,
			Relevant:   relevant,
		})
		if errRecord != nil {
			return result, errRecord
		}
		if !inserted {
			result.Duplicate = true
			log.WithField("webhook_id", header.Get(billing.HeaderWebhookID)).Debug("billing webhook: duplicate delivery")
			return result, nil
		}
		result.EventID = id
	}

	if !relevant {
		return result, nil
	}
	if result.CustomerID == "" {
		errMissing := fmt.Errorf("gate: %s event carries no customer external id", event.Type)
		log.WithError(errMissing).Warn("billing webhook: cannot invalidate")
		s.markEvent(ctx, result.EventID, errMissing)
		return result, nil
	}

	result.Invalidating = true
	s.pending.Add(1)
	go func(eventID uint64, userID string) {
		defer s.pending.Done()
		invalidateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.invalidateTimeout)
		defer cancel()
		errInvalidate := s.InvalidateSubscriptionCache(invalidateCtx, userID, "webhook")
		if errInvalidate != nil {
			log.WithError(errInvalidate).WithField("user_id", userID).Error("billing webhook: invalidate failed")
		}
		s.markEvent(invalidateCtx, eventID, errInvalidate)
	}(result.EventID, result.CustomerID)
	return result, nil
}

func (s *Service) markEvent(ctx context.Context, id uint64, errProcess error) {
	if s.events == nil || id == 0 {
		return
	}
	if errMark := s.events.MarkWebhookEvent(ctx, id, errProcess); errMark != nil {
		log.WithError(errMark).WithField("event_id", id).Warn("billing webhook: mark event failed")
	}
}

// Wait blocks until background webhook invalidations finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

// ListWebhookEvents returns recorded webhook deliveries.
func (s *Service) ListWebhookEvents(ctx context.Context, filter store.WebhookEventFilter) ([]models.WebhookEvent, int64, error) {
	if s.events == nil {
		return []models.WebhookEvent{}, 0, nil
	}
	return s.events.ListWebhookEvents(ctx, filter)
}

// User identifies the signed-in caller of a billing flow.
type User struct {
	ID    string
	Email string
	Name  string
}

// CreateCheckout opens a hosted checkout for user and records it.
func (s *Service) CreateCheckout(ctx context.Context, user User, successURL string) (*billing.Session, error) {
	if ratelimit.IsAnonymous(user.ID) {
		return nil, ErrAnonymous
	}
	if s.billing == nil {
		return nil, ErrBillingDisabled
	}
	session, errCreate := s.billing.CreateCheckoutSession(ctx, billing.CheckoutParams{
		ExternalID: user.ID,
		Email:      user.Email,
		Name:       user.Name,
		SuccessURL: strings.TrimSpace(successURL),
	})
	if errCreate != nil {
		return nil, errCreate
	}
	if s.events != nil {
		record := &models.CheckoutSession{
			UserID:    user.ID,
			Email:     user.Email,
			SessionID: session.ID,
			URL:       session.URL,
		}
		if errRecord := s.events.RecordCheckout(ctx, record); errRecord != nil {
			log.WithError(errRecord).WithField("user_id", user.ID).Warn("checkout: record session failed")
		}
	}
	return session, nil
}

// CreatePortal opens the hosted customer portal for userID.
func (s *Service) CreatePortal(ctx context.Context, userID string) (*billing.Session, error) {
	if ratelimit.IsAnonymous(userID) {
		return nil, ErrAnonymous
	}
	if s.billing == nil {
		return nil, ErrBillingDisabled
	}
	return s.billing.CreatePortalSession(ctx, userID)
}

// CompleteCheckout runs after the user returns from a successful checkout. It
// invalidates synchronously so the next read sees the new subscription, then
// returns the fresh entitlement.
func (s *Service) CompleteCheckout(ctx context.Context, userID string) (bool, error) {
	if ratelimit.IsAnonymous(userID) {
		return false, ErrAnonymous
	}
	if errInvalidate := s.InvalidateSubscriptionCache(ctx, userID, "checkout"); errInvalidate != nil {
		return false, errInvalidate
	}
	if s.events != nil {
		if _, errComplete := s.events.CompleteCheckouts(ctx, userID); errComplete != nil {
			log.WithError(errComplete).WithField("user_id", userID).Warn("checkout: mark completed failed")
		}
	}
	return s.subs.Resolve(ctx, userID)
}

// DeleteCustomer removes the user's billing customer and their cached
// entitlement. It reports whether the customer existed.
func (s *Service) DeleteCustomer(ctx context.Context, userID string) (bool, error) {
	if ratelimit.IsAnonymous(userID) {
		return false, ErrAnonymous
	}
	if s.billing == nil {
		return false, ErrBillingDisabled
	}
	deleted, errDelete := s.billing.DeleteCustomer(ctx, userID)
	if errDelete != nil {
		return false, errDelete
	}
	if errInvalidate := s.InvalidateSubscriptionCache(ctx, userID, "customer_deleted"); errInvalidate != nil {
		return deleted, errInvalidate
	}
	return deleted, nil
}
