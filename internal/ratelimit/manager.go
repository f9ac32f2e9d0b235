package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/router-for-me/chatgate/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// EntitlementResolver reports whether a user holds a paid entitlement.
type EntitlementResolver interface {
	Resolve(ctx context.Context, userID string) (bool, error)
}

// Manager enforces tiered quotas and lifts them for entitled users.
//
// Failure policy: an entitlement lookup that fails upstream already resolves to
// "not entitled" inside the resolver, so the tiered quota applies. A limiter
// store failure is returned as ErrStoreUnavailable and the request is refused.
type Manager struct {
	limiter      Limiter
	entitlements EntitlementResolver
	table        atomic.Pointer[Table]
	keys         KeyBuilder
	nowFn        func() time.Time
	metrics      *metrics.Metrics
}

// NewManager constructs a Manager. A nil table uses DefaultTable and a nil
// nowFn uses time.Now. A nil resolver treats every user as not entitled.
func NewManager(limiter Limiter, entitlements EntitlementResolver, table *Table, keys KeyBuilder, nowFn func() time.Time) *Manager {
	if table == nil {
		table = DefaultTable()
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	m := &Manager{
		limiter:      limiter,
		entitlements: entitlements,
		keys:         keys,
		nowFn:        nowFn,
	}
	m.table.Store(table)
	return m
}

// WithMetrics attaches a metrics recorder.
func (m *Manager) WithMetrics(rec *metrics.Metrics) *Manager {
	m.metrics = rec
	return m
}

// Table returns the tier table in use.
func (m *Manager) Table() *Table {
	return m.table.Load()
}

// SetTable swaps the tier table. Calls in flight keep the table they started with.
func (m *Manager) SetTable(table *Table) {
	if m == nil || table == nil {
		return
	}
	m.table.Store(table)
}

// CheckAndConsume decides whether userID may make one more request at tier and
// records the hit when allowed.
func (m *Manager) CheckAndConsume(ctx context.Context, userID string, tier Tier) (Decision, error) {
	if m == nil || m.limiter == nil {
		return Decision{}, fmt.Errorf("%w: limiter not initialized", ErrStoreUnavailable)
	}
	table := m.table.Load()
	policy, errPolicy := table.Policy(tier)
	if errPolicy != nil {
		return Decision{}, errPolicy
	}

	entitled := false
	if !IsAnonymous(userID) && m.entitlements != nil {
		ok, errResolve := m.entitlements.Resolve(ctx, userID)
		if errResolve != nil {
			return Decision{}, fmt.Errorf("ratelimit: resolve entitlement: %w", errResolve)
		}
		entitled = ok
	}
	if entitled {
		policy = table.Unlimited()
	}

	windows := []Window{
		{Key: m.keys.Key(userID, tier, Hourly, entitled), Limit: policy.Hourly, Length: Hourly.Duration()},
		{Key: m.keys.Key(userID, tier, Daily, entitled), Limit: policy.Daily, Length: Daily.Duration()},
	}
	allowed, results, errAllow := m.limiter.Allow(ctx, windows, m.nowFn())
	if errAllow != nil {
		if errors.Is(errAllow, context.Canceled) {
			return Decision{}, errAllow
		}
		log.WithError(errAllow).WithField("tier", tier.String()).Error("rate limit: store check failed")
		return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, errAllow)
	}
	if len(results) != len(windows) {
		return Decision{}, fmt.Errorf("%w: limiter returned %d results", ErrStoreUnavailable, len(results))
	}

	decision := Decision{
		Allowed:  allowed,
		Tier:     tier,
		Entitled: entitled,
		Hourly:   WindowStatus{Limit: policy.Hourly, Remaining: results[0].Remaining, ResetAt: results[0].Reset},
		Daily:    WindowStatus{Limit: policy.Daily, Remaining: results[1].Remaining, ResetAt: results[1].Reset},
	}
	m.metrics.ObserveDecision(tier.String(), entitled, allowed)
	if !allowed {
		log.WithFields(log.Fields{
			"tier":             tier.String(),
			"hourly_remaining": decision.Hourly.Remaining,
			"daily_remaining":  decision.Daily.Remaining,
		}).Debug("rate limit: request denied")
	}
	return decision, nil
}
