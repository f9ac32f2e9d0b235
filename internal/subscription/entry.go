package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/router-for-me/chatgate/internal/billing"
)

// Outcome records how an entitlement value was obtained.
type Outcome string

const (
	OutcomeEntitled    Outcome = "entitled"
	OutcomeNotEntitled Outcome = "not_entitled"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeTransient   Outcome = "transient"
	OutcomeTimeout     Outcome = "timeout"
	// OutcomeUnresolved is returned to waiters that gave up on a peer's fetch.
	// It is never cached.
	OutcomeUnresolved Outcome = "unresolved"
)

// Entry is a cached entitlement.
type Entry struct {
	UserID    string    `json:"user_id"`
	Value     bool      `json:"value"`
	Outcome   Outcome   `json:"outcome"`
	CheckedAt time.Time `json:"checked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Fresh reports whether the entry is usable at now.
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}

// classify maps a fetch result onto an outcome. Errors outside the known
// taxonomy are returned unchanged in meaning and must not be cached.
func classify(state *billing.CustomerState, err error) (Outcome, error) {
	switch {
	case err == nil && state.Entitled():
		return OutcomeEntitled, nil
	case err == nil:
		return OutcomeNotEntitled, nil
	case errors.Is(err, billing.ErrCustomerNotFound):
		return OutcomeNotFound, nil
	case billing.IsTimeout(err):
		return OutcomeTimeout, nil
	case billing.IsTransient(err):
		return OutcomeTransient, nil
	default:
		return "", fmt.Errorf("subscription: fetch entitlement: %w", err)
	}
}
