package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps limiter backend failures. Requests are never
// admitted when the store cannot be consulted.
var ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

// Window is one sliding window to check in a single atomic operation.
type Window struct {
	Key    string
	Limit  int
	Length time.Duration
}

// Result describes the outcome for a single window.
type Result struct {
	Count     int
	Remaining int
	Reset     time.Time
}

// Limiter checks a set of windows atomically. A hit is recorded in every
// window only when all of them have capacity.
type Limiter interface {
	Allow(ctx context.Context, windows []Window, now time.Time) (bool, []Result, error)
}

// WindowStatus is the per-window part of a Decision.
type WindowStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Decision is the answer to CheckAndConsume.
type Decision struct {
	Allowed  bool         `json:"allowed"`
	Tier     Tier         `json:"tier"`
	Entitled bool         `json:"entitled"`
	Hourly   WindowStatus `json:"hourly"`
	Daily    WindowStatus `json:"daily"`
}

// Remaining returns the smaller remaining count of the two windows.
func (d Decision) Remaining() int {
	if d.Daily.Remaining < d.Hourly.Remaining {
		return d.Daily.Remaining
	}
	return d.Hourly.Remaining
}

// Limit returns the limit of the window with fewer requests left.
func (d Decision) Limit() int {
	if d.Daily.Remaining < d.Hourly.Remaining {
		return d.Daily.Limit
	}
	return d.Hourly.Limit
}

// RetryAt returns the later reset among exhausted windows, or the later reset
// overall when none is exhausted.
func (d Decision) RetryAt() time.Time {
	var at time.Time
	for _, w := range []WindowStatus{d.Hourly, d.Daily} {
		if w.Remaining == 0 && w.ResetAt.After(at) {
			at = w.ResetAt
		}
	}
	if !at.IsZero() {
		return at
	}
	if d.Daily.ResetAt.After(d.Hourly.ResetAt) {
		return d.Daily.ResetAt
	}
	return d.Hourly.ResetAt
}
