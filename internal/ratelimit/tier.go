package ratelimit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrUnknownTier indicates a tier name or value outside the supported set.
var ErrUnknownTier = errors.New("ratelimit: unknown tier")

// Tier is a usage tier. The set is closed: Level0 through Level5.
type Tier int

const (
	Level0 Tier = iota
	Level1
	Level2
	Level3
	Level4
	Level5
)

// AllTiers lists every tier in ascending order.
var AllTiers = []Tier{Level0, Level1, Level2, Level3, Level4, Level5}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	return t >= Level0 && t <= Level5
}

func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return fmt.Sprintf("level%d", int(t))
}

// ParseTier converts "level0".."level5" (case-insensitive) into a Tier.
func ParseTier(raw string) (Tier, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for _, t := range AllTiers {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTier, raw)
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// WindowKind identifies one of the two windows every policy enforces.
type WindowKind int

const (
	Hourly WindowKind = iota
	Daily
)

func (k WindowKind) String() string {
	if k == Daily {
		return "daily"
	}
	return "hourly"
}

// Duration returns the window length.
func (k WindowKind) Duration() time.Duration {
	if k == Daily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Policy is the pair of limits applied to one request.
type Policy struct {
	Hourly int `json:"hourly"`
	Daily  int `json:"daily"`
}

// Limit returns the limit for the given window.
func (p Policy) Limit(kind WindowKind) int {
	if kind == Daily {
		return p.Daily
	}
	return p.Hourly
}

func (p Policy) validate() error {
	if p.Hourly <= 0 || p.Daily <= 0 {
		return fmt.Errorf("ratelimit: quotas must be positive (hourly=%d daily=%d)", p.Hourly, p.Daily)
	}
	return nil
}

// UnlimitedPolicy applies to entitled users. It is large but finite.
var UnlimitedPolicy = Policy{Hourly: 1_000_000, Daily: 1_000_000}

var defaultPolicies = map[Tier]Policy{
	Level0: {Hourly: 5, Daily: 10},
	Level1: {Hourly: 10, Daily: 20},
	Level2: {Hourly: 20, Daily: 50},
	Level3: {Hourly: 50, Daily: 100},
	Level4: {Hourly: 100, Daily: 250},
	Level5: {Hourly: 200, Daily: 500},
}

// Table maps every tier to its policy. It is read-only after NewTable returns.
type Table struct {
	policies  map[Tier]Policy
	unlimited Policy
}

// NewTable builds a Table from the defaults plus overrides keyed by tier name.
// The reserved name "unlimited" overrides the entitled policy.
func NewTable(overrides map[string]Policy) (*Table, error) {
	t := &Table{
		policies:  make(map[Tier]Policy, len(defaultPolicies)),
		unlimited: UnlimitedPolicy,
	}
	for tier, policy := range defaultPolicies {
		t.policies[tier] = policy
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		policy := overrides[name]
		if errValidate := policy.validate(); errValidate != nil {
			return nil, fmt.Errorf("tier %s: %w", name, errValidate)
		}
		if strings.EqualFold(strings.TrimSpace(name), "unlimited") {
			t.unlimited = policy
			continue
		}
		tier, errParse := ParseTier(name)
		if errParse != nil {
			return nil, errParse
		}
		t.policies[tier] = policy
	}
	return t, nil
}

// DefaultTable returns the built-in tier table.
func DefaultTable() *Table {
	t, _ := NewTable(nil)
	return t
}

// Policy returns the tiered policy for t.
func (t *Table) Policy(tier Tier) (Policy, error) {
	policy, ok := t.policies[tier]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %d", ErrUnknownTier, int(tier))
	}
	return policy, nil
}

// Unlimited returns the entitled policy.
func (t *Table) Unlimited() Policy {
	return t.unlimited
}

// TierPolicy pairs a tier with its policy for listing.
type TierPolicy struct {
	Tier   Tier   `json:"tier"`
	Policy Policy `json:"limits"`
}

// List returns all tier policies in ascending tier order.
func (t *Table) List() []TierPolicy {
	out := make([]TierPolicy, 0, len(AllTiers))
	for _, tier := range AllTiers {
		out = append(out, TierPolicy{Tier: tier, Policy: t.policies[tier]})
	}
	return out
}
