package ratelimit

import (
	"errors"
	"testing"
)

func TestParseTier(t *testing.T) {
	for _, tier := range AllTiers {
		parsed, err := ParseTier(tier.String())
		if err != nil {
			t.Fatalf("parse %s: %v", tier, err)
		}
		if parsed != tier {
			t.Fatalf("expected %s, got %s", tier, parsed)
		}
	}
	if parsed, err := ParseTier(" LEVEL3 "); err != nil || parsed != Level3 {
		t.Fatalf("expected case-insensitive parse, got %v %v", parsed, err)
	}
	if _, err := ParseTier("level6"); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected ErrUnknownTier, got %v", err)
	}
}

func TestTierTextRoundTrip(t *testing.T) {
	var tier Tier
	if err := tier.UnmarshalText([]byte("level2")); err != nil || tier != Level2 {
		t.Fatalf("expected level2, got %v %v", tier, err)
	}
	if _, err := Tier(9).MarshalText(); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected marshal of invalid tier to fail, got %v", err)
	}
}

func TestDefaultTableLevel1(t *testing.T) {
	policy, err := DefaultTable().Policy(Level1)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if policy.Hourly != 10 || policy.Daily != 20 {
		t.Fatalf("expected 10/20 for level1, got %+v", policy)
	}
	if DefaultTable().Unlimited().Daily != 1_000_000 {
		t.Fatalf("expected unlimited daily cap of 1000000")
	}
}

func TestNewTableOverrides(t *testing.T) {
	table, err := NewTable(map[string]Policy{
		"level0":    {Hourly: 1, Daily: 2},
		"unlimited": {Hourly: 500, Daily: 5000},
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if p, _ := table.Policy(Level0); p.Hourly != 1 || p.Daily != 2 {
		t.Fatalf("expected override for level0, got %+v", p)
	}
	if p, _ := table.Policy(Level5); p.Hourly != 200 {
		t.Fatalf("expected default for level5, got %+v", p)
	}
	if table.Unlimited().Daily != 5000 {
		t.Fatalf("expected unlimited override, got %+v", table.Unlimited())
	}
	if len(table.List()) != len(AllTiers) {
		t.Fatalf("expected %d listed tiers", len(AllTiers))
	}
}

func TestNewTableRejectsUnknownAndInvalid(t *testing.T) {
	if _, err := NewTable(map[string]Policy{"gold": {Hourly: 1, Daily: 1}}); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected unknown tier error, got %v", err)
	}
	if _, err := NewTable(map[string]Policy{"level1": {Hourly: 0, Daily: 1}}); err == nil {
		t.Fatalf("expected non-positive quota to fail")
	}
	if _, err := DefaultTable().Policy(Tier(42)); !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("expected unknown tier from policy lookup, got %v", err)
	}
}
