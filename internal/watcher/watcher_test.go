package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/router-for-me/chatgate/internal/config"
	"github.com/router-for-me/chatgate/internal/ratelimit"
)

func TestPollReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("gate:\n  tiers:\n    level0:\n      hourly: 1\n      daily: 2\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	manager := ratelimit.NewManager(ratelimit.NewMemoryLimiter(), nil, nil, ratelimit.NewKeyBuilder("t"), nil)
	reloads := 0
	w := New(path, 0, func(cfg config.GateConfig) {
		reloads++
		table, err := cfg.TierTable()
		if err != nil {
			t.Errorf("tier table: %v", err)
			return
		}
		manager.SetTable(table)
	})

	if !w.Poll() {
		t.Fatalf("expected first poll to reload")
	}
	if w.Poll() {
		t.Fatalf("expected unchanged file to be skipped")
	}
	policy, _ := manager.Table().Policy(ratelimit.Level0)
	if policy.Hourly != 1 || policy.Daily != 2 {
		t.Fatalf("expected reloaded level0 policy 1/2, got %+v", policy)
	}

	if err := os.WriteFile(path, []byte("gate:\n  tiers:\n    level0:\n      hourly: 0\n      daily: 2\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if w.Poll() {
		t.Fatalf("expected invalid config to be refused")
	}
	policy, _ = manager.Table().Policy(ratelimit.Level0)
	if policy.Hourly != 1 {
		t.Fatalf("expected previous table to stay active, got %+v", policy)
	}
	if reloads != 1 {
		t.Fatalf("expected 1 reload, got %d", reloads)
	}
}

func TestPrimeSkipsAppliedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("gate:\n  port: 9000\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	called := false
	w := New(path, 0, func(config.GateConfig) { called = true })
	w.Prime()
	if w.Poll() || called {
		t.Fatalf("expected primed watcher to skip the unchanged file")
	}
}
