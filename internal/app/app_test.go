package app

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/router-for-me/chatgate/internal/config"
	"github.com/router-for-me/chatgate/internal/db"
	"github.com/router-for-me/chatgate/internal/ratelimit"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func testGateConfig(t *testing.T, redisAddr string) config.GateConfig {
	t.Helper()
	t.Setenv("REDIS_ADDR", redisAddr)
	cfg, err := config.LoadGateConfig(t.TempDir() + "/missing.yaml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Billing.WebhookSecret = "hook-secret"
	return cfg
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := conn.DB()
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func get(engine *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestBuildInMemoryServesRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	comps, err := Build(context.Background(), testGateConfig(t, ""), config.JWTConfig{Secret: "s"}, testDB(t))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(comps.Close)

	if w := get(comps.Engine, http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d %s", w.Code, w.Body.String())
	}
	for i := 0; i < 5; i++ {
		if w := get(comps.Engine, http.MethodPost, "/v1/gate/check", []byte(`{"tier":"level0"}`)); w.Code != http.StatusOK {
			t.Fatalf("expected 200 on call %d, got %d", i, w.Code)
		}
	}
	if w := get(comps.Engine, http.MethodPost, "/v1/gate/check", []byte(`{"tier":"level0"}`)); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	w := get(comps.Engine, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "chatgate_gate_decisions_total") {
		t.Fatalf("expected gate metrics, got %d", w.Code)
	}
	if w := get(comps.Engine, http.MethodDelete, "/v0/admin/subscription-cache", nil); w.Code != http.StatusForbidden {
		t.Fatalf("expected admin routes disabled without hash, got %d", w.Code)
	}
}

func checkFrom(engine *gin.Engine, remoteAddr, forwardedFor string) int {
	req := httptest.NewRequest(http.MethodPost, "/v1/gate/check", strings.NewReader(`{"tier":"level0"}`))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w.Code
}

func TestBuildIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	comps, err := Build(context.Background(), testGateConfig(t, ""), config.JWTConfig{Secret: "s"}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(comps.Close)

	allowed := 0
	for i := 0; i < 20; i++ {
		if checkFrom(comps.Engine, "203.0.113.7:40000", fmt.Sprintf("10.0.0.%d", i)) == http.StatusOK {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("expected rotating X-Forwarded-For to share one level0 quota of 5, got %d allowed", allowed)
	}
}

func TestBuildHonoursForwardedForFromTrustedProxy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testGateConfig(t, "")
	cfg.TrustedProxies = []string{"10.1.0.0/16"}
	comps, err := Build(context.Background(), cfg, config.JWTConfig{Secret: "s"}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(comps.Close)

	for i := 0; i < 5; i++ {
		if code := checkFrom(comps.Engine, "10.1.2.3:40000", "198.51.100.1"); code != http.StatusOK {
			t.Fatalf("expected 200 on call %d, got %d", i, code)
		}
	}
	if code := checkFrom(comps.Engine, "10.1.2.3:40000", "198.51.100.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected forwarded client to be limited, got %d", code)
	}
	if code := checkFrom(comps.Engine, "10.1.2.3:40000", "198.51.100.2"); code != http.StatusOK {
		t.Fatalf("expected a second forwarded client to have its own quota, got %d", code)
	}
}

func TestBuildRejectsInvalidTrustedProxy(t *testing.T) {
	cfg := testGateConfig(t, "")
	cfg.TrustedProxies = []string{"not-an-address"}
	if _, err := Build(context.Background(), cfg, config.JWTConfig{}, nil); err == nil {
		t.Fatalf("expected invalid trusted proxy to fail startup")
	}
}

func TestBuildOnRedis(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	comps, err := Build(context.Background(), testGateConfig(t, mr.Addr()), config.JWTConfig{Secret: "s"}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(comps.Close)

	if w := get(comps.Engine, http.MethodPost, "/v1/gate/check", []byte(`{"tier":"level1"}`)); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	keys := mr.Keys()
	found := false
	for _, key := range keys {
		if strings.HasPrefix(key, "chatgate:rl:") && strings.HasSuffix(key, ":tier:level1:hourly") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a level1 hourly window key, got %v", keys)
	}
}

func TestBuildFailsWhenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := Build(context.Background(), testGateConfig(t, addr), config.JWTConfig{}, nil); err == nil {
		t.Fatalf("expected unreachable redis to fail startup")
	}
}

func TestApplyConfigSwapsTierTable(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := testGateConfig(t, "")
	comps, err := Build(context.Background(), cfg, config.JWTConfig{}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	t.Cleanup(comps.Close)

	cfg.Tiers = map[string]config.TierLimits{"level0": {Hourly: 1, Daily: 1}}
	comps.ApplyConfig(cfg)
	policy, _ := comps.Limiter.Table().Policy(ratelimit.Level0)
	if policy.Hourly != 1 {
		t.Fatalf("expected reloaded level0 hourly=1, got %d", policy.Hourly)
	}

	cfg.Tiers = map[string]config.TierLimits{"level0": {Hourly: -1, Daily: 1}}
	comps.ApplyConfig(cfg)
	policy, _ = comps.Limiter.Table().Policy(ratelimit.Level0)
	if policy.Hourly != 1 {
		t.Fatalf("expected invalid reload to keep previous table, got %d", policy.Hourly)
	}
}

func TestConfigureLogging(t *testing.T) {
	prevLevel, prevFormatter := log.GetLevel(), log.StandardLogger().Formatter
	t.Cleanup(func() {
		log.SetLevel(prevLevel)
		log.SetFormatter(prevFormatter)
	})

	if err := ConfigureLogging(config.LoggingConfig{Level: "debug", Format: "json"}); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %s", log.GetLevel())
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Fatalf("expected json formatter")
	}
	if err := ConfigureLogging(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
	if err := ConfigureLogging(config.LoggingConfig{Level: "info", Format: "xml"}); err == nil {
		t.Fatalf("expected unknown format to fail")
	}
}
