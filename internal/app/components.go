package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/chatgate/internal/billing"
	"github.com/router-for-me/chatgate/internal/config"
	"github.com/router-for-me/chatgate/internal/gate"
	relayhttp "github.com/router-for-me/chatgate/internal/http"
	internalhttp "github.com/router-for-me/chatgate/internal/http/api/admin"
	adminhandlers "github.com/router-for-me/chatgate/internal/http/api/admin/handlers"
	"github.com/router-for-me/chatgate/internal/http/api/front"
	"github.com/router-for-me/chatgate/internal/kvstore"
	"github.com/router-for-me/chatgate/internal/metrics"
	"github.com/router-for-me/chatgate/internal/ratelimit"
	internalsettings "github.com/router-for-me/chatgate/internal/settings"
	"github.com/router-for-me/chatgate/internal/store"
	"github.com/router-for-me/chatgate/internal/subscription"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// redisPingTimeout bounds the startup connectivity check.
const redisPingTimeout = 2 * time.Second

// Components holds the wired gate.
type Components struct {
	Engine   *gin.Engine
	Service  *gate.Service
	Limiter  *ratelimit.Manager
	Cache    *subscription.Cache
	Metrics  *metrics.Metrics
	KV       kvstore.Store
	redis    redis.UniversalClient
	cancelBg context.CancelFunc
}

// Close stops background work and releases connections.
func (c *Components) Close() {
	if c == nil {
		return
	}
	if c.cancelBg != nil {
		c.cancelBg()
	}
	if c.Service != nil {
		c.Service.Wait()
	}
	if c.Cache != nil {
		c.Cache.Close()
	}
	if c.redis != nil {
		if errClose := c.redis.Close(); errClose != nil {
			log.WithError(errClose).Warn("redis close failed")
		}
	}
}

// ApplyConfig updates the settings that may change at runtime: the tier
// table and the log level.
func (c *Components) ApplyConfig(cfg config.GateConfig) {
	table, errTable := cfg.TierTable()
	if errTable != nil {
		log.WithError(errTable).Warn("config reload: tiers rejected")
	} else {
		c.Limiter.SetTable(table)
	}
	if errLog := ConfigureLogging(cfg.Logging); errLog != nil {
		log.WithError(errLog).Warn("config reload: logging rejected")
	}
}

// Build wires stores, limiter, entitlement cache, billing client and HTTP
// routes from cfg. conn may be nil, in which case webhook deliveries are not
// recorded.
func Build(ctx context.Context, cfg config.GateConfig, jwtCfg config.JWTConfig, conn *gorm.DB) (*Components, error) {
	comps := &Components{Metrics: metrics.New()}
	prefix := strings.TrimSpace(cfg.Redis.Prefix)

	var limiter ratelimit.Limiter
	var memStore *kvstore.MemoryStore
	var memLimiter *ratelimit.MemoryLimiter
	if cfg.UsesSharedStore() {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    splitAddrs(cfg.Redis.Addr),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		errPing := client.Ping(pingCtx).Err()
		cancel()
		if errPing != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, errPing)
		}
		comps.redis = client
		comps.KV = kvstore.NewRedisStore(client)
		limiter = ratelimit.NewRedisLimiter(client)
		log.Infof("using redis store at %s", cfg.Redis.Addr)
	} else {
		memStore = kvstore.NewMemoryStore(nil)
		memLimiter = ratelimit.NewMemoryLimiter()
		comps.KV = memStore
		limiter = memLimiter
		log.Warn("no redis address configured: quotas and entitlements are kept in process and are only correct for a single replica")
	}

	billingClient := billing.NewClient(billing.Config{
		BaseURL:     cfg.Billing.BaseURL,
		AccessToken: cfg.Billing.AccessToken,
		ProductID:   cfg.Billing.ProductID,
		SuccessURL:  cfg.Billing.SuccessURL,
		Timeout:     cfg.Billing.Timeout,
	}, nil)
	if strings.TrimSpace(cfg.Billing.AccessToken) == "" {
		log.Warn("billing access token not set: signed-in users are treated as not subscribed until it is configured")
	}

	sub := cfg.Subscription
	cache, errCache := subscription.New(comps.KV, billingClient, subscription.Options{
		Prefix:       prefix + ":" + internalsettings.DefaultSubscriptionNamespace,
		TTL:          sub.TTL,
		FetchTimeout: sub.FetchTimeout,
		LockTTL:      sub.LockTTL,
		LockWait:     sub.LockWait,
		PollInterval: sub.PollInterval,
		MemoTTL:      sub.MemoTTL,
		Channel:      prefix + ":" + internalsettings.DefaultSubscriptionNamespace + ":invalidate",
		Metrics:      comps.Metrics,
	})
	if errCache != nil {
		comps.Close()
		return nil, errCache
	}
	comps.Cache = cache
	log.Warnf("billing timeouts and transient failures are cached as not subscribed for %s; invalidate a user to retry sooner", sub.TTL)

	bgCtx, cancelBg := context.WithCancel(context.WithoutCancel(ctx))
	comps.cancelBg = cancelBg
	if errStart := cache.Start(bgCtx); errStart != nil {
		comps.Close()
		return nil, errStart
	}
	if memStore != nil {
		go memStore.RunSweeper(bgCtx, internalsettings.DefaultSweepInterval)
		go memLimiter.RunSweeper(bgCtx, internalsettings.DefaultSweepInterval)
	}

	table, errTable := cfg.TierTable()
	if errTable != nil {
		comps.Close()
		return nil, errTable
	}
	comps.Limiter = ratelimit.NewManager(limiter, cache, table, ratelimit.NewKeyBuilder(prefix+":"+internalsettings.DefaultRateLimitNamespace), nil).
		WithMetrics(comps.Metrics)

	var verifier *billing.WebhookVerifier
	if secret := strings.TrimSpace(cfg.Billing.WebhookSecret); secret != "" {
		v, errVerifier := billing.NewWebhookVerifier(secret, internalsettings.DefaultWebhookTolerance, nil)
		if errVerifier != nil {
			comps.Close()
			return nil, errVerifier
		}
		verifier = v
	} else {
		log.Warn("billing webhook secret not set: webhook endpoint disabled")
	}

	opts := gate.Options{
		Limiter:       comps.Limiter,
		Subscriptions: cache,
		Billing:       billingClient,
		Verifier:      verifier,
		Metrics:       comps.Metrics,
	}
	if conn != nil {
		opts.Events = store.NewGormEventStore(conn)
	}
	service, errService := gate.New(opts)
	if errService != nil {
		comps.Close()
		return nil, errService
	}
	comps.Service = service

	checks := map[string]adminhandlers.Pinger{"store": comps.KV.Ping}
	if conn != nil {
		checks["database"] = func(ctx context.Context) error {
			sqlDB, errDB := conn.DB()
			if errDB != nil {
				return errDB
			}
			return sqlDB.PingContext(ctx)
		}
	}

	engine := gin.New()
	if errProxies := engine.SetTrustedProxies(cfg.TrustedProxies); errProxies != nil {
		comps.Close()
		return nil, fmt.Errorf("trusted proxies: %w", errProxies)
	}
	if len(cfg.TrustedProxies) == 0 {
		log.Info("no trusted proxies configured: anonymous callers are keyed by socket address")
	}
	engine.Use(gin.Recovery())
	engine.Use(relayhttp.RequestLogger())
	internalhttp.RegisterAdminRoutes(engine, service, cfg.Admin.KeyHash, checks)
	front.RegisterFrontRoutes(engine, service, jwtCfg)
	engine.GET("/metrics", gin.WrapH(comps.Metrics.Handler()))
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	comps.Engine = engine
	return comps, nil
}

func splitAddrs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
