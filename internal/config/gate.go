package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/chatgate/internal/ratelimit"
	internalsettings "github.com/router-for-me/chatgate/internal/settings"
	"gopkg.in/yaml.v3"
)

const (
	EnvRedisAddr            = "REDIS_ADDR"
	EnvRedisPassword        = "REDIS_PASSWORD"
	EnvBillingAccessToken   = "BILLING_ACCESS_TOKEN"
	EnvBillingWebhookSecret = "BILLING_WEBHOOK_SECRET"
	EnvAdminKeyHash         = "ADMIN_KEY_HASH"
	EnvLogLevel             = "LOG_LEVEL"
	EnvPort                 = "PORT"
	EnvTrustedProxies       = "TRUSTED_PROXIES"
)

// LoggingConfig controls the logrus output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RedisConfig points at the shared store. An empty Addr selects the
// in-process store, which is only correct for a single replica.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// BillingConfig holds billing authority credentials.
type BillingConfig struct {
	BaseURL       string        `yaml:"base-url"`
	AccessToken   string        `yaml:"access-token"`
	ProductID     string        `yaml:"product-id"`
	SuccessURL    string        `yaml:"success-url"`
	WebhookSecret string        `yaml:"webhook-secret"`
	Timeout       time.Duration `yaml:"timeout"`
}

// SubscriptionConfig tunes the entitlement cache.
type SubscriptionConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	FetchTimeout time.Duration `yaml:"fetch-timeout"`
	LockTTL      time.Duration `yaml:"lock-ttl"`
	LockWait     time.Duration `yaml:"lock-wait"`
	PollInterval time.Duration `yaml:"poll-interval"`
	MemoTTL      time.Duration `yaml:"memo-ttl"`
}

// AdminConfig protects the operator routes.
type AdminConfig struct {
	KeyHash string `yaml:"key-hash"`
}

// TierLimits overrides one tier's quotas.
type TierLimits struct {
	Hourly int `yaml:"hourly"`
	Daily  int `yaml:"daily"`
}

// GateConfig is the gate section of the config file. TrustedProxies lists the
// proxy addresses or CIDRs whose X-Forwarded-For is honoured when keying
// anonymous callers; empty means the socket address is used.
type GateConfig struct {
	Port           int                   `yaml:"port"`
	TrustedProxies []string              `yaml:"trusted-proxies"`
	Logging        LoggingConfig         `yaml:"logging"`
	Redis          RedisConfig           `yaml:"redis"`
	Billing        BillingConfig         `yaml:"billing"`
	Subscription   SubscriptionConfig    `yaml:"subscription"`
	Admin          AdminConfig           `yaml:"admin"`
	Tiers          map[string]TierLimits `yaml:"tiers"`
}

// TierTable builds the validated tier table from the overrides.
func (c GateConfig) TierTable() (*ratelimit.Table, error) {
	overrides := make(map[string]ratelimit.Policy, len(c.Tiers))
	for name, limits := range c.Tiers {
		overrides[name] = ratelimit.Policy{Hourly: limits.Hourly, Daily: limits.Daily}
	}
	return ratelimit.NewTable(overrides)
}

// UsesSharedStore reports whether a Redis address is configured.
func (c GateConfig) UsesSharedStore() bool {
	return strings.TrimSpace(c.Redis.Addr) != ""
}

// LoadGateConfig reads the gate settings from configPath and applies env
// overrides and defaults. A missing file yields defaults plus env values.
func LoadGateConfig(configPath string) (GateConfig, error) {
	type fileConfig struct {
		Gate GateConfig `yaml:"gate"`
	}

	var cfg fileConfig
	data, errRead := readConfigFile(configPath)
	if errRead != nil {
		return GateConfig{}, errRead
	}
	if data != nil {
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return GateConfig{}, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	}
	result := cfg.Gate
	applyGateEnv(&result)
	applyGateDefaults(&result)

	if _, errTable := result.TierTable(); errTable != nil {
		return GateConfig{}, fmt.Errorf("invalid tiers: %w", errTable)
	}
	if result.Subscription.LockWait < result.Subscription.FetchTimeout {
		return GateConfig{}, fmt.Errorf("subscription lock-wait (%s) must cover fetch-timeout (%s)", result.Subscription.LockWait, result.Subscription.FetchTimeout)
	}
	return result, nil
}

func applyGateEnv(cfg *GateConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		cfg.Redis.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBillingAccessToken)); v != "" {
		cfg.Billing.AccessToken = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvBillingWebhookSecret)); v != "" {
		cfg.Billing.WebhookSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAdminKeyHash)); v != "" {
		cfg.Admin.KeyHash = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTrustedProxies)); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		if port, errParse := strconv.Atoi(v); errParse == nil && port > 0 {
			cfg.Port = port
		}
	}
}

func applyGateDefaults(cfg *GateConfig) {
	if cfg.Port <= 0 {
		cfg.Port = internalsettings.DefaultPort
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Logging.Format) == "" {
		cfg.Logging.Format = "text"
	}
	if strings.TrimSpace(cfg.Redis.Prefix) == "" {
		cfg.Redis.Prefix = internalsettings.DefaultRedisPrefix
	}
	if strings.TrimSpace(cfg.Billing.BaseURL) == "" {
		cfg.Billing.BaseURL = internalsettings.DefaultBillingBaseURL
	}
	if cfg.Billing.Timeout <= 0 {
		cfg.Billing.Timeout = internalsettings.DefaultBillingTimeout
	}
	sub := &cfg.Subscription
	if sub.TTL <= 0 {
		sub.TTL = internalsettings.DefaultSubscriptionTTL
	}
	if sub.FetchTimeout <= 0 {
		sub.FetchTimeout = cfg.Billing.Timeout
	}
	if sub.LockTTL <= 0 {
		sub.LockTTL = internalsettings.DefaultLockTTL
	}
	if sub.LockWait <= 0 {
		sub.LockWait = internalsettings.DefaultLockWait
		if sub.LockWait < sub.FetchTimeout {
			sub.LockWait = sub.FetchTimeout + time.Second
		}
	}
	if sub.PollInterval <= 0 {
		sub.PollInterval = internalsettings.DefaultLockPollInterval
	}
	if sub.MemoTTL == 0 {
		sub.MemoTTL = internalsettings.DefaultMemoTTL
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
