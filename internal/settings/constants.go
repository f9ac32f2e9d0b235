package settings

import "time"

// Defaults for the gate, overridable from the config file.
const (
	// DefaultPort is the HTTP listen port.
	DefaultPort = 8318
	// DefaultRedisPrefix is the key namespace shared by limiter and cache keys.
	DefaultRedisPrefix = "chatgate"
	// DefaultRateLimitNamespace is the limiter namespace under the prefix.
	DefaultRateLimitNamespace = "rl"
	// DefaultSubscriptionNamespace is the entitlement cache namespace under the prefix.
	DefaultSubscriptionNamespace = "sub"
	// DefaultInvalidationChannel carries cross-process memo invalidations.
	DefaultInvalidationChannel = "chatgate:sub:invalidate"

	// DefaultSubscriptionTTL is how long a resolved entitlement is trusted.
	DefaultSubscriptionTTL = 5 * time.Minute
	// DefaultBillingTimeout bounds a single upstream entitlement fetch.
	DefaultBillingTimeout = 5 * time.Second
	// DefaultLockTTL is the lifetime of the distributed fetch lock.
	DefaultLockTTL = 10 * time.Second
	// DefaultLockWait bounds how long a lock loser waits for the winner.
	DefaultLockWait = 6 * time.Second
	// DefaultLockPollInterval is the waiter re-read interval.
	DefaultLockPollInterval = 100 * time.Millisecond
	// DefaultMemoTTL caps in-process memo entries.
	DefaultMemoTTL = 10 * time.Second
	// DefaultMemoMaxEntries bounds the in-process memo.
	DefaultMemoMaxEntries = 100_000

	// DefaultSweepInterval is how often single-process stores drop idle state.
	DefaultSweepInterval = time.Minute

	// DefaultBillingBaseURL is the billing authority API root.
	DefaultBillingBaseURL = "https://api.polar.sh"
	// DefaultWebhookTolerance is the accepted clock skew for webhook timestamps.
	DefaultWebhookTolerance = 5 * time.Minute

	// DefaultDatabaseDSN is the local SQLite file used when no DSN is configured.
	DefaultDatabaseDSN = "file:chatgate.db"

	// AnonymousUserPrefix marks ids derived from client address rather than an account.
	AnonymousUserPrefix = "anon:"
)
