package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/router-for-me/chatgate/internal/billing"
	"github.com/router-for-me/chatgate/internal/kvstore"
	"github.com/router-for-me/chatgate/internal/metrics"
	internalsettings "github.com/router-for-me/chatgate/internal/settings"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	generationStripes = 256
	releaseTimeout    = 2 * time.Second
	flightSlack       = 2 * time.Second
	broadcastAll      = "*"
)

// Fetcher retrieves a customer's billing state.
type Fetcher interface {
	FetchEntitlement(ctx context.Context, externalID string) (*billing.CustomerState, error)
}

// Options tunes a Cache. Zero values take the package defaults.
type Options struct {
	// Prefix namespaces every key written by the cache.
	Prefix string
	// TTL is how long a fetched entitlement is trusted.
	TTL time.Duration
	// FetchTimeout bounds one upstream call.
	FetchTimeout time.Duration
	// LockTTL is the lifetime of the cross-process fetch lock.
	LockTTL time.Duration
	// LockWait bounds how long a process waits on another's fetch.
	LockWait time.Duration
	// PollInterval is the wait loop's re-read period.
	PollInterval time.Duration
	// MemoTTL caps in-process memo entries; negative disables the memo.
	MemoTTL time.Duration
	// MemoMaxEntries bounds the memo size.
	MemoMaxEntries int64
	// Channel carries invalidations between processes.
	Channel string
	// CustomerID maps a user id to the billing authority's external id.
	CustomerID func(userID string) string
	// Now is the clock used for entry freshness.
	Now func() time.Time
	// Metrics receives lookup and fetch observations.
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.Prefix) == "" {
		o.Prefix = internalsettings.DefaultRedisPrefix + ":" + internalsettings.DefaultSubscriptionNamespace
	}
	if o.TTL <= 0 {
		o.TTL = internalsettings.DefaultSubscriptionTTL
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = internalsettings.DefaultBillingTimeout
	}
	if o.LockTTL <= 0 {
		o.LockTTL = internalsettings.DefaultLockTTL
	}
	if o.LockWait <= 0 {
		o.LockWait = internalsettings.DefaultLockWait
	}
	if o.PollInterval <= 0 {
		o.PollInterval = internalsettings.DefaultLockPollInterval
	}
	if o.MemoTTL == 0 {
		o.MemoTTL = internalsettings.DefaultMemoTTL
	}
	if o.MemoMaxEntries <= 0 {
		o.MemoMaxEntries = internalsettings.DefaultMemoMaxEntries
	}
	if strings.TrimSpace(o.Channel) == "" {
		o.Channel = internalsettings.DefaultInvalidationChannel
	}
	if o.CustomerID == nil {
		o.CustomerID = func(userID string) string { return userID }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type memoItem struct {
	entry      Entry
	until      time.Time
	generation uint64
}

// Cache resolves and caches entitlements. It is safe for concurrent use.
type Cache struct {
	store      kvstore.Store
	fetcher    Fetcher
	opts       Options
	instanceID string

	flights     singleflight.Group
	memo        *ristretto.Cache
	generations [generationStripes]atomic.Uint64
}

// New constructs a Cache over store and fetcher.
func New(store kvstore.Store, fetcher Fetcher, opts Options) (*Cache, error) {
	if store == nil {
		return nil, errors.New("subscription: nil store")
	}
	if fetcher == nil {
		return nil, errors.New("subscription: nil fetcher")
	}
	c := &Cache{
		store:      store,
		fetcher:    fetcher,
		opts:       opts.withDefaults(),
		instanceID: uuid.NewString(),
	}
	if c.opts.MemoTTL > 0 {
		memo, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: c.opts.MemoMaxEntries * 10,
			MaxCost:     c.opts.MemoMaxEntries,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("subscription: create memo: %w", err)
		}
		c.memo = memo
	}
	return c, nil
}

// Start subscribes to invalidations published by other processes.
func (c *Cache) Start(ctx context.Context) error {
	errSub := c.store.Subscribe(ctx, c.opts.Channel, c.handleBroadcast)
	if errSub != nil {
		return fmt.Errorf("subscription: subscribe invalidations: %w", errSub)
	}
	log.Infof("subscription cache: listening for invalidations on %s", c.opts.Channel)
	return nil
}

// Close releases the memo.
func (c *Cache) Close() {
	if c.memo != nil {
		c.memo.Close()
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.opts.TTL
}

// Lookup returns the cached entry without contacting the billing authority.
func (c *Cache) Lookup(ctx context.Context, userID string) (*Entry, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, false, nil
	}
	if entry, ok := c.memoGet(userID); ok {
		c.opts.Metrics.ObserveLookup("memo")
		return entry, true, nil
	}
	// Sampled before the read so an invalidation racing it discards the memo.
	generation := c.generation(userID)
	entry, ok, err := c.readShared(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if ok {
		c.opts.Metrics.ObserveLookup("shared")
		c.memoSet(entry, generation)
	}
	return entry, ok, nil
}

// GetStatus reports the cached entitlement. known is false when nothing fresh
// is cached.
func (c *Cache) GetStatus(ctx context.Context, userID string) (value bool, known bool, err error) {
	entry, ok, err := c.Lookup(ctx, userID)
	if err != nil || !ok {
		return false, false, err
	}
	return entry.Value, true, nil
}

// Resolve returns the user's entitlement, fetching it when not cached. An
// empty user id is never entitled. Cancelling ctx abandons the wait but not a
// fetch already in flight.
func (c *Cache) Resolve(ctx context.Context, userID string) (bool, error) {
	entry, err := c.resolveEntry(ctx, userID)
	if err != nil {
		return false, err
	}
	return entry != nil && entry.Value, nil
}

func (c *Cache) resolveEntry(ctx context.Context, userID string) (*Entry, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	if entry, ok, err := c.Lookup(ctx, userID); err != nil || ok {
		return entry, err
	}

	flightCtx := context.WithoutCancel(ctx)
	results := c.flights.DoChan(userID, func() (any, error) {
		budget := c.opts.LockWait + c.opts.FetchTimeout + flightSlack
		loadCtx, cancel := context.WithTimeout(flightCtx, budget)
		defer cancel()
		return c.load(loadCtx, userID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		entry, _ := res.Val.(*Entry)
		return entry, nil
	}
}

// Detail returns the cached billing state, resolving it when absent. It
// returns nil when the billing authority has no active record.
func (c *Cache) Detail(ctx context.Context, userID string) (*billing.CustomerState, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	state, ok, err := c.readDetail(ctx, userID)
	if err != nil || ok {
		return state, err
	}
	if _, errResolve := c.resolveEntry(ctx, userID); errResolve != nil {
		return nil, errResolve
	}
	state, _, err = c.readDetail(ctx, userID)
	return state, err
}

// Invalidate drops every cached artifact for userID in this and, via the
// invalidation channel, other processes. It is idempotent.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil
	}
	c.dropLocal(userID)
	if _, errDel := c.store.Del(ctx, c.statusKey(userID), c.lockKey(userID), c.detailKey(userID)); errDel != nil {
		return fmt.Errorf("subscription: invalidate: %w", errDel)
	}
	c.broadcast(ctx, userID)
	log.WithField("user_id", userID).Debug("subscription cache: invalidated")
	return nil
}

// InvalidateAll removes every cached entitlement, lock and detail. It walks
// the keyspace and is intended for administrators.
func (c *Cache) InvalidateAll(ctx context.Context) (int, error) {
	keys, errScan := c.store.Scan(ctx, c.opts.Prefix+":*")
	if errScan != nil {
		return 0, fmt.Errorf("subscription: invalidate all: %w", errScan)
	}
	c.dropAllLocal()
	var removed int64
	for start := 0; start < len(keys); start += 500 {
		end := start + 500
		if end > len(keys) {
			end = len(keys)
		}
		n, errDel := c.store.Del(ctx, keys[start:end]...)
		if errDel != nil {
			return int(removed), fmt.Errorf("subscription: invalidate all: %w", errDel)
		}
		removed += n
	}
	c.broadcast(ctx, broadcastAll)
	log.Infof("subscription cache: cleared %d keys", removed)
	return int(removed), nil
}

// load runs inside the singleflight. It re-checks the shared store, then
// either fetches under the cross-process lock or waits for the holder.
func (c *Cache) load(ctx context.Context, userID string) (*Entry, error) {
	generation := c.generation(userID)
	waitUntil := time.Now().Add(c.opts.LockWait)
	for {
		entry, ok, errRead := c.readShared(ctx, userID)
		if errRead != nil {
			return nil, errRead
		}
		if ok {
			c.opts.Metrics.ObserveLookup("shared")
			return entry, nil
		}

		token, acquired, errLock := c.acquireLock(ctx, userID)
		if errLock != nil {
			return nil, errLock
		}
		if acquired {
			return c.fetchLocked(ctx, userID, token, generation)
		}

		if !time.Now().Before(waitUntil) {
			return c.giveUp(userID), nil
		}
		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.giveUp(userID), nil
		case <-timer.C:
		}
	}
}

func (c *Cache) giveUp(userID string) *Entry {
	log.WithField("user_id", userID).Warn("subscription cache: gave up waiting for peer fetch, treating as not entitled")
	c.opts.Metrics.ObserveLookup("unresolved")
	now := c.opts.Now()
	return &Entry{UserID: userID, Value: false, Outcome: OutcomeUnresolved, CheckedAt: now, ExpiresAt: now}
}

func (c *Cache) fetchLocked(ctx context.Context, userID, token string, generation uint64) (*Entry, error) {
	defer c.releaseLock(ctx, userID, token)

	// A peer may have finished between our read and the lock acquisition.
	if entry, ok, errRead := c.readShared(ctx, userID); errRead != nil {
		return nil, errRead
	} else if ok {
		return entry, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	started := time.Now()
	state, errFetch := c.fetcher.FetchEntitlement(fetchCtx, c.opts.CustomerID(userID))
	cancel()
	elapsed := time.Since(started)

	outcome, errClassify := classify(state, errFetch)
	if errClassify != nil {
		c.opts.Metrics.ObserveBillingFetch("error", elapsed)
		log.WithError(errFetch).WithField("user_id", userID).Error("subscription cache: unexpected billing error")
		return nil, errClassify
	}
	c.opts.Metrics.ObserveBillingFetch(string(outcome), elapsed)
	c.logOutcome(userID, outcome, errFetch)

	now := c.opts.Now()
	entry := &Entry{
		UserID:    userID,
		Value:     outcome == OutcomeEntitled,
		Outcome:   outcome,
		CheckedAt: now,
		ExpiresAt: now.Add(c.opts.TTL),
	}
	if c.generation(userID) != generation {
		// Invalidated while fetching: answer this caller, cache nothing.
		return entry, nil
	}
	if errWrite := c.writeShared(ctx, entry, state); errWrite != nil {
		return nil, errWrite
	}
	if c.generation(userID) != generation {
		// Invalidated during the write: take back what was just stored.
		if _, errDel := c.store.Del(ctx, c.statusKey(userID), c.detailKey(userID)); errDel != nil {
			log.WithError(errDel).WithField("user_id", userID).Warn("subscription cache: drop superseded entry failed")
		}
		return entry, nil
	}
	c.memoSet(entry, generation)
	return entry, nil
}

func (c *Cache) logOutcome(userID string, outcome Outcome, errFetch error) {
	fields := log.Fields{"user_id": userID, "outcome": string(outcome)}
	switch outcome {
	case OutcomeNotFound:
		log.WithFields(fields).Debug("subscription cache: billing customer not found, caching not entitled")
	case OutcomeTransient:
		log.WithFields(fields).WithError(errFetch).Warn("subscription cache: billing unavailable, caching not entitled until expiry")
	case OutcomeTimeout:
		log.WithFields(fields).WithError(errFetch).Warn("subscription cache: billing fetch timed out, caching not entitled until expiry")
	default:
		log.WithFields(fields).Debug("subscription cache: entitlement fetched")
	}
}

type lockValue struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Cache) acquireLock(ctx context.Context, userID string) (string, bool, error) {
	token := uuid.NewString()
	raw, errMarshal := json.Marshal(lockValue{
		Token:     token,
		UserID:    userID,
		ExpiresAt: c.opts.Now().Add(c.opts.LockTTL),
	})
	if errMarshal != nil {
		return "", false, fmt.Errorf("subscription: encode lock: %w", errMarshal)
	}
	ok, errSet := c.store.SetNX(ctx, c.lockKey(userID), raw, c.opts.LockTTL)
	if errSet != nil {
		return "", false, fmt.Errorf("subscription: acquire lock: %w", errSet)
	}
	if !ok {
		return "", false, nil
	}
	return string(raw), true, nil
}

// releaseLock runs even when the flight context is exhausted.
func (c *Cache) releaseLock(ctx context.Context, userID, token string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if _, errDel := c.store.DelIfValue(releaseCtx, c.lockKey(userID), []byte(token)); errDel != nil {
		log.WithError(errDel).WithField("user_id", userID).Warn("subscription cache: release lock failed, waiting for expiry")
	}
}

func (c *Cache) readShared(ctx context.Context, userID string) (*Entry, bool, error) {
	raw, ok, errGet := c.store.Get(ctx, c.statusKey(userID))
	if errGet != nil {
		return nil, false, fmt.Errorf("subscription: read status: %w", errGet)
	}
	if !ok {
		return nil, false, nil
	}
	var entry Entry
	if errUnmarshal := json.Unmarshal(raw, &entry); errUnmarshal != nil {
		log.WithError(errUnmarshal).WithField("user_id", userID).Warn("subscription cache: discarding unreadable entry")
		return nil, false, nil
	}
	if !entry.Fresh(c.opts.Now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (c *Cache) writeShared(ctx context.Context, entry *Entry, state *billing.CustomerState) error {
	raw, errMarshal := json.Marshal(entry)
	if errMarshal != nil {
		return fmt.Errorf("subscription: encode entry: %w", errMarshal)
	}
	if state != nil {
		detail, errDetail := json.Marshal(state)
		if errDetail != nil {
			return fmt.Errorf("subscription: encode detail: %w", errDetail)
		}
		if errSet := c.store.Set(ctx, c.detailKey(entry.UserID), detail, c.opts.TTL); errSet != nil {
			return fmt.Errorf("subscription: write detail: %w", errSet)
		}
	} else if _, errDel := c.store.Del(ctx, c.detailKey(entry.UserID)); errDel != nil {
		return fmt.Errorf("subscription: clear detail: %w", errDel)
	}
	if errSet := c.store.Set(ctx, c.statusKey(entry.UserID), raw, c.opts.TTL); errSet != nil {
		return fmt.Errorf("subscription: write status: %w", errSet)
	}
	return nil
}

func (c *Cache) readDetail(ctx context.Context, userID string) (*billing.CustomerState, bool, error) {
	raw, ok, errGet := c.store.Get(ctx, c.detailKey(userID))
	if errGet != nil {
		return nil, false, fmt.Errorf("subscription: read detail: %w", errGet)
	}
	if ok {
		var state billing.CustomerState
		if errUnmarshal := json.Unmarshal(raw, &state); errUnmarshal == nil {
			return &state, true, nil
		}
	}
	// A fresh status without detail means the customer has no record upstream.
	if _, known, errStatus := c.GetStatus(ctx, userID); errStatus != nil || known {
		return nil, known, errStatus
	}
	return nil, false, nil
}

func (c *Cache) memoGet(userID string) (*Entry, bool) {
	if c.memo == nil {
		return nil, false
	}
	raw, ok := c.memo.Get(userID)
	if !ok {
		return nil, false
	}
	item, ok := raw.(memoItem)
	if !ok || item.generation != c.generation(userID) || !c.opts.Now().Before(item.until) {
		return nil, false
	}
	entry := item.entry
	return &entry, true
}

func (c *Cache) memoSet(entry *Entry, generation uint64) {
	if c.memo == nil || entry == nil {
		return
	}
	until := c.opts.Now().Add(c.opts.MemoTTL)
	if entry.ExpiresAt.Before(until) {
		until = entry.ExpiresAt
	}
	ttl := until.Sub(c.opts.Now())
	if ttl <= 0 {
		return
	}
	c.memo.SetWithTTL(entry.UserID, memoItem{entry: *entry, until: until, generation: generation}, 1, ttl)
}

func (c *Cache) stripe(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % generationStripes)
}

func (c *Cache) generation(userID string) uint64 {
	return c.generations[c.stripe(userID)].Load()
}

func (c *Cache) dropLocal(userID string) {
	c.generations[c.stripe(userID)].Add(1)
	if c.memo != nil {
		c.memo.Del(userID)
	}
	c.flights.Forget(userID)
}

func (c *Cache) dropAllLocal() {
	for i := range c.generations {
		c.generations[i].Add(1)
	}
	if c.memo != nil {
		c.memo.Clear()
	}
}

func (c *Cache) broadcast(ctx context.Context, userID string) {
	if errPublish := c.store.Publish(ctx, c.opts.Channel, c.instanceID+"|"+userID); errPublish != nil {
		log.WithError(errPublish).Warn("subscription cache: publish invalidation failed")
	}
}

func (c *Cache) handleBroadcast(message string) {
	origin, userID, ok := strings.Cut(message, "|")
	if !ok || origin == c.instanceID {
		return
	}
	if userID == broadcastAll {
		c.dropAllLocal()
		return
	}
	c.dropLocal(userID)
}

func (c *Cache) statusKey(userID string) string {
	return c.opts.Prefix + ":" + kvstore.HashTag(userID) + ":status"
}

func (c *Cache) lockKey(userID string) string {
	return c.opts.Prefix + ":" + kvstore.HashTag(userID) + ":lock"
}

func (c *Cache) detailKey(userID string) string {
	return c.opts.Prefix + ":" + kvstore.HashTag(userID) + ":detail"
}
