// Package kvstore provides the shared key/value store used by the entitlement
// cache: plain values with TTL, atomic set-if-absent for locks, owner-checked
// release, namespace enumeration and an invalidation channel.
package kvstore

import (
	"context"
	"time"
)

// Store is the shared cache contract. Every operation is atomic on the backend.
type Store interface {
	// Get returns the value and true, or false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)
	// DelIfValue removes key only while it still holds value.
	DelIfValue(ctx context.Context, key string, value []byte) (bool, error)
	// Scan lists keys matching a glob pattern. It walks the keyspace and is
	// meant for administrative use only.
	Scan(ctx context.Context, pattern string) ([]string, error)
	// Publish sends message to channel subscribers in every process.
	Publish(ctx context.Context, channel, message string) error
	// Subscribe delivers channel messages to handler until ctx is done.
	// It returns once the subscription is active.
	Subscribe(ctx context.Context, channel string, handler func(message string)) error
	// Ping checks backend reachability.
	Ping(ctx context.Context) error
}
