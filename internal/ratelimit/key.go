package ratelimit

import (
	"strings"

	"github.com/router-for-me/chatgate/internal/kvstore"
	internalsettings "github.com/router-for-me/chatgate/internal/settings"
)

const (
	namespaceTiered     = "tier"
	namespaceSubscriber = "sub"
)

// KeyBuilder derives window counter keys. Keys are stable across restarts and
// distinct for every (user, tier, window, entitled) tuple.
type KeyBuilder struct {
	prefix string
}

// NewKeyBuilder constructs a KeyBuilder; an empty prefix produces unprefixed keys.
func NewKeyBuilder(prefix string) KeyBuilder {
	return KeyBuilder{prefix: strings.TrimSpace(prefix)}
}

// Key returns the counter key for one window.
//
// Layout: <prefix>:{<user>}:<tier|sub>:<levelN>:<hourly|daily>. The braces form a
// Redis Cluster hash tag so both windows of a user land in one slot.
func (b KeyBuilder) Key(userID string, tier Tier, kind WindowKind, entitled bool) string {
	namespace := namespaceTiered
	if entitled {
		namespace = namespaceSubscriber
	}
	var sb strings.Builder
	if b.prefix != "" {
		sb.WriteString(b.prefix)
		sb.WriteByte(':')
	}
	sb.WriteString(kvstore.HashTag(userID))
	sb.WriteByte(':')
	sb.WriteString(namespace)
	sb.WriteByte(':')
	sb.WriteString(tier.String())
	sb.WriteByte(':')
	sb.WriteString(kind.String())
	return sb.String()
}

// IsAnonymous reports whether userID identifies no account.
func IsAnonymous(userID string) bool {
	trimmed := strings.TrimSpace(userID)
	return trimmed == "" || strings.HasPrefix(trimmed, internalsettings.AnonymousUserPrefix)
}
