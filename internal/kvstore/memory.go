package kvstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore implements Store inside a single process. Expiry is evaluated
// lazily against the injected clock; RunSweeper reclaims keys nobody reads again.
type MemoryStore struct {
	nowFn func() time.Time

	mu          sync.Mutex
	entries     map[string]memoryEntry
	subscribers map[string]map[int]func(string)
	nextSubID   int
}

// NewMemoryStore constructs a MemoryStore. A nil nowFn uses time.Now.
func NewMemoryStore(nowFn func() time.Time) *MemoryStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStore{
		nowFn:       nowFn,
		entries:     make(map[string]memoryEntry),
		subscribers: make(map[string]map[int]func(string)),
	}
}

// live returns the entry when present and unexpired. Callers hold mu.
func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !s.nowFn().Before(entry.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = s.nowFn().Add(ttl)
	}
	s.entries[key] = entry
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	return ok, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := s.live(key); ok {
			n++
		}
		delete(s.entries, key)
	}
	return n, nil
}

func (s *MemoryStore) DelIfValue(_ context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok || !bytes.Equal(entry.value, value) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.entries {
		if _, ok := s.live(key); !ok {
			continue
		}
		if globMatch(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Publish delivers message synchronously to local subscribers.
func (s *MemoryStore) Publish(_ context.Context, channel, message string) error {
	s.mu.Lock()
	handlers := make([]func(string), 0, len(s.subscribers[channel]))
	for _, h := range s.subscribers[channel] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string, handler func(message string)) error {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	if s.subscribers[channel] == nil {
		s.subscribers[channel] = make(map[int]func(string))
	}
	s.subscribers[channel][id] = handler
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers[channel], id)
		s.mu.Unlock()
	}()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Sweep removes expired entries that no caller has touched since they expired
// and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.entries)
	for key := range s.entries {
		s.live(key)
	}
	return before - len(s.entries)
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				log.Debugf("memory store: swept %d expired keys", n)
			}
		}
	}
}

// globMatch implements the Redis MATCH subset used here: '*', '?' and '\' escapes.
func globMatch(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 0 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatch(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		case '\\':
			if len(pattern) > 1 {
				pattern = pattern[1:]
			}
			fallthrough
		default:
			if len(s) == 0 || s[0] != pattern[0] {
				return false
			}
			pattern, s = pattern[1:], s[1:]
		}
	}
	return len(s) == 0
}
