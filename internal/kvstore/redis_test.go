package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreGetSetTTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss without error, got ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if val, ok, _ := s.Get(ctx, "k"); !ok || string(val) != "v" {
		t.Fatalf("expected stored value, got %q", val)
	}
	mr.FastForward(time.Minute)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatalf("expected key to expire")
	}
}

func TestRedisStoreLockRoundTrip(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", []byte("owner-a"), 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected lock acquisition, got ok=%v err=%v", ok, err)
	}
	if ok, _ := s.SetNX(ctx, "lock", []byte("owner-b"), 10*time.Second); ok {
		t.Fatalf("expected contended setnx to fail")
	}
	if exists, _ := s.Exists(ctx, "lock"); !exists {
		t.Fatalf("expected lock to exist")
	}
	if deleted, _ := s.DelIfValue(ctx, "lock", []byte("owner-b")); deleted {
		t.Fatalf("expected non-owner release to be refused")
	}
	if deleted, err := s.DelIfValue(ctx, "lock", []byte("owner-a")); err != nil || !deleted {
		t.Fatalf("expected owner release, got deleted=%v err=%v", deleted, err)
	}
	if mr.Exists("lock") {
		t.Fatalf("expected lock key removed")
	}
}

func TestRedisStoreScan(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	_ = mr.Set("chatgate:sub:{a}:status", "1")
	_ = mr.Set("chatgate:sub:{b}:detail", "1")
	_ = mr.Set("chatgate:rl:{a}:tier:level1:hourly", "1")

	keys, err := s.Scan(ctx, "chatgate:sub:*")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
	if n, _ := s.Del(ctx, keys...); n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
}

func TestRedisStorePubSub(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	if err := s.Subscribe(ctx, "inv", func(msg string) { received <- msg }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.Publish(ctx, "inv", "user-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-received:
		if msg != "user-1" {
			t.Fatalf("expected user-1, got %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
}

func TestRedisStoreClusterScanAndDel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client)
	ctx := context.Background()

	for _, user := range []string{"a", "b", "c", "d"} {
		_ = mr.Set("chatgate:sub:{"+user+"}:status", "1")
	}
	_ = mr.Set("chatgate:rl:{a}:tier:level1:hourly", "1")

	keys, err := s.Scan(ctx, "chatgate:sub:*")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 4 {
		t.Fatalf("expected 4 keys across slots, got %v", keys)
	}
	n, err := s.Del(ctx, keys...)
	if err != nil {
		t.Fatalf("del: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 deleted, got %d", n)
	}
	if !mr.Exists("chatgate:rl:{a}:tier:level1:hourly") {
		t.Fatalf("expected keys outside the pattern to survive")
	}
}
