package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const scanBatchSize = 500

var redisDelIfValueScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store on Redis.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Client returns the underlying Redis client.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore redis: get: %w", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if errSet := s.client.Set(ctx, key, value, ttl).Err(); errSet != nil {
		return fmt.Errorf("kvstore redis: set: %w", errSet)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore redis: setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kvstore redis: exists: %w", err)
	}
	return n > 0, nil
}

// Del removes keys. On a cluster the keys may span slots, so they are sent as
// one pipelined DEL per key.
func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if cluster, ok := s.client.(*redis.ClusterClient); ok && len(keys) > 1 {
		return delEach(ctx, cluster, keys)
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("kvstore redis: del: %w", err)
	}
	return n, nil
}

func (s *RedisStore) DelIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := redisDelIfValueScript.Run(ctx, s.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("kvstore redis: compare and delete: %w", err)
	}
	return n > 0, nil
}

// Scan walks the keyspace of every master when the client is a cluster client
// and of the single server otherwise.
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	cluster, ok := s.client.(*redis.ClusterClient)
	if !ok {
		return scanNode(ctx, s.client, pattern)
	}
	var (
		mu   sync.Mutex
		keys []string
	)
	errEach := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		batch, errScan := scanNode(ctx, node, pattern)
		if errScan != nil {
			return errScan
		}
		mu.Lock()
		keys = append(keys, batch...)
		mu.Unlock()
		return nil
	})
	if errEach != nil {
		return nil, errEach
	}
	return keys, nil
}

func scanNode(ctx context.Context, client redis.Cmdable, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("kvstore redis: scan: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func delEach(ctx context.Context, cluster *redis.ClusterClient, keys []string) (int64, error) {
	cmds, err := cluster.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("kvstore redis: del: %w", err)
	}
	var n int64
	for _, cmd := range cmds {
		if intCmd, ok := cmd.(*redis.IntCmd); ok {
			n += intCmd.Val()
		}
	}
	return n, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	if errPublish := s.client.Publish(ctx, channel, message).Err(); errPublish != nil {
		return fmt.Errorf("kvstore redis: publish: %w", errPublish)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string, handler func(message string)) error {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, errReceive := pubsub.Receive(ctx); errReceive != nil {
		_ = pubsub.Close()
		return fmt.Errorf("kvstore redis: subscribe: %w", errReceive)
	}
	go func() {
		defer func() {
			if errClose := pubsub.Close(); errClose != nil {
				log.WithError(errClose).Warn("kvstore redis: close subscription")
			}
		}()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				handler(msg.Payload)
			}
		}
	}()
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
