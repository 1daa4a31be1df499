package main

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "pico-swarm:state"

// RedisStore keeps the snapshot document under a single Redis key. SET
// replaces the value atomically, so a failed save leaves the previous one.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

// newRedisStoreFromURL parses url, connects and pings within ctx.
func newRedisStoreFromURL(ctx context.Context, url, key string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		//nolint:errcheck // ping error takes precedence
		client.Close()
		return nil, err
	}
	info("redis connected", "addr", opts.Addr, "key", key)
	return NewRedisStore(client, key), nil
}

func (r *RedisStore) String() string { return "redis:" + r.key }

func (r *RedisStore) Load(ctx context.Context) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	return data, err
}

func (r *RedisStore) Save(ctx context.Context, data []byte) error {
	return r.client.Set(ctx, r.key, data, 0).Err()
}

// Quarantine renames an unreadable snapshot key aside. Each quarantine
// gets its own key so earlier ones are kept.
func (r *RedisStore) Quarantine() (string, error) {
	dst := r.key + ":corrupt-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := r.client.Rename(context.Background(), r.key, dst).Err(); err != nil {
		return "", err
	}
	return dst, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
