package cachestore

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis stores entries in a Redis server; expiry is delegated to Redis.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, keyPrefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedis(client, keyPrefix), nil
}

// Load fetches the entry for key.
func (r *Redis) Load(ctx context.Context, key string, sourceMTime int64) ([]byte, bool) {
	raw, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	stamp, expires, data, err := open(raw)
	if err != nil || !fresh(stamp, expires, sourceMTime, r.now()) {
		return nil, false
	}
	return data, true
}

// Save writes the entry for key with the given ttl (0 = no expiry).
func (r *Redis) Save(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.keyPrefix+key, seal(data, r.now(), ttl), ttl).Err()
}

// Delete removes the entry for key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.keyPrefix+key).Err()
}

// Clear removes every entry under the key prefix.
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return r.client.Del(ctx, keys...).Err()
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
