package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces correlation entries in a shared redis
const DefaultKeyPrefix = "gateway:correlation:"

// Redis stores entries in redis with native key expiry, so every gateway
// instance sees the same correlations.
type Redis struct {
	client    redis.UniversalClient
	prefix    string
	ownClient bool
}

// RedisOption configures a Redis cache
type RedisOption func(*Redis)

// WithKeyPrefix overrides DefaultKeyPrefix
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithOwnedClient makes Close also close the redis client
func WithOwnedClient() RedisOption {
	return func(r *Redis) {
		r.ownClient = true
	}
}

// NewRedis wraps a redis client
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Get implements Cache
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

// Put implements Cache. SET with EX is atomic, so a reader never sees a key
// without its expiry.
func (r *Redis) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := checkPut(key, ttl); err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate implements Cache. DEL reports the number of keys it removed, which
// gives a single winner across instances.
func (r *Redis) Invalidate(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

// Ping checks the connection
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements Cache
func (r *Redis) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}
