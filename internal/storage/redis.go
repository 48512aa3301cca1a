package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/reward-settler/internal/config"
)

// RedisCache wraps the Redis client
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client (tests use miniredis)
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Set sets a key-value pair. A zero ttl keeps the key forever.
func (r *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Get retrieves a value by key. found is false when the key does not exist.
func (r *RedisCache) Get(ctx context.Context, key string) (value string, found bool, err error) {
	value, err = r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Del deletes one or more keys
func (r *RedisCache) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TokenLock is a Redis SET NX PX lock keyed by token address, so only one
// settler instance works on a token at a time.
type TokenLock struct {
	cache *RedisCache
	owner string
	ttl   time.Duration
}

// NewTokenLock creates a lock helper. owner must be unique per process.
func NewTokenLock(cache *RedisCache, owner string, ttl time.Duration) *TokenLock {
	return &TokenLock{cache: cache, owner: owner, ttl: ttl}
}

func lockKey(token string) string {
	return "settlement:lock:" + token
}

// Acquire takes the lock for token. ok is false when another owner holds it.
func (l *TokenLock) Acquire(ctx context.Context, token string) (ok bool, err error) {
	ok, err = l.cache.client.SetNX(ctx, lockKey(token), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire settlement lock: %w", err)
	}
	return ok, nil
}

// Release drops the lock if this owner still holds it
func (l *TokenLock) Release(ctx context.Context, token string) error {
	if err := releaseScript.Run(ctx, l.cache.client, []string{lockKey(token)}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release settlement lock: %w", err)
	}
	return nil
}
