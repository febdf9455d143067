package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrDuplicate is returned when the key was already claimed.
	ErrDuplicate = errors.New("duplicate request")
	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("invalid idempotency key")
)

const (
	DefaultTTL = 24 * time.Hour
	keyPrefix  = "idempotency:"
)

// Checker claims caller-supplied idempotency keys. A nil return means the
// claim is fresh; ErrDuplicate means the key was seen before. Any other
// error means the checker itself is unavailable and must not be treated
// as fresh.
type Checker interface {
	Claim(ctx context.Context, key string) error
}

// RedisChecker implements Checker with a SETNX claim and TTL expiry.
// Claims are never rolled back: a failed transaction after a successful
// claim still burns the key, and the caller retries with a new one.
type RedisChecker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisChecker(client *redis.Client, ttl time.Duration) *RedisChecker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisChecker{client: client, ttl: ttl}
}

func (c *RedisChecker) Claim(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	ok, err := c.client.SetNX(ctx, keyPrefix+key, "1", c.ttl).Result()
	if err != nil {
		return fmt.Errorf("idempotency claim: %w", err)
	}
	if !ok {
		return ErrDuplicate
	}
	return nil
}

// Release drops a claimed key. Used by operational tooling and tests only;
// the ingestion path never releases a claim.
func (c *RedisChecker) Release(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return c.client.Del(ctx, keyPrefix+key).Err()
}
