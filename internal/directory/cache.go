package directory

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces resolution entries in a shared redis instance.
const keyPrefix = "account-relay:resolve:"

// CachedResolver caches successful resolutions in redis with a TTL.
// Failures are never cached, and any cache error falls through to the
// wrapped resolver so a broken redis only costs latency.
type CachedResolver struct {
	inner  Resolver
	client *redis.Client
	ttl    time.Duration
}

// NewCachedResolver wraps inner with a redis-backed cache.
func NewCachedResolver(inner Resolver, client *redis.Client, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedResolver{inner: inner, client: client, ttl: ttl}
}

// Resolve serves from the cache when possible, otherwise resolves through
// the wrapped resolver and stores the result.
func (c *CachedResolver) Resolve(ctx context.Context, accountID string) (string, error) {
	key := keyPrefix + accountID

	mailbox, err := c.client.Get(ctx, key).Result()
	if err == nil && mailbox != "" {
		slog.Debug("directory cache hit", "account", accountID)
		return mailbox, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Debug("directory cache read failed", "account", accountID, "error", err)
	}

	mailbox, err = c.inner.Resolve(ctx, accountID)
	if err != nil {
		return "", err
	}

	if err := c.client.Set(ctx, key, mailbox, c.ttl).Err(); err != nil {
		slog.Debug("directory cache write failed", "account", accountID, "error", err)
	}
	return mailbox, nil
}
