// Copyright 2025 James Ross
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/raulskat/webhook-service/internal/store"
)

// ErrNotFound is returned by Get when neither the cache nor the fallback
// loader has a subscription for the given id.
var ErrNotFound = errors.New("cache: subscription not found")

// Loader fetches the authoritative subscription on a cache miss.
type Loader func(ctx context.Context, id int64) (*store.Subscription, error)

// SubscriptionCache is a read-through, write-invalidated cache of
// subscriptions (active or not) keyed by subscription id. Values may be stale by up to TTL
// after a missed invalidation; callers must tolerate that.
type SubscriptionCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	load   Loader
}

// New returns a cache that falls back to load on miss.
func New(rdb *redis.Client, ttl time.Duration, keyPrefix string, load Loader) *SubscriptionCache {
	return &SubscriptionCache{rdb: rdb, ttl: ttl, prefix: keyPrefix, load: load}
}

func (c *SubscriptionCache) key(id int64) string {
	return c.prefix + strconv.FormatInt(id, 10)
}

// Get returns the subscription for id, reading through to the loader on miss
// and populating the cache with TTL.
func (c *SubscriptionCache) Get(ctx context.Context, id int64) (*store.Subscription, error) {
	val, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	if err == nil {
		var sub store.Subscription
		if jerr := json.Unmarshal(val, &sub); jerr == nil {
			return &sub, nil
		}
		// Corrupt cache entry: fall through to reload from source of truth.
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("cache get: %w", err)
	}

	sub, err := c.load(ctx, id)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	encoded, jerr := json.Marshal(sub)
	if jerr == nil {
		// Best-effort population; a failed SET does not fail the read.
		c.rdb.Set(ctx, c.key(id), encoded, c.ttl)
	}
	return sub, nil
}

// Invalidate removes the cached entry for id. Called by the subscription
// mutation path (create/update/delete/activate/deactivate) — an external
// collaborator outside this service's core.
func (c *SubscriptionCache) Invalidate(ctx context.Context, id int64) error {
	if err := c.rdb.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}
