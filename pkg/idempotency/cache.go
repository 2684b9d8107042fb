package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/store"
)

// CacheStore keeps idempotency records in a store.Cache (Redis in production,
// MemoryCache when Redis is down). Records expire via the cache TTL.
type CacheStore struct {
	Cache  store.Cache
	TTL    time.Duration
	Prefix string
}

func NewCache(cache store.Cache, ttl time.Duration) *CacheStore {
	return &CacheStore{Cache: cache, TTL: ClampTTL(ttl), Prefix: "idem:"}
}

func (c *CacheStore) Lookup(ctx context.Context, scope, actor, key, requestHash string) (string, *Record, error) {
	if key == "" || c.Cache == nil {
		return Miss, nil, nil
	}
	raw, err := c.Cache.Get(ctx, c.Prefix+storageKey(scope, actor, key))
	if err != nil {
		// Cache miss and cache outage look the same here: treat both as a
		// first-time request rather than blocking the caller.
		return Miss, nil, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Miss, nil, nil
	}
	if rec.RequestHash != requestHash {
		return Conflict, nil, ErrKeyConflict
	}
	return Replay, &rec, nil
}

func (c *CacheStore) Save(ctx context.Context, scope, actor, key string, rec Record) error {
	if key == "" || c.Cache == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	return c.Cache.Set(ctx, c.Prefix+storageKey(scope, actor, key), string(raw), c.TTL)
}
