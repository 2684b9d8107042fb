package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCacheSetNXClaimsOnce(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "nonce:0xabc:7", "claimed", time.Second)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !ok {
		t.Fatal("first claim should win")
	}

	ok, err = c.SetNX(ctx, "nonce:0xabc:7", "replay", time.Second)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if ok {
		t.Fatal("second claim on a live key should lose")
	}

	// Releasing the claim makes the key claimable again.
	if err := c.Del(ctx, "nonce:0xabc:7"); err != nil {
		t.Fatalf("del: %v", err)
	}
	ok, err = c.SetNX(ctx, "nonce:0xabc:7", "claimed", time.Second)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !ok {
		t.Fatal("claim after release should win")
	}
}

func TestMemoryCacheExpiryBehavesLikeRedisNil(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "idem:route:abc", "pending", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "idem:route:abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "pending" {
		t.Fatalf("got %q, want pending", got)
	}

	time.Sleep(15 * time.Millisecond)
	if _, err := c.Get(ctx, "idem:route:abc"); !errors.Is(err, redis.Nil) {
		t.Fatalf("want redis.Nil after ttl, got %v", err)
	}
	// An expired key must also be claimable again.
	ok, err := c.SetNX(ctx, "idem:route:abc", "pending", time.Second)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !ok {
		t.Fatal("setnx on an expired key should win")
	}
}

func TestNewCacheFallsBackToMemory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if _, ok := NewCache(ctx, nil).(*MemoryCache); !ok {
		t.Fatal("nil redis client should fall back to MemoryCache")
	}

	unreachable := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
	})
	defer unreachable.Close()

	if _, ok := NewCache(ctx, unreachable).(*MemoryCache); !ok {
		t.Fatal("failed ping should fall back to MemoryCache")
	}
}

func TestNewCachePrefersRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	if _, ok := NewCache(context.Background(), client).(*RedisCache); !ok {
		t.Fatal("reachable redis should be preferred over memory")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cache := &RedisCache{client: client}
	ctx := context.Background()

	ok, err := cache.SetNX(ctx, "nonce:0xdef:3", "claimed", time.Minute)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if !ok {
		t.Fatal("first claim should win")
	}
	ok, err = cache.SetNX(ctx, "nonce:0xdef:3", "replay", time.Minute)
	if err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if ok {
		t.Fatal("duplicate claim should lose")
	}

	if err := cache.Set(ctx, "idem:spend:abc", "replay-record", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := cache.Get(ctx, "idem:spend:abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "replay-record" {
		t.Fatalf("got %q, want replay-record", got)
	}

	if err := cache.Del(ctx, "idem:spend:abc"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := cache.Get(ctx, "idem:spend:abc"); !errors.Is(err, redis.Nil) {
		t.Fatalf("want redis.Nil after delete, got %v", err)
	}
}
