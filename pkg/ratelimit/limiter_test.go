package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiterWindow(t *testing.T) {
	limiter := NewInMemory(50 * time.Millisecond)
	key := Key("route", "0xward01")

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("third call should be denied: %+v", third)
	}

	time.Sleep(70 * time.Millisecond)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected fresh window after reset, got %+v", reset)
	}
}

func TestInMemoryLimiterLimitFloor(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	decision := limiter.Allow("k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("limit 0 should clamp to 1 and allow, got %+v", decision)
	}
}

func TestRedisLimiterWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRedis(client, 25*time.Millisecond)
	key := Key("decide", "guardian-1")

	first := limiter.Allow(key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("third call should be denied: %+v", third)
	}

	mr.FastForward(30 * time.Millisecond)
	reset := limiter.Allow(key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected fresh window after expiry, got %+v", reset)
	}
}

func TestRedisLimiterOutageUsesFallback(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	defer client.Close()

	limiter := NewRedis(client, time.Second)
	key := Key("grant", "wallet-owner-1")
	if first := limiter.Allow(key, 1); !first.Allowed || first.Count != 1 {
		t.Fatalf("fallback should count the request, got %+v", first)
	}
	if second := limiter.Allow(key, 1); second.Allowed {
		t.Fatalf("fallback must still enforce the limit, got %+v", second)
	}
}

func TestScopeKeyAndRetryAfter(t *testing.T) {
	if Key("settle", "agent-1") != "settle:agent-1" {
		t.Fatalf("unexpected scope key: %s", Key("settle", "agent-1"))
	}

	limiter := NewInMemory(10 * time.Second)
	limiter.Allow(Key("settle", "agent-1"), 1)
	denied := limiter.Allow(Key("settle", "agent-1"), 1)
	if denied.Allowed {
		t.Fatalf("expected denial, got %+v", denied)
	}
	if denied.RetryAfterSeconds < 1 || denied.RetryAfterSeconds > 10 {
		t.Fatalf("retry-after outside window: %+v", denied)
	}

	// A second scope for the same actor counts independently.
	if other := limiter.Allow(Key("verify", "agent-1"), 1); !other.Allowed {
		t.Fatalf("scopes must not share buckets, got %+v", other)
	}
}
