package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestDefaultWindows(t *testing.T) {
	if lim := NewInMemory(0); lim.window != time.Minute {
		t.Fatalf("expected one-minute default window, got %v", lim.window)
	}

	rl := NewRedis(nil, 0)
	if rl.Window != time.Minute {
		t.Fatalf("expected one-minute default window, got %v", rl.Window)
	}
	if rl.Prefix != "cloak:rl:" {
		t.Fatalf("expected default redis prefix, got %q", rl.Prefix)
	}
	if rl.Fallback == nil {
		t.Fatal("expected in-memory fallback to be initialized")
	}
}

func TestRedisLimiterFailsOpenWithoutFallback(t *testing.T) {
	t.Run("nil_client", func(t *testing.T) {
		lim := &RedisLimiter{Window: 2 * time.Second, Prefix: "cloak:rl:"}
		decision := lim.Allow(Key("route", "0xward01"), 0)
		if !decision.Allowed || decision.Limit != 1 || decision.Count != 0 || decision.Remaining != 1 {
			t.Fatalf("expected fail-open decision, got %+v", decision)
		}
	})

	t.Run("unreachable_redis", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{
			Addr:         "127.0.0.1:1",
			DialTimeout:  5 * time.Millisecond,
			ReadTimeout:  5 * time.Millisecond,
			WriteTimeout: 5 * time.Millisecond,
			MaxRetries:   0,
		})
		defer client.Close()

		lim := &RedisLimiter{Client: client, Window: 2 * time.Second, Prefix: "cloak:rl:"}
		decision := lim.Allow(Key("decide", "guardian-1"), 2)
		if !decision.Allowed || decision.Count != 0 || decision.Limit != 2 {
			t.Fatalf("expected fail-open decision on outage, got %+v", decision)
		}
	})
}

func swapScript(t *testing.T, lua string) {
	t.Helper()
	original := rateLimitScript
	rateLimitScript = redis.NewScript(lua)
	t.Cleanup(func() { rateLimitScript = original })
}

func TestRedisLimiterBadScriptResultFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := &RedisLimiter{Client: client, Window: 100 * time.Millisecond, Prefix: "cloak:rl:"}
	swapScript(t, `return "bad-value"`)

	decision := lim.Allow(Key("route", "0xward01"), 5)
	if !decision.Allowed || decision.Count != 0 || decision.Limit != 5 {
		t.Fatalf("expected fail-open on invalid script result, got %+v", decision)
	}
}

func TestRedisLimiterShortScriptResultUsesFallback(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := NewRedis(client, time.Second)
	swapScript(t, `return {1}`)

	key := Key("verify", "agent-2")
	if first := lim.Allow(key, 1); !first.Allowed || first.Count != 1 {
		t.Fatalf("expected in-memory fallback decision, got %+v", first)
	}
	if second := lim.Allow(key, 1); second.Allowed {
		t.Fatalf("fallback must enforce the limit, got %+v", second)
	}
}

func TestRedisLimiterNegativeTTLUsesWindow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := NewRedis(client, 500*time.Millisecond)

	// Seed the key without an expiry so PTTL returns -1.
	key := Key("settle", "agent-3")
	if err := client.Set(context.Background(), lim.Prefix+key, "1", 0).Err(); err != nil {
		t.Fatalf("seed redis key: %v", err)
	}

	decision := lim.Allow(key, 10)
	if decision.ResetAt.Before(time.Now().UTC()) {
		t.Fatalf("expected resetAt in future, got %v", decision.ResetAt)
	}
}
