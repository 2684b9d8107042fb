package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed           bool
	Count             int
	Limit             int
	Remaining         int
	ResetAt           time.Time
	RetryAfterSeconds int
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// Key builds the fixed-window bucket key for a protected scope and actor.
// Each scope (route, decide, grant, verify, settle) counts independently.
func Key(scope, actor string) string {
	return scope + ":" + actor
}

// decide turns an observed window count into a Decision, stamping
// Retry-After only on denials.
func decide(count, limit int, resetAt, now time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfterSeconds = retryAfterSeconds(resetAt, now)
	}
	return d
}

func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(resetAt.Sub(now).Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// InMemoryLimiter is a fixed-window counter used directly in tests and as
// the fallback when Redis is unreachable.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]windowEntry
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]windowEntry),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = windowEntry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt, now)
}

func (l *InMemoryLimiter) sweepLocked(now time.Time) {
	for k, v := range l.items {
		if now.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
