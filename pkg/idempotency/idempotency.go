package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Lookup outcomes. A replay returns the stored response verbatim without
// re-executing side effects; a conflict means the caller reused a key with a
// different request body.
const (
	Miss     = "miss"
	Replay   = "replay"
	Conflict = "conflict"
)

const (
	DefaultTTL = 15 * time.Minute
	MaxTTL     = 24 * time.Hour
)

var ErrKeyConflict = errors.New("idempotency key reused with a different request body")

// Record is the stored response for one (scope, actor, key).
type Record struct {
	RequestHash string          `json:"request_hash"`
	Status      int             `json:"status"`
	Body        json.RawMessage `json:"body,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Store interface {
	// Lookup classifies the request and, on Replay, returns the stored record.
	Lookup(ctx context.Context, scope, actor, key, requestHash string) (string, *Record, error)
	// Save stores the response for later replay. Best-effort; a failed save
	// must not fail the primary request.
	Save(ctx context.Context, scope, actor, key string, rec Record) error
}

// ClampTTL applies the default and the 24h cap.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

func storageKey(scope, actor, key string) string {
	return scope + ":" + actor + ":" + key
}

type memEntry struct {
	rec       Record
	expiresAt time.Time
}

// MemoryStore is a mutex-guarded in-process Store with lazy TTL pruning.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]memEntry
	now   func() time.Time
}

func NewMemory(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:   ClampTTL(ttl),
		items: map[string]memEntry{},
		now:   time.Now,
	}
}

func (m *MemoryStore) Lookup(ctx context.Context, scope, actor, key, requestHash string) (string, *Record, error) {
	if key == "" {
		return Miss, nil, nil
	}
	now := m.now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	entry, ok := m.items[storageKey(scope, actor, key)]
	if !ok {
		return Miss, nil, nil
	}
	if entry.rec.RequestHash != requestHash {
		return Conflict, nil, ErrKeyConflict
	}
	rec := entry.rec
	return Replay, &rec, nil
}

func (m *MemoryStore) Save(ctx context.Context, scope, actor, key string, rec Record) error {
	if key == "" {
		return nil
	}
	now := m.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[storageKey(scope, actor, key)] = memEntry{rec: rec, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) pruneLocked(now time.Time) {
	for k, v := range m.items {
		if now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}
