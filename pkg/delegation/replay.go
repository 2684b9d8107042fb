package delegation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mohiiit/cloak-sub007/pkg/store"
)

// MemoryReplaySet tracks consumed nonces for the lifetime of the process.
type MemoryReplaySet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryReplaySet() *MemoryReplaySet {
	return &MemoryReplaySet{seen: map[string]struct{}{}}
}

func replayKey(delegationID string, nonce int64) string {
	return fmt.Sprintf("%s:%d", delegationID, nonce)
}

func (s *MemoryReplaySet) Seen(ctx context.Context, delegationID string, nonce int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[replayKey(delegationID, nonce)]
	return ok, nil
}

func (s *MemoryReplaySet) Claim(ctx context.Context, delegationID string, nonce int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := replayKey(delegationID, nonce)
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

func (s *MemoryReplaySet) Release(ctx context.Context, delegationID string, nonce int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, replayKey(delegationID, nonce))
	return nil
}

// CacheReplaySet keeps the replay set in a store.Cache so nonce protection
// survives restarts and spans gateway replicas.
type CacheReplaySet struct {
	Cache  store.Cache
	TTL    time.Duration
	Prefix string
}

func NewCacheReplaySet(cache store.Cache, ttl time.Duration) *CacheReplaySet {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &CacheReplaySet{Cache: cache, TTL: ttl, Prefix: "replay:"}
}

func (s *CacheReplaySet) Seen(ctx context.Context, delegationID string, nonce int64) (bool, error) {
	if s.Cache == nil {
		return false, nil
	}
	_, err := s.Cache.Get(ctx, s.Prefix+replayKey(delegationID, nonce))
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (s *CacheReplaySet) Claim(ctx context.Context, delegationID string, nonce int64) (bool, error) {
	if s.Cache == nil {
		return false, fmt.Errorf("replay cache not configured")
	}
	return s.Cache.SetNX(ctx, s.Prefix+replayKey(delegationID, nonce), "1", s.TTL)
}

func (s *CacheReplaySet) Release(ctx context.Context, delegationID string, nonce int64) error {
	if s.Cache == nil {
		return nil
	}
	return s.Cache.Del(ctx, s.Prefix+replayKey(delegationID, nonce))
}
