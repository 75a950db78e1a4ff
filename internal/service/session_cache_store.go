package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gpustack-ui/chat-auth-service/internal/domain"
)

// CachedPrincipal is what a session cache keeps for one access token: the
// session row and a copy of its owner as they were at lookup time.
type CachedPrincipal struct {
	Session domain.Session `json:"session"`
	User    domain.User    `json:"user"`
}

// SessionCacheStore fronts the session table for the access-token path. It is
// never the source of truth: entries are short lived and InvalidateUser must
// make every cached entry of that user unreachable.
//
// Get reports the user's epoch it observed, hit or miss. Set writes only while
// that epoch is still current, so a principal loaded before an invalidation
// can never be cached after it.
type SessionCacheStore interface {
	Get(ctx context.Context, userID uint, tokenID string) (entry *CachedPrincipal, epoch uint64, ok bool, err error)
	Set(ctx context.Context, userID uint, tokenID string, epoch uint64, entry *CachedPrincipal, ttl time.Duration) error
	InvalidateUser(ctx context.Context, userID uint) error
	Name() string
}

type NoopSessionCacheStore struct{}

func NewNoopSessionCacheStore() *NoopSessionCacheStore { return &NoopSessionCacheStore{} }

func (NoopSessionCacheStore) Get(context.Context, uint, string) (*CachedPrincipal, uint64, bool, error) {
	return nil, 0, false, nil
}

func (NoopSessionCacheStore) Set(context.Context, uint, string, uint64, *CachedPrincipal, time.Duration) error {
	return nil
}

func (NoopSessionCacheStore) InvalidateUser(context.Context, uint) error { return nil }

func (NoopSessionCacheStore) Name() string { return "none" }

type memorySessionEntry struct {
	principal CachedPrincipal
	expiresAt time.Time
}

// InMemorySessionCacheStore is a process-local cache. Invalidation bumps a
// per-user epoch that is part of the key, so stale entries are simply never
// read again and are dropped on the next sweep.
type InMemorySessionCacheStore struct {
	mu        sync.RWMutex
	entries   map[string]memorySessionEntry
	userEpoch map[uint]uint64
	now       func() time.Time
	writes    int
}

const memorySweepEvery = 256

func NewInMemorySessionCacheStore() *InMemorySessionCacheStore {
	return &InMemorySessionCacheStore{
		entries:   make(map[string]memorySessionEntry),
		userEpoch: make(map[uint]uint64),
		now:       time.Now,
	}
}

func (s *InMemorySessionCacheStore) Get(_ context.Context, userID uint, tokenID string) (*CachedPrincipal, uint64, bool, error) {
	s.mu.RLock()
	epoch := s.userEpoch[userID]
	entry, ok := s.entries[sessionCacheKey(epoch, userID, tokenID)]
	s.mu.RUnlock()
	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, epoch, false, nil
	}
	p := entry.principal
	return &p, epoch, true, nil
}

func (s *InMemorySessionCacheStore) Set(_ context.Context, userID uint, tokenID string, epoch uint64, entry *CachedPrincipal, ttl time.Duration) error {
	if entry == nil || ttl <= 0 {
		return nil
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userEpoch[userID] != epoch {
		return nil
	}
	s.entries[sessionCacheKey(epoch, userID, tokenID)] = memorySessionEntry{principal: *entry, expiresAt: now.Add(ttl)}
	s.writes++
	if s.writes%memorySweepEvery == 0 {
		s.sweepLocked(now)
	}
	return nil
}

func (s *InMemorySessionCacheStore) InvalidateUser(_ context.Context, userID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userEpoch[userID]++
	return nil
}

func (s *InMemorySessionCacheStore) Name() string { return "memory" }

func (s *InMemorySessionCacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *InMemorySessionCacheStore) sweepLocked(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

func sessionCacheKey(userEpoch uint64, userID uint, tokenID string) string {
	return fmt.Sprintf("sess:e%d:u%d:%s", userEpoch, userID, tokenID)
}
