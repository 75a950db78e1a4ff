package service

import (
	"context"
	"sync"
	"time"
)

// MissingSessionCache remembers token ids whose session row is known to be
// gone. A jti is never reused, so an entry can safely live until the token
// itself would have expired.
type MissingSessionCache interface {
	Known(ctx context.Context, tokenID string) (bool, error)
	Remember(ctx context.Context, tokenID string, until time.Time) error
}

type NoopMissingSessionCache struct{}

func NewNoopMissingSessionCache() *NoopMissingSessionCache { return &NoopMissingSessionCache{} }

func (NoopMissingSessionCache) Known(context.Context, string) (bool, error) { return false, nil }

func (NoopMissingSessionCache) Remember(context.Context, string, time.Time) error { return nil }

// InMemoryMissingSessionCache bounds its size by dropping expired entries once
// the map grows past maxEntries, and refusing new ones while still full.
type InMemoryMissingSessionCache struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	maxEntries int
	now        func() time.Time
}

func NewInMemoryMissingSessionCache(maxEntries int) *InMemoryMissingSessionCache {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	return &InMemoryMissingSessionCache{
		entries:    make(map[string]time.Time),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *InMemoryMissingSessionCache) Known(_ context.Context, tokenID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.entries[tokenID]
	if !ok {
		return false, nil
	}
	if !c.now().Before(until) {
		delete(c.entries, tokenID)
		return false, nil
	}
	return true, nil
}

func (c *InMemoryMissingSessionCache) Remember(_ context.Context, tokenID string, until time.Time) error {
	now := c.now()
	if tokenID == "" || !now.Before(until) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		for k, exp := range c.entries {
			if !now.Before(exp) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.maxEntries {
			return nil
		}
	}
	c.entries[tokenID] = until
	return nil
}
