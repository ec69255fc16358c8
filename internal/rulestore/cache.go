package rulestore

import (
	"context"
	"sync"
	"time"
)

// CachedStore wraps a Store with a per-category TTL cache. Reads are served
// concurrently from the cache; expiry refreshes are single-flight so only one
// caller hits the underlying store per category.
type CachedStore struct {
	inner Store
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	rules     *CategoryRules
	loadedAt  time.Time
	refreshMu sync.Mutex
}

// NewCachedStore wraps inner with the given TTL (45s when zero).
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 45 * time.Second
	}
	return &CachedStore{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]*cacheEntry{},
	}
}

// Category returns cached rules, refreshing through the inner store when the
// entry is stale. A failed refresh falls back to the stale copy when one
// exists.
func (s *CachedStore) Category(ctx context.Context, category string) (*CategoryRules, error) {
	s.mu.RLock()
	entry := s.entries[category]
	s.mu.RUnlock()

	if entry == nil {
		s.mu.Lock()
		if entry = s.entries[category]; entry == nil {
			entry = &cacheEntry{}
			s.entries[category] = entry
		}
		s.mu.Unlock()
	}

	entry.refreshMu.Lock()
	defer entry.refreshMu.Unlock()

	if entry.rules != nil && s.now().Sub(entry.loadedAt) < s.ttl {
		return entry.rules, nil
	}

	rules, err := s.inner.Category(ctx, category)
	if err != nil {
		if entry.rules != nil {
			return entry.rules, nil
		}
		return nil, err
	}
	entry.rules = rules
	entry.loadedAt = s.now()
	return rules, nil
}
