// Package catalog maintains the set of subscribed artifactories and
// merges their app catalogs into one addressable namespace. Manifests
// are loaded through the provider layer and cached per source for a
// configurable TTL; staleness is a tuning knob, not a correctness
// requirement.
package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/airone01/diem/fetch"
	"github.com/airone01/diem/internal/provider"
	"github.com/airone01/diem/internal/schema"
)

// Store loads, parses, and caches artifactory manifests by source
// locator.
type Store struct {
	getter fetch.Getter
	ttl    time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	artifactory *schema.Artifactory
	fetchedAt   time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTTL sets how long a parsed manifest is served from cache.
// Zero disables caching.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a manifest store reading remote sources through g.
func NewStore(g fetch.Getter, opts ...StoreOption) *Store {
	s := &Store{
		getter: g,
		ttl:    5 * time.Minute,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the manifest at the given source locator, from cache if
// fresh.
func (s *Store) Load(ctx context.Context, locator string) (*schema.Artifactory, error) {
	if s.ttl > 0 {
		s.mu.RLock()
		entry, ok := s.cache[locator]
		s.mu.RUnlock()
		if ok && s.now().Sub(entry.fetchedAt) < s.ttl {
			return entry.artifactory, nil
		}
	}

	src, err := provider.Parse(locator, s.getter)
	if err != nil {
		return nil, err
	}
	data, err := src.Read(ctx)
	if err != nil {
		return nil, err
	}
	a, err := schema.DecodeArtifactory(data)
	if err != nil {
		return nil, err
	}

	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[locator] = cacheEntry{artifactory: a, fetchedAt: s.now()}
		s.mu.Unlock()
	}
	return a, nil
}

// Invalidate drops a cached manifest so the next Load re-fetches it.
func (s *Store) Invalidate(locator string) {
	s.mu.Lock()
	delete(s.cache, locator)
	s.mu.Unlock()
}

// InvalidateAll drops every cached manifest.
func (s *Store) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.mu.Unlock()
}
