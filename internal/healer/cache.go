package healer

import (
	"sort"
	"sync"
	"time"

	"webpilot/internal/logging"
)

// Candidate cache defaults.
const (
	defaultCacheTTL     = 24 * time.Hour
	defaultCacheMaxSize = 1000
	evictFraction       = 0.10

	stabilityCacheTTL = time.Hour
)

type cacheEntry struct {
	candidates []Candidate
	expiresAt  time.Time
	lastAccess time.Time
}

// AdvancedCache holds healed-candidate lists keyed by
// (site, original, elementText, elementType). Entries expire after the TTL
// and are purged lazily on access; when the cache is full the
// least-recently-used 10% are evicted.
type AdvancedCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	maxSize int
	hits    int64
	misses  int64
	now     func() time.Time
}

// NewAdvancedCache creates a cache with the default TTL and capacity.
func NewAdvancedCache() *AdvancedCache {
	return &AdvancedCache{
		entries: make(map[string]*cacheEntry),
		ttl:     defaultCacheTTL,
		maxSize: defaultCacheMaxSize,
		now:     time.Now,
	}
}

// Get returns the cached candidate list for a key, if present and fresh.
func (c *AdvancedCache) Get(key string) ([]Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	now := c.now()
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	e.lastAccess = now
	c.hits++
	out := make([]Candidate, len(e.candidates))
	copy(out, e.candidates)
	return out, true
}

// Set stores a candidate list, evicting the oldest tenth when full.
func (c *AdvancedCache) Set(key string, candidates []Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked(now)
	}
	stored := make([]Candidate, len(candidates))
	copy(stored, candidates)
	c.entries[key] = &cacheEntry{
		candidates: stored,
		expiresAt:  now.Add(c.ttl),
		lastAccess: now,
	}
}

// Invalidate drops a key, typically after a cached candidate failed on the
// live page.
func (c *AdvancedCache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// evictLocked removes expired entries first, then the least-recently-used 10%.
func (c *AdvancedCache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}

	type aged struct {
		key  string
		last time.Time
	}
	order := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		order = append(order, aged{k, e.lastAccess})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].last.Before(order[j].last) })

	n := int(float64(c.maxSize) * evictFraction)
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(order); i++ {
		delete(c.entries, order[i].key)
	}
	logging.HealerDebug("Evicted %d selector cache entries", n)
}

// Stats reports cache size and hit rate (hits / (hits + misses)).
func (c *AdvancedCache) Stats() (size int, hitRate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return len(c.entries), hitRate
}

// stabilityCache memoises rule-based stability predictions per
// (selector, site, type) for an hour.
type stabilityCache struct {
	mu      sync.Mutex
	entries map[string]stabilityEntry
	now     func() time.Time
}

type stabilityEntry struct {
	score     float64
	expiresAt time.Time
}

func newStabilityCache() *stabilityCache {
	return &stabilityCache{entries: make(map[string]stabilityEntry), now: time.Now}
}

func (c *stabilityCache) get(key string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return 0, false
	}
	return e.score, true
}

func (c *stabilityCache) set(key string, score float64) {
	c.mu.Lock()
	c.entries[key] = stabilityEntry{score: score, expiresAt: c.now().Add(stabilityCacheTTL)}
	c.mu.Unlock()
}
