package cache

import (
	"fmt"
	"sync"
	"time"

	"davstream/internal/domain"
)

const (
	DefaultMetadataTTL = 5 * time.Minute
	DefaultRedirectTTL = 10 * time.Minute
	DefaultPreloadTTL  = 2 * time.Minute
)

// MetadataCache holds HEAD probe results per origin URL with a TTL.
type MetadataCache struct {
	mu      sync.RWMutex
	entries map[string]metadataEntry
	ttl     time.Duration
}

type metadataEntry struct {
	meta      domain.Metadata
	expiresAt time.Time
}

func NewMetadataCache(ttl time.Duration) *MetadataCache {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	return &MetadataCache{entries: make(map[string]metadataEntry), ttl: ttl}
}

// Get returns the cached metadata if present and not expired.
func (c *MetadataCache) Get(url string) (domain.Metadata, bool) {
	c.mu.RLock()
	entry, ok := c.entries[url]
	c.mu.RUnlock()
	if !ok {
		return domain.Metadata{}, false
	}
	if time.Now().After(entry.expiresAt) {
		// Expired entries are removed lazily.
		c.mu.Lock()
		if existing, stillThere := c.entries[url]; stillThere && time.Now().After(existing.expiresAt) {
			delete(c.entries, url)
		}
		c.mu.Unlock()
		return domain.Metadata{}, false
	}
	return entry.meta, true
}

func (c *MetadataCache) Put(url string, meta domain.Metadata) {
	c.mu.Lock()
	c.entries[url] = metadataEntry{meta: meta, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *MetadataCache) Delete(url string) {
	c.mu.Lock()
	delete(c.entries, url)
	c.mu.Unlock()
}

func (c *MetadataCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Purge drops every entry and reports how many went.
func (c *MetadataCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := len(c.entries)
	c.entries = make(map[string]metadataEntry)
	return removed
}

// Sweep removes entries expired as of now and reports how many went.
func (c *MetadataCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for url, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, url)
			removed++
		}
	}
	return removed
}

// RedirectCache remembers the CDN location an origin URL redirected to.
type RedirectCache struct {
	mu      sync.RWMutex
	entries map[string]redirectEntry
	ttl     time.Duration
}

type redirectEntry struct {
	location  string
	expiresAt time.Time
}

func NewRedirectCache(ttl time.Duration) *RedirectCache {
	if ttl <= 0 {
		ttl = DefaultRedirectTTL
	}
	return &RedirectCache{entries: make(map[string]redirectEntry), ttl: ttl}
}

func (c *RedirectCache) Get(url string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[url]
	c.mu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		if existing, stillThere := c.entries[url]; stillThere && time.Now().After(existing.expiresAt) {
			delete(c.entries, url)
		}
		c.mu.Unlock()
		return "", false
	}
	return entry.location, true
}

func (c *RedirectCache) Put(url, location string) {
	c.mu.Lock()
	c.entries[url] = redirectEntry{location: location, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Delete drops a learned location, typically after the CDN stopped honoring it.
func (c *RedirectCache) Delete(url string) {
	c.mu.Lock()
	delete(c.entries, url)
	c.mu.Unlock()
}

func (c *RedirectCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *RedirectCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := len(c.entries)
	c.entries = make(map[string]redirectEntry)
	return removed
}

func (c *RedirectCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for url, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, url)
			removed++
		}
	}
	return removed
}

// PreloadMarks dedupes preload fetches: a marked interval is not fetched
// again until the mark expires, even if eviction already dropped its
// segments.
type PreloadMarks struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration
}

func NewPreloadMarks(ttl time.Duration) *PreloadMarks {
	if ttl <= 0 {
		ttl = DefaultPreloadTTL
	}
	return &PreloadMarks{entries: make(map[string]time.Time), ttl: ttl}
}

func preloadKey(url string, start, end int64) string {
	return fmt.Sprintf("%s|%d-%d", url, start, end)
}

func (c *PreloadMarks) Mark(url string, start, end int64) {
	c.mu.Lock()
	c.entries[preloadKey(url, start, end)] = time.Now().Add(c.ttl)
	c.mu.Unlock()
}

func (c *PreloadMarks) Marked(url string, start, end int64) bool {
	c.mu.RLock()
	expiresAt, ok := c.entries[preloadKey(url, start, end)]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(expiresAt) {
		c.mu.Lock()
		if existing, stillThere := c.entries[preloadKey(url, start, end)]; stillThere && time.Now().After(existing) {
			delete(c.entries, preloadKey(url, start, end))
		}
		c.mu.Unlock()
		return false
	}
	return true
}

func (c *PreloadMarks) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *PreloadMarks) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := len(c.entries)
	c.entries = make(map[string]time.Time)
	return removed
}

func (c *PreloadMarks) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, expiresAt := range c.entries {
		if now.After(expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
