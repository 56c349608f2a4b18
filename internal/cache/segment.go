package cache

import (
	"container/list"
	"sort"
	"sync"

	"davstream/internal/metrics"
)

const (
	DefaultSegmentSize int64 = 2 << 20
	DefaultMaxBytes    int64 = 500 << 20

	// Eviction drains to 70% of the budget so steady-state inserts do not
	// evict one entry at a time.
	evictTargetRatio = 0.7
)

// SegmentCache holds immutable, segment-aligned slices of origin files
// under a global byte budget with strict LRU eviction.
type SegmentCache struct {
	mu      sync.Mutex
	entries map[segmentKey]*segmentEntry
	lru     *list.List

	segmentSize int64
	maxBytes    int64
	curBytes    int64

	contentTypes map[string]string
	urlSegments  map[string]int

	hits   uint64
	misses uint64
}

type segmentKey struct {
	url   string
	start int64
}

type segmentEntry struct {
	key  segmentKey
	data []byte
	elem *list.Element
}

// Segment is a cached run of bytes starting at an aligned offset.
type Segment struct {
	Start int64
	Data  []byte
}

func (s Segment) End() int64 { return s.Start + int64(len(s.Data)) - 1 }

// SegmentStats is a point-in-time view for the stats endpoint.
type SegmentStats struct {
	Entries  int     `json:"entries"`
	Bytes    int64   `json:"bytes"`
	MaxBytes int64   `json:"maxBytes"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	HitRate  float64 `json:"hitRate"`
}

type SegmentCacheOption func(*SegmentCache)

func WithMaxBytes(max int64) SegmentCacheOption {
	return func(c *SegmentCache) {
		if max > 0 {
			c.maxBytes = max
		}
	}
}

func WithSegmentSize(size int64) SegmentCacheOption {
	return func(c *SegmentCache) {
		if size > 0 {
			c.segmentSize = size
		}
	}
}

func NewSegmentCache(opts ...SegmentCacheOption) *SegmentCache {
	c := &SegmentCache{
		entries:      make(map[segmentKey]*segmentEntry),
		lru:          list.New(),
		segmentSize:  DefaultSegmentSize,
		maxBytes:     DefaultMaxBytes,
		contentTypes: make(map[string]string),
		urlSegments:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SegmentCache) SegmentSize() int64 { return c.segmentSize }
func (c *SegmentCache) MaxBytes() int64    { return c.maxBytes }

// AlignDown returns the segment-grid offset at or below off.
func AlignDown(off, segmentSize int64) int64 {
	if segmentSize <= 0 || off < 0 {
		return 0
	}
	return off - off%segmentSize
}

// Has reports whether the segment covering off is cached. It does not
// bump recency.
func (c *SegmentCache) Has(url string, off int64) bool {
	key := segmentKey{url: url, start: AlignDown(off, c.segmentSize)}
	c.mu.Lock()
	_, ok := c.entries[key]
	c.mu.Unlock()
	return ok
}

// Get returns the segment covering off and bumps its recency. The
// returned slice is shared and must not be mutated.
func (c *SegmentCache) Get(url string, off int64) (Segment, bool) {
	key := segmentKey{url: url, start: AlignDown(off, c.segmentSize)}
	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return Segment{}, false
	}
	c.touchLocked(entry)
	seg := Segment{Start: entry.key.start, Data: entry.data}
	c.mu.Unlock()
	return seg, true
}

// Put inserts a segment under first-writer-wins semantics: if the slot is
// already filled the new payload is dropped. segStart must sit on the
// segment grid; a short payload is accepted only for the file's final
// segment, which total identifies. Payloads are owned by the cache after
// the call.
func (c *SegmentCache) Put(url string, segStart int64, data []byte, contentType string, total int64) bool {
	size := int64(len(data))
	if size == 0 || size > c.segmentSize {
		return false
	}
	if segStart < 0 || segStart%c.segmentSize != 0 {
		return false
	}
	if size < c.segmentSize && segStart+size != total {
		return false
	}

	key := segmentKey{url: url, start: segStart}

	c.mu.Lock()
	if _, exists := c.entries[key]; exists {
		c.mu.Unlock()
		return false
	}
	if c.curBytes+size > c.maxBytes {
		c.evictLocked(int64(float64(c.maxBytes) * evictTargetRatio))
	}

	entry := &segmentEntry{key: key, data: data}
	entry.elem = c.lru.PushFront(key)
	c.entries[key] = entry
	c.curBytes += size
	c.urlSegments[url]++
	if contentType != "" {
		if _, ok := c.contentTypes[url]; !ok {
			c.contentTypes[url] = contentType
		}
	}
	c.publishSizeLocked()
	c.mu.Unlock()
	return true
}

// Coalesce returns the cached segments of url overlapping [start, end]
// widened by one segment on both sides, sorted by offset. Recency is not
// bumped; the payload slices are shared and must not be mutated.
func (c *SegmentCache) Coalesce(url string, start, end int64) []Segment {
	lo := start - c.segmentSize
	hi := end + c.segmentSize

	c.mu.Lock()
	var out []Segment
	for key, entry := range c.entries {
		if key.url != url {
			continue
		}
		segEnd := key.start + int64(len(entry.data)) - 1
		if segEnd < lo || key.start > hi {
			continue
		}
		out = append(out, Segment{Start: key.start, Data: entry.data})
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Assemble serves [start, end] from cache if contiguous segments fully
// cover it. On success the involved segments are bumped and a fresh
// buffer is returned; a gap counts as a miss.
func (c *SegmentCache) Assemble(url string, start, end int64) ([]byte, bool) {
	if end < start {
		return nil, false
	}

	c.mu.Lock()
	var used []*segmentEntry
	next := AlignDown(start, c.segmentSize)
	for next <= end {
		entry, ok := c.entries[segmentKey{url: url, start: next}]
		if !ok {
			c.misses++
			c.mu.Unlock()
			metrics.SegmentCacheMissesTotal.Inc()
			return nil, false
		}
		used = append(used, entry)
		segEnd := entry.key.start + int64(len(entry.data)) - 1
		if segEnd >= end {
			break
		}
		if int64(len(entry.data)) < c.segmentSize {
			// Short non-final coverage cannot continue the run.
			c.misses++
			c.mu.Unlock()
			metrics.SegmentCacheMissesTotal.Inc()
			return nil, false
		}
		next = segEnd + 1
	}

	out := make([]byte, 0, end-start+1)
	for _, entry := range used {
		c.touchLocked(entry)
		segStart := entry.key.start
		from := int64(0)
		if start > segStart {
			from = start - segStart
		}
		to := int64(len(entry.data))
		if end < segStart+to-1 {
			to = end - segStart + 1
		}
		out = append(out, entry.data[from:to]...)
	}
	c.hits++
	c.mu.Unlock()

	metrics.SegmentCacheHitsTotal.Inc()
	return out, true
}

// Covered reports whether contiguous cached segments fully cover
// [start, end]. Unlike Assemble it does not copy, bump recency, or count
// toward the hit rate.
func (c *SegmentCache) Covered(url string, start, end int64) bool {
	if end < start {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := AlignDown(start, c.segmentSize)
	for next <= end {
		entry, ok := c.entries[segmentKey{url: url, start: next}]
		if !ok {
			return false
		}
		segEnd := entry.key.start + int64(len(entry.data)) - 1
		if segEnd >= end {
			return true
		}
		if int64(len(entry.data)) < c.segmentSize {
			return false
		}
		next = segEnd + 1
	}
	return true
}

// ContentType returns the content type recorded for url, if any segment
// of it is still cached.
func (c *SegmentCache) ContentType(url string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ct, ok := c.contentTypes[url]
	return ct, ok
}

// PurgeURL removes every cached segment of url.
func (c *SegmentCache) PurgeURL(url string) int {
	c.mu.Lock()
	removed := 0
	for key, entry := range c.entries {
		if key.url != url {
			continue
		}
		c.removeLocked(entry)
		removed++
	}
	c.publishSizeLocked()
	c.mu.Unlock()
	return removed
}

// Purge empties the cache.
func (c *SegmentCache) Purge() int {
	c.mu.Lock()
	removed := len(c.entries)
	c.entries = make(map[segmentKey]*segmentEntry)
	c.lru.Init()
	c.curBytes = 0
	c.contentTypes = make(map[string]string)
	c.urlSegments = make(map[string]int)
	c.publishSizeLocked()
	c.mu.Unlock()
	return removed
}

func (c *SegmentCache) Stats() SegmentStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := SegmentStats{
		Entries:  len(c.entries),
		Bytes:    c.curBytes,
		MaxBytes: c.maxBytes,
		Hits:     c.hits,
		Misses:   c.misses,
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		stats.HitRate = float64(c.hits) / float64(lookups)
	}
	return stats
}

func (c *SegmentCache) touchLocked(entry *segmentEntry) {
	if entry.elem == nil {
		entry.elem = c.lru.PushFront(entry.key)
		return
	}
	c.lru.MoveToFront(entry.elem)
}

func (c *SegmentCache) evictLocked(target int64) {
	if target < 0 {
		target = 0
	}
	for c.curBytes > target {
		back := c.lru.Back()
		if back == nil {
			break
		}
		key, _ := back.Value.(segmentKey)
		entry := c.entries[key]
		if entry == nil {
			c.lru.Remove(back)
			continue
		}
		c.removeLocked(entry)
		metrics.SegmentCacheEvictionsTotal.Inc()
	}
}

func (c *SegmentCache) removeLocked(entry *segmentEntry) {
	if entry.elem != nil {
		c.lru.Remove(entry.elem)
		entry.elem = nil
	}
	delete(c.entries, entry.key)
	c.curBytes -= int64(len(entry.data))

	url := entry.key.url
	c.urlSegments[url]--
	if c.urlSegments[url] <= 0 {
		delete(c.urlSegments, url)
		delete(c.contentTypes, url)
	}
}

func (c *SegmentCache) publishSizeLocked() {
	metrics.SegmentCacheSizeBytes.Set(float64(c.curBytes))
	metrics.SegmentCacheEntries.Set(float64(len(c.entries)))
}
