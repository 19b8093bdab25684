package dataset

import (
	"container/list"
	"fmt"
	"sync"
)

// cachedSample is a decoded native-size sample
type cachedSample struct {
	shape []int
	data  []float32
}

// SampleCache is an LRU cache of decoded samples keyed by image path, so
// repeated assemblies of the same manifest skip decoding. Entries are copies;
// callers never share memory with the cache.
type SampleCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

type cacheEntry struct {
	key    string
	sample cachedSample
}

// NewSampleCache creates a cache holding at most maxSize samples
func NewSampleCache(maxSize int) *SampleCache {
	return &SampleCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get returns a copy of the cached sample data and its shape
func (c *SampleCache) Get(key string) ([]float32, []int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, nil, false
	}
	c.lru.MoveToFront(elem)
	c.hits++
	s := elem.Value.(*cacheEntry).sample
	return append([]float32(nil), s.data...), append([]int(nil), s.shape...), true
}

// Put stores a copy of data under key, evicting the least recently used
// entries beyond maxSize
func (c *SampleCache) Put(key string, data []float32, shape []int) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		return
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{
		key: key,
		sample: cachedSample{
			shape: append([]int(nil), shape...),
			data:  append([]float32(nil), data...),
		},
	})
	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns cache statistics
func (c *SampleCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// Clear drops every entry. Statistics are cumulative and kept.
func (c *SampleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
