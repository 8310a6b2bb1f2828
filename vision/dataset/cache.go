package dataset

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-superres/vision/preprocessing"
)

// ImageCache is an LRU cache of decoded images keyed by file path. Cached
// images are shared between callers and must be treated as read-only.
type ImageCache struct {
	mu      sync.Mutex
	cache   map[string]*list.Element
	lru     *list.List
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

type cacheEntry struct {
	key   string
	image *preprocessing.Image
}

// NewImageCache creates a cache holding at most maxSize images. A maxSize
// of zero or less disables caching.
func NewImageCache(maxSize int) *ImageCache {
	return &ImageCache{
		cache:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves an image from the cache
func (c *ImageCache) Get(key string) (*preprocessing.Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).image, true
	}

	c.misses++
	return nil, false
}

// Put adds an image to the cache, evicting the least recently used entries
func (c *ImageCache) Put(key string, im *preprocessing.Image) {
	if c.maxSize <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		elem.Value.(*cacheEntry).image = im
		c.lru.MoveToFront(elem)
		return
	}

	c.cache[key] = c.lru.PushFront(&cacheEntry{key: key, image: im})

	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.cache, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached images
func (c *ImageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns cache statistics
func (c *ImageCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
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
	return fmt.Sprintf("Cache: %d/%d images, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
