// Copyright 2024 The imagecache authors.
// SPDX-License-Identifier: Apache-2.0

package imagecache

import (
	"container/list"
	"fmt"
	"image"
	"sync"
)

// DefaultMaxCost is the default cost ceiling for a MemoryCache, in bytes.
const DefaultMaxCost = 100 << 20 // 100 MiB

// Image is a decoded image held in a MemoryCache, together with the encoded
// format it was decoded from.
type Image struct {
	image.Image
	Format string
}

// MemoryCache is an in-memory cache of decoded images, bounded by the total
// estimated byte cost of its entries rather than by entry count.  Entries
// are keyed by remote URL plus the target size they were decoded for, so
// distinct renditions of the same image never satisfy each other's lookups.
// When inserting an entry would push the total cost over the ceiling, least
// recently used entries are evicted until it no longer does.
//
// All methods are safe for concurrent use.  MemoryCache performs no I/O and
// never reports errors: a miss is an expected outcome, not a failure, and
// callers fall back to their own fetch-and-decode path.
type MemoryCache struct {
	mu      sync.Mutex
	maxCost int64
	cost    int64
	ll      *list.List // entries in use order, most recent at front
	items   map[string]*list.Element
	byURL   map[string]map[string]*list.Element // locator -> size variant keys
}

type memoryEntry struct {
	key     string
	locator string
	image   *Image
	cost    int64
}

// NewMemoryCache constructs a MemoryCache with the given cost ceiling in
// bytes.  If maxCost is not positive, DefaultMaxCost is used.
func NewMemoryCache(maxCost int64) *MemoryCache {
	if maxCost <= 0 {
		maxCost = DefaultMaxCost
	}
	return &MemoryCache{
		maxCost: maxCost,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		byURL:   make(map[string]map[string]*list.Element),
	}
}

// cacheKey returns the cache key for the size variant of locator identified
// by opt.  The no-size variant is keyed by the bare locator.
func cacheKey(locator string, opt Options) string {
	if opt.Width == 0 && opt.Height == 0 {
		return locator
	}
	return fmt.Sprintf("%s#%dx%d", locator, opt.Width, opt.Height)
}

// imageCost estimates the resident memory footprint of m in bytes, assuming
// 4 bytes per pixel at the given device scale.  This is deliberately an
// estimate computed from pixel dimensions so that images never need to be
// re-encoded just to be measured.
func imageCost(m image.Image, scale float64) int64 {
	if scale <= 0 {
		scale = 1
	}
	b := m.Bounds()
	return int64(float64(b.Dx()*b.Dy()) * scale * scale * 4)
}

// Get retrieves the cached image decoded for the exact (locator, size) key,
// marking it most recently used.
func (c *MemoryCache) Get(locator string, opt Options) (*Image, bool) {
	if locator == "" {
		imageCacheMissCount.Inc()
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[cacheKey(locator, opt)]
	if !ok {
		imageCacheMissCount.Inc()
		return nil, false
	}
	c.ll.MoveToFront(elem)
	imageCacheHitCount.Inc()
	return elem.Value.(*memoryEntry).image, true
}

// Set inserts or replaces the entry for the (locator, size) key.  The entry
// is stored under its estimated cost; if that would push the total cost over
// the ceiling, least recently used entries are evicted first.  An image
// whose lone cost exceeds the ceiling is silently not retained.
func (c *MemoryCache) Set(m *Image, locator string, opt Options) {
	if m == nil || locator == "" {
		return
	}
	key := cacheKey(locator, opt)
	cost := imageCost(m, opt.Scale)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
	if cost > c.maxCost {
		return
	}

	elem := c.ll.PushFront(&memoryEntry{key: key, locator: locator, image: m, cost: cost})
	c.items[key] = elem
	variants, ok := c.byURL[locator]
	if !ok {
		variants = make(map[string]*list.Element)
		c.byURL[locator] = variants
	}
	variants[key] = elem
	c.cost += cost

	for c.cost > c.maxCost {
		c.remove(c.ll.Back())
		imageCacheEvictionCount.Inc()
	}
}

// Remove removes all size variants cached for locator.  Removing a locator
// with no entries is a no-op.
func (c *MemoryCache) Remove(locator string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, elem := range c.byURL[locator] {
		c.remove(elem)
	}
}

// Flush evicts every entry.  It is intended to be wired to the host
// environment's low-memory signal by the owning application.
func (c *MemoryCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.ll.Len() > 0 {
		c.remove(c.ll.Back())
	}
	imageCacheFlushCount.Inc()
}

// Cost returns the total estimated cost of all resident entries in bytes.
func (c *MemoryCache) Cost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cost
}

// Len returns the number of resident entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// remove unlinks elem from all internal structures.  Callers must hold c.mu.
func (c *MemoryCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := c.ll.Remove(elem).(*memoryEntry)
	delete(c.items, entry.key)
	if variants := c.byURL[entry.locator]; variants != nil {
		delete(variants, entry.key)
		if len(variants) == 0 {
			delete(c.byURL, entry.locator)
		}
	}
	c.cost -= entry.cost
}
