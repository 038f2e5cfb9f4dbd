package fetch

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// DefaultCacheItems bounds the number of cached pages.
const DefaultCacheItems = 1024

// Cache holds recently fetched pages for a fixed TTL.
type Cache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

// NewCache creates a cache of at most maxItems pages; each page costs 1. A ttl of zero keeps
// pages until they are evicted.
func NewCache(maxItems int64, ttl time.Duration) (*Cache, error) {
	if maxItems <= 0 {
		maxItems = DefaultCacheItems
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxItems * 10,
		MaxCost:            maxItems,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create page cache: %w", err)
	}
	return &Cache{c: c, ttl: ttl}, nil
}

// Get returns the cached page for url.
func (c *Cache) Get(url string) (*Page, bool) {
	v, ok := c.c.Get(url)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Page)
	return p, ok
}

// Set stores a page. The write is visible to Get once Set returns.
func (c *Cache) Set(url string, p *Page) {
	c.c.SetWithTTL(url, p, 1, c.ttl)
	c.c.Wait()
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
