package cdse

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchcryptid/water-monitor-etl/internal/domain"
	"github.com/couchcryptid/water-monitor-etl/internal/observability"
)

// Fetcher renders imagery for a request.
type Fetcher interface {
	FetchNDWI(ctx context.Context, req Request) ([]byte, error)
	FetchTrueColor(ctx context.Context, req Request) ([]byte, error)
}

// CachedFetcher wraps a Fetcher with an in-memory LRU cache of rendered
// images, so repeated fetches of a recent date skip the Process API.
// Requests with Refresh set always reach the inner fetcher.
type CachedFetcher struct {
	inner   Fetcher
	cache   *lruCache
	metrics *observability.Metrics
}

// NewCachedFetcher creates a cache decorator around a fetcher.
func NewCachedFetcher(inner Fetcher, maxEntries int, metrics *observability.Metrics) *CachedFetcher {
	return &CachedFetcher{
		inner:   inner,
		cache:   newLRUCache(maxEntries),
		metrics: metrics,
	}
}

func (c *CachedFetcher) FetchNDWI(ctx context.Context, req Request) ([]byte, error) {
	return c.fetch(ctx, ProductNDWI, req, c.inner.FetchNDWI)
}

func (c *CachedFetcher) FetchTrueColor(ctx context.Context, req Request) ([]byte, error) {
	return c.fetch(ctx, ProductTrueColor, req, c.inner.FetchTrueColor)
}

func (c *CachedFetcher) fetch(ctx context.Context, product Product, req Request, next func(context.Context, Request) ([]byte, error)) ([]byte, error) {
	key := cacheKey(product, req)
	if req.Refresh {
		c.metrics.ImageryCache.WithLabelValues(string(product), "refresh").Inc()
	} else if data, ok := c.cache.get(key); ok {
		c.metrics.ImageryCache.WithLabelValues(string(product), "hit").Inc()
		return data, nil
	} else {
		c.metrics.ImageryCache.WithLabelValues(string(product), "miss").Inc()
	}

	data, err := next(ctx, req)
	if err != nil {
		return nil, err
	}
	// Empty bodies are never cached so they can be retried.
	if len(data) > 0 {
		c.cache.put(key, data)
	}
	return data, nil
}

func cacheKey(product Product, req Request) string {
	b := req.BBox
	return fmt.Sprintf("%s|%.6f,%.6f,%.6f,%.6f|%s|%d|%dx%d",
		product, b.MinLon, b.MinLat, b.MaxLon, b.MaxLat,
		domain.FormatDate(req.Date), req.WindowDays, req.Width, req.Height)
}

// lruCache is a simple thread-safe LRU cache of image bytes.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value []byte
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	return &lruCache{
		maxEntries: max(maxEntries, 1),
		entries:    make(map[string]*entry),
	}
}

func (c *lruCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(e)
	return e.value, true
}

func (c *lruCache) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.pushFront(e)

	for len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *lruCache) pushFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlink(c.tail)
}
