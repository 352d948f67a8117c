package fetcher

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// resultCache is a bounded LRU cache of fetch Results keyed by a hash of
// the URL and the options that produced them, honoring a TTL. Screenshots
// are never stored here, only text/HTML content.
type resultCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	items    map[string]*list.Element
}

type cacheEntry struct {
	key       string
	result    Result
	expiresAt time.Time
}

func newResultCache(capacity int, ttl time.Duration) *resultCache {
	if capacity <= 0 {
		capacity = 256
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &resultCache{
		capacity: capacity,
		ttl:      ttl,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func cacheKey(url string, opts Options) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%v", url, opts.UserAgent, opts.WaitForSelector, opts.RecordAPICalls)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *resultCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return Result{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		return Result{}, false
	}

	c.order.MoveToFront(elem)
	return entry.result, true
}

func (c *resultCache) put(key string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*cacheEntry).result = result
		elem.Value.(*cacheEntry).expiresAt = time.Now().Add(c.ttl)
		return
	}

	entry := &cacheEntry{key: key, result: result, expiresAt: time.Now().Add(c.ttl)}
	elem := c.order.PushFront(entry)
	c.items[key] = elem

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}
