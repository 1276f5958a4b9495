package util

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap"
)

type cacheKey interface{ uint32 | ~string }

type cacheEntry[V any] struct {
	expireAt time.Time
	value    V
}

// LRWCache keeps the most recently written entries for ttl. Once maxSize
// is reached the oldest write is evicted.
type LRWCache[K cacheKey, V any] struct {
	ttl     time.Duration
	maxSize int
	data    *orderedmap.OrderedMap
	now     func() time.Time
	mu      sync.Mutex
}

func NewLRWCache[K cacheKey, V any](ttl time.Duration, maxSize int) *LRWCache[K, V] {
	return &LRWCache[K, V]{
		ttl:     ttl,
		maxSize: maxSize,
		data:    orderedmap.NewOrderedMap(),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (c *LRWCache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *LRWCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.expire(now)
	c.data.Delete(key)
	for c.maxSize > 0 && c.data.Len() >= c.maxSize {
		c.data.Delete(c.data.Front().Key)
	}
	c.data.Set(key, &cacheEntry[V]{expireAt: now.Add(c.ttl), value: value})
}

func (c *LRWCache[K, V]) Get(key K) (value V, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(key)
}

func (c *LRWCache[K, V]) get(key K) (value V, exists bool) {
	v, ok := c.data.Get(key)
	if !ok {
		return
	}
	entry := v.(*cacheEntry[V])
	if !c.now().Before(entry.expireAt) {
		c.data.Delete(key)
		return
	}
	return entry.value, true
}

func (c *LRWCache[K, V]) GetAndRemove(key K) (value V, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, exists = c.get(key)
	c.data.Delete(key)
	return
}

func (c *LRWCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Delete(key)
}

// Len counts live entries.
func (c *LRWCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(c.now())
	return c.data.Len()
}

// expire drops expired entries from the front. Writes are kept in order
// and share one ttl, so the first live entry ends the scan.
func (c *LRWCache[K, V]) expire(now time.Time) {
	for el := c.data.Front(); el != nil; el = c.data.Front() {
		if now.Before(el.Value.(*cacheEntry[V]).expireAt) {
			return
		}
		c.data.Delete(el.Key)
	}
}
