package embedding

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Cache stores query vectors keyed by a content hash. Entries are
// disposable; a miss only costs one provider call.
type Cache interface {
	GetVector(ctx context.Context, key string) ([]float32, bool)
	SetVector(ctx context.Context, key string, vec []float32)
}

// LRUCache is an in-process, size-bounded cache with per-entry expiry.
type LRUCache struct {
	mu      sync.Mutex
	size    int
	ttl     time.Duration
	ll      *list.List
	entries map[string]*list.Element
	now     func() time.Time
}

type lruEntry struct {
	key     string
	vec     []float32
	expires time.Time
}

func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 1024
	}
	return &LRUCache{
		size:    size,
		ttl:     ttl,
		ll:      list.New(),
		entries: make(map[string]*list.Element, size),
		now:     time.Now,
	}
}

func (c *LRUCache) GetVector(_ context.Context, key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*lruEntry)
	if c.ttl > 0 && c.now().After(e.expires) {
		c.ll.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return e.vec, true
}

func (c *LRUCache) SetVector(_ context.Context, key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*lruEntry)
		e.vec, e.expires = vec, expires
		c.ll.MoveToFront(el)
		return
	}

	c.entries[key] = c.ll.PushFront(&lruEntry{key: key, vec: vec, expires: expires})
	for c.ll.Len() > c.size {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}

func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
