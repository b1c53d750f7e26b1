// Package ttlcache provides a small bounded in-process cache with per-entry
// expiry. It exists so components that need a cheap first-level check (seen
// completion ids, in-flight transaction phases) own an explicit, injected
// cache object instead of sharing package-level global state.
package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
}

// Cache is a fixed-capacity LRU with a uniform TTL. Expired entries are
// dropped lazily on access and by LRU pressure, which is adequate for the
// small, short-lived keys it holds.
//
// Thread safety: all methods are safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	ll      *list.List
	items   map[string]*list.Element

	now func() time.Time
}

// New creates a cache holding at most maxSize entries, each expiring ttl
// after its last Set.
func New[V any](maxSize int, ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		maxSize: maxSize,
		ttl:     ttl,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}
}

// Get returns the live value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	ent := el.Value.(*entry[V])
	if c.now().After(ent.expires) {
		c.removeElement(el)
		return zero, false
	}
	c.ll.MoveToFront(el)
	return ent.value, true
}

// Set stores the value, resetting its TTL and evicting the least recently
// used entry when the cache is full.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[V])
		ent.value = value
		ent.expires = expires
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry[V]{key: key, value: value, expires: expires})
	c.items[key] = el

	if c.ll.Len() > c.maxSize {
		if back := c.ll.Back(); back != nil {
			c.removeElement(back)
		}
	}
}

// Delete removes the entry for key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of entries, including any not yet lazily expired.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache[V]) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry[V]).key)
}
