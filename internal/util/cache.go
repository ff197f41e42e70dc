// Package util holds small concurrency helpers shared by runtime packages
package util

import (
	"container/list"
	"sync"
)

type (
	// Cache is a bounded, concurrency-safe map that evicts its least
	// recently used entry once it holds more than its capacity
	Cache[K comparable, V any] struct {
		entries  map[K]*list.Element
		order    *list.List
		capacity int
		mu       sync.Mutex
	}

	// Build produces the value for a key that is not cached yet
	Build[V any] func() (V, error)

	cached[K comparable, V any] struct {
		key   K
		value V
	}
)

// NewCache creates a Cache holding at most capacity entries. A capacity
// below one is treated as one
func NewCache[K comparable, V any](capacity int) *Cache[K, V] {
	return &Cache[K, V]{
		entries:  map[K]*list.Element{},
		order:    list.New(),
		capacity: max(capacity, 1),
	}
}

// Get returns the value cached for key, building and caching it on a miss.
// Build errors are returned without caching anything. Two callers missing
// the same key may both build; the first to finish wins
func (c *Cache[K, V]) Get(key K, build Build[V]) (V, error) {
	if v, ok := c.Lookup(key); ok {
		return v, nil
	}

	v, err := build()
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*cached[K, V]).value, nil
	}
	c.entries[key] = c.order.PushFront(&cached[K, V]{key: key, value: v})
	for c.order.Len() > c.capacity {
		c.evictOldest()
	}
	return v, nil
}

// Lookup returns the value cached for key without building one
func (c *Cache[K, V]) Lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cached[K, V]).value, true
}

// Remove drops key from the cache
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// Len reports how many entries are cached
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[K, V]) evictOldest() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.order.Remove(back)
	delete(c.entries, back.Value.(*cached[K, V]).key)
}
