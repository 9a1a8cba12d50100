package cache

import (
	"container/list"
	"sync"
)

// Stats represents cache statistics
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

// LRU is a thread-safe, entry-bounded LRU cache. Evicted values are
// handed to the OnEvict callback outside of the cache lock.
type LRU[K comparable, V any] struct {
	mu        sync.Mutex
	capacity  int
	items     map[K]*list.Element
	evictList *list.List
	onEvict   func(K, V)

	stats Stats
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRU creates a cache holding at most capacity entries.
func NewLRU[K comparable, V any](capacity int, onEvict func(K, V)) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity:  capacity,
		items:     make(map[K]*list.Element),
		evictList: list.New(),
		onEvict:   onEvict,
		stats:     Stats{Capacity: capacity},
	}
}

// Get retrieves a value and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}

	c.evictList.MoveToFront(element)
	c.stats.Hits++
	return element.Value.(*entry[K, V]).value, true
}

// GetOrCreate returns the cached value for key or stores the result of create.
// create runs under the cache lock so concurrent callers never build two values
// for the same key.
func (c *LRU[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	c.mu.Lock()

	if element, ok := c.items[key]; ok {
		c.evictList.MoveToFront(element)
		c.stats.Hits++
		c.mu.Unlock()
		return element.Value.(*entry[K, V]).value, nil
	}
	c.stats.Misses++

	value, err := create()
	if err != nil {
		c.mu.Unlock()
		var zero V
		return zero, err
	}

	evicted := c.insert(key, value)
	c.mu.Unlock()

	c.notify(evicted)
	return value, nil
}

// Put stores a value, replacing any previous value for key.
func (c *LRU[K, V]) Put(key K, value V) {
	c.mu.Lock()
	var evicted []*entry[K, V]
	if element, ok := c.items[key]; ok {
		old := element.Value.(*entry[K, V])
		evicted = append(evicted, &entry[K, V]{key: old.key, value: old.value})
		old.value = value
		c.evictList.MoveToFront(element)
	} else {
		evicted = c.insert(key, value)
	}
	c.mu.Unlock()

	c.notify(evicted)
}

// Delete removes key from the cache, invoking the eviction callback.
func (c *LRU[K, V]) Delete(key K) bool {
	c.mu.Lock()
	element, ok := c.items[key]
	var evicted []*entry[K, V]
	if ok {
		evicted = append(evicted, c.removeElement(element))
	}
	c.mu.Unlock()

	c.notify(evicted)
	return ok
}

// Len returns the number of cached entries.
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cache statistics
func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.items)
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Clear removes every entry, invoking the eviction callback for each.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	evicted := make([]*entry[K, V], 0, len(c.items))
	for c.evictList.Len() > 0 {
		evicted = append(evicted, c.removeElement(c.evictList.Back()))
	}
	c.mu.Unlock()

	c.notify(evicted)
}

// Helper methods

func (c *LRU[K, V]) insert(key K, value V) []*entry[K, V] {
	c.items[key] = c.evictList.PushFront(&entry[K, V]{key: key, value: value})

	var evicted []*entry[K, V]
	for len(c.items) > c.capacity {
		evicted = append(evicted, c.removeElement(c.evictList.Back()))
		c.stats.Evictions++
	}
	return evicted
}

func (c *LRU[K, V]) removeElement(element *list.Element) *entry[K, V] {
	e := element.Value.(*entry[K, V])
	c.evictList.Remove(element)
	delete(c.items, e.key)
	return e
}

func (c *LRU[K, V]) notify(evicted []*entry[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range evicted {
		c.onEvict(e.key, e.value)
	}
}
