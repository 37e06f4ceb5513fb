package cache

import (
	"container/list"
	"sync"
)

// Stats are cumulative counters for diagnostics.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Bytes     int64
}

type (
	entry[K comparable, V any] struct {
		key   K
		value V
		size  int64
	}

	// LRU is a strict least-recently-used cache bounded by entry count and,
	// optionally, by the total size reported by sizeOf.
	LRU[K comparable, V any] struct {
		mu         sync.Mutex
		maxEntries int
		maxBytes   int64
		sizeOf     func(V) int64
		onEvict    func(K, V)

		items map[K]*list.Element
		order *list.List
		bytes int64
		stats Stats
	}
)

// NewLRU builds a cache. maxEntries <= 0 means unbounded count; maxBytes <= 0
// or a nil sizeOf disables the byte bound.
func NewLRU[K comparable, V any](maxEntries int, maxBytes int64, sizeOf func(V) int64) *LRU[K, V] {
	return &LRU[K, V]{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		sizeOf:     sizeOf,
		items:      make(map[K]*list.Element),
		order:      list.New(),
	}
}

// OnEvict registers a hook run (under the cache lock) for every eviction.
func (c *LRU[K, V]) OnEvict(fn func(K, V)) {
	c.mu.Lock()
	c.onEvict = fn
	c.mu.Unlock()
}

// Put inserts or refreshes key, then evicts from the cold end until both bounds hold.
// A value larger than maxBytes on its own is not stored.
func (c *LRU[K, V]) Put(key K, value V) bool {
	size := c.size(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && size > c.maxBytes {
		if el, ok := c.items[key]; ok {
			c.removeLocked(el)
		}
		return false
	}

	if el, ok := c.items[key]; ok {
		ent := el.Value.(*entry[K, V])
		c.bytes += size - ent.size
		ent.value = value
		ent.size = size
		c.order.MoveToFront(el)
	} else {
		c.items[key] = c.order.PushFront(&entry[K, V]{key: key, value: value, size: size})
		c.bytes += size
	}

	for c.overLocked() {
		back := c.order.Back()
		if back == nil {
			break
		}
		ent := back.Value.(*entry[K, V])
		c.removeLocked(back)
		c.stats.Evictions++
		if c.onEvict != nil {
			c.onEvict(ent.key, ent.value)
		}
	}
	return true
}

// Get is a recency-refreshing read.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		var zero V
		return zero, false
	}
	c.stats.Hits++
	c.order.MoveToFront(el)
	return el.Value.(*entry[K, V]).value, true
}

// Contains does not touch recency or counters.
func (c *LRU[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys lists keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]K, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry[K, V]).key)
	}
	return out
}

func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.bytes = 0
}

func (c *LRU[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.order.Len()
	s.Bytes = c.bytes
	return s
}

func (c *LRU[K, V]) size(v V) int64 {
	if c.sizeOf == nil {
		return 0
	}
	return c.sizeOf(v)
}

func (c *LRU[K, V]) overLocked() bool {
	if c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		return true
	}
	return c.maxBytes > 0 && c.bytes > c.maxBytes
}

func (c *LRU[K, V]) removeLocked(el *list.Element) {
	ent := el.Value.(*entry[K, V])
	delete(c.items, ent.key)
	c.order.Remove(el)
	c.bytes -= ent.size
}
