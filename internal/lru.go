package internal

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// LRUStats is a point-in-time view of an LRU.
type LRUStats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Cost       int64
	MaxCost    int64
	EntryCount int
}

type lruEntry[K comparable, V comparable] struct {
	key   K
	value V
	cost  int64
}

// LRU is a cost-bounded, strictly least-recently-used map.
//
// The eviction callback runs after the lock is released, once per value
// that left the map through eviction, replacement, Remove or Clear.
type LRU[K comparable, V comparable] struct {
	mu      sync.Mutex
	maxCost int64
	cost    int64
	ll      *list.List
	items   map[K]*list.Element

	costOf  func(V) int64
	onEvict func(K, V)

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func NewLRU[K comparable, V comparable](maxCost int64, costOf func(V) int64, onEvict func(K, V)) *LRU[K, V] {
	if maxCost <= 0 {
		maxCost = 1
	}
	if costOf == nil {
		costOf = func(V) int64 { return 1 }
	}
	return &LRU[K, V]{
		maxCost: maxCost,
		ll:      list.New(),
		items:   make(map[K]*list.Element),
		costOf:  costOf,
		onEvict: onEvict,
	}
}

func (c *LRU[K, V]) Get(key K) (V, bool) {
	return c.GetWith(key, nil)
}

// GetWith is Get, with fn called on the value before the lock is released.
// An eviction racing with the lookup can only notify after fn returns.
func (c *LRU[K, V]) GetWith(key K, fn func(V)) (V, bool) {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.ll.MoveToFront(el)
	v := el.Value.(*lruEntry[K, V]).value
	if fn != nil {
		fn(v)
	}
	c.mu.Unlock()

	c.hits.Add(1)
	return v, true
}

// Peek returns the value for key without touching recency or stats.
func (c *LRU[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		return el.Value.(*lruEntry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Contains reports presence without touching recency.
func (c *LRU[K, V]) Contains(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Put inserts or replaces key and trims the map back under its budget.
func (c *LRU[K, V]) Put(key K, value V) {
	cost := c.costOf(value)

	c.mu.Lock()
	var dropped []*lruEntry[K, V]
	if el, ok := c.items[key]; ok {
		e := el.Value.(*lruEntry[K, V])
		c.cost -= e.cost
		if e.value != value {
			dropped = append(dropped, &lruEntry[K, V]{key: key, value: e.value})
		}
		e.value = value
		e.cost = cost
		c.cost += cost
		c.ll.MoveToFront(el)
	} else {
		c.items[key] = c.ll.PushFront(&lruEntry[K, V]{key: key, value: value, cost: cost})
		c.cost += cost
	}
	dropped = c.trimLocked(dropped)
	c.mu.Unlock()

	c.notify(dropped)
}

func (c *LRU[K, V]) trimLocked(dropped []*lruEntry[K, V]) []*lruEntry[K, V] {
	for c.cost > c.maxCost {
		el := c.ll.Back()
		if el == nil {
			break
		}
		e := c.removeElementLocked(el)
		c.evictions.Add(1)
		dropped = append(dropped, e)
	}
	return dropped
}

func (c *LRU[K, V]) removeElementLocked(el *list.Element) *lruEntry[K, V] {
	e := el.Value.(*lruEntry[K, V])
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.cost -= e.cost
	return e
}

func (c *LRU[K, V]) Remove(key K) bool {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e := c.removeElementLocked(el)
	c.mu.Unlock()

	c.notify([]*lruEntry[K, V]{e})
	return true
}

// Clear evicts every entry, least recently used first.
func (c *LRU[K, V]) Clear() {
	c.mu.Lock()
	dropped := make([]*lruEntry[K, V], 0, len(c.items))
	for el := c.ll.Back(); el != nil; el = c.ll.Back() {
		dropped = append(dropped, c.removeElementLocked(el))
	}
	c.mu.Unlock()

	c.notify(dropped)
}

func (c *LRU[K, V]) notify(dropped []*lruEntry[K, V]) {
	if c.onEvict == nil {
		return
	}
	for _, e := range dropped {
		c.onEvict(e.key, e.value)
	}
}

// Keys returns the keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, len(c.items))
	for el := c.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*lruEntry[K, V]).key)
	}
	return keys
}

func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *LRU[K, V]) Cost() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cost
}

func (c *LRU[K, V]) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LRUStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Evictions:  c.evictions.Load(),
		Cost:       c.cost,
		MaxCost:    c.maxCost,
		EntryCount: len(c.items),
	}
}
