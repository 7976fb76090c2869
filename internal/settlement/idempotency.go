package settlement

import (
	"container/list"
	"sync"
)

// ResultCache remembers settlement results by idempotency key so a retried
// call does not broadcast a second transaction. Safe for concurrent use.
//
// Failed results that never reached the chain are not cached; retrying them
// is harmless.
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type cacheEntry struct {
	key    string
	result Result
}

func NewResultCache(capacity int) *ResultCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &ResultCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the cached result for key (promotes to front)
func (c *ResultCache) Get(key string) (Result, bool) {
	if key == "" {
		return Result{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		return Result{}, false
	}
	c.lruList.MoveToFront(elem)
	return elem.Value.(*cacheEntry).result, true
}

// Put stores a result, replacing any earlier one for the same key.
func (c *ResultCache) Put(key string, result Result) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		elem.Value.(*cacheEntry).result = result
		c.lruList.MoveToFront(elem)
		return
	}

	elem := c.lruList.PushFront(&cacheEntry{key: key, result: result})
	c.cache[key] = elem

	if c.lruList.Len() > c.capacity {
		c.evictOldest()
	}
}

func (c *ResultCache) evictOldest() {
	elem := c.lruList.Back()
	if elem != nil {
		c.lruList.Remove(elem)
		delete(c.cache, elem.Value.(*cacheEntry).key)
	}
}

// Size returns current number of entries
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}
