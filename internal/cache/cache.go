package cache

import (
	"sync"
)

// DescriptorCache stores image descriptors by content key.
type DescriptorCache interface {
	// Get retrieves a descriptor from the cache.
	Get(key string) ([]float32, bool)
	// Put stores a descriptor in the cache.
	Put(key string, desc []float32)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is an in-memory DescriptorCache. With a positive capacity the
// oldest entries are evicted first.
type MapCache struct {
	data     map[string][]float32
	order    []string
	capacity int
	mu       sync.RWMutex
}

// NewMapCache returns an unbounded cache.
func NewMapCache() *MapCache {
	return NewBoundedMapCache(0)
}

// NewBoundedMapCache returns a cache holding at most capacity entries.
func NewBoundedMapCache(capacity int) *MapCache {
	return &MapCache{
		data:     make(map[string][]float32),
		capacity: capacity,
	}
}

func (c *MapCache) Get(key string) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Return copy to avoid modification of cached value
	if v, ok := c.data[key]; ok {
		dst := make([]float32, len(v))
		copy(dst, v)
		return dst, true
	}
	return nil, false
}

func (c *MapCache) Put(key string, desc []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dst := make([]float32, len(desc))
	copy(dst, desc)
	if _, exists := c.data[key]; !exists {
		c.order = append(c.order, key)
	}
	c.data[key] = dst

	for c.capacity > 0 && len(c.data) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.data, oldest)
	}
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
