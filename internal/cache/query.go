package cache

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultQueryCacheSize is larger than the number of parameter combinations
// a session can select, so entries are not evicted in practice. When it is
// exceeded the least recently used entry is dropped.
const DefaultQueryCacheSize = 4096

// QueryCache memoizes pipeline results by query key. Stored values are
// returned as-is and must not be modified by callers.
type QueryCache[V any] struct {
	entries *lru.Cache[string, V]
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// NewQueryCache creates a query cache holding up to size entries.
func NewQueryCache[V any](size int) (*QueryCache[V], error) {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	entries, err := lru.New[string, V](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &QueryCache[V]{entries: entries}, nil
}

// Get retrieves a result from cache.
func (c *QueryCache[V]) Get(key string) (V, bool) {
	v, ok := c.entries.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Peek looks up key without updating recency or statistics.
func (c *QueryCache[V]) Peek(key string) (V, bool) {
	return c.entries.Peek(key)
}

// Put stores v unless key is already cached and returns the value held by
// the cache afterwards.
func (c *QueryCache[V]) Put(key string, v V) V {
	if prev, ok, _ := c.entries.PeekOrAdd(key, v); ok {
		return prev
	}
	return v
}

// Len returns the number of cached results.
func (c *QueryCache[V]) Len() int {
	return c.entries.Len()
}

// Stats returns cache statistics.
func (c *QueryCache[V]) Stats() map[string]interface{} {
	return map[string]interface{}{
		"query_cache_len":    c.entries.Len(),
		"query_cache_hits":   c.hits.Load(),
		"query_cache_misses": c.misses.Load(),
	}
}
