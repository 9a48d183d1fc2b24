package healthcheck

import (
	"sync"
	"time"
)

type cacheKey struct {
	containerName string
	level         Level
}

// cache is a small in-process TTL memoization for Validate results,
// keyed by (containerName, level). No external cache dependency is
// warranted for a single-process, few-second TTL like this one.
type cache struct {
	mu      sync.Mutex
	entries map[cacheKey]Result
}

func newCache() *cache {
	return &cache{entries: map[cacheKey]Result{}}
}

func (c *cache) get(containerName string, level Level) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, ok := c.entries[cacheKey{containerName, level}]
	if !ok {
		return Result{}, false
	}
	if time.Since(result.CheckedAt) > cacheTTL {
		delete(c.entries, cacheKey{containerName, level})
		return Result{}, false
	}
	return result, true
}

func (c *cache) set(containerName string, level Level, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{containerName, level}] = result
}

// invalidate drops every cached level for containerName.
func (c *cache) invalidate(containerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.containerName == containerName {
			delete(c.entries, key)
		}
	}
}
