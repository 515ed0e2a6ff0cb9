package aggregator_test

import (
	"context"
	"sync"
	"time"

	agg "hotmess-kernel/internal/aggregator"
)

// memoryCache records every write; entries never lapse.
type memoryCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   []time.Duration
	failed error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: map[string][]byte{}}
}

func (c *memoryCache) Read(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.data[key]
	if !ok {
		return nil, agg.ErrNoSnapshot
	}
	return raw, nil
}

func (c *memoryCache) Write(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil {
		return c.failed
	}
	c.data[key] = append([]byte(nil), payload...)
	c.ttls = append(c.ttls, ttl)
	return nil
}

func (c *memoryCache) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ttls)
}
