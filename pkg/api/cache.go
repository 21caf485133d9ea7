package api

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// cache keeps recent GET results for a short time so bursts of realtime
// events on the same entity trigger one refresh.
type cache struct {
	mu    sync.Mutex
	clock clock.Clock
	ttl   time.Duration
	items map[string]cacheItem
}

type cacheItem struct {
	value     any
	expiresAt time.Time
}

func newCache(ttl time.Duration, clk clock.Clock) *cache {
	return &cache{
		clock: clk,
		ttl:   ttl,
		items: make(map[string]cacheItem),
	}
}

func (c *cache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(item.expiresAt) {
		delete(c.items, key)
		return nil, false
	}
	return item.value, true
}

func (c *cache) set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = cacheItem{value: value, expiresAt: c.clock.Now().Add(c.ttl)}
}

func (c *cache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]cacheItem)
}

func (c *cache) deletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}
