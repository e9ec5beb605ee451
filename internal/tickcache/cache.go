// Package tickcache provides a short-TTL key/value of the latest quote per
// symbol.
//
// The event loop is the only writer (after handling each tick); query
// handlers outside the loop are the readers. A reader may observe a quote up
// to TTL old, never a half-updated one: every write replaces the whole
// record under the lock.
package tickcache

import (
	"sync"
	"time"

	"tradenode/pkg/types"
)

type entry struct {
	quote     types.Quote
	expiresAt time.Time
}

// Cache is a TTL-bounded quote cache. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry
}

// New creates a cache whose entries expire after ttl.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

// Set stores the latest quote for its symbol, superseding any previous one.
func (c *Cache) Set(q types.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[q.Symbol] = entry{quote: q, expiresAt: time.Now().Add(c.ttl)}
}

// Get returns the cached quote for a symbol, or false if absent or expired.
func (c *Cache) Get(symbol string) (types.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[symbol]
	if !ok || time.Now().After(e.expiresAt) {
		return types.Quote{}, false
	}
	return e.quote, true
}

// All returns every non-expired quote. Order is unspecified.
func (c *Cache) All() []types.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	out := make([]types.Quote, 0, len(c.entries))
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			continue
		}
		out = append(out, e.quote)
	}
	return out
}

// Len returns the number of non-expired entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, e := range c.entries {
		if !now.After(e.expiresAt) {
			n++
		}
	}
	return n
}
