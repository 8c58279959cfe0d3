package discovery

import (
	"sync"
	"time"
)

// cacheEntry holds a cached document with the URL it came from.
type cacheEntry[T any] struct {
	value     T
	sourceURL string
	fetchedAt time.Time
}

// ttlCache is a read-mostly map of documents. Entries are replaced whole, so
// a reader never sees a partially written document.
type ttlCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry[T]
	ttl     time.Duration
	now     func() time.Time
}

func newTTLCache[T any](ttl time.Duration, now func() time.Time) *ttlCache[T] {
	return &ttlCache[T]{
		entries: make(map[string]*cacheEntry[T]),
		ttl:     ttl,
		now:     now,
	}
}

// get returns the entry for key if it is still fresh.
func (c *ttlCache[T]) get(key string) (*cacheEntry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.now().Sub(entry.fetchedAt) >= c.ttl {
		return nil, false
	}
	return entry, true
}

func (c *ttlCache[T]) put(key, sourceURL string, value T) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry[T]{
		value:     value,
		sourceURL: sourceURL,
		fetchedAt: c.now(),
	}
	c.mu.Unlock()
}

func (c *ttlCache[T]) delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache[T]) clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry[T])
	c.mu.Unlock()
}
