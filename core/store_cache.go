package core

import (
	"sync"
	"time"
)

// cacheEntry pairs a cascade's cached Element with the time it was stored,
// for TTL eviction.
type cacheEntry struct {
	el       *Element
	storedAt time.Time
}

// CacheStore is the `cache` persisted table: a TTL-expiring cache of
// elements fetched from the network, so a repeat local read within the TTL
// never re-crosses the wire (§4.7 cascade cache tier). It holds elements
// only and has no size bound.
type CacheStore struct {
	mu  sync.Mutex
	ttl time.Duration
	now func() time.Time

	elements map[Hash]cacheEntry
}

// NewCacheStore constructs a cache store evicting entries older than ttl.
func NewCacheStore(ttl time.Duration) *CacheStore {
	return &CacheStore{ttl: ttl, now: time.Now, elements: make(map[Hash]cacheEntry)}
}

// GetElement returns the cached element for addr, if present and unexpired.
func (c *CacheStore) GetElement(addr Hash) (*Element, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.elements[addr]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.elements, addr)
		return nil, false
	}
	return e.el, true
}

// PutElement caches el under addr, stamped with the current time.
func (c *CacheStore) PutElement(addr Hash, el *Element) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elements[addr] = cacheEntry{el: el, storedAt: c.now()}
}

// Evict removes every entry older than the configured TTL; called
// periodically rather than on every read to keep GetElement cheap.
func (c *CacheStore) Evict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.elements {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.elements, k)
		}
	}
}
