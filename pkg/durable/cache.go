package durable

import (
	"sync"
	"time"

	"github.com/aretw0/termstore/pkg/domain"
)

type cacheEntry struct {
	session *domain.Session
	expires time.Time
}

// cache is the read-through session cache. Entries hold private copies.
//
// Every invalidation advances a generation counter and stamps the ids it
// touched. A load takes the generation before reading the backend and its
// put is refused when one of its ids was invalidated since, so a read racing
// a write cannot reinstate the older row.
type cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry

	gen         uint64
	invalidated map[string]uint64
	// floor is the generation at the last prune of invalidated; loads
	// started before it are refused.
	floor uint64
}

func newCache(ttl time.Duration) *cache {
	return &cache{ttl: ttl, entries: make(map[string]cacheEntry), invalidated: make(map[string]uint64)}
}

// generation returns the token a load passes to put.
func (c *cache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *cache) get(id string) (*domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, id)
		return nil, false
	}
	return e.session.Clone(), true
}

// put stores s unless s.ID was invalidated after generation since.
func (c *cache) put(s *domain.Session, since uint64) bool {
	if c.ttl <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if since < c.floor || c.invalidated[s.ID] > since {
		return false
	}
	c.entries[s.ID] = cacheEntry{session: s.Clone(), expires: time.Now().Add(c.ttl)}
	return true
}

func (c *cache) invalidate(ids ...string) {
	c.mu.Lock()
	c.gen++
	for _, id := range ids {
		delete(c.entries, id)
		c.invalidated[id] = c.gen
	}
	c.mu.Unlock()
}

// sweep drops expired entries and returns how many it removed. It also
// forgets invalidation stamps, raising the floor in their place.
func (c *cache) sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.invalidated) > 0 {
		c.floor = c.gen
		clear(c.invalidated)
	}
	n := 0
	for id, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

func (c *cache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
