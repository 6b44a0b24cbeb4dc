package proto

import (
	"container/list"
	"sync"
	"time"
)

const (
	DefaultSeenCap = 4096
	DefaultSeenTTL = 10 * time.Minute
)

type seenEntry struct {
	id      string
	expires time.Time
}

// SeenCache remembers recently observed event ids so relay echoes and stale
// replays can be dropped. Bounded LRU with TTL expiry.
type SeenCache struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*list.Element
	order   *list.List
}

func NewSeenCache(capacity int, ttl time.Duration) *SeenCache {
	if capacity <= 0 {
		capacity = DefaultSeenCap
	}
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	return &SeenCache{
		cap:     capacity,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Add records the id and reports whether it was new. A false return means
// the id was already seen and still fresh.
func (c *SeenCache) Add(id string) bool {
	if c == nil || id == "" {
		return false
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	if el, ok := c.entries[id]; ok {
		ent := el.Value.(*seenEntry)
		ent.expires = now.Add(c.ttl)
		c.order.MoveToFront(el)
		return false
	}
	el := c.order.PushFront(&seenEntry{id: id, expires: now.Add(c.ttl)})
	c.entries[id] = el
	for c.order.Len() > c.cap {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*seenEntry)
		delete(c.entries, old.id)
		c.order.Remove(back)
	}
	return true
}

// Has reports whether the id is currently remembered without refreshing it.
func (c *SeenCache) Has(id string) bool {
	if c == nil || id == "" {
		return false
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneExpiredLocked(now)
	_, ok := c.entries[id]
	return ok
}

// Len returns the number of remembered ids.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *SeenCache) pruneExpiredLocked(now time.Time) {
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*seenEntry)
		if ent.expires.After(now) {
			return
		}
		delete(c.entries, ent.id)
		c.order.Remove(back)
	}
}
