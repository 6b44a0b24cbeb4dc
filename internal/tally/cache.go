package tally

import (
	"container/list"
	"sync"
	"time"
)

const (
	defaultCacheCap = 1000
)

type cacheEntry struct {
	targetID string
	tally    *VoteTally
	touched  time.Time
}

// tallyCache is a bounded LRU over tallies, ordered by last touch. Exceeding
// the bound evicts the oldest tenth in one sweep; a separate periodic sweep
// drops entries untouched past the staleness threshold.
type tallyCache struct {
	mu    sync.Mutex
	cap   int
	now   func() time.Time
	items map[string]*list.Element
	order *list.List
}

func newTallyCache(capacity int, now func() time.Time) *tallyCache {
	if capacity <= 0 {
		capacity = defaultCacheCap
	}
	if now == nil {
		now = time.Now
	}
	return &tallyCache{
		cap:   capacity,
		now:   now,
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// get returns the live tally pointer and refreshes its LRU position.
func (c *tallyCache) get(targetID string) (*VoteTally, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[targetID]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	ent.touched = c.now()
	c.order.MoveToFront(el)
	return ent.tally, true
}

// put stores or refreshes a tally, evicting the oldest 10% when the bound is
// exceeded. Returns the number of entries evicted.
func (c *tallyCache) put(targetID string, t *VoteTally) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[targetID]; ok {
		ent := el.Value.(*cacheEntry)
		ent.tally = t
		ent.touched = now
		c.order.MoveToFront(el)
		return 0
	}
	el := c.order.PushFront(&cacheEntry{targetID: targetID, tally: t, touched: now})
	c.items[targetID] = el
	if c.order.Len() <= c.cap {
		return 0
	}
	drop := c.cap / 10
	if drop < 1 {
		drop = 1
	}
	evicted := 0
	for i := 0; i < drop; i++ {
		back := c.order.Back()
		if back == nil {
			break
		}
		old := back.Value.(*cacheEntry)
		delete(c.items, old.targetID)
		c.order.Remove(back)
		evicted++
	}
	return evicted
}

// sweep removes entries untouched for longer than staleAfter.
func (c *tallyCache) sweep(staleAfter time.Duration) int {
	now := c.now()
	cutoff := now.Add(-staleAfter)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for {
		back := c.order.Back()
		if back == nil {
			break
		}
		ent := back.Value.(*cacheEntry)
		if ent.touched.After(cutoff) {
			break
		}
		delete(c.items, ent.targetID)
		c.order.Remove(back)
		removed++
	}
	return removed
}

func (c *tallyCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *tallyCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}
