package relay

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"relayboard/internal/metrics"
)

const (
	DefaultQueueMaxAge = 5 * time.Minute
	DefaultQueueCap    = 256
)

// QueuedPublish is a signed event still owed to one or more relays. Entries
// shrink per-relay as deliveries succeed and disappear once fully delivered,
// or age out wholesale.
type QueuedPublish struct {
	Event      nostr.Event
	EnqueuedAt time.Time
	pending    map[string]struct{}
}

// PendingURLs returns a copy of the relay urls still owed this event. Only
// safe to call on snapshots returned by the queue.
func (q *QueuedPublish) PendingURLs() []string {
	out := make([]string, 0, len(q.pending))
	for url := range q.pending {
		out = append(out, url)
	}
	return out
}

type publishQueue struct {
	mu      sync.Mutex
	entries []*QueuedPublish
	maxAge  time.Duration
	cap     int
	now     func() time.Time
	metrics *metrics.Metrics
}

func newPublishQueue(maxAge time.Duration, capacity int, now func() time.Time, m *metrics.Metrics) *publishQueue {
	if maxAge <= 0 {
		maxAge = DefaultQueueMaxAge
	}
	if capacity <= 0 {
		capacity = DefaultQueueCap
	}
	if now == nil {
		now = time.Now
	}
	return &publishQueue{maxAge: maxAge, cap: capacity, now: now, metrics: m}
}

func (q *publishQueue) add(ev nostr.Event, urls []string) *QueuedPublish {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := make(map[string]struct{}, len(urls))
	for _, url := range urls {
		pending[url] = struct{}{}
	}
	e := &QueuedPublish{Event: ev, EnqueuedAt: q.now(), pending: pending}
	q.entries = append(q.entries, e)
	q.evictLocked()
	return e
}

// ack removes one relay from the entry's pending set; a fully delivered entry
// is discarded.
func (q *publishQueue) ack(e *QueuedPublish, url string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(e.pending, url)
	if len(e.pending) > 0 {
		return
	}
	for i, ent := range q.entries {
		if ent == e {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return
		}
	}
}

// pendingFor returns the entries still owed to one relay, oldest first.
func (q *publishQueue) pendingFor(url string) []*QueuedPublish {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked()
	var out []*QueuedPublish
	for _, e := range q.entries {
		if _, ok := e.pending[url]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (q *publishQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// snapshot copies the queue for status rendering and tests.
func (q *publishQueue) snapshot() []QueuedPublish {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedPublish, 0, len(q.entries))
	for _, e := range q.entries {
		pending := make(map[string]struct{}, len(e.pending))
		for url := range e.pending {
			pending[url] = struct{}{}
		}
		out = append(out, QueuedPublish{Event: e.Event, EnqueuedAt: e.EnqueuedAt, pending: pending})
	}
	return out
}

func (q *publishQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// evictLocked drops expired entries, then the oldest 10% while the capacity
// bound is exceeded. Holding exactly cap entries is fine.
func (q *publishQueue) evictLocked() {
	now := q.now()
	evicted := 0
	kept := q.entries[:0]
	for _, e := range q.entries {
		if now.Sub(e.EnqueuedAt) > q.maxAge {
			evicted++
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	for len(q.entries) > q.cap {
		drop := len(q.entries) / 10
		if drop < 1 {
			drop = 1
		}
		q.entries = append(q.entries[:0], q.entries[drop:]...)
		evicted += drop
	}
	if evicted > 0 {
		q.metrics.AddQueueEvicted(uint64(evicted))
	}
}
