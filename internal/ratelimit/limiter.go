// Package ratelimit gates write actions with continuously refilling token
// buckets: one per (actor, action class), one global per class, and one per
// content hash to suppress duplicate-content spam regardless of actor.
package ratelimit

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"relayboard/internal/metrics"
)

// Class discriminates the rate-limited action classes.
type Class int

const (
	ClassPost Class = iota
	ClassVote
	ClassComment
)

func (c Class) String() string {
	switch c {
	case ClassPost:
		return "post"
	case ClassVote:
		return "vote"
	case ClassComment:
		return "comment"
	default:
		return "unknown"
	}
}

type classLimit struct {
	capacity        float64
	refillPerSecond float64
}

var classLimits = map[Class]classLimit{
	ClassPost:    {capacity: 5, refillPerSecond: 1.0 / 30},
	ClassVote:    {capacity: 30, refillPerSecond: 1.0 / 2},
	ClassComment: {capacity: 10, refillPerSecond: 1.0 / 10},
}

const (
	globalFactor         = 10
	contentCapacity      = 2
	contentRefillPerSec  = 1.0 / 60
	defaultSweepInterval = 5 * time.Minute
	defaultIdleAfter     = 10 * time.Minute
)

type bucket struct {
	capacity        float64
	tokens          float64
	refillPerSecond float64
	lastRefill      time.Time
	lastUsed        time.Time
}

// refill advances the bucket to now. Tokens never exceed capacity.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillPerSecond
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Options configure a Limiter. Zero values pick defaults.
type Options struct {
	SweepInterval time.Duration
	IdleAfter     time.Duration
	Now           func() time.Time
	Log           *zap.Logger
	Metrics       *metrics.Metrics
}

// Limiter holds all buckets. Buckets are created lazily on first use and
// swept once idle so memory stays bounded under actor churn.
type Limiter struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	sweepInterval time.Duration
	idleAfter     time.Duration
	now           func() time.Time
	log           *zap.Logger
	metrics       *metrics.Metrics
}

func New(opts Options) *Limiter {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.IdleAfter <= 0 {
		opts.IdleAfter = defaultIdleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Limiter{
		buckets:       make(map[string]*bucket),
		sweepInterval: opts.SweepInterval,
		idleAfter:     opts.IdleAfter,
		now:           opts.Now,
		log:           opts.Log,
		metrics:       opts.Metrics,
	}
}

// TryConsume refills the keyed bucket, then debits cost if enough tokens
// remain. A failed attempt has no side effect on the bucket's tokens. The
// bucket is created full on first use with the given shape.
func (l *Limiter) TryConsume(key string, capacity, refillPerSecond, cost float64) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	if b == nil {
		b = &bucket{
			capacity:        capacity,
			tokens:          capacity,
			refillPerSecond: refillPerSecond,
			lastRefill:      now,
		}
		l.buckets[key] = b
	}
	b.refill(now)
	b.lastUsed = now
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Allow gates one action: the actor bucket is checked first, then the shared
// global bucket for the class, then the content-hash bucket when a payload
// is supplied. Buckets are checked and debited in that fixed order and a
// later rejection does not refund earlier debits; the debit-as-you-go policy
// slightly over-penalizes rejected actions and is intentional.
func (l *Limiter) Allow(class Class, actor string, content []byte) bool {
	lim := classLimits[class]
	ok := l.TryConsume(actorKey(class, actor), lim.capacity, lim.refillPerSecond, 1)
	if ok {
		ok = l.TryConsume(globalKey(class), lim.capacity*globalFactor, lim.refillPerSecond*globalFactor, 1)
	}
	if ok && len(content) > 0 {
		ok = l.TryConsume(ContentKey(content), contentCapacity, contentRefillPerSec, 1)
	}
	if ok {
		l.metrics.IncLimiterAllowed()
	} else {
		l.metrics.IncLimiterRejected()
		l.log.Debug("rate limited",
			zap.String("class", class.String()),
			zap.String("actor", actor),
		)
	}
	return ok
}

// Run sweeps idle buckets until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes buckets that are full again and untouched past the idle
// threshold. Returns the number removed.
func (l *Limiter) sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastUsed) < l.idleAfter {
			continue
		}
		b.refill(now)
		if b.tokens >= b.capacity {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports the live bucket count.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func actorKey(class Class, actor string) string {
	return class.String() + ":" + actor
}

func globalKey(class Class) string {
	return "global:" + class.String()
}

// ContentKey derives a bucket key from a fast non-cryptographic hash of the
// payload, so repeated content is throttled independent of actor identity.
func ContentKey(payload []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(payload)
	return "content:" + strconv.FormatUint(h.Sum64(), 16)
}
