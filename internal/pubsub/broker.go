// Package pubsub is the event protocol layer: it finalizes and publishes
// signed events through the connection manager, fetches with timeout racing
// and deduplication, and streams subscriptions with debounce batching.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"relayboard/internal/metrics"
	"relayboard/internal/proto"
	"relayboard/internal/relay"
)

const (
	defaultFetchTimeoutMS = 5000
	defaultDebounceMS     = 150
)

// ErrPublishFailed wraps every publish-path failure surfaced to callers:
// signing failures, zero reachable relays, or every relay rejecting the
// event. Match with errors.Is; relay.ErrNoRelays stays matchable underneath.
var ErrPublishFailed = errors.New("publish failed")

// Options configure a Broker. Zero values pick defaults with env overrides.
type Options struct {
	FetchTimeout time.Duration
	Debounce     time.Duration
	SeenCap      int
	SeenTTL      time.Duration
	Log          *zap.Logger
	Metrics      *metrics.Metrics
}

type Broker struct {
	cm           *relay.ConnManager
	seen         *proto.SeenCache
	fetchTimeout time.Duration
	debounce     time.Duration
	log          *zap.Logger
	metrics      *metrics.Metrics

	mu   sync.Mutex
	subs map[string]*Subscription
}

func New(cm *relay.ConnManager, opts Options) *Broker {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = fetchTimeout()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = debounceWindow()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Broker{
		cm:           cm,
		seen:         proto.NewSeenCache(opts.SeenCap, opts.SeenTTL),
		fetchTimeout: opts.FetchTimeout,
		debounce:     opts.Debounce,
		log:          opts.Log,
		metrics:      opts.Metrics,
		subs:         make(map[string]*Subscription),
	}
}

// Publish finalizes the payload and races delivery across connected relays;
// one acceptance is success. On failure the finalized event is still
// returned when it exists: it sits in the offline queue and the caller may
// treat the content as locally saved pending background delivery.
func (b *Broker) Publish(ctx context.Context, u proto.UnsignedEvent, signer proto.Signer) (*nostr.Event, error) {
	ev, err := proto.Finalize(u, signer)
	if err != nil {
		b.metrics.IncPublishFailures()
		return nil, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	// Relays echo our own events back on subscriptions; mark before sending.
	b.seen.Add(ev.ID)
	delivered, err := b.cm.Publish(ctx, *ev)
	if err != nil {
		b.metrics.IncPublishFailures()
		return ev, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	b.metrics.IncPublished()
	b.log.Debug("event published",
		zap.String("id", ev.ID),
		zap.Int("kind", ev.Kind),
		zap.Strings("relays", delivered),
	)
	return ev, nil
}

// Fetch queries whatever relays currently answer and merges their results,
// deduplicated by event id. It never fails: timeout or total relay loss
// yields whatever arrived so far, possibly nothing. Absence of data must not
// break a read path.
func (b *Broker) Fetch(ctx context.Context, spec proto.FilterSpec) []*nostr.Event {
	out := []*nostr.Event{}
	targets := b.cm.QueryTargets()
	if len(targets) == 0 {
		return out
	}
	fctx, cancel := context.WithTimeout(ctx, b.fetchTimeout)
	defer cancel()

	f := spec.Filter()
	type queryResult struct {
		url string
		evs []*nostr.Event
		err error
	}
	results := make(chan queryResult, len(targets))
	for _, h := range targets {
		go func(h relay.Handle) {
			evs, err := h.C.QuerySync(fctx, f)
			results <- queryResult{url: h.URL, evs: evs, err: err}
		}(h)
	}

	dedup := make(map[string]bool)
	for done := 0; done < len(targets); done++ {
		select {
		case <-fctx.Done():
			b.metrics.IncFetchTimeouts()
			b.metrics.AddFetched(uint64(len(out)))
			return out
		case r := <-results:
			if r.err != nil {
				if relay.IsConnLost(r.err) {
					b.cm.MarkDown(r.url, r.err)
				}
				continue
			}
			for _, ev := range r.evs {
				if ev == nil || ev.ID == "" {
					continue
				}
				if dedup[ev.ID] {
					b.metrics.IncDropDuplicate()
					continue
				}
				dedup[ev.ID] = true
				out = append(out, ev)
			}
		}
	}
	b.metrics.AddFetched(uint64(len(out)))
	return out
}

// Close tears down every open subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		b.Unsubscribe(s)
	}
}
