package pubsub

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"relayboard/internal/proto"
	"relayboard/internal/relay"
)

// Handler receives debounce-coalesced batches of deduplicated events.
type Handler func(events []*nostr.Event)

// Subscription is a live multi-relay stream. Callers must Unsubscribe to
// release relay resources and cancel any pending debounce timer.
type Subscription struct {
	ID     string
	cancel context.CancelFunc
	subs   []relay.Sub
}

// Subscribe opens the filter on every relay currently answering. Incoming
// events are deduplicated immediately, then coalesced through the debounce
// window so a burst of near-simultaneous relay deliveries lands as one
// callback invocation. End-of-stored-events flushes pending events at once.
func (b *Broker) Subscribe(ctx context.Context, spec proto.FilterSpec, fn Handler) (*Subscription, error) {
	targets := b.cm.QueryTargets()
	if len(targets) == 0 {
		return nil, relay.ErrNoRelays
	}
	sctx, cancel := context.WithCancel(ctx)
	filters := nostr.Filters{spec.Filter()}

	events := make(chan *nostr.Event, 64)
	eose := make(chan struct{}, len(targets))
	var subs []relay.Sub
	for _, h := range targets {
		s, err := h.C.Subscribe(sctx, filters)
		if err != nil {
			if relay.IsConnLost(err) {
				b.cm.MarkDown(h.URL, err)
			}
			b.log.Debug("subscribe failed", zap.String("relay", h.URL), zap.Error(err))
			continue
		}
		subs = append(subs, s)
		go forward(sctx, s, events, eose)
	}
	if len(subs) == 0 {
		cancel()
		return nil, relay.ErrNoRelays
	}

	sub := &Subscription{ID: uuid.NewString(), cancel: cancel, subs: subs}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	go b.dispatch(sctx, events, eose, fn)
	return sub, nil
}

// SubscribeVotes streams reaction events for a set of targets.
func (b *Broker) SubscribeVotes(ctx context.Context, targetIDs []string, fn Handler) (*Subscription, error) {
	return b.Subscribe(ctx, proto.VoteFilter(targetIDs, 0), fn)
}

// Unsubscribe closes the relay-side subscriptions and stops the dispatcher;
// a debounce timer pending at this moment is cancelled, not fired.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.ID)
	b.mu.Unlock()
	sub.cancel()
	for _, s := range sub.subs {
		s.Unsub()
	}
}

// forward moves one relay's stream into the shared channels. The EOSE
// channel is nilled after its first signal: relays close it, and a closed
// channel would otherwise spin the select.
func forward(ctx context.Context, s relay.Sub, events chan<- *nostr.Event, eose chan<- struct{}) {
	eoseC := s.EndOfStoredEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			if ev == nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		case <-eoseC:
			eoseC = nil
			select {
			case eose <- struct{}{}:
			default:
			}
		}
	}
}

// dispatch owns the debounce state: a pending-items buffer plus one timer
// handle that is stopped, never merely ignored, on cancellation.
func (b *Broker) dispatch(ctx context.Context, events <-chan *nostr.Event, eose <-chan struct{}, fn Handler) {
	var buf []*nostr.Event
	var timer *time.Timer
	var timerC <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}
	deliver := func() {
		stopTimer()
		if len(buf) == 0 {
			return
		}
		batch := buf
		buf = nil
		fn(batch)
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return
		case ev := <-events:
			if ev == nil {
				continue
			}
			if !b.seen.Add(ev.ID) {
				b.metrics.IncDropDuplicate()
				continue
			}
			buf = append(buf, ev)
			if timer == nil {
				timer = time.NewTimer(b.debounce)
				timerC = timer.C
			}
		case <-timerC:
			timer = nil
			timerC = nil
			deliver()
		case <-eose:
			deliver()
		}
	}
}
