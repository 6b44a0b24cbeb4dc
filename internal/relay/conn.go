package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Conn is the subset of a relay client connection the core depends on.
// Production connections wrap the nostr websocket client; tests substitute
// in-memory fakes through Options.Dial.
type Conn interface {
	Publish(ctx context.Context, ev nostr.Event) error
	QuerySync(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error)
	Subscribe(ctx context.Context, fs nostr.Filters) (Sub, error)
	Close() error
}

// Sub is a live relay subscription.
type Sub interface {
	Events() <-chan *nostr.Event
	EndOfStoredEvents() <-chan struct{}
	Unsub()
}

// DialFunc opens a connection to one relay URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// DialNostr is the production dialer.
func DialNostr(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{r: r}, nil
}

type nostrConn struct {
	r *nostr.Relay
}

func (c *nostrConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.r.Publish(ctx, ev)
}

func (c *nostrConn) QuerySync(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	return c.r.QuerySync(ctx, f)
}

func (c *nostrConn) Subscribe(ctx context.Context, fs nostr.Filters) (Sub, error) {
	s, err := c.r.Subscribe(ctx, fs)
	if err != nil {
		return nil, err
	}
	return &nostrSub{s: s}, nil
}

func (c *nostrConn) Close() error { return c.r.Close() }

type nostrSub struct {
	s *nostr.Subscription
}

func (s *nostrSub) Events() <-chan *nostr.Event        { return s.s.Events }
func (s *nostrSub) EndOfStoredEvents() <-chan struct{} { return s.s.EndOfStoredEvents }
func (s *nostrSub) Unsub()                             { s.s.Unsub() }
