package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

type fakeConn struct {
	mu        sync.Mutex
	published []nostr.Event
	pubErr    error
	queryEvs  []*nostr.Event
	queryErr  error
	closed    bool
}

func (c *fakeConn) Publish(ctx context.Context, ev nostr.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubErr != nil {
		return c.pubErr
	}
	c.published = append(c.published, ev)
	return nil
}

func (c *fakeConn) QuerySync(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryEvs, c.queryErr
}

func (c *fakeConn) Subscribe(ctx context.Context, fs nostr.Filters) (Sub, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, dial DialFunc, clock *fakeClock) *ConnManager {
	t.Helper()
	return New(Options{
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     5 * time.Minute,
		MaxAttempts:    7,
		DialTimeout:    time.Second,
		PublishTimeout: time.Second,
		Dial:           dial,
		Now:            clock.Now,
	})
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newTestManager(t, nil, clock)
	if got := m.backoff(1); got != 2*time.Second {
		t.Fatalf("backoff(1) = %v, want 2s", got)
	}
	prev := time.Duration(0)
	for i := 1; i <= 40; i++ {
		d := m.backoff(i)
		if d < prev {
			t.Fatalf("backoff(%d) = %v < backoff(%d) = %v", i, d, i-1, prev)
		}
		if d > 5*time.Minute {
			t.Fatalf("backoff(%d) = %v exceeds cap", i, d)
		}
		prev = d
	}
	if m.backoff(40) != 5*time.Minute {
		t.Fatalf("backoff(40) = %v, want cap", m.backoff(40))
	}
}

func TestTickBackoffSchedule(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	dials := 0
	dial := func(ctx context.Context, url string) (Conn, error) {
		dials++
		return nil, errors.New("connection refused")
	}
	m := newTestManager(t, dial, clock)
	m.SetRelays([]string{"ws://r1"})

	ctx := context.Background()
	m.tick(ctx)
	if dials != 1 {
		t.Fatalf("dials = %d, want 1", dials)
	}
	st := m.Statuses()[0]
	if st.ReconnectAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", st.ReconnectAttempts)
	}
	if want := clock.Now().Add(2 * time.Second); !st.NextReconnectAt.Equal(want) {
		t.Fatalf("nextReconnectAt = %v, want %v", st.NextReconnectAt, want)
	}

	// Inside the backoff window: no dial.
	clock.Advance(time.Second)
	m.tick(ctx)
	if dials != 1 {
		t.Fatalf("dials = %d during backoff, want 1", dials)
	}

	// Window elapsed: second attempt, doubled backoff.
	clock.Advance(2 * time.Second)
	m.tick(ctx)
	if dials != 2 {
		t.Fatalf("dials = %d, want 2", dials)
	}
	st = m.Statuses()[0]
	if st.ReconnectAttempts != 2 {
		t.Fatalf("attempts = %d, want 2", st.ReconnectAttempts)
	}
	if want := clock.Now().Add(4 * time.Second); !st.NextReconnectAt.Equal(want) {
		t.Fatalf("nextReconnectAt = %v, want %v", st.NextReconnectAt, want)
	}
}

func TestTickStopsAtMaxAttempts(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	dials := 0
	dial := func(ctx context.Context, url string) (Conn, error) {
		dials++
		return nil, errors.New("connection refused")
	}
	m := newTestManager(t, dial, clock)
	m.SetRelays([]string{"ws://r1"})

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		m.tick(ctx)
		clock.Advance(10 * time.Minute)
	}
	if dials != 7 {
		t.Fatalf("dials = %d, want maxAttempts (7)", dials)
	}
}

func TestPermanentFailureDisablesRelay(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	dials := 0
	dial := func(ctx context.Context, url string) (Conn, error) {
		dials++
		return nil, errors.New("dial tcp: lookup bad.example: no such host")
	}
	m := newTestManager(t, dial, clock)
	m.SetRelays([]string{"ws://bad"})

	ctx := context.Background()
	m.tick(ctx)
	clock.Advance(time.Hour)
	m.tick(ctx)
	if dials != 1 {
		t.Fatalf("dials = %d after permanent failure, want 1", dials)
	}
	st := m.Statuses()[0]
	if st.ReconnectAttempts != 7 {
		t.Fatalf("attempts = %d, want maxAttempts", st.ReconnectAttempts)
	}
}

func TestRetryResetsBackoff(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	fail := true
	dial := func(ctx context.Context, url string) (Conn, error) {
		if fail {
			return nil, errors.New("dial tcp: lookup bad.example: no such host")
		}
		return &fakeConn{}, nil
	}
	m := newTestManager(t, dial, clock)
	m.SetRelays([]string{"ws://r1"})

	ctx := context.Background()
	m.tick(ctx)
	if m.IsAnyConnected() {
		t.Fatal("should not be connected")
	}

	fail = false
	ok, err := m.Retry(ctx, "ws://r1")
	if err != nil || !ok {
		t.Fatalf("Retry = (%v, %v), want (true, nil)", ok, err)
	}
	if !m.IsAnyConnected() {
		t.Fatal("should be connected after retry")
	}
	st := m.Statuses()[0]
	if st.ReconnectAttempts != 0 || st.LastError != "" {
		t.Fatalf("state not reset: %+v", st)
	}
}

func TestRetryUnknownRelay(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newTestManager(t, nil, clock)
	if _, err := m.Retry(context.Background(), "ws://nowhere"); !errors.Is(err, ErrUnknownRelay) {
		t.Fatalf("err = %v, want ErrUnknownRelay", err)
	}
}

func TestPublishOfflineQueues(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	dial := func(ctx context.Context, url string) (Conn, error) {
		return nil, errors.New("connection refused")
	}
	m := newTestManager(t, dial, clock)
	m.SetRelays([]string{"ws://r1", "ws://r2"})

	ev := nostr.Event{ID: "ev1", Kind: 1, Content: "hello"}
	_, err := m.Publish(context.Background(), ev)
	if !errors.Is(err, ErrNoRelays) {
		t.Fatalf("err = %v, want ErrNoRelays", err)
	}
	if m.QueueDepth() != 1 {
		t.Fatalf("queue depth = %d, want 1", m.QueueDepth())
	}
	snap := m.QueueSnapshot()
	if len(snap[0].PendingURLs()) != 2 {
		t.Fatalf("pending = %v, want both relays", snap[0].PendingURLs())
	}
}

func TestPublishSingleRelayAcks(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	conn := &fakeConn{}
	dial := func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	}
	m := newTestManager(t, dial, clock)
	m.SetRelays([]string{"ws://r1"})
	ctx := context.Background()
	if ok, err := m.Retry(ctx, "ws://r1"); !ok || err != nil {
		t.Fatalf("Retry = (%v, %v)", ok, err)
	}

	urls, err := m.Publish(ctx, nostr.Event{ID: "ev1", Kind: 1})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(urls) != 1 || urls[0] != "ws://r1" {
		t.Fatalf("urls = %v", urls)
	}
	if conn.publishedCount() != 1 {
		t.Fatalf("published = %d, want 1", conn.publishedCount())
	}
	if m.QueueDepth() != 0 {
		t.Fatalf("queue depth = %d after ack, want 0", m.QueueDepth())
	}
}

func TestPublishAllRejected(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	conns := map[string]*fakeConn{
		"ws://r1": {pubErr: errors.New("blocked: rate limited")},
		"ws://r2": {pubErr: errors.New("blocked: pow required")},
	}
	dial := func(ctx context.Context, url string) (Conn, error) {
		return conns[url], nil
	}
	m := newTestManager(t, dial, clock)
	m.SetRelays([]string{"ws://r1", "ws://r2"})
	ctx := context.Background()
	for url := range conns {
		if ok, err := m.Retry(ctx, url); !ok || err != nil {
			t.Fatalf("Retry(%s) = (%v, %v)", url, ok, err)
		}
	}

	_, err := m.Publish(ctx, nostr.Event{ID: "ev1", Kind: 1})
	if !errors.Is(err, ErrNoneAccepted) {
		t.Fatalf("err = %v, want ErrNoneAccepted", err)
	}
	if m.QueueDepth() != 1 {
		t.Fatalf("queue depth = %d, want 1", m.QueueDepth())
	}
	if got := m.QueueSnapshot()[0].PendingURLs(); len(got) != 2 {
		t.Fatalf("pending = %v, want both relays", got)
	}
}

func TestFlushOnReconnect(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	conn := &fakeConn{}
	fail := true
	dial := func(ctx context.Context, url string) (Conn, error) {
		if fail {
			return nil, errors.New("connection refused")
		}
		return conn, nil
	}
	m := newTestManager(t, dial, clock)
	m.SetRelays([]string{"ws://r1"})
	ctx := context.Background()

	if _, err := m.Publish(ctx, nostr.Event{ID: "ev1", Kind: 1}); !errors.Is(err, ErrNoRelays) {
		t.Fatalf("err = %v, want ErrNoRelays", err)
	}
	if _, err := m.Publish(ctx, nostr.Event{ID: "ev2", Kind: 1}); !errors.Is(err, ErrNoRelays) {
		t.Fatalf("err = %v, want ErrNoRelays", err)
	}
	if m.QueueDepth() != 2 {
		t.Fatalf("queue depth = %d, want 2", m.QueueDepth())
	}

	fail = false
	if ok, err := m.Retry(ctx, "ws://r1"); !ok || err != nil {
		t.Fatalf("Retry = (%v, %v)", ok, err)
	}
	if conn.publishedCount() != 2 {
		t.Fatalf("flushed = %d events, want 2", conn.publishedCount())
	}
	if m.QueueDepth() != 0 {
		t.Fatalf("queue depth = %d after flush, want 0", m.QueueDepth())
	}
}

func TestMarkDownSchedulesRetry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	conn := &fakeConn{}
	dial := func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	}
	m := newTestManager(t, dial, clock)
	m.SetRelays([]string{"ws://r1"})
	ctx := context.Background()
	if ok, err := m.Retry(ctx, "ws://r1"); !ok || err != nil {
		t.Fatalf("Retry = (%v, %v)", ok, err)
	}

	m.MarkDown("ws://r1", errors.New("websocket: close 1006"))
	st := m.Statuses()[0]
	if st.Connected {
		t.Fatal("still marked connected")
	}
	if st.ReconnectAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", st.ReconnectAttempts)
	}
	if want := clock.Now().Add(2 * time.Second); !st.NextReconnectAt.Equal(want) {
		t.Fatalf("nextReconnectAt = %v, want %v", st.NextReconnectAt, want)
	}
	if st.LastDisconnectedAt.IsZero() {
		t.Fatal("lastDisconnectedAt not recorded")
	}
}

func TestSetRelaysClosesRemoved(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	conns := map[string]*fakeConn{"ws://r1": {}, "ws://r2": {}}
	dial := func(ctx context.Context, url string) (Conn, error) {
		return conns[url], nil
	}
	m := newTestManager(t, dial, clock)
	m.SetRelays([]string{"ws://r1", "ws://r2"})
	ctx := context.Background()
	for url := range conns {
		if ok, err := m.Retry(ctx, url); !ok || err != nil {
			t.Fatalf("Retry(%s) = (%v, %v)", url, ok, err)
		}
	}

	m.SetRelays([]string{"ws://r1"})
	if !conns["ws://r2"].closed {
		t.Fatal("removed relay connection not closed")
	}
	if len(m.Statuses()) != 1 {
		t.Fatalf("statuses = %v, want only r1", m.Statuses())
	}
	if m.ConnectedCount() != 1 {
		t.Fatalf("connected = %d, want 1", m.ConnectedCount())
	}
}

func TestQueryTargetsFallback(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	conn := &fakeConn{}
	dial := func(ctx context.Context, url string) (Conn, error) {
		return conn, nil
	}
	m := newTestManager(t, dial, clock)
	m.SetRelays([]string{"ws://r1"})
	ctx := context.Background()
	if ok, err := m.Retry(ctx, "ws://r1"); !ok || err != nil {
		t.Fatalf("Retry = (%v, %v)", ok, err)
	}
	if got := m.QueryTargets(); len(got) != 1 {
		t.Fatalf("targets = %v, want 1", got)
	}
}

func TestIsPermanentErr(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: lookup x: no such host"), true},
		{errors.New("lookup x on 8.8.8.8: server misbehaving"), true},
		{errors.New("temporary failure in name resolution"), true},
		{errors.New("connection refused"), false},
		{errors.New("i/o timeout"), false},
	}
	for _, c := range cases {
		if got := isPermanentErr(c.err); got != c.want {
			t.Fatalf("isPermanentErr(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestIsConnLost(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{fmt.Errorf("read: %w", errors.New("connection reset by peer")), true},
		{errors.New("websocket: close 1006 (abnormal closure)"), true},
		{errors.New("use of closed network connection"), true},
		{errors.New("unexpected EOF"), true},
		{errors.New("broken pipe"), true},
		{errors.New("blocked: rate limited"), false},
	}
	for _, c := range cases {
		if got := IsConnLost(c.err); got != c.want {
			t.Fatalf("IsConnLost(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAYBOARD_MAX_BACKOFF_SEC", "60")
	t.Setenv("RELAYBOARD_MAX_ATTEMPTS", "3")
	t.Setenv("RELAYBOARD_DIAL_TIMEOUT_MS", "2500")
	t.Setenv("RELAYBOARD_TICK_MS", "250")
	if got := maxBackoff(); got != time.Minute {
		t.Fatalf("maxBackoff = %v, want 1m", got)
	}
	if got := maxAttempts(); got != 3 {
		t.Fatalf("maxAttempts = %d, want 3", got)
	}
	if got := dialTimeout(); got != 2500*time.Millisecond {
		t.Fatalf("dialTimeout = %v, want 2.5s", got)
	}
	if got := tickInterval(); got != 250*time.Millisecond {
		t.Fatalf("tickInterval = %v, want 250ms", got)
	}

	t.Setenv("RELAYBOARD_MAX_ATTEMPTS", "garbage")
	if got := maxAttempts(); got != defaultMaxAttempts {
		t.Fatalf("maxAttempts = %d with bad env, want default", got)
	}
}
