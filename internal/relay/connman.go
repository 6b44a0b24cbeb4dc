// Package relay tracks per-relay connectivity with exponential backoff and
// carries the offline publish queue. Connectivity loss is never fatal to
// callers: publishes degrade to the queue, reads degrade to whatever relays
// still answer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"relayboard/internal/metrics"
)

const (
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoffSec  = 300
	defaultMaxAttempts    = 7
	defaultDialTimeoutSec = 8
	defaultPubTimeoutSec  = 10
	defaultTickMS         = 1000

	dialLogTTL = 30 * time.Second
)

var (
	// ErrNoRelays means zero relays were reachable at publish time; the event
	// sits fully queued for background delivery.
	ErrNoRelays = errors.New("no relays connected")
	// ErrNoneAccepted means every reachable relay rejected the publish; the
	// event stays queued for the rejecting relays.
	ErrNoneAccepted = errors.New("no relay accepted publish")
	// ErrUnknownRelay is returned by Retry for an unconfigured url.
	ErrUnknownRelay = errors.New("unknown relay")
)

// Status is the externally visible state of one configured relay.
type Status struct {
	URL                string
	Connected          bool
	LastError          string
	LastConnectedAt    time.Time
	LastDisconnectedAt time.Time
	ReconnectAttempts  int
	NextReconnectAt    time.Time
}

type relayState struct {
	url                string
	conn               Conn
	connected          bool
	dialing            bool
	lastErr            string
	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time
	attempts           int
	nextReconnectAt    time.Time
}

// Options configure a ConnManager. Zero values pick compiled defaults, which
// in turn yield to RELAYBOARD_* env overrides.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	DialTimeout    time.Duration
	PublishTimeout time.Duration
	QueueMaxAge    time.Duration
	QueueCap       int
	Dial           DialFunc
	Now            func() time.Time
	Log            *zap.Logger
	Metrics        *metrics.Metrics
}

// ConnManager owns the relay set: status map, reconnect scheduling and the
// offline publish queue. All state mutations happen under one mutex within a
// single synchronous step; network I/O never runs with the lock held.
type ConnManager struct {
	mu     sync.Mutex
	relays map[string]*relayState
	order  []string

	queue *publishQueue

	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int
	dialTimeout    time.Duration
	publishTimeout time.Duration

	dial    DialFunc
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics

	dialLog map[string]time.Time
}

func New(opts Options) *ConnManager {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = maxBackoff()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = maxAttempts()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = dialTimeout()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = time.Duration(defaultPubTimeoutSec) * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = DialNostr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &ConnManager{
		relays:         make(map[string]*relayState),
		queue:          newPublishQueue(opts.QueueMaxAge, opts.QueueCap, opts.Now, opts.Metrics),
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		maxAttempts:    opts.MaxAttempts,
		dialTimeout:    opts.DialTimeout,
		publishTimeout: opts.PublishTimeout,
		dial:           opts.Dial,
		now:            opts.Now,
		log:            opts.Log,
		metrics:        opts.Metrics,
		dialLog:        make(map[string]time.Time),
	}
}

// SetRelays replaces the configured relay set. New relays start disconnected
// and are dialed on the next tick; removed relays are closed and forgotten.
func (m *ConnManager) SetRelays(urls []string) {
	m.mu.Lock()
	keep := make(map[string]bool, len(urls))
	order := make([]string, 0, len(urls))
	var closing []Conn
	for _, url := range urls {
		url = strings.TrimSpace(url)
		if url == "" || keep[url] {
			continue
		}
		keep[url] = true
		order = append(order, url)
		if _, ok := m.relays[url]; !ok {
			m.relays[url] = &relayState{url: url}
		}
	}
	for url, st := range m.relays {
		if !keep[url] {
			if st.conn != nil {
				closing = append(closing, st.conn)
			}
			delete(m.relays, url)
		}
	}
	m.order = order
	m.mu.Unlock()
	for _, c := range closing {
		_ = c.Close()
	}
}

// Run drives reconnection until ctx is cancelled, then closes everything.
func (m *ConnManager) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval())
	defer ticker.Stop()
	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick dials every relay whose backoff window has elapsed.
func (m *ConnManager) tick(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	var due []string
	for _, url := range m.order {
		st := m.relays[url]
		if st == nil || st.connected || st.dialing {
			continue
		}
		if st.attempts >= m.maxAttempts {
			continue
		}
		if st.nextReconnectAt.After(now) {
			continue
		}
		st.dialing = true
		due = append(due, url)
	}
	m.mu.Unlock()
	for _, url := range due {
		m.connect(ctx, url)
	}
}

// connect dials one relay and records the outcome. Run with dialing=true set.
func (m *ConnManager) connect(ctx context.Context, url string) bool {
	m.metrics.IncDialAttempts()
	dctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	conn, err := m.dial(dctx, url)
	cancel()
	if err != nil {
		m.markFailure(url, err)
		return false
	}
	m.markConnected(url, conn)
	m.flush(ctx, url, conn)
	return true
}

func (m *ConnManager) markConnected(url string, conn Conn) {
	now := m.now()
	m.mu.Lock()
	st := m.relays[url]
	if st == nil {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	if st.conn != nil && st.conn != conn {
		go st.conn.Close()
	}
	wasDown := !st.lastDisconnectedAt.IsZero()
	st.conn = conn
	st.connected = true
	st.dialing = false
	st.lastErr = ""
	st.attempts = 0
	st.nextReconnectAt = time.Time{}
	st.lastConnectedAt = now
	m.mu.Unlock()
	if wasDown {
		m.metrics.IncReconnects()
	}
	m.log.Debug("relay connected", zap.String("relay", url))
}

func (m *ConnManager) markFailure(url string, err error) {
	now := m.now()
	permanent := isPermanentErr(err)
	m.metrics.IncDialFailures()
	m.mu.Lock()
	st := m.relays[url]
	if st == nil {
		m.mu.Unlock()
		return
	}
	st.dialing = false
	st.connected = false
	st.lastErr = err.Error()
	if permanent {
		st.attempts = m.maxAttempts
	} else {
		st.attempts++
		if st.attempts < m.maxAttempts {
			st.nextReconnectAt = now.Add(m.backoff(st.attempts))
		}
	}
	m.mu.Unlock()
	if permanent {
		m.metrics.IncPermanentFailures()
		m.log.Warn("relay disabled", zap.String("relay", url), zap.Error(err))
		return
	}
	m.logDialError(url, err)
}

// MarkDown records a connection loss observed during an operation on a relay
// that looked connected, and schedules the first retry.
func (m *ConnManager) MarkDown(url string, err error) {
	now := m.now()
	m.mu.Lock()
	st := m.relays[url]
	if st == nil || !st.connected {
		m.mu.Unlock()
		return
	}
	conn := st.conn
	st.conn = nil
	st.connected = false
	st.lastDisconnectedAt = now
	if err != nil {
		st.lastErr = err.Error()
	}
	st.attempts = 1
	st.nextReconnectAt = now.Add(m.backoff(1))
	m.mu.Unlock()
	if conn != nil {
		go conn.Close()
	}
	m.log.Debug("relay down", zap.String("relay", url), zap.Error(err))
}

// backoff computes min(maxBackoff, initial * 2^(attempts-1)).
func (m *ConnManager) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts - 1
	if shift > 30 {
		shift = 30
	}
	d := m.initialBackoff * time.Duration(1<<shift)
	if d > m.maxBackoff || d <= 0 {
		return m.maxBackoff
	}
	return d
}

// Retry resets a relay's backoff state unconditionally and dials it now.
func (m *ConnManager) Retry(ctx context.Context, url string) (bool, error) {
	m.mu.Lock()
	st := m.relays[url]
	if st == nil {
		m.mu.Unlock()
		return false, ErrUnknownRelay
	}
	if st.connected {
		m.mu.Unlock()
		return true, nil
	}
	if st.dialing {
		m.mu.Unlock()
		return false, nil
	}
	st.attempts = 0
	st.nextReconnectAt = time.Time{}
	st.lastErr = ""
	st.dialing = true
	m.mu.Unlock()
	return m.connect(ctx, url), nil
}

// ResetAll clears every relay's backoff state so the next tick redials all of
// them.
func (m *ConnManager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.relays {
		st.attempts = 0
		st.nextReconnectAt = time.Time{}
		st.lastErr = ""
	}
}

// Statuses returns the per-relay state in configured order.
func (m *ConnManager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.order))
	for _, url := range m.order {
		st := m.relays[url]
		if st == nil {
			continue
		}
		out = append(out, Status{
			URL:                st.url,
			Connected:          st.connected,
			LastError:          st.lastErr,
			LastConnectedAt:    st.lastConnectedAt,
			LastDisconnectedAt: st.lastDisconnectedAt,
			ReconnectAttempts:  st.attempts,
			NextReconnectAt:    st.nextReconnectAt,
		})
	}
	return out
}

func (m *ConnManager) IsAnyConnected() bool {
	return m.ConnectedCount() > 0
}

func (m *ConnManager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.relays {
		if st.connected {
			n++
		}
	}
	return n
}

// Handle pairs a relay url with its live connection.
type Handle struct {
	URL string
	C   Conn
}

// QueryTargets returns the connected relays, or every relay that still holds
// a connection handle when none look connected. Reads degrade, never fail.
func (m *ConnManager) QueryTargets() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var connected, fallback []Handle
	for _, url := range m.order {
		st := m.relays[url]
		if st == nil || st.conn == nil {
			continue
		}
		h := Handle{URL: url, C: st.conn}
		if st.connected {
			connected = append(connected, h)
		} else {
			fallback = append(fallback, h)
		}
	}
	if len(connected) > 0 {
		return connected
	}
	return fallback
}

// Publish races the event to every connected relay; the first acceptance
// wins. Relays that were unreachable or rejected the event keep a queue
// claim and get the event on their next successful (re)connect.
func (m *ConnManager) Publish(ctx context.Context, ev nostr.Event) ([]string, error) {
	m.mu.Lock()
	all := make([]string, len(m.order))
	copy(all, m.order)
	var targets []Handle
	for _, url := range m.order {
		st := m.relays[url]
		if st != nil && st.connected && st.conn != nil {
			targets = append(targets, Handle{URL: url, C: st.conn})
		}
	}
	m.mu.Unlock()

	entry := m.queue.add(ev, all)
	m.metrics.SetQueueDepth(uint64(m.queue.len()))
	if len(targets) == 0 {
		m.metrics.IncQueued()
		return nil, ErrNoRelays
	}

	type result struct {
		url string
		err error
	}
	results := make(chan result, len(targets))
	for _, h := range targets {
		go func(h Handle) {
			pctx, cancel := context.WithTimeout(ctx, m.publishTimeout)
			defer cancel()
			err := h.C.Publish(pctx, ev)
			if err == nil {
				m.queue.ack(entry, h.URL)
				m.metrics.SetQueueDepth(uint64(m.queue.len()))
			} else if IsConnLost(err) {
				m.MarkDown(h.URL, err)
			}
			results <- result{url: h.URL, err: err}
		}(h)
	}

	var firstErr error
	for i := 0; i < len(targets); i++ {
		r := <-results
		if r.err == nil {
			// Remaining attempts finish in the background; their queue acks
			// still land.
			return []string{r.url}, nil
		}
		if firstErr == nil {
			firstErr = r.err
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrNoneAccepted, firstErr)
}

// flush delivers queued entries owed to a freshly connected relay.
func (m *ConnManager) flush(ctx context.Context, url string, conn Conn) {
	entries := m.queue.pendingFor(url)
	flushed := 0
	for _, e := range entries {
		pctx, cancel := context.WithTimeout(ctx, m.publishTimeout)
		err := conn.Publish(pctx, e.Event)
		cancel()
		if err != nil {
			if IsConnLost(err) {
				m.MarkDown(url, err)
				break
			}
			continue
		}
		m.queue.ack(e, url)
		flushed++
	}
	if flushed > 0 {
		m.metrics.AddQueueFlushed(uint64(flushed))
		m.metrics.SetQueueDepth(uint64(m.queue.len()))
		m.log.Debug("queue flushed", zap.String("relay", url), zap.Int("events", flushed))
	}
}

// QueueDepth reports the number of queued publishes.
func (m *ConnManager) QueueDepth() int {
	return m.queue.len()
}

// QueueSnapshot copies the queued publishes for status rendering.
func (m *ConnManager) QueueSnapshot() []QueuedPublish {
	return m.queue.snapshot()
}

// Close tears everything down: connections closed, queue discarded, statuses
// cleared. Reconnect timers die with the Run context.
func (m *ConnManager) Close() {
	m.mu.Lock()
	var closing []Conn
	for _, st := range m.relays {
		if st.conn != nil {
			closing = append(closing, st.conn)
			st.conn = nil
		}
		st.connected = false
	}
	m.mu.Unlock()
	for _, c := range closing {
		_ = c.Close()
	}
	m.queue.clear()
	m.metrics.SetQueueDepth(0)
}

// logDialError logs repeated dial failures for one relay at most once per
// dialLogTTL.
func (m *ConnManager) logDialError(url string, err error) {
	now := m.now()
	m.mu.Lock()
	last := m.dialLog[url]
	if now.Sub(last) < dialLogTTL {
		m.mu.Unlock()
		return
	}
	m.dialLog[url] = now
	m.mu.Unlock()
	m.log.Debug("relay dial failed", zap.String("relay", url), zap.Error(err))
}

// isPermanentErr classifies failures that retries cannot fix: the relay
// hostname does not resolve.
func isPermanentErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"):
		return true
	case strings.Contains(msg, "server misbehaving"):
		return true
	case strings.Contains(msg, "name resolution"):
		return true
	default:
		return false
	}
}

// IsConnLost classifies operation errors that mean the websocket is gone.
func IsConnLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection closed"):
		return true
	case strings.Contains(msg, "connection reset"):
		return true
	case strings.Contains(msg, "broken pipe"):
		return true
	case strings.Contains(msg, "websocket: close"):
		return true
	case strings.Contains(msg, "use of closed network connection"):
		return true
	case strings.Contains(msg, "eof"):
		return true
	default:
		return false
	}
}
