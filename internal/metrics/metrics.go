// Package metrics holds process-wide counters for the relay sync core.
package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Relay       RelayMetrics   `json:"relay"`
	Events      EventMetrics   `json:"events"`
	Tally       TallyMetrics   `json:"tally"`
	Limiter     LimiterMetrics `json:"limiter"`
}

type RelayMetrics struct {
	DialAttempts      uint64 `json:"dial_attempts"`
	DialFailures      uint64 `json:"dial_failures"`
	PermanentFailures uint64 `json:"permanent_failures"`
	Reconnects        uint64 `json:"reconnects"`
	QueueDepth        uint64 `json:"queue_depth"`
	QueueFlushed      uint64 `json:"queue_flushed"`
	QueueEvicted      uint64 `json:"queue_evicted"`
}

type EventMetrics struct {
	Published       uint64 `json:"published"`
	PublishFailures uint64 `json:"publish_failures"`
	Queued          uint64 `json:"queued"`
	Fetched         uint64 `json:"fetched"`
	FetchTimeouts   uint64 `json:"fetch_timeouts"`
	DropDuplicate   uint64 `json:"drop_duplicate"`
}

type TallyMetrics struct {
	VotesAccepted  uint64 `json:"votes_accepted"`
	DropVerify     uint64 `json:"drop_verify"`
	CacheHits      uint64 `json:"cache_hits"`
	CacheMisses    uint64 `json:"cache_misses"`
	CacheEvictions uint64 `json:"cache_evictions"`
	Rollbacks      uint64 `json:"rollbacks"`
}

type LimiterMetrics struct {
	Allowed  uint64 `json:"allowed"`
	Rejected uint64 `json:"rejected"`
}

type Metrics struct {
	dialAttempts      atomic.Uint64
	dialFailures      atomic.Uint64
	permanentFailures atomic.Uint64
	reconnects        atomic.Uint64
	queueDepth        atomic.Uint64
	queueFlushed      atomic.Uint64
	queueEvicted      atomic.Uint64

	published       atomic.Uint64
	publishFailures atomic.Uint64
	queued          atomic.Uint64
	fetched         atomic.Uint64
	fetchTimeouts   atomic.Uint64
	dropDuplicate   atomic.Uint64

	votesAccepted  atomic.Uint64
	dropVerify     atomic.Uint64
	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64
	cacheEvictions atomic.Uint64
	rollbacks      atomic.Uint64

	limAllowed  atomic.Uint64
	limRejected atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncDialAttempts() {
	if m != nil {
		m.dialAttempts.Add(1)
	}
}

func (m *Metrics) IncDialFailures() {
	if m != nil {
		m.dialFailures.Add(1)
	}
}

func (m *Metrics) IncPermanentFailures() {
	if m != nil {
		m.permanentFailures.Add(1)
	}
}

func (m *Metrics) IncReconnects() {
	if m != nil {
		m.reconnects.Add(1)
	}
}

func (m *Metrics) SetQueueDepth(n uint64) {
	if m != nil {
		m.queueDepth.Store(n)
	}
}

func (m *Metrics) AddQueueFlushed(n uint64) {
	if m != nil {
		m.queueFlushed.Add(n)
	}
}

func (m *Metrics) AddQueueEvicted(n uint64) {
	if m != nil {
		m.queueEvicted.Add(n)
	}
}

func (m *Metrics) IncPublished() {
	if m != nil {
		m.published.Add(1)
	}
}

func (m *Metrics) IncPublishFailures() {
	if m != nil {
		m.publishFailures.Add(1)
	}
}

func (m *Metrics) IncQueued() {
	if m != nil {
		m.queued.Add(1)
	}
}

func (m *Metrics) AddFetched(n uint64) {
	if m != nil {
		m.fetched.Add(n)
	}
}

func (m *Metrics) IncFetchTimeouts() {
	if m != nil {
		m.fetchTimeouts.Add(1)
	}
}

func (m *Metrics) IncDropDuplicate() {
	if m != nil {
		m.dropDuplicate.Add(1)
	}
}

func (m *Metrics) IncVotesAccepted() {
	if m != nil {
		m.votesAccepted.Add(1)
	}
}

func (m *Metrics) IncDropVerify() {
	if m != nil {
		m.dropVerify.Add(1)
	}
}

func (m *Metrics) IncCacheHits() {
	if m != nil {
		m.cacheHits.Add(1)
	}
}

func (m *Metrics) IncCacheMisses() {
	if m != nil {
		m.cacheMisses.Add(1)
	}
}

func (m *Metrics) AddCacheEvictions(n uint64) {
	if m != nil {
		m.cacheEvictions.Add(n)
	}
}

func (m *Metrics) IncRollbacks() {
	if m != nil {
		m.rollbacks.Add(1)
	}
}

func (m *Metrics) IncLimiterAllowed() {
	if m != nil {
		m.limAllowed.Add(1)
	}
}

func (m *Metrics) IncLimiterRejected() {
	if m != nil {
		m.limRejected.Add(1)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Relay: RelayMetrics{
			DialAttempts:      m.dialAttempts.Load(),
			DialFailures:      m.dialFailures.Load(),
			PermanentFailures: m.permanentFailures.Load(),
			Reconnects:        m.reconnects.Load(),
			QueueDepth:        m.queueDepth.Load(),
			QueueFlushed:      m.queueFlushed.Load(),
			QueueEvicted:      m.queueEvicted.Load(),
		},
		Events: EventMetrics{
			Published:       m.published.Load(),
			PublishFailures: m.publishFailures.Load(),
			Queued:          m.queued.Load(),
			Fetched:         m.fetched.Load(),
			FetchTimeouts:   m.fetchTimeouts.Load(),
			DropDuplicate:   m.dropDuplicate.Load(),
		},
		Tally: TallyMetrics{
			VotesAccepted:  m.votesAccepted.Load(),
			DropVerify:     m.dropVerify.Load(),
			CacheHits:      m.cacheHits.Load(),
			CacheMisses:    m.cacheMisses.Load(),
			CacheEvictions: m.cacheEvictions.Load(),
			Rollbacks:      m.rollbacks.Load(),
		},
		Limiter: LimiterMetrics{
			Allowed:  m.limAllowed.Load(),
			Rejected: m.limRejected.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
