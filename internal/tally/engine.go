package tally

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"relayboard/internal/metrics"
	"relayboard/internal/proto"
	"relayboard/internal/ratelimit"
)

const (
	defaultFreshness      = 30 * time.Second
	defaultStaleAfter     = 5 * time.Minute
	defaultSweepInterval  = time.Minute
	defaultFetchLimit     = 1000
	defaultInitialBalance = 100
)

// ErrRateLimited is surfaced when a cast is rejected by the limiter; the
// bucket refill rate implies the retry-after.
var ErrRateLimited = errors.New("rate limited")

// Broker is the slice of the protocol layer the engine needs.
type Broker interface {
	Publish(ctx context.Context, u proto.UnsignedEvent, signer proto.Signer) (*nostr.Event, error)
	Fetch(ctx context.Context, spec proto.FilterSpec) []*nostr.Event
}

// Rollback is the exact inverse of one optimistic update: the balance and
// score deltas to add back, and the prior identity→vote entry to restore.
// Applying it to the state immediately following the optimistic update
// restores the pre-update state exactly.
type Rollback struct {
	Identity     string
	TargetID     string
	BalanceDelta int
	ScoreDelta   int
	PrevVote     VoteEvent
	HadPrevVote  bool
}

// CastResult reports one cast attempt. On failure Rollback carries what the
// caller must apply to its own view; the engine's internal ledger and cache
// are already restored.
type CastResult struct {
	Success  bool
	Tally    *VoteTally
	Rollback *Rollback
	Err      error
}

// Options configure an Engine. Zero values pick defaults.
type Options struct {
	Freshness      time.Duration
	CacheCap       int
	StaleAfter     time.Duration
	SweepInterval  time.Duration
	FetchLimit     int
	InitialBalance int
	Now            func() time.Time
	Log            *zap.Logger
	Metrics        *metrics.Metrics
}

// Engine maintains verified vote tallies and the local vote-balance ledger.
// All mutable state is owned here and mutated only within single synchronous
// steps under one mutex; network fetches happen outside the lock and merges
// re-validate against whatever is cached by then.
type Engine struct {
	broker  Broker
	limiter *ratelimit.Limiter

	cache *tallyCache
	group singleflight.Group

	mu         sync.Mutex
	balances   map[string]int
	myVotes    map[string]map[string]VoteEvent
	tombstones map[string]struct{} // reaction event ids retracted by this engine

	freshness      time.Duration
	staleAfter     time.Duration
	sweepInterval  time.Duration
	fetchLimit     int
	initialBalance int
	now            func() time.Time
	log            *zap.Logger
	metrics        *metrics.Metrics
}

// New wires the engine. limiter may be nil, which disables cast gating.
func New(broker Broker, limiter *ratelimit.Limiter, opts Options) *Engine {
	if opts.Freshness <= 0 {
		opts.Freshness = defaultFreshness
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = defaultFetchLimit
	}
	if opts.InitialBalance <= 0 {
		opts.InitialBalance = defaultInitialBalance
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Engine{
		broker:         broker,
		limiter:        limiter,
		cache:          newTallyCache(opts.CacheCap, opts.Now),
		balances:       make(map[string]int),
		myVotes:        make(map[string]map[string]VoteEvent),
		tombstones:     make(map[string]struct{}),
		freshness:      opts.Freshness,
		staleAfter:     opts.StaleAfter,
		sweepInterval:  opts.SweepInterval,
		fetchLimit:     opts.FetchLimit,
		initialBalance: opts.InitialBalance,
		now:            opts.Now,
		log:            opts.Log,
		metrics:        opts.Metrics,
	}
}

// FetchTally returns the verified tally for one target, from cache when
// fresh. Concurrent callers for the same uncached target share one network
// fetch. It never fails: total relay loss yields the cached or empty tally.
func (e *Engine) FetchTally(ctx context.Context, targetID string) *VoteTally {
	if t := e.cachedFresh(targetID); t != nil {
		e.metrics.IncCacheHits()
		return t
	}
	e.metrics.IncCacheMisses()
	v, _, _ := e.group.Do(targetID, func() (interface{}, error) {
		return e.refresh(ctx, []string{targetID})[targetID], nil
	})
	if t, ok := v.(*VoteTally); ok && t != nil {
		return t
	}
	return newTally(targetID)
}

// FetchTallies returns tallies for all targets, serving fresh entries from
// cache and refreshing the rest with one batched query. Every requested
// target is present in the result.
func (e *Engine) FetchTallies(ctx context.Context, targetIDs []string) map[string]*VoteTally {
	out := make(map[string]*VoteTally, len(targetIDs))
	var stale []string
	for _, id := range targetIDs {
		if _, ok := out[id]; ok {
			continue
		}
		if t := e.cachedFresh(id); t != nil {
			e.metrics.IncCacheHits()
			out[id] = t
			continue
		}
		e.metrics.IncCacheMisses()
		stale = append(stale, id)
	}
	if len(stale) > 0 {
		for id, t := range e.refresh(ctx, stale) {
			out[id] = t
		}
	}
	return out
}

// CastVote applies the optimistic local update, gates through the rate
// limiter, publishes the signed reaction (or the delete companion on a
// retraction) and confirms or rolls back. The optimistic-then-confirm order
// is mandatory: confirmation latency on a multi-relay network is unbounded.
func (e *Engine) CastVote(ctx context.Context, targetID string, dir proto.Direction, signer proto.Signer) CastResult {
	if dir != proto.DirectionUp && dir != proto.DirectionDown {
		return CastResult{Err: fmt.Errorf("invalid vote direction %d", dir)}
	}
	if signer == nil {
		return CastResult{Err: proto.ErrSigningFailed}
	}
	identity := signer.PublicKey()
	now := e.now()

	e.mu.Lock()
	prev, hadPrev := e.voteForLocked(identity, targetID)
	retract := hadPrev && prev.Direction == dir
	var balanceDelta, scoreDelta int
	switch {
	case retract:
		balanceDelta = 1
		scoreDelta = -scoreSign(dir)
	case hadPrev:
		balanceDelta = 0
		scoreDelta = 2 * scoreSign(dir)
	default:
		balanceDelta = -1
		scoreDelta = scoreSign(dir)
	}
	e.adjustBalanceLocked(identity, balanceDelta)
	t, cached := e.cache.get(targetID)
	if !cached {
		// A target has a tally from its first cast onward, not only after a
		// fetch; the entry stays stale-marked so the next read refreshes it.
		t = newTally(targetID)
		if n := e.cache.put(targetID, t); n > 0 {
			e.metrics.AddCacheEvictions(uint64(n))
		}
	}
	optimistic := VoteEvent{TargetID: targetID, Voter: identity, Direction: dir, Timestamp: now}
	if retract {
		e.clearVoteLocked(identity, targetID)
		t.removeVote(identity)
	} else {
		e.setVoteLocked(identity, targetID, optimistic)
		t.setVote(optimistic)
	}
	rollback := &Rollback{
		Identity:     identity,
		TargetID:     targetID,
		BalanceDelta: -balanceDelta,
		ScoreDelta:   -scoreDelta,
		PrevVote:     prev,
		HadPrevVote:  hadPrev,
	}
	e.mu.Unlock()

	if e.limiter != nil && !e.limiter.Allow(ratelimit.ClassVote, identity, nil) {
		e.revert(rollback)
		return CastResult{Rollback: rollback, Err: ErrRateLimited}
	}

	var payload proto.UnsignedEvent
	if retract {
		if prev.EventID == "" {
			// The prior reaction never got a confirmed id, so there is
			// nothing on the network to delete; the local retract stands.
			return CastResult{Success: true, Tally: e.snapshot(targetID)}
		}
		payload = proto.NewDelete(prev.EventID)
	} else {
		payload = proto.NewReaction(targetID, dir)
	}
	ev, err := e.broker.Publish(ctx, payload, signer)
	if err != nil {
		e.revert(rollback)
		return CastResult{Rollback: rollback, Err: err}
	}

	e.mu.Lock()
	if retract {
		// Relays honor deletes best-effort; the tombstone keeps a stale copy
		// of the reaction from resurrecting through later fetches.
		e.tombstones[prev.EventID] = struct{}{}
	} else if v, ok := e.voteForLocked(identity, targetID); ok && v.Timestamp.Equal(now) {
		v.EventID = ev.ID
		e.setVoteLocked(identity, targetID, v)
		if t, okT := e.cache.get(targetID); okT {
			if tv, okV := t.VotesByIdentity[identity]; okV && tv.Timestamp.Equal(now) {
				tv.EventID = ev.ID
				t.VotesByIdentity[identity] = tv
			}
		}
	}
	e.mu.Unlock()
	return CastResult{Success: true, Tally: e.snapshot(targetID)}
}

// GetIdentityVote reports the direction currently recorded for an identity
// on a target, consulting the local vote map first and the cached tally as
// fallback for foreign identities.
func (e *Engine) GetIdentityVote(identity, targetID string) proto.Direction {
	e.mu.Lock()
	if v, ok := e.voteForLocked(identity, targetID); ok {
		e.mu.Unlock()
		return v.Direction
	}
	t, ok := e.cache.get(targetID)
	if ok {
		if v, okV := t.VotesByIdentity[identity]; okV {
			e.mu.Unlock()
			return v.Direction
		}
	}
	e.mu.Unlock()
	return proto.DirectionNone
}

// IngestEvent feeds one subscription-delivered event into the engine. Only
// targets already cached are updated; the merge compares against the stored
// entry for that identity before replacing.
func (e *Engine) IngestEvent(ev *nostr.Event) bool {
	v, ok := VerifyVote(ev)
	if !ok {
		e.metrics.IncDropVerify()
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, gone := e.tombstones[v.EventID]; gone {
		return false
	}
	t, ok := e.cache.get(v.TargetID)
	if !ok {
		return false
	}
	if !t.apply(v) {
		return false
	}
	e.metrics.IncVotesAccepted()
	t.LastUpdated = e.now()
	return true
}

// Balance returns the identity's spendable vote balance, creating the
// ledger entry with the initial grant on first use.
func (e *Engine) Balance(identity string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceLocked(identity)
}

// SetBalance overrides the ledger entry, for collaborators that persist
// balances elsewhere.
func (e *Engine) SetBalance(identity string, balance int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balances[identity] = balance
}

// Run sweeps stale tally entries until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.cache.sweep(e.staleAfter); n > 0 {
				e.metrics.AddCacheEvictions(uint64(n))
			}
		}
	}
}

// Clear drops all cached tallies and ledger state, for shutdown.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.clear()
	e.balances = make(map[string]int)
	e.myVotes = make(map[string]map[string]VoteEvent)
	e.tombstones = make(map[string]struct{})
}

// CacheLen reports the number of cached tallies.
func (e *Engine) CacheLen() int {
	return e.cache.len()
}

// refresh fetches and merges votes for the targets, returning clones. The
// network round-trip runs unlocked; merging re-validates against the cache
// state present after the fetch completes. Reactions covered by a verified
// delete (or by a local tombstone) are dropped before merging and purged
// from the cached tallies.
func (e *Engine) refresh(ctx context.Context, targetIDs []string) map[string]*VoteTally {
	evs := e.broker.Fetch(ctx, proto.VoteFilter(targetIDs, e.fetchLimit))
	votes := make(map[string][]VoteEvent)
	for _, ev := range evs {
		v, ok := VerifyVote(ev)
		if !ok {
			e.metrics.IncDropVerify()
			continue
		}
		votes[v.TargetID] = append(votes[v.TargetID], v)
	}
	deleted := e.deletedIDs(ctx, votes)

	now := e.now()
	out := make(map[string]*VoteTally, len(targetIDs))
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range targetIDs {
		t, ok := e.cache.get(id)
		if !ok {
			t = newTally(id)
		}
		for voter, v := range t.VotesByIdentity {
			if _, gone := deleted[v.EventID]; gone {
				t.removeVote(voter)
			}
		}
		vs := votes[id]
		sort.Slice(vs, func(i, j int) bool { return vs[i].Timestamp.Before(vs[j].Timestamp) })
		for _, v := range vs {
			if _, gone := deleted[v.EventID]; gone {
				continue
			}
			if t.apply(v) {
				e.metrics.IncVotesAccepted()
			}
		}
		t.LastUpdated = now
		if n := e.cache.put(id, t); n > 0 {
			e.metrics.AddCacheEvictions(uint64(n))
		}
		out[id] = t.Clone()
	}
	return out
}

// deletedIDs resolves which of the fetched reactions have been retracted:
// ids tombstoned by this engine's own retractions plus verified kind-5
// deletes fetched from the relays. Only the reaction's author may delete it.
func (e *Engine) deletedIDs(ctx context.Context, votes map[string][]VoteEvent) map[string]struct{} {
	authors := make(map[string]string)
	var ids []string
	for _, vs := range votes {
		for _, v := range vs {
			if v.EventID == "" {
				continue
			}
			if _, ok := authors[v.EventID]; !ok {
				authors[v.EventID] = v.Voter
				ids = append(ids, v.EventID)
			}
		}
	}
	out := make(map[string]struct{})
	e.mu.Lock()
	for id := range authors {
		if _, ok := e.tombstones[id]; ok {
			out[id] = struct{}{}
		}
	}
	e.mu.Unlock()
	if len(ids) == 0 {
		return out
	}
	dels := e.broker.Fetch(ctx, proto.FilterSpec{
		Kinds:     []int{proto.KindDelete},
		TargetIDs: ids,
		Limit:     e.fetchLimit,
	})
	for _, d := range dels {
		if d == nil || d.Kind != proto.KindDelete {
			continue
		}
		if valid, err := d.CheckSignature(); err != nil || !valid {
			e.metrics.IncDropVerify()
			continue
		}
		for _, tag := range d.Tags {
			if len(tag) < 2 || tag[0] != proto.TagTarget {
				continue
			}
			if author, ok := authors[tag[1]]; ok && author == d.PubKey {
				out[tag[1]] = struct{}{}
			}
		}
	}
	return out
}

// revert applies a rollback to the engine's own ledger and cache, restoring
// the exact pre-optimistic state.
func (e *Engine) revert(rb *Rollback) {
	e.metrics.IncRollbacks()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adjustBalanceLocked(rb.Identity, rb.BalanceDelta)
	t, cached := e.cache.get(rb.TargetID)
	if rb.HadPrevVote {
		e.setVoteLocked(rb.Identity, rb.TargetID, rb.PrevVote)
		if cached {
			t.setVote(rb.PrevVote)
		}
		return
	}
	e.clearVoteLocked(rb.Identity, rb.TargetID)
	if cached {
		t.removeVote(rb.Identity)
	}
}

func (e *Engine) cachedFresh(targetID string) *VoteTally {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.cache.get(targetID)
	if !ok || now.Sub(t.LastUpdated) >= e.freshness {
		return nil
	}
	return t.Clone()
}

func (e *Engine) snapshot(targetID string) *VoteTally {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.cache.get(targetID); ok {
		return t.Clone()
	}
	return newTally(targetID)
}

func (e *Engine) balanceLocked(identity string) int {
	if _, ok := e.balances[identity]; !ok {
		e.balances[identity] = e.initialBalance
	}
	return e.balances[identity]
}

func (e *Engine) adjustBalanceLocked(identity string, delta int) {
	e.balances[identity] = e.balanceLocked(identity) + delta
}

func (e *Engine) voteForLocked(identity, targetID string) (VoteEvent, bool) {
	m := e.myVotes[identity]
	if m == nil {
		return VoteEvent{}, false
	}
	v, ok := m[targetID]
	return v, ok
}

func (e *Engine) setVoteLocked(identity, targetID string, v VoteEvent) {
	m := e.myVotes[identity]
	if m == nil {
		m = make(map[string]VoteEvent)
		e.myVotes[identity] = m
	}
	m[targetID] = v
}

func (e *Engine) clearVoteLocked(identity, targetID string) {
	if m := e.myVotes[identity]; m != nil {
		delete(m, targetID)
		if len(m) == 0 {
			delete(e.myVotes, identity)
		}
	}
}

func scoreSign(d proto.Direction) int {
	if d == proto.DirectionUp {
		return 1
	}
	return -1
}
