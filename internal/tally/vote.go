// Package tally turns raw reaction events into verified, deduplicated vote
// counts with one-vote-per-identity semantics, and runs the optimistic local
// vote economy.
package tally

import (
	"time"

	"github.com/nbd-wtf/go-nostr"

	"relayboard/internal/proto"
)

// VoteEvent is the verified view over one reaction event. It exists only as
// the unit merged into a VoteTally.
type VoteEvent struct {
	EventID   string
	TargetID  string
	Voter     string
	Direction proto.Direction
	Timestamp time.Time
}

// VoteTally is the verified vote state for one target. VotesByIdentity holds
// at most one entry per voter, the one with the greatest timestamp seen so
// far; the counters are always exactly what those entries imply.
type VoteTally struct {
	TargetID        string
	Upvotes         int
	Downvotes       int
	Score           int
	UniqueVoters    int
	VotesByIdentity map[string]VoteEvent
	LastUpdated     time.Time
}

func newTally(targetID string) *VoteTally {
	return &VoteTally{
		TargetID:        targetID,
		VotesByIdentity: make(map[string]VoteEvent),
	}
}

// Clone deep-copies the tally so callers can hold it across engine mutations.
func (t *VoteTally) Clone() *VoteTally {
	if t == nil {
		return nil
	}
	out := *t
	out.VotesByIdentity = make(map[string]VoteEvent, len(t.VotesByIdentity))
	for k, v := range t.VotesByIdentity {
		out.VotesByIdentity[k] = v
	}
	return &out
}

// VerifyVote runs the acceptance gates over an inbound event: reaction kind,
// valid direction marker, exactly one target reference, and a signature that
// matches the claimed identity. Failures are expected background noise on an
// open network, so the only signal is ok=false.
func VerifyVote(ev *nostr.Event) (VoteEvent, bool) {
	if ev == nil || ev.Kind != proto.KindReaction || ev.PubKey == "" {
		return VoteEvent{}, false
	}
	dir := proto.ParseDirection(ev.Content)
	if dir == proto.DirectionNone {
		return VoteEvent{}, false
	}
	targetID, ok := proto.TargetID(ev)
	if !ok {
		return VoteEvent{}, false
	}
	if valid, err := ev.CheckSignature(); err != nil || !valid {
		return VoteEvent{}, false
	}
	return VoteEvent{
		EventID:   ev.ID,
		TargetID:  targetID,
		Voter:     ev.PubKey,
		Direction: dir,
		Timestamp: ev.CreatedAt.Time(),
	}, true
}

// apply merges one verified vote under latest-write-wins per identity and
// reports whether the tally changed. Counter updates are atomic with the map
// update: no drift between VotesByIdentity and the counts.
func (t *VoteTally) apply(v VoteEvent) bool {
	prev, ok := t.VotesByIdentity[v.Voter]
	if ok && !v.Timestamp.After(prev.Timestamp) {
		return false
	}
	t.setVote(v)
	return true
}

// setVote force-replaces the identity's entry and fixes the counters.
func (t *VoteTally) setVote(v VoteEvent) {
	if prev, ok := t.VotesByIdentity[v.Voter]; ok {
		t.decrement(prev.Direction)
	} else {
		t.UniqueVoters++
	}
	t.VotesByIdentity[v.Voter] = v
	t.increment(v.Direction)
	t.Score = t.Upvotes - t.Downvotes
}

// removeVote clears the identity's entry, fixing counters. Reports whether
// an entry existed.
func (t *VoteTally) removeVote(voter string) bool {
	prev, ok := t.VotesByIdentity[voter]
	if !ok {
		return false
	}
	delete(t.VotesByIdentity, voter)
	t.decrement(prev.Direction)
	t.UniqueVoters--
	t.Score = t.Upvotes - t.Downvotes
	return true
}

func (t *VoteTally) increment(d proto.Direction) {
	switch d {
	case proto.DirectionUp:
		t.Upvotes++
	case proto.DirectionDown:
		t.Downvotes++
	}
}

func (t *VoteTally) decrement(d proto.Direction) {
	switch d {
	case proto.DirectionUp:
		t.Upvotes--
	case proto.DirectionDown:
		t.Downvotes--
	}
}
