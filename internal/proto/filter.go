package proto

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// FilterSpec is the caller-facing query shape. It compiles to the relay
// filter format without exposing transport types above the protocol layer.
type FilterSpec struct {
	IDs       []string
	Kinds     []int
	Authors   []string
	TargetIDs []string // matched against "e" tags
	Boards    []string // matched against "a" tags
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Filter compiles the spec into a relay query filter.
func (s FilterSpec) Filter() nostr.Filter {
	f := nostr.Filter{
		IDs:     s.IDs,
		Kinds:   s.Kinds,
		Authors: s.Authors,
		Limit:   s.Limit,
	}
	if len(s.TargetIDs) > 0 || len(s.Boards) > 0 {
		f.Tags = nostr.TagMap{}
		if len(s.TargetIDs) > 0 {
			f.Tags[TagTarget] = s.TargetIDs
		}
		if len(s.Boards) > 0 {
			f.Tags[TagBoard] = s.Boards
		}
	}
	if !s.Since.IsZero() {
		ts := nostr.Timestamp(s.Since.Unix())
		f.Since = &ts
	}
	if !s.Until.IsZero() {
		ts := nostr.Timestamp(s.Until.Unix())
		f.Until = &ts
	}
	return f
}

// VoteFilter builds the reaction query for a set of targets.
func VoteFilter(targetIDs []string, limit int) FilterSpec {
	return FilterSpec{
		Kinds:     []int{KindReaction},
		TargetIDs: targetIDs,
		Limit:     limit,
	}
}
