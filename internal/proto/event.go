package proto

import (
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// ErrSigningFailed wraps any failure to turn an unsigned payload into a
// signed event. Callers match it with errors.Is.
var ErrSigningFailed = errors.New("signing failed")

// Signer produces signed events for one identity. Key custody lives outside
// the core; the core only ever sees this interface.
type Signer interface {
	// PublicKey returns the hex-encoded public half of the identity.
	PublicKey() string
	// Sign fills in the event id and signature for an event whose PubKey is
	// already set to the signer's identity.
	Sign(ev *nostr.Event) error
}

// UnsignedEvent is a caller-supplied payload before finalization. Identity,
// id and signature are attached by Finalize and never mutated afterwards;
// corrections travel as new companion events referencing the original id.
type UnsignedEvent struct {
	Kind      int
	Content   string
	Tags      nostr.Tags
	CreatedAt time.Time // zero means time of finalization
}

// Finalize stamps the payload with the signer's identity, the client marker
// and a creation time, then computes id and signature. The returned event is
// immutable from the caller's point of view.
func Finalize(u UnsignedEvent, s Signer) (*nostr.Event, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: no signer", ErrSigningFailed)
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	tags := make(nostr.Tags, 0, len(u.Tags)+1)
	tags = append(tags, u.Tags...)
	if !hasTag(tags, TagClient) {
		tags = append(tags, nostr.Tag{TagClient, ClientMarker})
	}
	ev := &nostr.Event{
		PubKey:    s.PublicKey(),
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Kind:      u.Kind,
		Tags:      tags,
		Content:   u.Content,
	}
	if err := s.Sign(ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if ev.ID == "" || ev.Sig == "" {
		return nil, fmt.Errorf("%w: signer returned incomplete event", ErrSigningFailed)
	}
	return ev, nil
}

// KeySigner signs with an in-memory hex private key. It exists for the
// daemon and tests; production identities come from the identity collaborator.
type KeySigner struct {
	sk string
	pk string
}

func NewKeySigner(sk string) (*KeySigner, error) {
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive pubkey: %w", err)
	}
	return &KeySigner{sk: sk, pk: pk}, nil
}

func (s *KeySigner) PublicKey() string { return s.pk }

func (s *KeySigner) Sign(ev *nostr.Event) error {
	return ev.Sign(s.sk)
}

// NewPost builds an unsigned post payload. contentType is optional and
// recorded as an "m" tag when set.
func NewPost(content, board, contentType string) UnsignedEvent {
	tags := nostr.Tags{}
	if board != "" {
		tags = append(tags, nostr.Tag{TagBoard, board})
	}
	if contentType != "" {
		tags = append(tags, nostr.Tag{TagContentType, contentType})
	}
	return UnsignedEvent{Kind: KindPost, Content: content, Tags: tags}
}

// NewComment builds an unsigned comment referencing the thread root and,
// when replying to another comment, the immediate parent.
func NewComment(content, rootID, parentID string) UnsignedEvent {
	tags := nostr.Tags{{TagTarget, rootID, "", markerRoot}}
	if parentID != "" && parentID != rootID {
		tags = append(tags, nostr.Tag{TagTarget, parentID})
	}
	return UnsignedEvent{Kind: KindComment, Content: content, Tags: tags}
}

// NewReaction builds an unsigned vote on one target. Exactly one target
// reference is emitted; verifiers reject reactions with any other count.
func NewReaction(targetID string, dir Direction) UnsignedEvent {
	return UnsignedEvent{
		Kind:    KindReaction,
		Content: dir.Marker(),
		Tags:    nostr.Tags{{TagTarget, targetID}},
	}
}

// NewEdit builds an unsigned edit companion carrying the replacement content.
// The original event is immutable; readers resolve the latest edit by the
// referenced id.
func NewEdit(content, originalID string) UnsignedEvent {
	return UnsignedEvent{
		Kind:    KindEdit,
		Content: content,
		Tags:    nostr.Tags{{TagTarget, originalID}},
	}
}

// NewDelete builds an unsigned delete companion referencing prior event ids.
func NewDelete(ids ...string) UnsignedEvent {
	tags := make(nostr.Tags, 0, len(ids))
	for _, id := range ids {
		tags = append(tags, nostr.Tag{TagTarget, id})
	}
	return UnsignedEvent{Kind: KindDelete, Tags: tags}
}

// TargetID returns the single "e" reference of an event. ok is false when the
// event references zero or more than one target.
func TargetID(ev *nostr.Event) (string, bool) {
	target := ""
	count := 0
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == TagTarget {
			target = tag[1]
			count++
		}
	}
	if count != 1 || target == "" {
		return "", false
	}
	return target, true
}

func hasTag(tags nostr.Tags, name string) bool {
	for _, tag := range tags {
		if len(tag) >= 1 && tag[0] == name {
			return true
		}
	}
	return false
}
