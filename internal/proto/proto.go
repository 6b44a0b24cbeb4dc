// Package proto defines the wire-level event model shared with the relay
// network: kind numbers, tag conventions and reaction markers must match the
// existing network exactly.
package proto

// Event kinds understood by the core. The numbers are the compatibility
// surface; do not renumber.
const (
	KindPost     = 1
	KindComment  = 1111
	KindReaction = 7
	KindBoard    = 34550
	KindEdit     = 30023
	KindDelete   = 5
)

// Tag conventions.
const (
	TagTarget      = "e"
	TagBoard       = "a"
	TagClient      = "client"
	TagContentType = "m"

	ClientMarker = "relayboard"

	markerRoot = "root"
)

// Reaction content markers. A reaction event whose content is anything else
// does not count as a vote.
const (
	ReactionUp   = "+"
	ReactionDown = "-"
)

// Direction is the parsed vote direction of a reaction event.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionUp
	DirectionDown
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "none"
	}
}

// Marker returns the wire content for the direction, or "" for DirectionNone.
func (d Direction) Marker() string {
	switch d {
	case DirectionUp:
		return ReactionUp
	case DirectionDown:
		return ReactionDown
	default:
		return ""
	}
}

// ParseDirection maps reaction content to a direction. Anything that is not
// exactly one of the two markers parses to DirectionNone.
func ParseDirection(content string) Direction {
	switch content {
	case ReactionUp:
		return DirectionUp
	case ReactionDown:
		return DirectionDown
	default:
		return DirectionNone
	}
}
