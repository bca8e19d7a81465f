package pinmesh

import "errors"

// Errors reported by the engine. Transport and decode failures are handled at
// the boundary and never propagate as panics; everything externally
// observable is either a return value or a single terminal completion
// callback.
var (
	// ErrNotStarted is reported when a send is attempted before Start.
	ErrNotStarted = errors.New("node is not started")

	// ErrUnknownPeer is reported when the target node id is not in the peer
	// registry. The send fails fast and no tracking slot is allocated.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrMalformedFrame is reported for input that cannot be decoded into a
	// valid envelope. Inbound malformed frames are counted and dropped.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrFrameTooLarge is reported when an envelope's encoding would exceed
	// MaxFrameSize. Encoding fails closed; frames are never truncated.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrNoSubscriptionSlot is reported when the bounded subscription table
	// is full. Existing subscriptions are never evicted, since that would
	// silently drop a caller's registered handler.
	ErrNoSubscriptionSlot = errors.New("no free subscription slot")

	// ErrReadTimeout is reported by ReadPinSync when no response arrives
	// within the wall-clock bound.
	ErrReadTimeout = errors.New("pin read timed out")

	// ErrNoTrackingSlot is reported when a pin read is attempted while every
	// tracking slot is occupied. Reads need a correlation slot to deliver
	// their response, so unlike pin control they cannot proceed untracked.
	ErrNoTrackingSlot = errors.New("no free tracking slot")
)

// SendStatus describes the immediate outcome of a tracked send.
type SendStatus int

const (
	// StatusFailed: the envelope was not handed to the transport.
	StatusFailed SendStatus = iota

	// StatusSent: the envelope was handed to the transport and is being
	// tracked; the completion callback will fire exactly once.
	StatusSent

	// StatusUntracked: every tracking slot was occupied, so the envelope was
	// transmitted best-effort without tracking. No completion callback will
	// fire. This is the engine's documented slot-exhaustion policy: the
	// message is not silently dropped, and the caller learns that its
	// callback was not registered.
	StatusUntracked
)

func (s SendStatus) String() string {
	switch s {
	case StatusFailed:
		return "FAILED"
	case StatusSent:
		return "SENT"
	case StatusUntracked:
		return "UNTRACKED"
	default:
		return "INVALID"
	}
}
