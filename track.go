package pinmesh

import "time"

// MaxTrackedMessages is the capacity of the in-flight message table. When
// every slot is occupied a new send proceeds untracked (see StatusUntracked).
const MaxTrackedMessages = 10

// A Completion reports the terminal outcome of a tracked send: ok is true if
// the target acknowledged or answered, false on timeout or delivery failure.
// For pin reads, value carries the reported pin value. A completion fires
// exactly once per tracked message, always from within Tick.
type Completion func(target string, pin, value uint8, ok bool)

// A trackEntry is one slot of the in-flight table. Slots are owned by the
// delivery engine; the table is a fixed arena, never grown.
type trackEntry struct {
	active bool
	id     string // correlation id
	target string
	kind   Kind
	sentAt time.Time

	acked   bool
	ackedAt time.Time

	// Terminal result waiting to be delivered by Tick.
	donePending bool
	doneOK      bool

	retries int
	retryAt time.Time // zero when no retry is scheduled

	// Kind payload retained for retry reconstruction and callbacks.
	pin, value uint8

	done Completion
}

type tracker struct {
	slots [MaxTrackedMessages]trackEntry
}

// alloc claims a free slot for a new outbound message. It reports false when
// the table is full; the caller then sends untracked.
func (t *tracker) alloc(e trackEntry) bool {
	for i := range t.slots {
		if !t.slots[i].active {
			e.active = true
			t.slots[i] = e
			return true
		}
	}
	return false
}

// find returns the active entry with the given correlation id, or nil.
func (t *tracker) find(id string) *trackEntry {
	for i := range t.slots {
		if t.slots[i].active && t.slots[i].id == id {
			return &t.slots[i]
		}
	}
	return nil
}

// inFlight reports the number of active, unacknowledged entries.
func (t *tracker) inFlight() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].active && !t.slots[i].acked {
			n++
		}
	}
	return n
}

// clearCallbacks nulls out the completion callbacks of all active entries of
// the given kind, so that a late acknowledgement cannot invoke a handler the
// application has withdrawn.
func (t *tracker) clearCallbacks(kind Kind) {
	for i := range t.slots {
		if t.slots[i].active && t.slots[i].kind == kind {
			t.slots[i].done = nil
		}
	}
}

// release frees the slot at index i.
func (t *tracker) release(i int) { t.slots[i] = trackEntry{} }
