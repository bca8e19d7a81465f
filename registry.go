package pinmesh

import "time"

// MaxPeers is the default capacity of a node's peer registry.
const MaxPeers = 20

// BroadcastID is the reserved node id resolved for the broadcast
// pseudo-address.
const BroadcastID = "broadcast"

// BroadcastAddr is the reserved transport pseudo-address naming every
// reachable node. It always reverse-resolves to BroadcastID.
const BroadcastAddr = "*"

// A Peer is one entry of the registry: a logical node id bound to a
// transport address, with the time it was last sighted.
type Peer struct {
	ID       string
	Addr     string
	LastSeen time.Time
}

// UpsertResult describes what an Upsert did to the registry.
type UpsertResult int

const (
	PeerRefreshed UpsertResult = iota // entry existed; address and liveness updated
	PeerInserted                      // entry created in a free slot
	PeerEvicted                       // table was full; oldest entry overwritten
)

// A Registry is a bounded table mapping node ids to transport addresses.
// Entries are never deleted by elapsed time; when the table is full the entry
// with the oldest LastSeen is evicted and overwritten. At most one entry
// exists per node id. The zero value is not usable; call newRegistry.
//
// The registry does no locking of its own: the Node serializes access.
type Registry struct {
	slots []regSlot
}

type regSlot struct {
	peer   Peer
	active bool
}

func newRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = MaxPeers
	}
	return &Registry{slots: make([]regSlot, capacity)}
}

// Upsert records a sighting of id at addr. An existing entry has its address
// and LastSeen refreshed; otherwise the peer is inserted, evicting the
// oldest entry if no slot is free.
func (r *Registry) Upsert(id, addr string, now time.Time) UpsertResult {
	free, oldest := -1, -1
	for i := range r.slots {
		s := &r.slots[i]
		if !s.active {
			if free < 0 {
				free = i
			}
			continue
		}
		if s.peer.ID == id {
			s.peer.Addr = addr
			s.peer.LastSeen = now
			return PeerRefreshed
		}
		if oldest < 0 || s.peer.LastSeen.Before(r.slots[oldest].peer.LastSeen) {
			oldest = i
		}
	}

	res := PeerInserted
	slot := free
	if slot < 0 {
		slot = oldest
		res = PeerEvicted
	}
	r.slots[slot] = regSlot{peer: Peer{ID: id, Addr: addr, LastSeen: now}, active: true}
	return res
}

// Addr returns the transport address for id, or "" and false if id is not
// registered.
func (r *Registry) Addr(id string) (string, bool) {
	for i := range r.slots {
		if r.slots[i].active && r.slots[i].peer.ID == id {
			return r.slots[i].peer.Addr, true
		}
	}
	return "", false
}

// ID reverse-resolves a transport address to a node id by linear scan. The
// broadcast pseudo-address always resolves to BroadcastID.
func (r *Registry) ID(addr string) (string, bool) {
	if addr == BroadcastAddr {
		return BroadcastID, true
	}
	for i := range r.slots {
		if r.slots[i].active && r.slots[i].peer.Addr == addr {
			return r.slots[i].peer.ID, true
		}
	}
	return "", false
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	_, ok := r.Addr(id)
	return ok
}

// Len reports the number of active entries.
func (r *Registry) Len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].active {
			n++
		}
	}
	return n
}

// Name returns the node id of the index-th active entry, counting in slot
// order, or "" if index is out of range. The index is only stable until the
// next mutation of the registry.
func (r *Registry) Name(index int) string {
	if index < 0 {
		return ""
	}
	n := 0
	for i := range r.slots {
		if !r.slots[i].active {
			continue
		}
		if n == index {
			return r.slots[i].peer.ID
		}
		n++
	}
	return ""
}

// Peers returns a snapshot of the active entries in slot order.
func (r *Registry) Peers() []Peer {
	out := make([]Peer, 0, len(r.slots))
	for i := range r.slots {
		if r.slots[i].active {
			out = append(out, r.slots[i].peer)
		}
	}
	return out
}
