// Package pinmesh implements a coordinator-free mesh of small nodes that
// discover each other, exchange pin control and pin state, and deliver
// tracked messages at-least-once over fire-and-forget media.
//
// The protocol targets constrained transports such as packet radio, UDP
// broadcast, and serial lines: frames are small JSON envelopes, every table
// in the engine is bounded, and the engine never blocks. Reliability is
// layered on top of the unreliable medium with correlation ids,
// acknowledgements, bounded retries, and timeouts.
//
// # Nodes
//
// The core type defined by this package is the [Node]. A node owns a peer
// registry, an in-flight message table, and a subscription table, and drives
// all of them from a single cooperative loop.
//
// To create and start a node:
//
//	n := pinmesh.New("living-room", nil)
//	n.Start(tp)
//
// where tp is a [Transport] (the transport package provides UDP, stream, and
// in-memory implementations). The host then calls [Node.Tick] from its main
// loop:
//
//	for range time.Tick(50 * time.Millisecond) {
//	    n.Tick()
//	}
//
// Tick is the only place where timeouts expire, retries transmit, queued
// responses drain, and completion callbacks fire. Inbound traffic arrives
// through [Node.HandleFrame] and [Node.HandleSendResult], which the
// transport may call from its own receive goroutine; the receive path only
// updates tables and queues responses, it never transmits.
//
// # Discovery
//
// Nodes find each other with periodic presence broadcasts, frequent at
// session start and backing off as the session ages. Sightings feed a
// bounded registry that maps node ids to transport addresses, evicting the
// longest-unseen peer when full. [Node.OnPeerDiscovered] observes the first
// sighting of each peer:
//
//	n.OnPeerDiscovered(func(id string) { log.Printf("found %s", id) })
//
// # Pin control
//
// [Node.ControlPin] asks a peer to set a pin, with an optional completion
// callback that fires exactly once with the delivery outcome:
//
//	n.ControlPin("garage", 13, 1, func(target string, pin, value uint8, ok bool) {
//	    if !ok {
//	        log.Printf("pin %d on %s not confirmed", pin, target)
//	    }
//	})
//
// On the receiving side the engine dispatches inbound controls to
// subscriptions ([Node.AcceptPinControlFrom]) and a global handler
// ([Node.HandlePinControl]); with neither registered it writes the hardware
// pin directly through the [Pins] interface. [Node.ReadPin] and
// [Node.ReadPinSync] query a remote pin's value.
//
// # Messaging
//
// Beyond pin control the mesh carries topic publish/subscribe
// ([Node.PublishTopic], [Node.SubscribeTopic]), unicast text messages
// ([Node.SendDirectMessage]), pin state broadcasts
// ([Node.BroadcastPinState], [Node.ListenForPinState]), and opaque serial
// data forwarding ([Node.ForwardSerialData]).
//
// # Reliability
//
// With acknowledgements enabled (the default), unicast sends carry a
// correlation id and occupy a slot in a bounded in-flight table until the
// peer acknowledges or the timeout expires. Pin control can additionally be
// retried on failure, with a bounded retry count and a clamped delay
// ([Node.SetRetries], [Node.SetMaxRetries], [Node.SetRetryDelay]). When the
// table is full, pin control degrades to untracked best-effort delivery and
// reports [StatusUntracked]; it is never silently dropped.
//
// # Metrics
//
// Nodes maintain a collection of metrics while running. Use [Node.Metrics]
// to obtain an [expvar.Map] containing the exported counters. Metrics are
// shared globally among all nodes in the process.
//
// The metrics currently exported include:
//
//   - frames_received: counter of frames received
//   - frames_sent: counter of frames handed to the transport
//   - frames_dropped: counter of frames received and discarded
//   - acks_received: counter of acknowledgements received
//   - acks_sent: counter of acknowledgements queued
//   - retries: counter of retry transmissions
//   - timeouts: counter of tracked messages expired unacknowledged
//   - peers_discovered: counter of first sightings
//
// Additional metrics may be added in the future. It is safe for the caller
// to modify the metrics map to add, update, and remove entries.
package pinmesh
