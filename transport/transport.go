// Package transport provides carriers for pinmesh frames: an in-memory mesh
// for tests, a UDP broadcast transport, and a point-to-point stream
// transport for serial links.
//
// All transports are fire-and-forget: a successful send means the frame was
// handed to the medium, nothing more. Delivery reports, where the medium has
// them, arrive through the Receiver's HandleSendResult notification.
package transport

// A Receiver consumes the inbound side of a transport. The node implements
// it; a transport delivers frames and send reports to it from the
// transport's own receive context.
type Receiver interface {
	// HandleFrame delivers one received frame. src is the transport address
	// of the sender.
	HandleFrame(src string, payload []byte)

	// HandleSendResult reports the outcome of a recent unicast send to addr.
	// ok is false when the medium reports the frame undeliverable.
	HandleSendResult(addr string, ok bool)
}
