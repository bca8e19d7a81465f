package pinmesh

// MaxSubscriptions is the capacity of the subscription table. Adding a
// subscription when the table is full reports ErrNoSubscriptionSlot; the
// engine never evicts a registered handler.
const MaxSubscriptions = 20

// A PinHandler observes a pin event: a control request or a published state.
type PinHandler func(sender string, pin, value uint8)

// A TopicHandler observes a message published to a subscribed topic.
type TopicHandler func(sender, topic, message string)

// A MessageHandler observes a direct message from another node.
type MessageHandler func(sender, message string)

// A SerialHandler observes forwarded serial data from another node.
type SerialHandler func(sender, data string)

// A DiscoveryHandler observes the first sighting of a previously-unknown
// peer. It fires at most once per peer for the life of the registry entry.
type DiscoveryHandler func(id string)

// A PinReader answers inbound pin read requests in place of the hardware
// fallback.
type PinReader func(pin uint8) uint8

// A SendStatusHandler observes the terminal outcome of every tracked send.
type SendStatusHandler func(target string, kind Kind, ok bool)

// A SendFailureHandler observes terminal delivery failures, with the pin
// payload for pin kinds.
type SendFailureHandler func(target string, kind Kind, pin, value uint8)

// Pins is the hardware boundary used for the engine's zero-configuration
// default actions: an unconditional write for unclaimed pin-control frames
// and a read for unclaimed pin-read requests.
type Pins interface {
	WritePin(pin, value uint8)
	ReadPin(pin uint8) uint8
}

// nopPins is the default Pins implementation: writes are discarded and reads
// report zero.
type nopPins struct{}

func (nopPins) WritePin(pin, value uint8) {}
func (nopPins) ReadPin(pin uint8) uint8   { return 0 }

// A subscription filters inbound envelopes by topic, or by (peer, pin) for
// pin kinds. Slots are a fixed arena; no implicit expiry.
type subscription struct {
	active bool
	kind   Kind // KindPinControl, KindPinPublish, or KindTopicMessage

	topic string // topic subscriptions
	peer  string // pin subscriptions
	pin   uint8

	onPin   PinHandler
	onTopic TopicHandler
}

type subscriptions struct {
	slots [MaxSubscriptions]subscription
}

// add claims a free slot. It reports false when the table is full.
func (s *subscriptions) add(sub subscription) bool {
	for i := range s.slots {
		if !s.slots[i].active {
			sub.active = true
			s.slots[i] = sub
			return true
		}
	}
	return false
}

// removePin clears the subscription matching (kind, peer, pin), reporting
// whether one existed.
func (s *subscriptions) removePin(kind Kind, peer string, pin uint8) bool {
	for i := range s.slots {
		c := &s.slots[i]
		if c.active && c.kind == kind && c.pin == pin && c.peer == peer {
			*c = subscription{}
			return true
		}
	}
	return false
}

// removeTopic clears the subscription for topic, reporting whether one
// existed.
func (s *subscriptions) removeTopic(topic string) bool {
	for i := range s.slots {
		c := &s.slots[i]
		if c.active && c.kind == KindTopicMessage && c.topic == topic {
			*c = subscription{}
			return true
		}
	}
	return false
}

// clearKind removes every subscription of the given kind (bulk "stop
// handling").
func (s *subscriptions) clearKind(kind Kind) {
	for i := range s.slots {
		if s.slots[i].active && s.slots[i].kind == kind {
			s.slots[i] = subscription{}
		}
	}
}

// matchPin collects the handlers subscribed to (kind, peer, pin) in slot
// order.
func (s *subscriptions) matchPin(kind Kind, peer string, pin uint8) []PinHandler {
	var out []PinHandler
	for i := range s.slots {
		c := &s.slots[i]
		if c.active && c.kind == kind && c.pin == pin && c.peer == peer && c.onPin != nil {
			out = append(out, c.onPin)
		}
	}
	return out
}

// matchTopic collects the handlers subscribed to topic in slot order. Every
// match fires; order is insertion order and not part of the contract.
func (s *subscriptions) matchTopic(topic string) []TopicHandler {
	var out []TopicHandler
	for i := range s.slots {
		c := &s.slots[i]
		if c.active && c.kind == KindTopicMessage && c.topic == topic && c.onTopic != nil {
			out = append(out, c.onTopic)
		}
	}
	return out
}
