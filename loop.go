package pinmesh

import (
	"time"

	"go.uber.org/zap"
)

// HandleFrame delivers one raw inbound frame to the node. src is the
// transport address of the sender. It is safe to call from the transport's
// receive goroutine: the receive path only parses, updates the node's
// tables, and queues responses. Application handlers for subscriptions,
// direct messages, serial data, and discovery fire synchronously from here;
// completion callbacks never do.
func (n *Node) HandleFrame(src string, payload []byte) {
	rootMetrics.framesRecv.Add(1)
	env, err := DecodeEnvelope(payload)
	if err != nil {
		rootMetrics.framesDropped.Add(1)
		n.log.Debug("dropping malformed frame", zap.String("src", src), zap.Error(err))
		return
	}
	if env.Sender == n.id {
		// Our own broadcast echoed back by the medium.
		rootMetrics.framesDropped.Add(1)
		return
	}

	type pinFire struct {
		fn         PinHandler
		pin, value uint8
	}
	var (
		discovered string
		discFn     DiscoveryHandler
		pinFires   []pinFire
		topicFires []TopicHandler
		directFn   MessageHandler
		serialFn   SerialHandler
		answerRead bool
		reader     PinReader
		pins       Pins
		writePins  Pins
	)

	n.mu.Lock()
	now := n.clk.Now()

	// Any frame refreshes the sender's liveness. The discovery event fires
	// only for a first sighting through a discovery kind, so re-sightings
	// and incidental inserts stay quiet.
	res := n.reg.Upsert(env.Sender, src, now)
	if res != PeerRefreshed && (env.Kind == KindDiscovery || env.Kind == KindDiscoveryResponse) {
		rootMetrics.discoveries.Add(1)
		discovered, discFn = env.Sender, n.onDiscover
		n.log.Info("peer discovered", zap.String("peer", env.Sender), zap.String("addr", src))
	}

	switch env.Kind {
	case KindDiscovery:
		n.enqueueLocked(outFrame{target: env.Sender, env: Envelope{Sender: n.id, Kind: KindDiscoveryResponse}})

	case KindDiscoveryResponse:
		// The registry update above is the whole effect. In particular no
		// reply: a response answering a response would ping-pong forever.

	case KindAck:
		e := n.trk.find(env.AckID)
		switch {
		case e == nil:
			n.log.Debug("ack for unknown id", zap.String("ack_id", env.AckID))
		case e.acked:
			n.log.Debug("duplicate ack", zap.String("ack_id", env.AckID))
		case e.kind == KindPinReadRequest:
			// Reads complete on the response, not on an acknowledgement.
		default:
			rootMetrics.acksIn.Add(1)
			e.acked, e.ackedAt = true, now
			e.donePending, e.doneOK = true, true
			e.retryAt = time.Time{}
		}

	case KindPinControl:
		n.ackLocked(env)
		pin, value := *env.Pin, *env.Value
		for _, fn := range n.subs.matchPin(KindPinControl, env.Sender, pin) {
			pinFires = append(pinFires, pinFire{fn, pin, value})
		}
		if n.onPinChange != nil {
			pinFires = append(pinFires, pinFire{n.onPinChange, pin, value})
		}
		if len(pinFires) == 0 {
			// Default action: apply the control directly to the hardware.
			writePins = n.pins
		}

	case KindPinPublish:
		pin, value := *env.Pin, *env.Value
		for _, fn := range n.subs.matchPin(KindPinPublish, env.Sender, pin) {
			pinFires = append(pinFires, pinFire{fn, pin, value})
		}

	case KindPinSubscribe:
		// Advisory only; the controller needs no bookkeeping to honor it.
		n.ackLocked(env)
		n.log.Debug("peer accepts pin control",
			zap.String("peer", env.Sender), zap.Uint8("pin", *env.Pin))

	case KindPinReadRequest:
		// The read itself happens outside the lock; the reader may be
		// application code.
		answerRead = true
		reader, pins = n.pinReader, n.pins

	case KindPinReadResponse:
		e := n.trk.find(env.ID)
		switch {
		case e == nil:
			n.log.Debug("read response for unknown id", zap.String("id", env.ID))
		case e.acked:
			n.log.Debug("duplicate read response", zap.String("id", env.ID))
		default:
			e.acked, e.ackedAt = true, now
			e.donePending, e.doneOK = true, *env.Success
			e.value = *env.Value
			e.retryAt = time.Time{}
		}

	case KindTopicMessage:
		topicFires = n.subs.matchTopic(env.Topic)

	case KindDirectMessage:
		n.ackLocked(env)
		directFn = n.onDirect

	case KindSerialData:
		serialFn = n.onSerial
	}
	n.mu.Unlock()

	if answerRead {
		pin := *env.Pin
		var value uint8
		if reader != nil {
			value = reader(pin)
		} else {
			value = pins.ReadPin(pin)
		}
		n.mu.Lock()
		n.enqueueLocked(outFrame{target: env.Sender, env: Envelope{
			Sender:  n.id,
			Kind:    KindPinReadResponse,
			ID:      env.ID,
			Pin:     ptr(pin),
			Value:   ptr(value),
			Success: ptr(true),
		}})
		n.mu.Unlock()
	}

	if writePins != nil {
		writePins.WritePin(*env.Pin, *env.Value)
	}
	if discFn != nil && discovered != "" {
		discFn(discovered)
	}
	for _, f := range pinFires {
		f.fn(env.Sender, f.pin, f.value)
	}
	for _, fn := range topicFires {
		fn(env.Sender, env.Topic, env.Message)
	}
	if directFn != nil && env.Kind == KindDirectMessage {
		directFn(env.Sender, env.Message)
	}
	if serialFn != nil && env.Kind == KindSerialData {
		serialFn(env.Sender, env.Data)
	}
}

// ackLocked queues an acknowledgement for env when acknowledgements are
// enabled and the envelope carries a correlation id. Untracked envelopes are
// not acknowledged; the sender is not waiting.
func (n *Node) ackLocked(env Envelope) {
	if !n.acksEnabled || env.ID == "" {
		return
	}
	rootMetrics.acksOut.Add(1)
	n.enqueueLocked(outFrame{target: env.Sender, env: Envelope{Sender: n.id, Kind: KindAck, AckID: env.ID}})
}

// HandleSendResult delivers the transport's delivery report for the most
// recent transmission to addr. Success needs no action: only an
// application-level acknowledgement completes a tracked message. A failure
// schedules a retry for the first matching in-flight entry, or marks it
// terminally failed; the report carries no correlation id, so first-match is
// the best available attribution.
func (n *Node) HandleSendResult(addr string, ok bool) {
	if ok {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	id, found := n.reg.ID(addr)
	if !found {
		return
	}
	for i := range n.trk.slots {
		e := &n.trk.slots[i]
		if !e.active || e.acked || e.donePending || e.target != id {
			continue
		}
		now := n.clk.Now()
		if n.retriesEnabled && e.kind.retryEligible() && e.retries < n.maxRetries {
			e.retries++
			e.retryAt = now.Add(n.retryDelay)
			e.sentAt = now
			n.log.Debug("send failed, retry scheduled",
				zap.String("target", id), zap.Int("attempt", e.retries))
		} else {
			e.donePending, e.doneOK = true, false
			n.log.Debug("send failed", zap.String("target", id), zap.Stringer("kind", e.kind))
		}
		return
	}
}

// wireSend is one transmission prepared under the lock and performed after
// it is released.
type wireSend struct {
	addr    string // empty for broadcast
	payload []byte
}

// fireDone is one completion collected under the lock and delivered after it
// is released.
type fireDone struct {
	done       Completion
	target     string
	kind       Kind
	pin, value uint8
	ok         bool
}

// Tick advances the engine once: expire unacknowledged messages, transmit
// due retries and the periodic presence broadcast, drain the response queue,
// and deliver pending completion callbacks. The host calls Tick from its
// main loop; all timing derives from the node's clock, so Tick itself never
// blocks.
func (n *Node) Tick() {
	n.mu.Lock()
	tp := n.tp
	if tp == nil {
		n.mu.Unlock()
		return
	}
	now := n.clk.Now()

	var sends []wireSend

	// Expire tracked messages whose acknowledgement window has closed.
	for i := range n.trk.slots {
		e := &n.trk.slots[i]
		if !e.active || e.acked || e.donePending || !e.retryAt.IsZero() {
			continue
		}
		if now.Sub(e.sentAt) <= n.ackTimeout {
			continue
		}
		if n.retriesEnabled && e.kind.retryEligible() && e.retries < n.maxRetries {
			e.retries++
			e.retryAt = now // due immediately; transmitted below
			e.sentAt = now
			n.log.Debug("ack timeout, retry scheduled",
				zap.String("target", e.target), zap.Int("attempt", e.retries))
		} else {
			rootMetrics.timeouts.Add(1)
			e.donePending, e.doneOK = true, false
			n.log.Debug("ack timeout", zap.String("target", e.target), zap.Stringer("kind", e.kind))
		}
	}

	// Transmit due retries, re-encoding from the tracked payload with the
	// original correlation id.
	for i := range n.trk.slots {
		e := &n.trk.slots[i]
		if !e.active || e.acked || e.donePending || e.retryAt.IsZero() || e.retryAt.After(now) {
			continue
		}
		addr, ok := n.reg.Addr(e.target)
		if !ok {
			// Peer evicted since the original send.
			e.donePending, e.doneOK = true, false
			continue
		}
		data, err := n.retryEnvelope(e).Encode()
		if err != nil {
			e.donePending, e.doneOK = true, false
			continue
		}
		e.retryAt = time.Time{}
		e.sentAt = now
		rootMetrics.retries.Add(1)
		sends = append(sends, wireSend{addr: addr, payload: data})
	}

	// Periodic presence broadcast.
	if n.disc.due(now) {
		data, err := Envelope{Sender: n.id, Kind: KindDiscovery}.Encode()
		if err == nil {
			sends = append(sends, wireSend{payload: data})
		}
	}

	// Drain responses queued by the receive path.
	for _, f := range n.outq {
		addr, ok := n.reg.Addr(f.target)
		if !ok {
			n.log.Debug("dropping queued response for unknown peer", zap.String("target", f.target))
			continue
		}
		data, err := f.env.Encode()
		if err != nil {
			n.log.Debug("dropping unencodable response", zap.Error(err))
			continue
		}
		sends = append(sends, wireSend{addr: addr, payload: data})
	}
	n.outq = n.outq[:0]

	// Collect terminal completions. Acknowledged slots are retained for a
	// grace period so a duplicate acknowledgement finds a completed entry
	// rather than a recycled one; failed slots free immediately.
	var fires []fireDone
	for i := range n.trk.slots {
		e := &n.trk.slots[i]
		if e.active && e.donePending {
			fires = append(fires, fireDone{e.done, e.target, e.kind, e.pin, e.value, e.doneOK})
			e.donePending = false
			if !e.acked {
				n.trk.release(i)
			}
		}
	}
	for i := range n.trk.slots {
		e := &n.trk.slots[i]
		if e.active && e.acked && !e.donePending && now.Sub(e.ackedAt) > ackGrace {
			n.trk.release(i)
		}
	}

	onStatus, onFailure := n.onSendStatus, n.onSendFailure
	n.mu.Unlock()

	for _, s := range sends {
		rootMetrics.framesSent.Add(1)
		if s.addr == "" {
			if err := tp.Broadcast(s.payload); err != nil {
				n.log.Debug("broadcast failed", zap.Error(err))
			}
		} else if err := tp.SendTo(s.addr, s.payload); err != nil {
			n.log.Debug("send failed", zap.String("addr", s.addr), zap.Error(err))
		}
	}

	for _, f := range fires {
		if f.done != nil {
			f.done(f.target, f.pin, f.value, f.ok)
		}
		if onStatus != nil {
			onStatus(f.target, f.kind, f.ok)
		}
		if !f.ok && onFailure != nil {
			onFailure(f.target, f.kind, f.pin, f.value)
		}
	}
}

// retryEnvelope reconstructs the wire envelope for a retry of e.
func (n *Node) retryEnvelope(e *trackEntry) Envelope {
	env := Envelope{Sender: n.id, Kind: e.kind, ID: e.id}
	switch e.kind {
	case KindPinControl:
		env.Pin, env.Value = ptr(e.pin), ptr(e.value)
	case KindPinReadRequest, KindPinSubscribe:
		env.Pin = ptr(e.pin)
	}
	return env
}

// Status is a point-in-time snapshot of the node's tables for diagnostics.
type Status struct {
	ID              string `json:"id"`
	Started         bool   `json:"started"`
	Peers           int    `json:"peers"`
	InFlight        int    `json:"inFlight"`
	QueuedResponses int    `json:"queuedResponses"`
	DiscoveryPhase  string `json:"discoveryPhase"`

	FramesReceived int64 `json:"framesReceived"`
	FramesSent     int64 `json:"framesSent"`
	Retries        int64 `json:"retries"`
	Timeouts       int64 `json:"timeouts"`
}

// Status reports a snapshot of the node's current state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{
		ID:              n.id,
		Started:         n.tp != nil,
		Peers:           n.reg.Len(),
		InFlight:        n.trk.inFlight(),
		QueuedResponses: len(n.outq),
		DiscoveryPhase:  n.disc.phase.String(),
		FramesReceived:  rootMetrics.framesRecv.Value(),
		FramesSent:      rootMetrics.framesSent.Value(),
		Retries:         rootMetrics.retries.Value(),
		Timeouts:        rootMetrics.timeouts.Value(),
	}
}
