package pinmesh

import (
	"expvar"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// A Transport hands frames to the underlying medium. "Accepted" (a nil
// error) means handed to the medium, not delivered; delivery confirmation, if
// any, arrives through the node's HandleSendResult notification.
//
// Implementations live in the transport package.
type Transport interface {
	// SendTo transmits payload to the peer at addr.
	SendTo(addr string, payload []byte) error

	// Broadcast transmits payload to every reachable peer.
	Broadcast(payload []byte) error
}

// Default numeric policy. MaxRetries and RetryDelay bounds are enforced by
// the setters, not merely documented.
const (
	DefaultAckTimeout = 5 * time.Second
	DefaultMaxRetries = 3
	DefaultRetryDelay = 500 * time.Millisecond

	MinRetryDelay = 50 * time.Millisecond
	MaxRetryDelay = 10 * time.Second
	MaxRetries    = 10

	// maxQueuedResponses bounds the outbound response queue filled from the
	// receive path. When full, the oldest entry is dropped.
	maxQueuedResponses = 10

	// ackGrace is how long an acknowledged slot is retained before reuse, so
	// a duplicate acknowledgement finds a completed entry instead of a
	// recycled one.
	ackGrace = 2 * DefaultAckTimeout
)

// Options configure a Node. A nil *Options is ready to use.
type Options struct {
	// Logger receives engine logs. If nil, a console logger gated by the
	// node's verbosity setting is used (quiet by default).
	Logger *zap.Logger

	// Clock is the engine's time source. If nil, the wall clock is used.
	// Tests substitute a mock.
	Clock clock.Clock

	// Pins is the hardware boundary for default pin actions. If nil, writes
	// are discarded and reads report zero.
	Pins Pins

	// AckTimeout overrides DefaultAckTimeout when positive.
	AckTimeout time.Duration

	// PeerCapacity overrides MaxPeers when positive.
	PeerCapacity int
}

func (o *Options) logger(lvl zap.AtomicLevel) *zap.Logger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl))
}

func (o *Options) clock() clock.Clock {
	if o != nil && o.Clock != nil {
		return o.Clock
	}
	return clock.New()
}

func (o *Options) pins() Pins {
	if o != nil && o.Pins != nil {
		return o.Pins
	}
	return nopPins{}
}

func (o *Options) ackTimeout() time.Duration {
	if o != nil && o.AckTimeout > 0 {
		return o.AckTimeout
	}
	return DefaultAckTimeout
}

func (o *Options) peerCapacity() int {
	if o != nil && o.PeerCapacity > 0 {
		return o.PeerCapacity
	}
	return MaxPeers
}

// A Node is one participant of the mesh: peer registry, discovery, reliable
// delivery, and subscription dispatch behind a single host-facing API.
//
// The node is driven by a single-threaded cooperative loop: the host calls
// Tick regularly, and Tick is the only place where timeouts fire, retries
// transmit, and queued responses drain. The transport's HandleFrame and
// HandleSendResult notifications may arrive from a different goroutine (the
// medium's receive context); they only parse input, update the node's
// tables, and enqueue responses. They never transmit.
type Node struct {
	id   string
	clk  clock.Clock
	log  *zap.Logger
	lvl  zap.AtomicLevel
	pins Pins

	mu   sync.Mutex
	tp   Transport // nil until Start
	reg  *Registry
	trk  tracker
	subs subscriptions
	disc discoveryState
	outq []outFrame

	acksEnabled    bool
	retriesEnabled bool
	maxRetries     int
	retryDelay     time.Duration
	ackTimeout     time.Duration

	onDiscover    DiscoveryHandler
	onSendStatus  SendStatusHandler
	onSendFailure SendFailureHandler
	onDirect      MessageHandler
	onSerial      SerialHandler
	onPinChange   PinHandler // global pin handler; nil enables the default action
	pinReader     PinReader  // nil enables the hardware read fallback
}

// An outFrame is a response generated by the receive path, queued for
// transmission during Tick.
type outFrame struct {
	target string // node id
	env    Envelope
}

// New constructs an unstarted node with the given id.
func New(id string, opts *Options) *Node {
	lvl := zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	return &Node{
		id:   id,
		clk:  opts.clock(),
		log:  opts.logger(lvl).Named("pinmesh").With(zap.String("node", id)),
		lvl:  lvl,
		pins: opts.pins(),
		reg:  newRegistry(opts.peerCapacity()),

		acksEnabled: true,
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		ackTimeout:  opts.ackTimeout(),
	}
}

// ID returns the node's id.
func (n *Node) ID() string { return n.id }

// Start attaches the node to a transport and begins the discovery session.
// The caller is responsible for wiring the node as the transport's receiver.
// Start panics if the node is already started.
func (n *Node) Start(tp Transport) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.tp != nil {
		panic("node is already started")
	}
	n.tp = tp
	n.disc.start(n.clk.Now())
	n.log.Info("node started")
	return n
}

// Stop detaches the node from its transport. The in-flight table and queued
// responses are discarded without invoking callbacks.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tp = nil
	n.trk = tracker{}
	n.outq = nil
	n.log.Info("node stopped")
}

// Metrics returns the engine metrics map. Metrics are shared among all nodes
// in the process; it is safe for the caller to add entries.
func (n *Node) Metrics() *expvar.Map { return rootMetrics.emap }

// ---- Configuration ----

// SetAcknowledgements enables or disables delivery acknowledgements for
// tracked kinds.
func (n *Node) SetAcknowledgements(enable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.acksEnabled = enable
}

// Acknowledgements reports whether acknowledgements are enabled.
func (n *Node) Acknowledgements() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.acksEnabled
}

// SetRetries enables or disables automatic retries for retry-eligible kinds.
func (n *Node) SetRetries(enable bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.retriesEnabled = enable
}

// Retries reports whether automatic retries are enabled.
func (n *Node) Retries() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.retriesEnabled
}

// SetMaxRetries sets the retry bound, clamped to [0, MaxRetries].
func (n *Node) SetMaxRetries(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.maxRetries = min(max(count, 0), MaxRetries)
}

// MaxRetriesSetting reports the current retry bound.
func (n *Node) MaxRetriesSetting() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.maxRetries
}

// SetRetryDelay sets the delay between retries, clamped to
// [MinRetryDelay, MaxRetryDelay].
func (n *Node) SetRetryDelay(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.retryDelay = min(max(d, MinRetryDelay), MaxRetryDelay)
}

// RetryDelay reports the current retry delay.
func (n *Node) RetryDelay() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.retryDelay
}

// SetLogVerbosity adjusts the built-in logger: 0 is quiet (errors only),
// 1 enables lifecycle events, 2 enables per-frame debug events. It has no
// effect on a logger supplied through Options.
func (n *Node) SetLogVerbosity(level int) {
	switch {
	case level <= 0:
		n.lvl.SetLevel(zapcore.ErrorLevel)
	case level == 1:
		n.lvl.SetLevel(zapcore.InfoLevel)
	default:
		n.lvl.SetLevel(zapcore.DebugLevel)
	}
}

// ---- Discovery queries ----

// IsPeerAvailable reports whether id has been discovered. A node is always
// available to itself.
func (n *Node) IsPeerAvailable(id string) bool {
	if id == n.id {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg.Contains(id)
}

// PeerCount reports the number of discovered peers.
func (n *Node) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg.Len()
}

// PeerName returns the id of the index-th discovered peer, or "". The index
// is stable only until the registry next changes.
func (n *Node) PeerName(index int) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg.Name(index)
}

// Peers returns a snapshot of the discovered peers.
func (n *Node) Peers() []Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reg.Peers()
}

// OnPeerDiscovered registers the discovery event handler. Passing nil
// removes it.
func (n *Node) OnPeerDiscovered(fn DiscoveryHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDiscover = fn
}

// ---- Delivery observers ----

// OnSendStatus registers an observer for the terminal outcome of every
// tracked send. Passing nil removes it.
func (n *Node) OnSendStatus(fn SendStatusHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onSendStatus = fn
}

// OnSendFailure registers an observer for terminal delivery failures.
// Passing nil removes it.
func (n *Node) OnSendFailure(fn SendFailureHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onSendFailure = fn
}

// ---- Pin control (controller side) ----

// ControlPin asks target to set pin to value. When acknowledgements or
// retries are enabled the message is tracked and done, if non-nil, fires
// exactly once with the outcome; otherwise the send is fire-and-forget and
// done never fires.
//
// If every tracking slot is occupied the message is still transmitted
// best-effort and ControlPin reports StatusUntracked.
func (n *Node) ControlPin(target string, pin, value uint8, done Completion) (SendStatus, error) {
	env := Envelope{Sender: n.id, Kind: KindPinControl, Pin: ptr(pin), Value: ptr(value)}
	return n.sendTracked(target, env, pin, value, done)
}

// ClearPinConfirmCallbacks withdraws the completion callbacks of all
// in-flight pin-control messages, so that a late acknowledgement cannot
// invoke a handler the application has released.
func (n *Node) ClearPinConfirmCallbacks() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trk.clearCallbacks(KindPinControl)
}

// ReadPin asks target to report the value of pin. done fires exactly once
// with the reported value, or with ok=false on timeout. Read requests
// require a tracking slot; when none is free the request is rejected.
func (n *Node) ReadPin(target string, pin uint8, done Completion) error {
	env := Envelope{Sender: n.id, Kind: KindPinReadRequest, Pin: ptr(pin)}
	_, err := n.sendTracked(target, env, pin, 0, done)
	return err
}

// ReadPinSync reads a pin on target, blocking the caller until the response
// arrives or the acknowledgement timeout elapses. It drives Tick itself, so
// it must only be called from the host loop's thread. This is the only
// blocking call in the package.
func (n *Node) ReadPinSync(target string, pin uint8) (uint8, error) {
	type result struct {
		value uint8
		ok    bool
	}
	var (
		mu  sync.Mutex
		res *result
	)
	err := n.ReadPin(target, pin, func(_ string, _, value uint8, ok bool) {
		mu.Lock()
		defer mu.Unlock()
		res = &result{value: value, ok: ok}
	})
	if err != nil {
		return 0, err
	}

	deadline := n.clk.Now().Add(n.ackTimeout)
	for {
		n.Tick()
		mu.Lock()
		r := res
		mu.Unlock()
		if r != nil {
			if !r.ok {
				return 0, ErrReadTimeout
			}
			return r.value, nil
		}
		if !n.clk.Now().Before(deadline) {
			return 0, ErrReadTimeout
		}
		n.clk.Sleep(10 * time.Millisecond)
	}
}

// ---- Pin control (responder side) ----

// HandlePinControl registers a global handler for inbound pin-control
// frames. With a nil handler (and no matching subscription) the engine
// applies the control directly to the hardware pin.
func (n *Node) HandlePinControl(fn PinHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onPinChange = fn
}

// StopHandlingPinControl removes the global pin-control handler and every
// pin-control subscription, restoring the default hardware action.
func (n *Node) StopHandlingPinControl() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onPinChange = nil
	n.subs.clearKind(KindPinControl)
}

// AcceptPinControlFrom subscribes fn to pin-control frames for pin from
// controller, and advises the controller of the subscription.
func (n *Node) AcceptPinControlFrom(controller string, pin uint8, fn PinHandler) error {
	if fn == nil {
		return fmt.Errorf("nil handler")
	}
	n.mu.Lock()
	ok := n.subs.add(subscription{kind: KindPinControl, peer: controller, pin: pin, onPin: fn})
	n.mu.Unlock()
	if !ok {
		return ErrNoSubscriptionSlot
	}

	// Advisory only: the subscription is effective even if the controller is
	// not yet discovered or the notice is lost.
	env := Envelope{Sender: n.id, Kind: KindPinSubscribe, Pin: ptr(pin)}
	if _, err := n.sendTracked(controller, env, pin, 0, nil); err != nil {
		n.log.Debug("pin-subscribe notice not sent", zap.String("controller", controller), zap.Error(err))
	}
	return nil
}

// StopAcceptingPinControlFrom removes the subscription added by
// AcceptPinControlFrom, reporting whether it existed.
func (n *Node) StopAcceptingPinControlFrom(controller string, pin uint8) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subs.removePin(KindPinControl, controller, pin)
}

// HandlePinReadRequests registers a custom reader for inbound pin-read
// requests. With a nil reader the engine answers from the hardware pin.
func (n *Node) HandlePinReadRequests(fn PinReader) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pinReader = fn
}

// StopHandlingPinReadRequests restores the hardware read fallback.
func (n *Node) StopHandlingPinReadRequests() { n.HandlePinReadRequests(nil) }

// ---- Pin state broadcasting ----

// BroadcastPinState announces the state of a local pin to all nodes.
// Broadcasts are never tracked.
func (n *Node) BroadcastPinState(pin, value uint8) error {
	return n.broadcast(Envelope{Sender: n.id, Kind: KindPinPublish, Pin: ptr(pin), Value: ptr(value)})
}

// ListenForPinState subscribes fn to pin-state broadcasts for pin from
// broadcaster.
func (n *Node) ListenForPinState(broadcaster string, pin uint8, fn PinHandler) error {
	if fn == nil {
		return fmt.Errorf("nil handler")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.subs.add(subscription{kind: KindPinPublish, peer: broadcaster, pin: pin, onPin: fn}) {
		return ErrNoSubscriptionSlot
	}
	return nil
}

// StopListeningForPinState removes the subscription added by
// ListenForPinState, reporting whether it existed.
func (n *Node) StopListeningForPinState(broadcaster string, pin uint8) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subs.removePin(KindPinPublish, broadcaster, pin)
}

// ---- Topic messaging ----

// PublishTopic broadcasts message on topic. Topic messages are never
// tracked.
func (n *Node) PublishTopic(topic, message string) error {
	return n.broadcast(Envelope{Sender: n.id, Kind: KindTopicMessage, Topic: topic, Message: message})
}

// SubscribeTopic subscribes fn to messages published on topic. Multiple
// subscriptions to one topic all fire, in insertion order.
func (n *Node) SubscribeTopic(topic string, fn TopicHandler) error {
	if fn == nil {
		return fmt.Errorf("nil handler")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.subs.add(subscription{kind: KindTopicMessage, topic: topic, onTopic: fn}) {
		return ErrNoSubscriptionSlot
	}
	return nil
}

// UnsubscribeTopic removes the subscription for topic, reporting whether it
// existed.
func (n *Node) UnsubscribeTopic(topic string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subs.removeTopic(topic)
}

// ---- Direct messaging ----

// SendDirectMessage sends a text message to target. Tracked when
// acknowledgements are enabled.
func (n *Node) SendDirectMessage(target, message string) (SendStatus, error) {
	env := Envelope{Sender: n.id, Kind: KindDirectMessage, Message: message}
	return n.sendTracked(target, env, 0, 0, nil)
}

// ReceiveDirectMessages registers the handler for inbound direct messages.
// Passing nil removes it.
func (n *Node) ReceiveDirectMessages(fn MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDirect = fn
}

// ---- Serial data forwarding ----

// ForwardSerialData broadcasts opaque serial data to all nodes.
func (n *Node) ForwardSerialData(data string) error {
	return n.broadcast(Envelope{Sender: n.id, Kind: KindSerialData, Data: data})
}

// ReceiveSerialData registers the handler for forwarded serial data.
func (n *Node) ReceiveSerialData(fn SerialHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onSerial = fn
}

// StopReceivingSerialData removes the serial data handler.
func (n *Node) StopReceivingSerialData() { n.ReceiveSerialData(nil) }

// ---- Send paths ----

// sendTracked resolves target, allocates tracking when applicable, and hands
// the encoded envelope to the transport. It must not hold the node lock
// across the transport call: the transport may invoke HandleSendResult
// synchronously.
func (n *Node) sendTracked(target string, env Envelope, pin, value uint8, done Completion) (SendStatus, error) {
	n.mu.Lock()
	tp := n.tp
	if tp == nil {
		n.mu.Unlock()
		return StatusFailed, ErrNotStarted
	}
	addr, ok := n.reg.Addr(target)
	if !ok {
		n.mu.Unlock()
		return StatusFailed, fmt.Errorf("%w: %q", ErrUnknownPeer, target)
	}

	status := StatusSent
	track := n.acksEnabled ||
		(n.retriesEnabled && env.Kind.retryEligible()) ||
		env.Kind == KindPinReadRequest
	if track {
		env.ID = uuid.NewString()
		allocated := n.trk.alloc(trackEntry{
			id:     env.ID,
			target: target,
			kind:   env.Kind,
			sentAt: n.clk.Now(),
			pin:    pin,
			value:  value,
			done:   done,
		})
		if !allocated {
			if env.Kind == KindPinReadRequest {
				// A read without a correlation slot can never complete.
				n.mu.Unlock()
				return StatusFailed, ErrNoTrackingSlot
			}
			// Lossy policy: transmit best-effort without tracking. The
			// correlation id is dropped so the receiver does not waste an
			// acknowledgement on it.
			env.ID = ""
			status = StatusUntracked
			n.log.Info("tracking table full, sending untracked",
				zap.String("target", target), zap.Stringer("kind", env.Kind))
		}
	}
	n.mu.Unlock()

	data, err := env.Encode()
	if err != nil {
		n.releaseTracked(env.ID)
		return StatusFailed, err
	}
	n.log.Debug("send", zap.String("target", target), zap.Stringer("kind", env.Kind))
	rootMetrics.framesSent.Add(1)
	if err := tp.SendTo(addr, data); err != nil {
		n.releaseTracked(env.ID)
		return StatusFailed, fmt.Errorf("transport: %w", err)
	}
	return status, nil
}

// releaseTracked frees the slot for id after a synchronous send failure, so
// the completion callback is not left pending for a frame that never reached
// the medium.
func (n *Node) releaseTracked(id string) {
	if id == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.trk.slots {
		if n.trk.slots[i].active && n.trk.slots[i].id == id {
			n.trk.release(i)
			return
		}
	}
}

// broadcast encodes and transmits an untracked broadcast envelope.
func (n *Node) broadcast(env Envelope) error {
	n.mu.Lock()
	tp := n.tp
	n.mu.Unlock()
	if tp == nil {
		return ErrNotStarted
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	n.log.Debug("broadcast", zap.Stringer("kind", env.Kind))
	rootMetrics.framesSent.Add(1)
	if err := tp.Broadcast(data); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// enqueueLocked appends a response frame to the outbound queue, dropping the
// oldest entry when the queue is full.
func (n *Node) enqueueLocked(f outFrame) {
	if len(n.outq) >= maxQueuedResponses {
		n.log.Warn("response queue full, dropping oldest",
			zap.Stringer("dropped", n.outq[0].env.Kind))
		copy(n.outq, n.outq[1:])
		n.outq = n.outq[:len(n.outq)-1]
	}
	n.outq = append(n.outq, f)
}
